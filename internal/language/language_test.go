package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"en", "en"},
		{"EN", "en"},
		{"en-US", "en"},
		{"ko", "ko"},
		{"日语", "ja"},
		{"英语", "en"},
		{"Korean", "ko"},
		{"default", "default"},
		{" es ", "es"},
	}
	for _, tt := range tests {
		got, err := Canonicalize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCanonicalize_Invalid(t *testing.T) {
	for _, in := range []string{"", "???", "not a language at all !!"} {
		_, err := Canonicalize(in)
		assert.Error(t, err, in)
	}
}

func TestCanonicalizeAll(t *testing.T) {
	tags, err := CanonicalizeAll([]string{"en", "EN", "韩语", "ja"})
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "ko", "ja"}, tags)

	_, err = CanonicalizeAll([]string{"en", "default"})
	assert.Error(t, err)
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("en"))
	assert.True(t, IsSupported("id"))
	assert.False(t, IsSupported("xx"))
}
