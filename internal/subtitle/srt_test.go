package subtitle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:03,500
Hello there.

2
00:00:04,000 --> 00:00:06,250
Two lines
of text.

3
00:01:02,750 --> 00:01:05,000
Last cue.
`

func TestParse(t *testing.T) {
	cues, err := Parse(strings.NewReader(sampleSRT))
	require.NoError(t, err)
	require.Len(t, cues, 3)

	assert.Equal(t, 0, cues[0].Index)
	assert.InDelta(t, 1.0, cues[0].StartTime, 1e-9)
	assert.InDelta(t, 3.5, cues[0].EndTime, 1e-9)
	assert.Equal(t, "Hello there.", cues[0].Text)

	assert.Equal(t, "Two lines\nof text.", cues[1].Text)

	assert.Equal(t, 2, cues[2].Index)
	assert.InDelta(t, 62.75, cues[2].StartTime, 1e-9)
}

func TestParse_CRLFAndBOM(t *testing.T) {
	src := "\ufeff1\r\n00:00:00,500 --> 00:00:01,000\r\nhi\r\n"
	cues, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, cues, 1)
	assert.Equal(t, "hi", cues[0].Text)
	assert.InDelta(t, 0.5, cues[0].StartTime, 1e-9)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"no timing", "1\njust text\n"},
		{"bad timestamp", "1\n00:00:xx,000 --> 00:00:01,000\nhi\n"},
		{"end before start", "1\n00:00:05,000 --> 00:00:01,000\nhi\n"},
		{"missing text", "1\n00:00:01,000 --> 00:00:02,000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	for _, ts := range []string{"00:00:00,000", "00:00:01,500", "01:02:03,456", "11:59:59,999"} {
		secs, err := ParseTimestamp(ts)
		require.NoError(t, err)
		assert.Equal(t, ts, FormatTimestamp(secs))
	}
}

func TestParseTimestamp_DotSeparator(t *testing.T) {
	secs, err := ParseTimestamp("00:00:02.250")
	require.NoError(t, err)
	assert.InDelta(t, 2.25, secs, 1e-9)
}

func TestFormat_PreservesCountAndTimes(t *testing.T) {
	cues, err := Parse(strings.NewReader(sampleSRT))
	require.NoError(t, err)

	again, err := Parse(strings.NewReader(Format(cues)))
	require.NoError(t, err)
	require.Len(t, again, len(cues))
	for i := range cues {
		assert.InDelta(t, cues[i].StartTime, again[i].StartTime, 1e-3)
		assert.InDelta(t, cues[i].EndTime, again[i].EndTime, 1e-3)
		assert.Equal(t, cues[i].Text, again[i].Text)
	}
}
