// Package language canonicalizes target-language identifiers at the HTTP
// boundary. Persisted state and worker requests only ever see canonical
// tags; display names never leak past this package.
package language

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Default is the reserved tag for task-global stages.
const Default = "default"

// Supported lists the tags with known worker support. Other well-formed
// tags are accepted but may fail at worker time.
var Supported = []string{"en", "ko", "ja", "fr", "de", "es", "id"}

// displayNames maps natural-language names that appear in older clients to
// canonical tags.
var displayNames = map[string]string{
	"英语":       "en",
	"韩语":       "ko",
	"日语":       "ja",
	"法语":       "fr",
	"德语":       "de",
	"西班牙语":     "es",
	"印尼语":      "id",
	"english":  "en",
	"korean":   "ko",
	"japanese": "ja",
	"french":   "fr",
	"german":   "de",
	"spanish":  "es",
}

// Canonicalize maps an incoming language identifier to its canonical tag.
// Accepts tags ("en", "en-US" → "en"), display names, and the reserved
// Default tag. Returns an error for anything unparseable.
func Canonicalize(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("empty language")
	}
	if s == Default {
		return Default, nil
	}

	if tag, ok := displayNames[strings.ToLower(s)]; ok {
		return tag, nil
	}

	tag, err := language.Parse(s)
	if err != nil {
		return "", fmt.Errorf("unrecognized language %q: %w", input, err)
	}

	base, conf := tag.Base()
	if conf == language.No {
		return "", fmt.Errorf("unrecognized language %q", input)
	}
	return base.String(), nil
}

// CanonicalizeAll canonicalizes a list, dropping duplicates while keeping
// first-seen order.
func CanonicalizeAll(inputs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(inputs))
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		tag, err := Canonicalize(in)
		if err != nil {
			return nil, err
		}
		if tag == Default {
			return nil, fmt.Errorf("%q is reserved and not a target language", Default)
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}

// IsSupported reports whether the tag has known worker support.
func IsSupported(tag string) bool {
	for _, s := range Supported {
		if s == tag {
			return true
		}
	}
	return false
}
