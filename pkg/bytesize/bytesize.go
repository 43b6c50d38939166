// Package bytesize parses and formats byte counts the way they appear in
// configuration and log lines: "4GB" upload limits, "1.5 MB" artifacts.
// Units are binary (1024-based); the IEC spellings KiB..PiB are accepted
// as aliases. A bare number is a byte count.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary (1024-based) size constants.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
	PB Size = 1024 * TB
)

// multiplierFor resolves a lowercased unit suffix.
func multiplierFor(unit string) (Size, bool) {
	switch unit {
	case "", "b", "byte", "bytes":
		return B, true
	case "k", "kb", "kib":
		return KB, true
	case "m", "mb", "mib":
		return MB, true
	case "g", "gb", "gib":
		return GB, true
	case "t", "tb", "tib":
		return TB, true
	case "p", "pb", "pib":
		return PB, true
	}
	return 0, false
}

// Parse converts strings like "5MB", "1.5 GB", or "1024" into a Size.
// Case and the space before the unit are both optional. Negative sizes
// are rejected.
func Parse(s string) (Size, error) {
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	trimmed := strings.TrimSpace(s)

	// Split at the first rune that cannot be part of the number.
	split := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	numPart := trimmed[:split]
	unitPart := strings.ToLower(strings.TrimSpace(trimmed[split:]))

	if numPart == "" {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", numPart, err)
	}

	multiplier, ok := multiplierFor(unitPart)
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", unitPart)
	}

	return Size(value * float64(multiplier)), nil
}

// MustParse is Parse for literals; it panics on a malformed string.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Format renders a Size in the largest unit that keeps the value >= 1,
// with up to two decimals ("1.5MB", "2GB", "500B").
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}

	negative := s < 0
	if negative {
		s = -s
	}

	var out string
	switch {
	case s >= PB:
		out = trimDecimals(float64(s)/float64(PB)) + "PB"
	case s >= TB:
		out = trimDecimals(float64(s)/float64(TB)) + "TB"
	case s >= GB:
		out = trimDecimals(float64(s)/float64(GB)) + "GB"
	case s >= MB:
		out = trimDecimals(float64(s)/float64(MB)) + "MB"
	case s >= KB:
		out = trimDecimals(float64(s)/float64(KB)) + "KB"
	default:
		out = strconv.FormatInt(int64(s), 10) + "B"
	}

	if negative {
		return "-" + out
	}
	return out
}

// trimDecimals formats with two decimals and strips the trailing zeros.
func trimDecimals(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	out := strconv.FormatFloat(v, 'f', 2, 64)
	out = strings.TrimRight(out, "0")
	return strings.TrimRight(out, ".")
}

// Bytes returns the size as a plain int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String implements fmt.Stringer via Format.
func (s Size) String() string {
	return Format(s)
}
