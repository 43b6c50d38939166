// Package duration parses and formats durations the way they appear in
// configuration: "30 days" of log retention, "15m" worker timeouts. It
// accepts everything time.ParseDuration does plus day/week/month/year
// units and spelled-out unit names, in any combination ("1w2d12h").
// Months are 30 days and years 365; both are calendar approximations.
package duration

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Calendar-ish units built on 24-hour days.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

// unitFor resolves a lowercased unit name to its duration.
func unitFor(unit string) (time.Duration, bool) {
	switch unit {
	case "ns", "nano", "nanos", "nanosecond", "nanoseconds":
		return time.Nanosecond, true
	case "us", "µs", "micro", "micros", "microsecond", "microseconds":
		return time.Microsecond, true
	case "ms", "milli", "millis", "millisecond", "milliseconds":
		return time.Millisecond, true
	case "s", "sec", "secs", "second", "seconds":
		return time.Second, true
	case "m", "min", "mins", "minute", "minutes":
		return time.Minute, true
	case "h", "hr", "hrs", "hour", "hours":
		return time.Hour, true
	case "d", "day", "days":
		return Day, true
	case "w", "wk", "wks", "week", "weeks":
		return Week, true
	case "mo", "mos", "month", "months":
		return Month, true
	case "y", "yr", "yrs", "year", "years":
		return Year, true
	}
	return 0, false
}

// Parse converts strings like "30d", "2 weeks", "1w2d12h", or "720h" into
// a time.Duration. Unit names are case-insensitive and the space between
// a number and its unit is optional. A leading "-" negates the whole
// duration.
func Parse(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	in := strings.ToLower(strings.TrimSpace(s))

	negative := strings.HasPrefix(in, "-")
	if negative {
		in = strings.TrimSpace(strings.TrimPrefix(in, "-"))
	}

	var total time.Duration
	parsed := false

	i := 0
	for i < len(in) {
		for i < len(in) && in[i] == ' ' {
			i++
		}
		if i >= len(in) {
			break
		}

		numStart := i
		for i < len(in) && (in[i] == '.' || (in[i] >= '0' && in[i] <= '9')) {
			i++
		}
		if i == numStart {
			return 0, fmt.Errorf("duration: invalid format %q", s)
		}
		value, err := strconv.ParseFloat(in[numStart:i], 64)
		if err != nil {
			return 0, fmt.Errorf("duration: invalid number in %q: %w", s, err)
		}

		for i < len(in) && in[i] == ' ' {
			i++
		}
		unitStart := i
		for i < len(in) && in[i] != ' ' && (in[i] < '0' || in[i] > '9') {
			i++
		}
		unit, ok := unitFor(in[unitStart:i])
		if !ok {
			return 0, fmt.Errorf("duration: unknown unit %q in %q", in[unitStart:i], s)
		}

		total += time.Duration(value * float64(unit))
		parsed = true
	}

	if !parsed {
		return 0, fmt.Errorf("duration: invalid format %q", s)
	}
	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is Parse for literals; it panics on a malformed string.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders a duration using the largest fitting units, omitting
// zero components: 36 hours is "1d12h", a month of log retention "1mo".
// The output round-trips through Parse.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	components := []struct {
		unit time.Duration
		name string
	}{
		{Year, "y"},
		{Month, "mo"},
		{Week, "w"},
		{Day, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
		{time.Millisecond, "ms"},
		{time.Microsecond, "µs"},
		{time.Nanosecond, "ns"},
	}

	var b strings.Builder
	for _, c := range components {
		if d < c.unit {
			continue
		}
		n := d / c.unit
		d -= n * c.unit
		fmt.Fprintf(&b, "%d%s", n, c.name)
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}
