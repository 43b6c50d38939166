// Package subtitle parses and formats SubRip (.srt) subtitle files.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Cue is one subtitle line with its time range. Times are in seconds.
type Cue struct {
	Index     int     `json:"index"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
}

// StartFormatted returns the cue start as HH:MM:SS,mmm.
func (c Cue) StartFormatted() string {
	return FormatTimestamp(c.StartTime)
}

// EndFormatted returns the cue end as HH:MM:SS,mmm.
func (c Cue) EndFormatted() string {
	return FormatTimestamp(c.EndTime)
}

// FormatTimestamp renders seconds as an SRT timestamp, HH:MM:SS,mmm.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds*1000+0.5) * time.Millisecond
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// ParseTimestamp parses an SRT timestamp (HH:MM:SS,mmm) into seconds.
// A dot is accepted in place of the comma since some tools emit it.
func ParseTimestamp(ts string) (float64, error) {
	ts = strings.TrimSpace(ts)
	normalized := strings.Replace(ts, ".", ",", 1)

	var h, m, s, ms int
	if _, err := fmt.Sscanf(normalized, "%d:%d:%d,%d", &h, &m, &s, &ms); err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	if m > 59 || s > 59 || ms > 999 || h < 0 || m < 0 || s < 0 || ms < 0 {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}
	return float64(h)*3600 + float64(m)*60 + float64(s) + float64(ms)/1000, nil
}

// Parse reads an SRT document into cues. Cue numbering from the source is
// ignored; indices are assigned sequentially so downstream segment files
// line up with cue order. Malformed blocks abort the parse.
func Parse(r io.Reader) ([]Cue, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cues []Cue
	var block []string
	lineNo := 0

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		cue, err := parseBlock(block, len(cues))
		block = block[:0]
		if err != nil {
			return err
		}
		cues = append(cues, cue)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}
		block = append(block, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading subtitle: %w", err)
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo, err)
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("subtitle contains no cues")
	}
	return cues, nil
}

func parseBlock(lines []string, index int) (Cue, error) {
	// Optional leading sequence number.
	if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return Cue{}, fmt.Errorf("cue block missing timing line")
	}

	start, end, err := parseTimingLine(lines[0])
	if err != nil {
		return Cue{}, err
	}
	if len(lines) < 2 {
		return Cue{}, fmt.Errorf("cue block missing text")
	}
	return Cue{
		Index:     index,
		StartTime: start,
		EndTime:   end,
		Text:      strings.Join(lines[1:], "\n"),
	}, nil
}

func parseTimingLine(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid timing line %q", line)
	}
	start, err := ParseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	// Position/alignment hints after the end timestamp are ignored.
	endField := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("invalid timing line %q", line)
	}
	end, err := ParseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("cue ends before it starts: %q", line)
	}
	return start, end, nil
}

// Format renders cues back to SRT text with 1-based sequence numbers.
func Format(cues []Cue) string {
	var b strings.Builder
	for i, cue := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n",
			i+1, cue.StartFormatted(), cue.EndFormatted(), cue.Text)
	}
	return b.String()
}
