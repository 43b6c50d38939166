package worker

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Workers interleave human log text with two recognized progress shapes:
//
//	[Stage] some event text
//	<current>/<total>        (possibly embedded in a longer line)
//
// Everything else is log noise and only kept for error reporting.
var (
	stageEventRe = regexp.MustCompile(`^\[([A-Za-z_ ]+)\]\s*(.+)$`)
	ratioRe      = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
)

// ProgressObservation is one parsed progress line. Progress is -1 when the
// line carried only a message.
type ProgressObservation struct {
	Progress int
	Message  string
}

// parseProgressLine inspects one output line for a progress shape.
// Returns false for plain log lines.
func parseProgressLine(line string) (ProgressObservation, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ProgressObservation{}, false
	}

	if m := stageEventRe.FindStringSubmatch(line); m != nil {
		obs := ProgressObservation{Progress: -1, Message: m[2]}
		if r := ratioRe.FindStringSubmatch(m[2]); r != nil {
			if p, ok := ratioToPercent(r[1], r[2]); ok {
				obs.Progress = p
			}
		}
		return obs, true
	}

	if m := ratioRe.FindStringSubmatch(line); m != nil {
		if p, ok := ratioToPercent(m[1], m[2]); ok {
			return ProgressObservation{Progress: p, Message: line}, true
		}
	}

	return ProgressObservation{}, false
}

// ratioToPercent computes floor(100*current/total), rejecting zero or
// nonsense totals.
func ratioToPercent(current, total string) (int, bool) {
	cur, err1 := strconv.Atoi(current)
	tot, err2 := strconv.Atoi(total)
	if err1 != nil || err2 != nil || tot <= 0 || cur < 0 {
		return 0, false
	}
	p := cur * 100 / tot
	if p > 100 {
		p = 100
	}
	return p, true
}

// extractTrailingJSON returns the last balanced JSON object or array at the
// tail of the output. Log lines before it are tolerated; text after it is
// not, because the contract is "final line is the result document".
func extractTrailingJSON(output string) (json.RawMessage, bool) {
	trimmed := strings.TrimRight(output, " \t\r\n")
	if trimmed == "" {
		return nil, false
	}

	last := trimmed[len(trimmed)-1]
	if last != '}' && last != ']' {
		return nil, false
	}

	// Walk candidate openers from the end; the first suffix that validates
	// is the outermost document ending at EOF.
	for i := len(trimmed) - 1; i >= 0; i-- {
		c := trimmed[i]
		if c != '{' && c != '[' {
			continue
		}
		candidate := trimmed[i:]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}
	return nil, false
}
