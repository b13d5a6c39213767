package imap

import (
	"fmt"
	"strconv"
	"strings"
)

// seqStar marks a "*" endpoint in a sequence set. It resolves to the
// highest sequence number or UID present in the session's view.
const seqStar int64 = -1

// seqRange is one inclusive range of a sequence set. Either bound may be
// seqStar. Bounds are not ordered until resolution: "4:2" is the same
// range as "2:4", and "100:*" must still match the last message when the
// view's highest value is below 100.
type seqRange struct {
	Lo, Hi int64
}

// seqSet is a parsed IMAP sequence set: a union of ranges.
type seqSet []seqRange

// parseSeqSet parses "n", "*", "n:m", "n:*" and comma-separated unions
// of those. Numbers are 1-based; zero is rejected.
func parseSeqSet(expr string) (seqSet, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty sequence set")
	}

	var set seqSet
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		loStr, hiStr, isRange := strings.Cut(part, ":")
		lo, err := parseSeqNumber(loStr)
		if err != nil {
			return nil, err
		}
		hi := lo
		if isRange {
			hi, err = parseSeqNumber(hiStr)
			if err != nil {
				return nil, err
			}
		}
		set = append(set, seqRange{Lo: lo, Hi: hi})
	}
	return set, nil
}

func parseSeqNumber(token string) (int64, error) {
	if token == "*" {
		return seqStar, nil
	}
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid sequence number %q", token)
	}
	return n, nil
}

// Contains reports whether n falls inside the set once * is resolved to
// max. An empty view (max == 0) matches nothing.
func (s seqSet) Contains(n, max int64) bool {
	if n <= 0 || max <= 0 {
		return false
	}
	for _, r := range s {
		lo, hi := r.Lo, r.Hi
		if lo == seqStar {
			lo = max
		}
		if hi == seqStar {
			hi = max
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if n >= lo && n <= hi {
			return true
		}
	}
	return false
}

// String renders the set back in its canonical wire form.
func (s seqSet) String() string {
	parts := make([]string, 0, len(s))
	for _, r := range s {
		if r.Lo == r.Hi {
			parts = append(parts, formatSeqNumber(r.Lo))
		} else {
			parts = append(parts, formatSeqNumber(r.Lo)+":"+formatSeqNumber(r.Hi))
		}
	}
	return strings.Join(parts, ",")
}

func formatSeqNumber(n int64) string {
	if n == seqStar {
		return "*"
	}
	return strconv.FormatInt(n, 10)
}
