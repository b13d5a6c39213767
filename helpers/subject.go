package helpers

import "strings"

// NormalizeSubject strips reply/forward prefixes and collapses whitespace so
// that subjects can be compared for thread grouping. Follows the base-subject
// idea of RFC 5256 §2.1: keep removing prefixes until none remain.
func NormalizeSubject(subject string) string {
	if subject == "" {
		return ""
	}

	normalized := strings.ToUpper(SanitizeUTF8(subject))

	for {
		old := normalized
		normalized = strings.TrimSpace(normalized)
		normalized = trimReplyPrefix(normalized)
		normalized = trimForwardPrefix(normalized)
		if old == normalized {
			break
		}
	}

	return strings.Join(strings.Fields(normalized), " ")
}

// IsReplySubject reports whether the subject carries a reply or forward
// prefix. Such a message claims membership in an existing conversation,
// which makes it a candidate for subject-based thread grouping when its
// threading headers reference nothing stored.
func IsReplySubject(subject string) bool {
	s := strings.TrimSpace(strings.ToUpper(SanitizeUTF8(subject)))
	return trimReplyPrefix(s) != s || trimForwardPrefix(s) != s
}

// trimReplyPrefix removes "RE:", "RE[2]:" and "RE(3):" style prefixes.
func trimReplyPrefix(s string) string {
	if strings.HasPrefix(s, "RE:") {
		return strings.TrimSpace(s[3:])
	}
	if strings.HasPrefix(s, "RE[") || strings.HasPrefix(s, "RE(") {
		close := byte(']')
		if s[2] == '(' {
			close = ')'
		}
		if idx := strings.IndexByte(s[3:], close); idx >= 0 {
			rest := s[3+idx+1:]
			if strings.HasPrefix(rest, ":") {
				return strings.TrimSpace(rest[1:])
			}
		}
	}
	return s
}

func trimForwardPrefix(s string) string {
	for _, prefix := range []string{"FWD:", "FW:", "FORWARD:"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}
