package imap

import (
	"bufio"
	"strings"

	serverPkg "github.com/relatemail/ferry/server"
)

// handleList answers mailbox listing against the flat single-mailbox
// namespace. The empty pattern is the hierarchy-delimiter probe and
// returns the root entry instead of matching anything.
func (s *IMAPSession) handleList(writer *bufio.Writer, tag string, args []string) bool {
	if len(args) < 2 {
		return s.handleClientError(writer, tag, "BAD", "LIST requires a reference and a pattern")
	}
	reference := serverPkg.UnquoteString(args[0])
	pattern := serverPkg.UnquoteString(args[1])

	if pattern == "" {
		s.untagged(writer, `LIST (\Noselect) "/" ""`)
		s.ok(writer, tag, "LIST completed")
		return false
	}

	if matchesInbox(reference, pattern) {
		s.untagged(writer, `LIST (\HasNoChildren) "/" "INBOX"`)
	}
	s.ok(writer, tag, "LIST completed")
	return false
}

// matchesInbox reports whether the reference plus pattern select INBOX.
// Matching is case-insensitive; % and * behave identically because the
// namespace has no hierarchy below the root.
func matchesInbox(reference, pattern string) bool {
	combined := strings.ToUpper(reference + pattern)
	return wildcardMatch(combined, "INBOX")
}

// wildcardMatch matches an IMAP list pattern against a name. Both
// wildcards match any run of characters here since there is no
// delimiter to stop % at.
func wildcardMatch(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*', '%':
		for i := 0; i <= len(name); i++ {
			if wildcardMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	default:
		return name != "" && pattern[0] == name[0] && wildcardMatch(pattern[1:], name[1:])
	}
}
