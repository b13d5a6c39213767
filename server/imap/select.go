package imap

import (
	"bufio"
	"context"
	"strings"

	"github.com/relatemail/ferry/db"
	serverPkg "github.com/relatemail/ferry/server"
)

// handleSelect materializes the INBOX view for this session. EXAMINE
// opens it read-only. A failed or repeated SELECT lands the session back
// in Authenticated first, per the state machine.
func (s *IMAPSession) handleSelect(ctx context.Context, writer *bufio.Writer, tag string, args []string, readOnly bool) bool {
	command := "SELECT"
	if readOnly {
		command = "EXAMINE"
	}

	s.deselect()

	if len(args) < 1 {
		return s.handleClientError(writer, tag, "BAD", command+" requires a mailbox name")
	}
	mailbox := serverPkg.UnquoteString(args[0])
	if !strings.EqualFold(mailbox, "INBOX") {
		return s.handleClientError(writer, tag, "NO", "Mailbox does not exist")
	}

	messages, err := s.server.db.ListMessages(ctx, s.AccountID())
	if err != nil {
		s.Log("%s error: %v", command, err)
		s.no(writer, tag, "Internal server error")
		return false
	}
	s.messages = messages

	var recentUIDs []int64
	for _, msg := range s.messages {
		if db.ContainsFlag(msg.Flags, db.FlagRecent) {
			recentUIDs = append(recentUIDs, msg.UID)
		}
	}

	// Only the first session to select sees a message as recent: the
	// bit is dropped in the store but stays in this session's view.
	// EXAMINE leaves the store untouched.
	if !readOnly && len(recentUIDs) > 0 {
		if err := s.server.db.ClearRecentFlags(ctx, s.AccountID(), recentUIDs); err != nil {
			s.Log("%s: failed to clear recent flags: %v", command, err)
		}
	}

	status, err := s.server.db.GetMailboxStatus(ctx, s.AccountID())
	if err != nil {
		s.Log("%s error: %v", command, err)
		s.no(writer, tag, "Internal server error")
		s.messages = nil
		return false
	}

	s.state = stateSelected
	s.readOnly = readOnly

	s.untagged(writer, "%d EXISTS", len(s.messages))
	s.untagged(writer, "%d RECENT", len(recentUIDs))
	s.untagged(writer, `FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	s.untagged(writer, `OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft)] Flags permitted`)
	s.untagged(writer, "OK [UIDVALIDITY %d] UIDs valid", UIDValidity())
	s.untagged(writer, "OK [UIDNEXT %d] Predicted next UID", status.UIDNext)
	if readOnly {
		s.ok(writer, tag, "[READ-ONLY] %s completed", command)
	} else {
		s.ok(writer, tag, "[READ-WRITE] %s completed", command)
	}

	s.Log("selected INBOX (%d messages, %d recent, read_only=%v)", len(s.messages), len(recentUIDs), readOnly)
	return false
}

// handleClose expunges deleted messages without reporting them and
// returns the session to Authenticated. A read-only mailbox is left
// untouched.
func (s *IMAPSession) handleClose(ctx context.Context, writer *bufio.Writer, tag string) bool {
	if !s.readOnly {
		expunged, err := s.server.db.ExpungeDeleted(ctx, s.AccountID(), nil)
		if err != nil {
			s.Log("CLOSE error: %v", err)
			s.no(writer, tag, "Internal server error")
			return false
		}
		if len(expunged) > 0 {
			s.Log("expunged %d messages on CLOSE", len(expunged))
		}
	}
	s.deselect()
	s.ok(writer, tag, "CLOSE completed")
	return false
}

// deselect drops the materialized view and falls back to Authenticated.
func (s *IMAPSession) deselect() {
	if s.state == stateSelected {
		s.state = stateAuthenticated
	}
	s.messages = nil
	s.readOnly = false
}

// messagesMatching resolves a sequence set against the view, returning
// view indexes in ascending order. UID addressing matches stable UIDs,
// otherwise 1-based positions in the view.
func (s *IMAPSession) messagesMatching(set seqSet, byUID bool) []int {
	n := len(s.messages)
	if n == 0 {
		return nil
	}
	max := int64(n)
	if byUID {
		max = s.messages[n-1].UID
	}

	var indexes []int
	for i, msg := range s.messages {
		v := int64(i + 1)
		if byUID {
			v = msg.UID
		}
		if set.Contains(v, max) {
			indexes = append(indexes, i)
		}
	}
	return indexes
}
