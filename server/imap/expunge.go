package imap

import (
	"bufio"
	"context"
	"sort"
	"strings"

	"github.com/relatemail/ferry/db"
)

// handleExpunge serves EXPUNGE and UID EXPUNGE. Untagged EXPUNGE
// responses go out highest sequence number first so each number stays
// valid as the client shrinks its own view.
func (s *IMAPSession) handleExpunge(ctx context.Context, writer *bufio.Writer, tag string, rawArgs string, byUID bool) bool {
	label := "EXPUNGE"
	if byUID {
		label = "UID EXPUNGE"
	}

	if s.readOnly {
		return s.handleClientError(writer, tag, "NO", "Mailbox is read-only")
	}

	// nil filter removes every deleted message; UID EXPUNGE restricts
	// to the given set and must not fall through to nil when the set
	// matches nothing.
	var uidFilter []int64
	if byUID {
		expr := strings.TrimSpace(rawArgs)
		if expr == "" {
			return s.handleClientError(writer, tag, "BAD", "UID EXPUNGE requires a sequence set")
		}
		set, err := parseSeqSet(expr)
		if err != nil {
			return s.handleClientError(writer, tag, "BAD", err.Error())
		}
		indexes := s.messagesMatching(set, true)
		if len(indexes) == 0 {
			s.ok(writer, tag, "%s completed", label)
			return false
		}
		uidFilter = make([]int64, 0, len(indexes))
		for _, i := range indexes {
			uidFilter = append(uidFilter, s.messages[i].UID)
		}
	}

	expunged, err := s.server.db.ExpungeDeleted(ctx, s.AccountID(), uidFilter)
	if err != nil {
		s.Log("%s error: %v", label, err)
		s.no(writer, tag, "Internal server error")
		return false
	}

	for _, seq := range expungeSequenceNumbers(s.messages, expunged) {
		s.untagged(writer, "%d EXPUNGE", seq)
	}
	s.messages = removeExpunged(s.messages, expunged)

	if len(expunged) > 0 {
		s.Log("expunged %d messages", len(expunged))
	}
	s.ok(writer, tag, "%s completed", label)
	return false
}

// expungeSequenceNumbers maps expunged UIDs to 1-based positions in the
// view, descending. UIDs the view never held are skipped.
func expungeSequenceNumbers(view []*db.Message, uids []int64) []int {
	seqByUID := make(map[int64]int, len(view))
	for i, msg := range view {
		seqByUID[msg.UID] = i + 1
	}
	var seqs []int
	for _, uid := range uids {
		if seq, found := seqByUID[uid]; found {
			seqs = append(seqs, seq)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(seqs)))
	return seqs
}

// removeExpunged rebuilds the view without the expunged UIDs.
func removeExpunged(view []*db.Message, uids []int64) []*db.Message {
	if len(uids) == 0 {
		return view
	}
	gone := make(map[int64]bool, len(uids))
	for _, uid := range uids {
		gone[uid] = true
	}
	kept := view[:0]
	for _, msg := range view {
		if !gone[msg.UID] {
			kept = append(kept, msg)
		}
	}
	return kept
}
