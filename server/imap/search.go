package imap

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/relatemail/ferry/db"
)

// searchCriteria is a conjunction of flag requirements and sequence
// sets: a message matches only if every part matches.
type searchCriteria struct {
	wantSet   int
	wantClear int
	seqSets   []seqSet
	uidSets   []seqSet
}

// handleSearch serves SEARCH and UID SEARCH over the materialized view.
// All keys are ANDed; the result line carries sequence numbers, or UIDs
// for the UID variant.
func (s *IMAPSession) handleSearch(writer *bufio.Writer, tag string, rawArgs string, byUID bool) bool {
	label := "SEARCH"
	if byUID {
		label = "UID SEARCH"
	}

	if err := s.server.searchLimiter.CanSearch(s.AccountID()); err != nil {
		s.WarnLog("%s throttled: %v", label, err)
		return s.handleClientError(writer, tag, "NO", err.Error())
	}

	criteria, err := parseSearchKeys(rawArgs)
	if err != nil {
		return s.handleClientError(writer, tag, "BAD", err.Error())
	}

	var maxSeq, maxUID int64
	if n := len(s.messages); n > 0 {
		maxSeq = int64(n)
		maxUID = s.messages[n-1].UID
	}

	var results []int64
	for i, msg := range s.messages {
		seq := int64(i + 1)
		if !criteria.matches(seq, msg, maxSeq, maxUID) {
			continue
		}
		if byUID {
			results = append(results, msg.UID)
		} else {
			results = append(results, seq)
		}
	}

	s.untagged(writer, "%s", searchResponseLine(results))
	s.ok(writer, tag, "%s completed", label)
	return false
}

// parseSearchKeys parses the supported key subset. Bare sequence sets
// and UID sets restrict by position and identity, everything else is a
// flag test.
func parseSearchKeys(rawArgs string) (searchCriteria, error) {
	tokens := strings.Fields(rawArgs)
	if len(tokens) == 0 {
		return searchCriteria{}, fmt.Errorf("SEARCH requires at least one key")
	}

	var c searchCriteria
	for i := 0; i < len(tokens); i++ {
		switch strings.ToUpper(tokens[i]) {
		case "ALL":
		case "SEEN":
			c.wantSet |= db.FlagSeen
		case "UNSEEN":
			c.wantClear |= db.FlagSeen
		case "ANSWERED":
			c.wantSet |= db.FlagAnswered
		case "UNANSWERED":
			c.wantClear |= db.FlagAnswered
		case "FLAGGED":
			c.wantSet |= db.FlagFlagged
		case "UNFLAGGED":
			c.wantClear |= db.FlagFlagged
		case "DELETED":
			c.wantSet |= db.FlagDeleted
		case "UNDELETED":
			c.wantClear |= db.FlagDeleted
		case "DRAFT":
			c.wantSet |= db.FlagDraft
		case "UNDRAFT":
			c.wantClear |= db.FlagDraft
		case "RECENT":
			c.wantSet |= db.FlagRecent
		case "OLD":
			c.wantClear |= db.FlagRecent
		case "NEW":
			c.wantSet |= db.FlagRecent
			c.wantClear |= db.FlagSeen
		case "UID":
			if i+1 >= len(tokens) {
				return searchCriteria{}, fmt.Errorf("UID search key requires a sequence set")
			}
			i++
			set, err := parseSeqSet(tokens[i])
			if err != nil {
				return searchCriteria{}, err
			}
			c.uidSets = append(c.uidSets, set)
		default:
			set, err := parseSeqSet(tokens[i])
			if err != nil {
				return searchCriteria{}, fmt.Errorf("unsupported search key %s", tokens[i])
			}
			c.seqSets = append(c.seqSets, set)
		}
	}
	return c, nil
}

// matches evaluates the conjunction against one message in the view.
func (c searchCriteria) matches(seq int64, msg *db.Message, maxSeq, maxUID int64) bool {
	if msg.Flags&c.wantSet != c.wantSet {
		return false
	}
	if msg.Flags&c.wantClear != 0 {
		return false
	}
	for _, set := range c.seqSets {
		if !set.Contains(seq, maxSeq) {
			return false
		}
	}
	for _, set := range c.uidSets {
		if !set.Contains(msg.UID, maxUID) {
			return false
		}
	}
	return true
}

// searchResponseLine renders the untagged SEARCH result. No matches
// yields the bare keyword.
func searchResponseLine(results []int64) string {
	if len(results) == 0 {
		return "SEARCH"
	}
	parts := make([]string, 0, len(results)+1)
	parts = append(parts, "SEARCH")
	for _, n := range results {
		parts = append(parts, strconv.FormatInt(n, 10))
	}
	return strings.Join(parts, " ")
}
