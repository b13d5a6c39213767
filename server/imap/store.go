package imap

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/relatemail/ferry/db"
)

// storeOp is a parsed STORE action: replace, add or remove a flag mask.
type storeOp struct {
	mode   byte // '=', '+' or '-'
	silent bool
	flags  int
}

// handleStore serves STORE and UID STORE. The recent bit is stripped
// from client input and survives every merge untouched.
func (s *IMAPSession) handleStore(ctx context.Context, writer *bufio.Writer, tag string, rawArgs string, byUID bool) bool {
	label := "STORE"
	if byUID {
		label = "UID STORE"
	}

	if s.readOnly {
		return s.handleClientError(writer, tag, "NO", "Mailbox is read-only")
	}

	setExpr, op, err := parseStoreArgs(rawArgs)
	if err != nil {
		return s.handleClientError(writer, tag, "BAD", err.Error())
	}
	set, err := parseSeqSet(setExpr)
	if err != nil {
		return s.handleClientError(writer, tag, "BAD", err.Error())
	}

	indexes := s.messagesMatching(set, byUID)
	if len(indexes) == 0 {
		s.ok(writer, tag, "%s completed", label)
		return false
	}

	uids := make([]int64, 0, len(indexes))
	for _, i := range indexes {
		uids = append(uids, s.messages[i].UID)
	}

	var updated map[int64]int
	switch op.mode {
	case '+':
		updated, err = s.server.db.AddMessageFlags(ctx, s.AccountID(), uids, op.flags)
	case '-':
		updated, err = s.server.db.RemoveMessageFlags(ctx, s.AccountID(), uids, op.flags)
	default:
		updated, err = s.server.db.SetMessageFlags(ctx, s.AccountID(), uids, op.flags)
	}
	if err != nil {
		s.Log("%s error: %v", label, err)
		s.no(writer, tag, "Internal server error")
		return false
	}

	for _, i := range indexes {
		msg := s.messages[i]
		if newFlags, found := updated[msg.UID]; found {
			msg.Flags = newFlags | (msg.Flags & db.FlagRecent)
		}
	}

	if !op.silent {
		flagsItem := []fetchItem{{name: "FLAGS"}}
		for _, i := range indexes {
			if err := writeFetchResponse(writer, i+1, s.messages[i], flagsItem, nil, false, byUID); err != nil {
				s.Log("%s: write error: %v", label, err)
				return false
			}
		}
	}

	s.ok(writer, tag, "%s completed", label)
	return false
}

// parseStoreArgs splits `<sequence set> <action> <flag list>`. The flag
// list parens are optional and the recent bit is masked out.
func parseStoreArgs(rawArgs string) (string, storeOp, error) {
	rawArgs = strings.TrimSpace(rawArgs)
	setExpr, rest, found := strings.Cut(rawArgs, " ")
	if !found {
		return "", storeOp{}, fmt.Errorf("STORE requires a sequence set, an action and flags")
	}
	action, flagsPart, found := strings.Cut(strings.TrimSpace(rest), " ")
	if !found {
		return "", storeOp{}, fmt.Errorf("STORE requires a flag list")
	}

	var op storeOp
	upper := strings.ToUpper(action)
	base := strings.TrimSuffix(upper, ".SILENT")
	op.silent = base != upper
	switch base {
	case "FLAGS":
		op.mode = '='
	case "+FLAGS":
		op.mode = '+'
	case "-FLAGS":
		op.mode = '-'
	default:
		return "", storeOp{}, fmt.Errorf("unknown STORE action %s", action)
	}

	flagsPart = strings.TrimSpace(flagsPart)
	flagsPart = strings.TrimPrefix(flagsPart, "(")
	flagsPart = strings.TrimSuffix(flagsPart, ")")
	op.flags = db.FlagsToBitwise(strings.Fields(flagsPart)) &^ db.FlagRecent

	return setExpr, op, nil
}
