package imap

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/relatemail/ferry/db"
	serverPkg "github.com/relatemail/ferry/server"
)

// handleStatus reports mailbox counters without selecting the mailbox.
// Works against the store directly, so it never disturbs a view held by
// another session.
func (s *IMAPSession) handleStatus(ctx context.Context, writer *bufio.Writer, tag string, rawArgs string) bool {
	mailbox, items, err := parseStatusArgs(rawArgs)
	if err != nil {
		return s.handleClientError(writer, tag, "BAD", err.Error())
	}
	if !strings.EqualFold(mailbox, "INBOX") {
		return s.handleClientError(writer, tag, "NO", "Mailbox does not exist")
	}

	status, err := s.server.db.GetMailboxStatus(ctx, s.AccountID())
	if err != nil {
		s.Log("STATUS error: %v", err)
		s.no(writer, tag, "Internal server error")
		return false
	}

	line, err := statusResponseLine(mailbox, items, status)
	if err != nil {
		return s.handleClientError(writer, tag, "BAD", err.Error())
	}
	s.untagged(writer, "%s", line)
	s.ok(writer, tag, "STATUS completed")
	return false
}

// parseStatusArgs splits `mailbox (ITEM ...)` into its mailbox name and
// requested items. The item list parens are mandatory.
func parseStatusArgs(rawArgs string) (string, []string, error) {
	rawArgs = strings.TrimSpace(rawArgs)
	open := strings.Index(rawArgs, "(")
	end := strings.LastIndex(rawArgs, ")")
	if open < 0 || end < 0 || end < open {
		return "", nil, fmt.Errorf("STATUS requires a mailbox and an item list")
	}
	mailbox := serverPkg.UnquoteString(strings.TrimSpace(rawArgs[:open]))
	if mailbox == "" {
		return "", nil, fmt.Errorf("STATUS requires a mailbox name")
	}
	items := strings.Fields(rawArgs[open+1 : end])
	if len(items) == 0 {
		return "", nil, fmt.Errorf("STATUS requires at least one item")
	}
	return mailbox, items, nil
}

// statusResponseLine renders the untagged STATUS payload with items in
// the order the client asked for them.
func statusResponseLine(mailbox string, items []string, status *db.MailboxStatus) (string, error) {
	var parts []string
	for _, item := range items {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", status.Messages))
		case "RECENT":
			parts = append(parts, fmt.Sprintf("RECENT %d", status.Recent))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", status.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", UIDValidity()))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", status.Unseen))
		default:
			return "", fmt.Errorf("unknown STATUS item %s", item)
		}
	}
	return fmt.Sprintf("STATUS %s (%s)", serverPkg.QuoteString(mailbox), strings.Join(parts, " ")), nil
}
