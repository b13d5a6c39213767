package pop3

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relatemail/ferry/db"
)

// countRemaining totals the messages not marked for deletion.
func countRemaining(messages []*db.Message, deleted map[int]bool) (int, int) {
	var count, size int
	for i, msg := range messages {
		if deleted[i] {
			continue
		}
		count++
		size += msg.Size
	}
	return count, size
}

// buildListResponseLines renders the LIST scan listing. Message numbers
// assigned at materialization survive DELE: deleted entries are skipped,
// the numbering of the rest never shifts.
func buildListResponseLines(messages []*db.Message, deleted map[int]bool) []string {
	lines := make([]string, 0, len(messages))
	for i, msg := range messages {
		if deleted[i] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size))
	}
	return lines
}

// buildUIDLResponseLines renders the UIDL listing with the same
// stable-numbering rule as LIST.
func buildUIDLResponseLines(messages []*db.Message, deleted map[int]bool) []string {
	lines := make([]string, 0, len(messages))
	for i, msg := range messages {
		if deleted[i] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.UID))
	}
	return lines
}

// buildSingleListResponse renders the LIST n body for one message.
func buildSingleListResponse(messages []*db.Message, deleted map[int]bool, arg string) (string, error) {
	index, err := resolveMessageNumber(arg, messages, deleted)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d", index+1, messages[index].Size), nil
}

// buildSingleUidlResponse renders the UIDL n body for one message.
func buildSingleUidlResponse(messages []*db.Message, deleted map[int]bool, arg string) (string, error) {
	index, err := resolveMessageNumber(arg, messages, deleted)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d", index+1, messages[index].UID), nil
}

// resolveMessageNumber validates a client message number against the
// view and returns its 0-based index. Deleted messages are unreachable
// until RSET restores them.
func resolveMessageNumber(arg string, messages []*db.Message, deleted map[int]bool) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid message number")
	}
	if n > len(messages) {
		return 0, fmt.Errorf("no such message")
	}
	if deleted[n-1] {
		return 0, fmt.Errorf("message %d already deleted", n)
	}
	return n - 1, nil
}

// deletedUIDs collects the UIDs the Update state will remove: exactly
// the messages marked by DELE, in view order. Everything else survives
// the session.
func deletedUIDs(messages []*db.Message, deleted map[int]bool) []int64 {
	var uids []int64
	for i, msg := range messages {
		if deleted[i] {
			uids = append(uids, msg.UID)
		}
	}
	return uids
}

// parseLineCount validates the TOP line count. Zero is valid and yields
// only the header block.
func parseLineCount(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid line count")
	}
	return n, nil
}

// dotStuffPOP3 applies RFC 1939 §3 byte-stuffing: any line that starts
// with a dot gets one more so the lone-dot terminator stays unambiguous.
func dotStuffPOP3(data string) string {
	if !strings.Contains(data, ".") {
		return data
	}
	var b strings.Builder
	b.Grow(len(data) + 16)
	atLineStart := true
	for i := 0; i < len(data); i++ {
		c := data[i]
		if atLineStart && c == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		atLineStart = c == '\n'
	}
	return b.String()
}

// topResponse slices a raw message for TOP: the whole header block
// including the blank line, then at most lineCount lines of the body.
func topResponse(content string, lineCount int) string {
	header, body := splitHeaderBody(content)
	if lineCount == 0 || body == "" {
		return header
	}

	end := 0
	for lines := 0; lines < lineCount && end < len(body); lines++ {
		next := strings.IndexByte(body[end:], '\n')
		if next < 0 {
			end = len(body)
			break
		}
		end += next + 1
	}
	return header + body[:end]
}

// splitHeaderBody cuts a raw message at the first blank line, keeping
// the blank line with the header. Bare-LF messages still split; a
// message without a blank line is all header.
func splitHeaderBody(content string) (string, string) {
	if i := strings.Index(content, "\r\n\r\n"); i >= 0 {
		return content[:i+4], content[i+4:]
	}
	if i := strings.Index(content, "\n\n"); i >= 0 {
		return content[:i+2], content[i+2:]
	}
	return content, ""
}
