package imap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/relatemail/ferry/db"
)

const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

// fetchItem is one parsed FETCH data item. Body items carry a section
// name; peek suppresses the implicit seen-marking.
type fetchItem struct {
	name    string
	section string
	peek    bool
}

// handleFetch serves FETCH and UID FETCH. Fetching a body section
// without .PEEK marks the message seen unless the mailbox is read-only.
func (s *IMAPSession) handleFetch(ctx context.Context, writer *bufio.Writer, tag string, rawArgs string, byUID bool) bool {
	label := "FETCH"
	if byUID {
		label = "UID FETCH"
	}

	setExpr, items, err := parseFetchArgs(rawArgs)
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

	needBody := false
	markSeen := false
	for _, item := range items {
		if item.name == "BODY" {
			needBody = true
			if !item.peek {
				markSeen = true
			}
		}
	}

	// Mark before rendering so FLAGS data reflects the new state. The
	// recent bit lives only in the view and survives the merge.
	changed := make(map[int64]bool)
	if markSeen && !s.readOnly {
		var unseen []int64
		for _, i := range indexes {
			if !db.ContainsFlag(s.messages[i].Flags, db.FlagSeen) {
				unseen = append(unseen, s.messages[i].UID)
			}
		}
		if len(unseen) > 0 {
			updated, err := s.server.db.AddMessageFlags(ctx, s.AccountID(), unseen, db.FlagSeen)
			if err != nil {
				s.Log("%s: failed to mark seen: %v", label, err)
				s.no(writer, tag, "Internal server error")
				return false
			}
			for _, i := range indexes {
				msg := s.messages[i]
				if newFlags, found := updated[msg.UID]; found {
					msg.Flags = newFlags | (msg.Flags & db.FlagRecent)
					changed[msg.UID] = true
				}
			}
		}
	}

	wantFlags := false
	wantUID := false
	for _, item := range items {
		switch item.name {
		case "FLAGS":
			wantFlags = true
		case "UID":
			wantUID = true
		}
	}

	for _, i := range indexes {
		msg := s.messages[i]
		var content []byte
		if needBody {
			content, err = s.server.retriever.Get(ctx, msg.ContentHash)
			if err != nil {
				s.Log("%s: content %s unavailable: %v", label, msg.ContentHash, err)
				s.no(writer, tag, "Message content unavailable")
				return false
			}
		}
		forceFlags := changed[msg.UID] && !wantFlags
		includeUID := byUID && !wantUID
		if err := writeFetchResponse(writer, i+1, msg, items, content, forceFlags, includeUID); err != nil {
			s.Log("%s: write error: %v", label, err)
			return false
		}
	}

	s.ok(writer, tag, "%s completed", label)
	return false
}

// parseFetchArgs splits `<sequence set> <items>` where items is a single
// atom or a parenthesized list.
func parseFetchArgs(rawArgs string) (string, []fetchItem, error) {
	rawArgs = strings.TrimSpace(rawArgs)
	setExpr, itemsPart, found := strings.Cut(rawArgs, " ")
	if !found {
		return "", nil, fmt.Errorf("FETCH requires a sequence set and data items")
	}
	itemsPart = strings.TrimSpace(itemsPart)
	if strings.HasPrefix(itemsPart, "(") && strings.HasSuffix(itemsPart, ")") {
		itemsPart = itemsPart[1 : len(itemsPart)-1]
	}
	tokens := strings.Fields(itemsPart)
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("FETCH requires at least one data item")
	}
	items := make([]fetchItem, 0, len(tokens))
	for _, token := range tokens {
		item, err := parseFetchItem(token)
		if err != nil {
			return "", nil, err
		}
		items = append(items, item)
	}
	return setExpr, items, nil
}

// parseFetchItem maps one token to a fetch item. BODY sections are
// limited to the full message, the header block and the text block.
func parseFetchItem(token string) (fetchItem, error) {
	upper := strings.ToUpper(token)
	switch upper {
	case "FLAGS", "UID", "RFC822.SIZE", "INTERNALDATE":
		return fetchItem{name: upper}, nil
	}

	var section string
	var peek bool
	switch {
	case strings.HasPrefix(upper, "BODY.PEEK[") && strings.HasSuffix(upper, "]"):
		section = upper[len("BODY.PEEK[") : len(upper)-1]
		peek = true
	case strings.HasPrefix(upper, "BODY[") && strings.HasSuffix(upper, "]"):
		section = upper[len("BODY[") : len(upper)-1]
	default:
		return fetchItem{}, fmt.Errorf("unknown FETCH item %s", token)
	}
	switch section {
	case "", "HEADER", "TEXT":
		return fetchItem{name: "BODY", section: section, peek: peek}, nil
	}
	return fetchItem{}, fmt.Errorf("unsupported BODY section %s", section)
}

// writeFetchResponse emits one untagged FETCH response. Body sections go
// out as literals; forceFlags appends FLAGS when a fetch side effect
// changed them, includeUID appends UID for UID FETCH.
func writeFetchResponse(writer *bufio.Writer, seq int, msg *db.Message, items []fetchItem, content []byte, forceFlags, includeUID bool) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "* %d FETCH (", seq)
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(' ')
		}
		switch item.name {
		case "FLAGS":
			fmt.Fprintf(&buf, "FLAGS (%s)", db.FlagsString(msg.Flags))
		case "UID":
			fmt.Fprintf(&buf, "UID %d", msg.UID)
		case "RFC822.SIZE":
			fmt.Fprintf(&buf, "RFC822.SIZE %d", msg.Size)
		case "INTERNALDATE":
			fmt.Fprintf(&buf, "INTERNALDATE %q", msg.InternalDate.Format(internalDateLayout))
		case "BODY":
			data := bodySection(content, item.section)
			fmt.Fprintf(&buf, "BODY[%s] {%d}\r\n", item.section, len(data))
			buf.Write(data)
		}
	}
	if forceFlags {
		if len(items) > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "FLAGS (%s)", db.FlagsString(msg.Flags))
	}
	if includeUID {
		fmt.Fprintf(&buf, " UID %d", msg.UID)
	}
	buf.WriteString(")\r\n")
	_, err := writer.Write(buf.Bytes())
	return err
}

// bodySection slices the stored message for one section name.
func bodySection(content []byte, section string) []byte {
	switch section {
	case "HEADER":
		header, _ := headerBodySplit(content)
		return header
	case "TEXT":
		_, body := headerBodySplit(content)
		return body
	}
	return content
}

// headerBodySplit cuts a raw message at the first blank line. The header
// half keeps the blank line. Messages sloppy enough to use bare LF still
// split; a message with no blank line is all header.
func headerBodySplit(content []byte) ([]byte, []byte) {
	if i := bytes.Index(content, []byte("\r\n\r\n")); i >= 0 {
		return content[:i+4], content[i+4:]
	}
	if i := bytes.Index(content, []byte("\n\n")); i >= 0 {
		return content[:i+2], content[i+2:]
	}
	return content, nil
}
