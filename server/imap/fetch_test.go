package imap

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/relatemail/ferry/db"
)

// TestParseFetchItem verifies data item parsing, including the peek
// variants and the supported body section names.
func TestParseFetchItem(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		want    fetchItem
		wantErr bool
	}{
		{name: "flags", token: "FLAGS", want: fetchItem{name: "FLAGS"}},
		{name: "flags lowercase", token: "flags", want: fetchItem{name: "FLAGS"}},
		{name: "uid", token: "UID", want: fetchItem{name: "UID"}},
		{name: "size", token: "RFC822.SIZE", want: fetchItem{name: "RFC822.SIZE"}},
		{name: "internaldate", token: "INTERNALDATE", want: fetchItem{name: "INTERNALDATE"}},
		{name: "full body", token: "BODY[]", want: fetchItem{name: "BODY"}},
		{name: "body peek", token: "BODY.PEEK[]", want: fetchItem{name: "BODY", peek: true}},
		{name: "header section", token: "BODY[HEADER]", want: fetchItem{name: "BODY", section: "HEADER"}},
		{name: "header peek", token: "BODY.PEEK[HEADER]", want: fetchItem{name: "BODY", section: "HEADER", peek: true}},
		{name: "text section", token: "BODY[TEXT]", want: fetchItem{name: "BODY", section: "TEXT"}},
		{name: "lowercase body", token: "body.peek[text]", want: fetchItem{name: "BODY", section: "TEXT", peek: true}},
		{name: "envelope unsupported", token: "ENVELOPE", wantErr: true},
		{name: "bodystructure unsupported", token: "BODYSTRUCTURE", wantErr: true},
		{name: "mime section unsupported", token: "BODY[1.MIME]", wantErr: true},
		{name: "numeric section unsupported", token: "BODY[1]", wantErr: true},
		{name: "unterminated section", token: "BODY[HEADER", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := parseFetchItem(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseFetchItem(%q) expected error, got %+v", tt.token, item)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFetchItem(%q) unexpected error: %v", tt.token, err)
			}
			if item != tt.want {
				t.Errorf("parseFetchItem(%q) = %+v, want %+v", tt.token, item, tt.want)
			}
		})
	}
}

// TestParseFetchArgs verifies the set/items split with and without the
// item list parens.
func TestParseFetchArgs(t *testing.T) {
	tests := []struct {
		name      string
		rawArgs   string
		wantSet   string
		wantItems []fetchItem
		wantErr   bool
	}{
		{
			name:      "single atom",
			rawArgs:   "1:3 FLAGS",
			wantSet:   "1:3",
			wantItems: []fetchItem{{name: "FLAGS"}},
		},
		{
			name:      "parenthesized list",
			rawArgs:   "1 (FLAGS UID RFC822.SIZE)",
			wantSet:   "1",
			wantItems: []fetchItem{{name: "FLAGS"}, {name: "UID"}, {name: "RFC822.SIZE"}},
		},
		{
			name:      "body with peek",
			rawArgs:   "2:* (UID BODY.PEEK[HEADER])",
			wantSet:   "2:*",
			wantItems: []fetchItem{{name: "UID"}, {name: "BODY", section: "HEADER", peek: true}},
		},
		{name: "missing items", rawArgs: "1:3", wantErr: true},
		{name: "empty list", rawArgs: "1 ()", wantErr: true},
		{name: "unknown item", rawArgs: "1 (FLAGS ENVELOPE)", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setExpr, items, err := parseFetchArgs(tt.rawArgs)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseFetchArgs(%q) expected error", tt.rawArgs)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFetchArgs(%q) unexpected error: %v", tt.rawArgs, err)
			}
			if setExpr != tt.wantSet {
				t.Errorf("set = %q, want %q", setExpr, tt.wantSet)
			}
			if len(items) != len(tt.wantItems) {
				t.Fatalf("got %d items, want %d", len(items), len(tt.wantItems))
			}
			for i, item := range items {
				if item != tt.wantItems[i] {
					t.Errorf("item %d = %+v, want %+v", i, item, tt.wantItems[i])
				}
			}
		})
	}
}

// TestHeaderBodySplit verifies the blank-line split with CRLF and bare
// LF separators, and the all-header fallback.
func TestHeaderBodySplit(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantHeader string
		wantBody   string
	}{
		{
			name:       "crlf separator",
			content:    "Subject: hi\r\nFrom: a@b\r\n\r\nbody text\r\n",
			wantHeader: "Subject: hi\r\nFrom: a@b\r\n\r\n",
			wantBody:   "body text\r\n",
		},
		{
			name:       "bare lf separator",
			content:    "Subject: hi\nFrom: a@b\n\nbody text\n",
			wantHeader: "Subject: hi\nFrom: a@b\n\n",
			wantBody:   "body text\n",
		},
		{
			name:       "no separator",
			content:    "Subject: hi\r\nFrom: a@b\r\n",
			wantHeader: "Subject: hi\r\nFrom: a@b\r\n",
			wantBody:   "",
		},
		{
			name:       "empty body after separator",
			content:    "Subject: hi\r\n\r\n",
			wantHeader: "Subject: hi\r\n\r\n",
			wantBody:   "",
		},
		{
			name:       "empty message",
			content:    "",
			wantHeader: "",
			wantBody:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := headerBodySplit([]byte(tt.content))
			if string(header) != tt.wantHeader {
				t.Errorf("header = %q, want %q", header, tt.wantHeader)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

// TestWriteFetchResponse verifies the untagged FETCH rendering: item
// order follows the request, body sections go out as literals, and the
// UID variant appends UID when the client did not ask for it.
func TestWriteFetchResponse(t *testing.T) {
	internalDate := time.Date(2024, 6, 1, 15, 4, 5, 0, time.UTC)
	msg := &db.Message{
		UID:          42,
		Size:         310,
		Flags:        db.FlagSeen | db.FlagFlagged,
		InternalDate: internalDate,
	}
	content := []byte("Subject: hi\r\n\r\nbody\r\n")

	tests := []struct {
		name       string
		items      []fetchItem
		forceFlags bool
		includeUID bool
		want       string
	}{
		{
			name:  "flags and uid in request order",
			items: []fetchItem{{name: "UID"}, {name: "FLAGS"}},
			want:  "* 3 FETCH (UID 42 FLAGS (\\Seen \\Flagged))\r\n",
		},
		{
			name:  "static items",
			items: []fetchItem{{name: "RFC822.SIZE"}, {name: "INTERNALDATE"}},
			want:  "* 3 FETCH (RFC822.SIZE 310 INTERNALDATE \"01-Jun-2024 15:04:05 +0000\")\r\n",
		},
		{
			name:  "body literal",
			items: []fetchItem{{name: "BODY", section: "TEXT"}},
			want:  "* 3 FETCH (BODY[TEXT] {6}\r\nbody\r\n)\r\n",
		},
		{
			name:       "forced flags after seen side effect",
			items:      []fetchItem{{name: "BODY"}},
			forceFlags: true,
			want:       "* 3 FETCH (BODY[] {21}\r\nSubject: hi\r\n\r\nbody\r\n FLAGS (\\Seen \\Flagged))\r\n",
		},
		{
			name:       "uid appended for uid fetch",
			items:      []fetchItem{{name: "FLAGS"}},
			includeUID: true,
			want:       "* 3 FETCH (FLAGS (\\Seen \\Flagged) UID 42)\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writer := bufio.NewWriter(&buf)
			if err := writeFetchResponse(writer, 3, msg, tt.items, content, tt.forceFlags, tt.includeUID); err != nil {
				t.Fatalf("writeFetchResponse: %v", err)
			}
			if err := writer.Flush(); err != nil {
				t.Fatalf("flush: %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("response = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestBodySection verifies section slicing against one stored message.
func TestBodySection(t *testing.T) {
	content := []byte("Subject: hi\r\nFrom: a@b\r\n\r\nline one\r\nline two\r\n")

	if got := bodySection(content, ""); !bytes.Equal(got, content) {
		t.Errorf("full section = %q, want %q", got, content)
	}
	wantHeader := "Subject: hi\r\nFrom: a@b\r\n\r\n"
	if got := bodySection(content, "HEADER"); string(got) != wantHeader {
		t.Errorf("header section = %q, want %q", got, wantHeader)
	}
	wantText := "line one\r\nline two\r\n"
	if got := bodySection(content, "TEXT"); string(got) != wantText {
		t.Errorf("text section = %q, want %q", got, wantText)
	}
}
