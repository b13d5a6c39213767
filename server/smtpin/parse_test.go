package smtpin

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/helpers"
)

// TestParseSimpleMessage tests header extraction and body capture for a
// plain single-part message. Message-Ids come back without angle
// brackets; that bare form is what thread lookups store and compare.
func TestParseSimpleMessage(t *testing.T) {
	raw := []byte("From: Alice Example <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Lunch plans\r\n" +
		"Message-Id: <abc123@example.com>\r\n" +
		"Date: Tue, 11 Feb 2025 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"How about noon?\r\n")

	pm, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if pm.Subject != "Lunch plans" {
		t.Errorf("Subject = %q", pm.Subject)
	}
	if pm.MessageID != "abc123@example.com" {
		t.Errorf("MessageID = %q, want bare id without brackets", pm.MessageID)
	}
	if pm.FromAddress != "alice@example.com" || pm.FromName != "Alice Example" {
		t.Errorf("From = %q <%q>", pm.FromName, pm.FromAddress)
	}
	if strings.TrimSpace(pm.TextBody) != "How about noon?" {
		t.Errorf("TextBody = %q", pm.TextBody)
	}
	if pm.HTMLBody != "" {
		t.Errorf("HTMLBody = %q, want empty", pm.HTMLBody)
	}
	if pm.ContentHash != helpers.HashContent(raw) {
		t.Error("ContentHash must cover the raw bytes")
	}
	if len(pm.Attachments) != 0 {
		t.Errorf("got %d attachments, want none", len(pm.Attachments))
	}
}

// TestParseMultipartAlternative tests that both body variants are
// captured and the first part of each type wins.
func TestParseMultipartAlternative(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Styled\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=SPLIT\r\n" +
		"\r\n" +
		"--SPLIT\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--SPLIT\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html version</p>\r\n" +
		"--SPLIT\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"second plain, must not replace the first\r\n" +
		"--SPLIT--\r\n")

	pm, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if strings.TrimSpace(pm.TextBody) != "plain version" {
		t.Errorf("TextBody = %q", pm.TextBody)
	}
	if strings.TrimSpace(pm.HTMLBody) != "<p>html version</p>" {
		t.Errorf("HTMLBody = %q", pm.HTMLBody)
	}
}

// TestParseAttachment tests that attachment parts are transfer-decoded,
// hashed, and mapped to metadata rows with the decoded size.
func TestParseAttachment(t *testing.T) {
	content := []byte("%PDF-1.4 pretend report")
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Report attached\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=MIX\r\n" +
		"\r\n" +
		"--MIX\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"See attached.\r\n" +
		"--MIX\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString(content) + "\r\n" +
		"--MIX--\r\n")

	pm, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if strings.TrimSpace(pm.TextBody) != "See attached." {
		t.Errorf("TextBody = %q", pm.TextBody)
	}
	if len(pm.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(pm.Attachments))
	}

	att := pm.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Filename = %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q", att.ContentType)
	}
	if string(att.Content) != string(content) {
		t.Errorf("Content = %q, want decoded bytes", att.Content)
	}
	if att.ContentHash != helpers.HashContent(content) {
		t.Error("ContentHash must cover the decoded content")
	}

	rows := pm.AttachmentRows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Filename != "report.pdf" || rows[0].Size != len(content) || rows[0].ContentHash != att.ContentHash {
		t.Errorf("unexpected row: %+v", rows[0])
	}
}

// TestParseThreadingHeaders tests that References keeps the full chain
// and In-Reply-To collapses to the last listed id, the direct parent.
func TestParseThreadingHeaders(t *testing.T) {
	raw := []byte("From: carol@example.com\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: Re: Lunch plans\r\n" +
		"Message-Id: <reply2@example.com>\r\n" +
		"In-Reply-To: <root@example.com> <reply1@example.com>\r\n" +
		"References: <root@example.com> <reply1@example.com>\r\n" +
		"\r\n" +
		"Works for me.\r\n")

	pm, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if pm.InReplyTo != "reply1@example.com" {
		t.Errorf("InReplyTo = %q, want the last listed id", pm.InReplyTo)
	}
	want := []string{"root@example.com", "reply1@example.com"}
	if len(pm.References) != len(want) {
		t.Fatalf("References = %v", pm.References)
	}
	for i, ref := range want {
		if pm.References[i] != ref {
			t.Errorf("References[%d] = %q, want %q", i, pm.References[i], ref)
		}
	}
}

// TestParseRecipients tests recipient extraction in header order and
// the envelope-to-header match used for outbound Bcc classification.
func TestParseRecipients(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: Bob Jones <bob@example.com>, carol@example.org\r\n" +
		"Cc: dave@example.net\r\n" +
		"Subject: Team update\r\n" +
		"\r\n" +
		"Status below.\r\n")

	pm, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	want := []struct{ kind, address, name string }{
		{"to", "bob@example.com", "Bob Jones"},
		{"to", "carol@example.org", ""},
		{"cc", "dave@example.net", ""},
	}
	if len(pm.Recipients) != len(want) {
		t.Fatalf("got %d recipients: %+v", len(pm.Recipients), pm.Recipients)
	}
	for i, w := range want {
		got := pm.Recipients[i]
		if got.Kind != w.kind || got.Address != w.address || got.Name != w.name {
			t.Errorf("recipient %d = %+v, want %+v", i, got, w)
		}
	}

	// Header match is case-insensitive on the address.
	kind, name := headerRecipient(pm, "BOB@Example.com")
	if kind != "to" || name != "Bob Jones" {
		t.Errorf("headerRecipient(bob) = (%q, %q)", kind, name)
	}
	kind, name = headerRecipient(pm, "dave@example.net")
	if kind != "cc" || name != "" {
		t.Errorf("headerRecipient(dave) = (%q, %q)", kind, name)
	}
	// An envelope recipient absent from the headers was Bcc'd.
	kind, name = headerRecipient(pm, "hidden@example.com")
	if kind != "bcc" || name != "" {
		t.Errorf("headerRecipient(hidden) = (%q, %q)", kind, name)
	}
}

// TestParseMalformedHeader tests that a structurally broken header is a
// permanent parse failure, not a stored message.
func TestParseMalformedHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"no colon in header", []byte("this line is not a header\r\n\r\nbody\r\n")},
		{"empty input", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage(tc.raw)
			if err == nil {
				t.Fatal("expected a parse error")
			}
			if !errors.Is(err, consts.ErrMalformedMessage) {
				t.Errorf("error should wrap the malformed sentinel, got %v", err)
			}
		})
	}
}

// TestParsePlaintextFallback tests the snippet source: the text body
// when present, converted HTML otherwise.
func TestParsePlaintextFallback(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: HTML only\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>Rendered text.</p></body></html>\r\n")

	pm, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if pm.TextBody != "" {
		t.Errorf("TextBody = %q, want empty", pm.TextBody)
	}
	if pm.HTMLBody == "" {
		t.Fatal("HTMLBody not captured")
	}
	if got := pm.Plaintext(); !strings.Contains(got, "Rendered text.") {
		t.Errorf("Plaintext() = %q", got)
	}
}
