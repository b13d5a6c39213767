package smtpin

import (
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/helpers"
)

// ParsedMessage is the structured form of one inbound RFC 5322 message.
// The raw bytes stay authoritative for storage and protocol serving;
// the extracted fields feed the metadata row and the outbound rebuild.
type ParsedMessage struct {
	Raw         []byte
	ContentHash string

	Subject     string
	MessageID   string
	InReplyTo   string
	References  []string
	FromAddress string
	FromName    string

	TextBody string
	HTMLBody string

	// Recipients are the To/Cc/Bcc header addresses in header order,
	// with AccountID left unresolved.
	Recipients []*db.MessageRecipient

	Attachments []*ParsedAttachment
}

// ParsedAttachment carries one decoded attachment part.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	ContentHash string
	Content     []byte
}

// Plaintext returns the text body, falling back to converted HTML.
func (pm *ParsedMessage) Plaintext() string {
	return helpers.ExtractPlaintext(pm.TextBody, pm.HTMLBody)
}

var recipientHeaders = []struct {
	field string
	kind  string
}{
	{"To", "to"},
	{"Cc", "cc"},
	{"Bcc", "bcc"},
}

// ParseMessage decomposes raw message bytes into headers, body parts,
// and attachments. Message-Ids are stored without angle brackets, the
// form go-message returns, so thread lookups compare like with like.
// Unknown charsets are tolerated; structurally broken MIME is not.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	pm := &ParsedMessage{
		Raw:         raw,
		ContentHash: helpers.HashContent(raw),
	}

	header := mr.Header
	pm.Subject, _ = header.Subject()
	pm.MessageID, _ = header.MessageID()
	if ids, err := header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		// With multiple IDs the last one names the direct parent.
		pm.InReplyTo = ids[len(ids)-1]
	}
	if ids, err := header.MsgIDList("References"); err == nil {
		pm.References = ids
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		pm.FromAddress = from[0].Address
		pm.FromName = from[0].Name
	}

	for _, hdr := range recipientHeaders {
		addrs, err := header.AddressList(hdr.field)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			pm.Recipients = append(pm.Recipients, &db.MessageRecipient{
				Kind:    hdr.kind,
				Address: addr.Address,
				Name:    addr.Name,
			})
		}
	}

	for {
		part, err := mr.NextPart()
		if err != nil && !message.IsUnknownCharset(err) {
			// io.EOF or a broken part: extraction ends, what was read
			// so far stands, and the raw bytes are served unchanged.
			break
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch contentType {
			case "text/plain":
				if pm.TextBody == "" {
					pm.TextBody = string(body)
				}
			case "text/html":
				if pm.HTMLBody == "" {
					pm.HTMLBody = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			pm.Attachments = append(pm.Attachments, &ParsedAttachment{
				Filename:    filename,
				ContentType: contentType,
				ContentHash: helpers.HashContent(body),
				Content:     body,
			})
		}
	}

	return pm, nil
}

// AttachmentRows maps the parsed attachments to their metadata rows.
func (pm *ParsedMessage) AttachmentRows() []*db.Attachment {
	rows := make([]*db.Attachment, 0, len(pm.Attachments))
	for _, att := range pm.Attachments {
		rows = append(rows, &db.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			ContentHash: att.ContentHash,
			Size:        len(att.Content),
		})
	}
	return rows
}

// headerRecipient finds the header entry matching an envelope address.
// Envelope recipients absent from the headers are Bcc by definition.
func headerRecipient(pm *ParsedMessage, address string) (kind, name string) {
	normalized := db.NormalizeAddress(address)
	for _, rcpt := range pm.Recipients {
		if db.NormalizeAddress(rcpt.Address) == normalized {
			return rcpt.Kind, rcpt.Name
		}
	}
	return "bcc", ""
}
