package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/server/idgen"
)

// ContentSource loads stored content by hash. *server.ContentRetriever
// satisfies it.
type ContentSource interface {
	Get(ctx context.Context, contentHash string) ([]byte, error)
}

// BuildMessage renders a queued outbound email as a wire-format MIME
// message. Text and HTML bodies become a multipart/alternative entity,
// attachments are loaded from the content store by hash, and a Message-Id
// under hostname is generated when the composer did not provide one.
func BuildMessage(ctx context.Context, email *db.OutboundMessage, contents ContentSource, hostname string) ([]byte, error) {
	var header mail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*mail.Address{{Name: email.FromName, Address: email.FromAddress}})
	if to := headerAddresses(email.Recipients, "to"); len(to) > 0 {
		header.SetAddressList("To", to)
	}
	if cc := headerAddresses(email.Recipients, "cc"); len(cc) > 0 {
		header.SetAddressList("Cc", cc)
	}
	if email.Subject != "" {
		header.SetSubject(email.Subject)
	}

	messageID := email.MessageID
	if messageID == "" {
		messageID = idgen.New() + "@" + hostname
	}
	header.SetMessageID(messageID)
	if email.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{email.InReplyTo})
	}
	if len(email.References) > 0 {
		header.SetMsgIDList("References", email.References)
	}

	var buf bytes.Buffer
	var err error
	switch {
	case len(email.Attachments) > 0:
		err = writeWithAttachments(ctx, &buf, header, email, contents)
	case email.BodyText != "" && email.BodyHTML != "":
		err = writeAlternative(&buf, header, email.BodyText, email.BodyHTML)
	default:
		err = writeSingle(&buf, header, email)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// headerAddresses collects the visible recipients of one kind. Bcc
// recipients stay off the headers and exist only in the envelope.
func headerAddresses(recipients []*db.OutboundRecipient, kind string) []*mail.Address {
	var list []*mail.Address
	for _, r := range recipients {
		if r.Kind != kind {
			continue
		}
		list = append(list, &mail.Address{Name: r.Name, Address: r.Address})
	}
	return list
}

// singleBody picks the body and content type for a non-alternative
// message. An email with neither body renders as empty text/plain.
func singleBody(email *db.OutboundMessage) (body, contentType string) {
	if email.BodyHTML != "" && email.BodyText == "" {
		return email.BodyHTML, "text/html"
	}
	return email.BodyText, "text/plain"
}

func writeSingle(w io.Writer, header mail.Header, email *db.OutboundMessage) error {
	body, contentType := singleBody(email)
	header.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	bw, err := mail.CreateSingleInlineWriter(w, header)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(bw, body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return bw.Close()
}

func writeAlternative(w io.Writer, header mail.Header, text, html string) error {
	iw, err := mail.CreateInlineWriter(w, header)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}
	if err := writeInlinePart(iw, "text/plain", text); err != nil {
		return err
	}
	if err := writeInlinePart(iw, "text/html", html); err != nil {
		return err
	}
	return iw.Close()
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func writeWithAttachments(ctx context.Context, w io.Writer, header mail.Header, email *db.OutboundMessage, contents ContentSource) error {
	mw, err := mail.CreateWriter(w, header)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}

	if email.BodyText != "" && email.BodyHTML != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return fmt.Errorf("create alternative part: %w", err)
		}
		if err := writeInlinePart(iw, "text/plain", email.BodyText); err != nil {
			return err
		}
		if err := writeInlinePart(iw, "text/html", email.BodyHTML); err != nil {
			return err
		}
		if err := iw.Close(); err != nil {
			return fmt.Errorf("close alternative part: %w", err)
		}
	} else {
		body, contentType := singleBody(email)
		var ph mail.InlineHeader
		ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		pw, err := mw.CreateSingleInline(ph)
		if err != nil {
			return fmt.Errorf("create body part: %w", err)
		}
		if _, err := io.WriteString(pw, body); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("close body part: %w", err)
		}
	}

	for _, att := range email.Attachments {
		if contents == nil {
			return fmt.Errorf("attachment %q: no content source", att.Filename)
		}
		data, err := contents.Get(ctx, att.ContentHash)
		if err != nil {
			return fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		if att.ContentType != "" {
			ah.SetContentType(att.ContentType, nil)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
		if _, err := aw.Write(data); err != nil {
			return fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
	}

	return mw.Close()
}
