package smtpin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/relatemail/ferry/auth"
	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/helpers"
	"github.com/relatemail/ferry/pkg/metrics"
	serverPkg "github.com/relatemail/ferry/server"
)

// SMTPSession carries one client connection's transaction state. The
// go-smtp server serializes callbacks per connection, so no locking is
// needed around the envelope fields.
type SMTPSession struct {
	serverPkg.Session
	backend   *SMTPServer
	conn      *smtp.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	closeOnce sync.Once

	// Envelope state, cleared by Reset.
	senderSet  bool
	sender     string // normalized; empty for the null reverse-path
	recipients []*envelopeRecipient
}

// submissionSession adds SASL PLAIN on top of the shared session. Only
// submission sessions satisfy go-smtp's AuthSession, so the MX listener
// never advertises AUTH.
type submissionSession struct {
	*SMTPSession
}

// envelopeRecipient is one accepted RCPT TO. A nonzero accountID means
// the recipient resolved to a hosted account at RCPT time.
type envelopeRecipient struct {
	address   serverPkg.Address
	accountID int64
}

func (s *SMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	start := time.Now()
	success := false
	defer func() {
		s.observeCommand("MAIL", start, success)
	}()

	var fromAddress serverPkg.Address
	if from != "" {
		var err error
		fromAddress, err = serverPkg.NewAddress(from)
		if err != nil {
			s.DebugLog("invalid sender %q: %v", from, err)
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender",
			}
		}
	}

	if err := s.backend.filter.CheckSender(s.User != nil, fromAddress); err != nil {
		metrics.MessagesRejectedTotal.WithLabelValues(s.backend.listenerLabel(), "sender_policy").Inc()
		s.Log("sender %q rejected by relay policy", from)
		return err
	}

	s.senderSet = true
	if from == "" {
		// Null reverse-path: bounces and delivery reports carry no
		// sender and must be accepted (RFC 5321 section 4.5.5).
		s.sender = ""
		s.Log("mail from=<> accepted")
	} else {
		s.sender = db.NormalizeAddress(fromAddress.FullAddress())
		s.Log("mail from=%s accepted", s.sender)
	}

	success = true
	return nil
}

func (s *SMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	start := time.Now()
	success := false
	defer func() {
		s.observeCommand("RCPT", start, success)
	}()

	toAddress, err := serverPkg.NewAddress(to)
	if err != nil {
		s.DebugLog("invalid recipient %q: %v", to, err)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient",
		}
	}

	accountID, err := s.backend.filter.CheckRecipient(s.ctx, s.User != nil, toAddress)
	if err != nil {
		metrics.MessagesRejectedTotal.WithLabelValues(s.backend.listenerLabel(), "recipient_policy").Inc()
		s.Log("recipient %s rejected by relay policy", toAddress.FullAddress())
		return err
	}

	// When validation did not resolve the account, try anyway for hosted
	// domains: the submission listener routes on the outcome and the MX
	// listener saves a lookup at delivery time. Unknown stays unknown.
	if accountID == 0 && s.backend.filter.HostsDomain(toAddress.Domain()) {
		if id, lookupErr := s.backend.db.AccountIDByAddress(s.ctx, toAddress.BaseAddress()); lookupErr == nil {
			accountID = id
		}
	}

	for _, existing := range s.recipients {
		if existing.address.BaseAddress() == toAddress.BaseAddress() {
			s.DebugLog("duplicate recipient %s ignored", toAddress.FullAddress())
			success = true
			return nil
		}
	}

	s.recipients = append(s.recipients, &envelopeRecipient{
		address:   toAddress,
		accountID: accountID,
	})

	success = true
	s.Log("recipient accepted: %s (account: %d)", toAddress.FullAddress(), accountID)
	return nil
}

func (s *SMTPSession) Data(r io.Reader) error {
	start := time.Now()
	success := false
	defer func() {
		s.observeCommand("DATA", start, success)
	}()

	if !s.senderSet || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	limit := s.backend.maxMessageSize
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, limit+1)); err != nil {
		return s.internalError("failed to read message data: %v", err)
	}
	if int64(buf.Len()) > limit {
		metrics.MessagesRejectedTotal.WithLabelValues(s.backend.listenerLabel(), "too_large").Inc()
		s.Log("message rejected: size exceeds %d bytes", limit)
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("Message size exceeds maximum allowed size of %d bytes", limit),
		}
	}

	pm, err := ParseMessage(buf.Bytes())
	if err != nil {
		metrics.MessagesRejectedTotal.WithLabelValues(s.backend.listenerLabel(), "malformed").Inc()
		s.Log("message rejected as malformed: %v", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message content",
		}
	}
	s.DebugLog("message parsed: from=%q size=%d hash=%s", s.sender, len(pm.Raw), pm.ContentHash)

	if s.backend.kind == ListenerSubmission {
		err = s.submitData(pm)
	} else {
		err = s.ingestData(pm)
	}
	if err != nil {
		return err
	}

	success = true
	return nil
}

// ingestData files an MX-accepted message into every envelope
// recipient's INBOX. Recipients unresolved at RCPT time (validation
// off) are resolved here; unknown users fail individually, and the
// transaction is rejected only when nobody could be delivered to.
func (s *SMTPSession) ingestData(pm *ParsedMessage) error {
	label := s.backend.listenerLabel()
	delivered := 0

	for _, rcpt := range s.recipients {
		accountID := rcpt.accountID
		if accountID == 0 {
			id, err := s.backend.db.AccountIDByAddress(s.ctx, rcpt.address.BaseAddress())
			if errors.Is(err, consts.ErrUserNotFound) {
				metrics.MessagesRejectedTotal.WithLabelValues(label, "unknown_user").Inc()
				s.Log("no such user %s, skipping recipient", rcpt.address.FullAddress())
				continue
			}
			if err != nil {
				return s.internalError("failed to resolve recipient %s: %v", rcpt.address.FullAddress(), err)
			}
			accountID = id
		}

		msg, err := s.backend.ingestor.Deliver(s.ctx, accountID, pm)
		if err != nil {
			if errors.Is(err, consts.ErrUserNotFound) {
				// Account removed between RCPT and DATA.
				metrics.MessagesRejectedTotal.WithLabelValues(label, "unknown_user").Inc()
				s.Log("account %d vanished, skipping recipient %s", accountID, rcpt.address.FullAddress())
				continue
			}
			return s.internalError("failed to deliver to %s: %v", rcpt.address.FullAddress(), err)
		}

		delivered++
		metrics.MessagesIngestedTotal.WithLabelValues(label).Inc()
		s.Log("message delivered: account=%d uid=%d size=%d", accountID, msg.UID, len(pm.Raw))
	}

	if delivered == 0 {
		return errNoSuchUser
	}
	return nil
}

// submitData routes an authenticated submission: recipients resolved to
// hosted accounts are filed directly, everything else is queued for the
// outbound delivery engine as one email.
func (s *SMTPSession) submitData(pm *ParsedMessage) error {
	label := s.backend.listenerLabel()
	var remote []*envelopeRecipient

	for _, rcpt := range s.recipients {
		if rcpt.accountID == 0 {
			remote = append(remote, rcpt)
			continue
		}
		msg, err := s.backend.ingestor.Deliver(s.ctx, rcpt.accountID, pm)
		if err != nil {
			return s.internalError("failed to deliver to %s: %v", rcpt.address.FullAddress(), err)
		}
		metrics.MessagesIngestedTotal.WithLabelValues(label).Inc()
		s.Log("submission delivered locally: %s uid=%d", rcpt.address.FullAddress(), msg.UID)
	}

	if len(remote) == 0 {
		return nil
	}

	// Attachments must be in the object store before the delivery
	// worker rebuilds the message from them.
	if err := s.backend.ingestor.StashContent(pm); err != nil {
		return s.internalError("failed to store outbound content: %v", err)
	}

	out := s.buildOutbound(pm, remote)
	if err := s.backend.db.EnqueueOutbound(s.ctx, out); err != nil {
		return s.internalError("failed to enqueue outbound message: %v", err)
	}

	s.Log("outbound message %s queued for %d recipients", out.ID, len(remote))
	if s.backend.queueNotifier != nil {
		s.backend.queueNotifier.NotifyQueued()
	}
	return nil
}

// buildOutbound shapes the queue row for the delivery engine. The
// envelope sender is pinned to the authenticated account; clients do
// not choose their origin address here.
func (s *SMTPSession) buildOutbound(pm *ParsedMessage, remote []*envelopeRecipient) *db.OutboundMessage {
	recipients := make([]*db.OutboundRecipient, 0, len(remote))
	for _, rcpt := range remote {
		kind, name := headerRecipient(pm, rcpt.address.FullAddress())
		recipients = append(recipients, &db.OutboundRecipient{
			Kind:    kind,
			Address: rcpt.address.FullAddress(),
			Name:    helpers.SanitizeUTF8(name),
		})
	}

	return &db.OutboundMessage{
		ID:          uuid.NewString(),
		AccountID:   s.AccountID(),
		FromAddress: s.FullAddress(),
		FromName:    helpers.SanitizeUTF8(pm.FromName),
		Subject:     helpers.SanitizeUTF8(pm.Subject),
		BodyText:    pm.TextBody,
		BodyHTML:    pm.HTMLBody,
		MessageID:   pm.MessageID,
		InReplyTo:   pm.InReplyTo,
		References:  pm.References,
		Recipients:  recipients,
		Attachments: pm.AttachmentRows(),
	}
}

func (s *SMTPSession) Reset() {
	start := time.Now()
	defer func() {
		s.observeCommand("RSET", start, true)
	}()

	s.senderSet = false
	s.sender = ""
	s.recipients = nil
	s.DebugLog("transaction reset")
}

func (s *SMTPSession) Logout() error {
	s.closeOnce.Do(func() {
		label := s.backend.listenerLabel()

		totalCount := s.backend.totalConnections.Add(-1)
		metrics.ConnectionsCurrent.WithLabelValues(label).Dec()
		metrics.ConnectionDuration.WithLabelValues(label).Observe(time.Since(s.startTime).Seconds())

		if s.User != nil {
			s.backend.authenticatedConnections.Add(-1)
			metrics.AuthenticatedConnectionsCurrent.WithLabelValues(label).Dec()
		}

		if s.cancel != nil {
			s.cancel()
		}
		s.Log("session closed (connections: total=%d)", totalCount)
	})
	return nil
}

func (s *SMTPSession) observeCommand(command string, start time.Time, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	label := s.backend.listenerLabel()
	metrics.CommandsTotal.WithLabelValues(label, command, status).Inc()
	metrics.CommandDuration.WithLabelValues(label, command).Observe(time.Since(start).Seconds())
}

// internalError logs the real failure and answers the client with a
// generic transient error, keeping store internals off the wire.
func (s *SMTPSession) internalError(format string, args ...any) error {
	s.WarnLog(format, args...)
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 2},
		Message:      "Internal server error",
	}
}

func (s *submissionSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *submissionSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		s.DebugLog("unsupported authentication mechanism %q", mech)
		return nil, &smtp.SMTPError{
			Code:         504,
			EnhancedCode: smtp.EnhancedCode{5, 5, 4},
			Message:      "Unsupported authentication mechanism",
		}
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Proxy authorization not permitted",
			}
		}
		return s.authenticate(username, password)
	}), nil
}

func (s *SMTPSession) authenticate(username, password string) error {
	result, err := s.backend.authenticator.Authenticate(s.ctx, s.conn.Conn().RemoteAddr(),
		s.backend.protocol(), auth.ScopeSMTP, username, password)
	if err != nil {
		return s.internalError("authentication error for %s: %v", username, err)
	}
	if !result.OK() {
		s.Log("authentication failed for %s: %s", username, result.Code)
		if result.Code == auth.CodeRateLimited {
			return &smtp.SMTPError{
				Code:         454,
				EnhancedCode: smtp.EnhancedCode{4, 7, 0},
				Message:      "Too many failed attempts, please try again later",
			}
		}
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication failed",
		}
	}

	address, err := serverPkg.NewAddress(result.Address)
	if err != nil {
		return s.internalError("authenticated account %d has invalid address %q: %v", result.AccountID, result.Address, err)
	}

	s.User = serverPkg.NewUser(address, result.AccountID)
	authCount := s.backend.authenticatedConnections.Add(1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.backend.listenerLabel()).Inc()
	s.Log("authentication successful: %s account=%d (authenticated connections: %d)",
		address.FullAddress(), result.AccountID, authCount)
	return nil
}
