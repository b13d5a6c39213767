package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/logger"
)

// OutboundStatus is the overall delivery state of a queued email.
type OutboundStatus string

const (
	OutboundQueued         OutboundStatus = "queued"
	OutboundSending        OutboundStatus = "sending"
	OutboundSent           OutboundStatus = "sent"
	OutboundPartialFailure OutboundStatus = "partial_failure"
	OutboundFailed         OutboundStatus = "failed"
)

// RecipientStatus is the per-recipient delivery state.
type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientSent     RecipientStatus = "sent"
	RecipientFailed   RecipientStatus = "failed"
	RecipientDeferred RecipientStatus = "deferred"
)

// OutboundMessage is a queued outgoing email with its recipients and
// attachments. Only the delivery worker mutates status fields after
// enqueue.
type OutboundMessage struct {
	ID          string
	AccountID   int64
	FromAddress string
	FromName    string
	Subject     string
	BodyText    string
	BodyHTML    string
	MessageID   string
	InReplyTo   string
	References  []string
	Status      OutboundStatus
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Recipients  []*OutboundRecipient
	Attachments []*Attachment
}

// OutboundRecipient is one addressee of an outbound email.
type OutboundRecipient struct {
	ID            int64
	Kind          string
	Address       string
	Name          string
	Status        RecipientStatus
	StatusMessage string
	DeliveredAt   time.Time
}

// EnqueueOutbound persists a new outbound email in Queued state. The
// caller assigns the UUID.
func (db *Database) EnqueueOutbound(ctx context.Context, msg *OutboundMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("outbound message has no ID")
	}
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("outbound message has no recipients")
	}

	refs := msg.References
	if refs == nil {
		refs = []string{}
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO outbound_messages (id, account_id, from_address, from_name, subject,
			body_text, body_html, message_id, in_reply_to, refs, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, msg.ID, msg.AccountID, NormalizeAddress(msg.FromAddress), msg.FromName, msg.Subject,
		msg.BodyText, msg.BodyHTML, msg.MessageID, msg.InReplyTo, refs, string(OutboundQueued))
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}

	for i, rcpt := range msg.Recipients {
		err = tx.QueryRow(ctx, `
			INSERT INTO outbound_recipients (outbound_id, kind, address, name, status, position)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, msg.ID, rcpt.Kind, NormalizeAddress(rcpt.Address), rcpt.Name, string(RecipientPending), i).Scan(&rcpt.ID)
		if err != nil {
			return fmt.Errorf("failed to insert outbound recipient: %w", err)
		}
		rcpt.Status = RecipientPending
	}

	for _, att := range msg.Attachments {
		_, err = tx.Exec(ctx, `
			INSERT INTO outbound_attachments (outbound_id, filename, content_type, content_hash, size)
			VALUES ($1, $2, $3, $4, $5)
		`, msg.ID, att.Filename, att.ContentType, att.ContentHash, att.Size)
		if err != nil {
			return fmt.Errorf("failed to insert outbound attachment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	msg.Status = OutboundQueued
	return nil
}

// FetchDueOutbound claims up to limit queued emails whose retry time has
// arrived and moves them to Sending. SKIP LOCKED keeps concurrent
// pollers from claiming the same rows.
func (db *Database) FetchDueOutbound(ctx context.Context, limit int) ([]*OutboundMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := db.GetWritePool().Query(ctx, `
		UPDATE outbound_messages SET status = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE status = $3 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, from_address, from_name, subject, body_text, body_html,
			message_id, in_reply_to, refs, status, retry_count,
			next_retry_at, last_error, created_at, updated_at
	`, limit, string(OutboundSending), string(OutboundQueued))
	if err != nil {
		logger.Error("Failed to claim due outbound messages", "error", err)
		return nil, fmt.Errorf("database error claiming outbound messages: %w", err)
	}
	defer rows.Close()

	var claimed []*OutboundMessage
	byID := make(map[string]*OutboundMessage)
	for rows.Next() {
		msg := &OutboundMessage{}
		var nextRetry sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.AccountID, &msg.FromAddress, &msg.FromName, &msg.Subject,
			&msg.BodyText, &msg.BodyHTML, &msg.MessageID, &msg.InReplyTo, &msg.References,
			&msg.Status, &msg.RetryCount, &nextRetry, &msg.LastError, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbound message: %w", err)
		}
		if nextRetry.Valid {
			msg.NextRetryAt = nextRetry.Time
		}
		claimed = append(claimed, msg)
		byID[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbound messages: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	// The claim just committed on the write pool; read the children there
	// too so a lagging replica cannot hide them.
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)

	ids := make([]string, 0, len(claimed))
	for _, msg := range claimed {
		ids = append(ids, msg.ID)
	}

	if err := db.loadOutboundRecipients(ctx, byID, ids); err != nil {
		return nil, err
	}
	if err := db.loadOutboundAttachments(ctx, byID, ids); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (db *Database) loadOutboundRecipients(ctx context.Context, byID map[string]*OutboundMessage, ids []string) error {
	rows, err := db.TimedQuery(ctx, "outbound_recipients", `
		SELECT outbound_id, id, kind, address, name, status, status_message, delivered_at
		FROM outbound_recipients
		WHERE outbound_id = ANY($1::uuid[])
		ORDER BY outbound_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("database error loading outbound recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outboundID string
		var deliveredAt sql.NullTime
		rcpt := &OutboundRecipient{}
		if err := rows.Scan(&outboundID, &rcpt.ID, &rcpt.Kind, &rcpt.Address, &rcpt.Name,
			&rcpt.Status, &rcpt.StatusMessage, &deliveredAt); err != nil {
			return fmt.Errorf("failed to scan outbound recipient: %w", err)
		}
		if deliveredAt.Valid {
			rcpt.DeliveredAt = deliveredAt.Time
		}
		if msg, ok := byID[outboundID]; ok {
			msg.Recipients = append(msg.Recipients, rcpt)
		}
	}
	return rows.Err()
}

func (db *Database) loadOutboundAttachments(ctx context.Context, byID map[string]*OutboundMessage, ids []string) error {
	rows, err := db.TimedQuery(ctx, "outbound_attachments", `
		SELECT outbound_id, filename, content_type, content_hash, size
		FROM outbound_attachments
		WHERE outbound_id = ANY($1::uuid[])
		ORDER BY outbound_id, id
	`, ids)
	if err != nil {
		return fmt.Errorf("database error loading outbound attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outboundID string
		att := &Attachment{}
		if err := rows.Scan(&outboundID, &att.Filename, &att.ContentType, &att.ContentHash, &att.Size); err != nil {
			return fmt.Errorf("failed to scan outbound attachment: %w", err)
		}
		if msg, ok := byID[outboundID]; ok {
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	return rows.Err()
}

// MarkOutboundSent records a fully successful delivery.
func (db *Database) MarkOutboundSent(ctx context.Context, id string) error {
	return db.TimedExec(ctx, "outbound_mark_sent", `
		UPDATE outbound_messages
		SET status = $2, next_retry_at = NULL, last_error = '', updated_at = now()
		WHERE id = $1
	`, id, string(OutboundSent))
}

// MarkOutboundPartialFailure records a terminal mixed outcome: some
// recipients delivered, some permanently failed. Never retried.
func (db *Database) MarkOutboundPartialFailure(ctx context.Context, id string, lastError string) error {
	return db.TimedExec(ctx, "outbound_mark_partial", `
		UPDATE outbound_messages
		SET status = $2, next_retry_at = NULL, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, string(OutboundPartialFailure), lastError)
}

// MarkOutboundFailed records a terminal failure after the retry budget
// is exhausted. NextRetryAt is cleared: a failed email is never due.
func (db *Database) MarkOutboundFailed(ctx context.Context, id string, retryCount int, lastError string) error {
	return db.TimedExec(ctx, "outbound_mark_failed", `
		UPDATE outbound_messages
		SET status = $2, retry_count = $3, next_retry_at = NULL, last_error = $4, updated_at = now()
		WHERE id = $1
	`, id, string(OutboundFailed), retryCount, lastError)
}

// RequeueOutbound returns an email to Queued with its incremented retry
// count and computed backoff time.
func (db *Database) RequeueOutbound(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error {
	return db.TimedExec(ctx, "outbound_requeue", `
		UPDATE outbound_messages
		SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, updated_at = now()
		WHERE id = $1
	`, id, string(OutboundQueued), retryCount, nextRetryAt, lastError)
}

// UpdateOutboundRecipient records one recipient's delivery outcome.
func (db *Database) UpdateOutboundRecipient(ctx context.Context, recipientID int64, status RecipientStatus, statusMessage string, deliveredAt time.Time) error {
	var delivered interface{}
	if !deliveredAt.IsZero() {
		delivered = deliveredAt
	}
	return db.TimedExec(ctx, "outbound_recipient_update", `
		UPDATE outbound_recipients
		SET status = $2, status_message = $3, delivered_at = $4
		WHERE id = $1
	`, recipientID, string(status), statusMessage, delivered)
}

// AppendDeliveryLog appends one attempt row to the immutable delivery
// audit log.
func (db *Database) AppendDeliveryLog(ctx context.Context, outboundID, recipient, mxHost string, success bool, detail string) error {
	return db.TimedExec(ctx, "delivery_log_append", `
		INSERT INTO delivery_log (outbound_id, recipient, mx_host, success, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, outboundID, recipient, mxHost, success, detail)
}

// CountOutboundByStatus returns queue depth per status for metrics.
func (db *Database) CountOutboundByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := db.TimedQuery(ctx, "outbound_counts", `
		SELECT status, COUNT(*) FROM outbound_messages GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("database error counting outbound messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outbound count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
