package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/logger"
)

// Message is one row of an account's INBOX. UID is stable per account;
// sequence numbers exist only inside a session's materialized view.
type Message struct {
	ID            int64
	AccountID     int64
	UID           int64
	MessageID     string
	InReplyTo     string
	ThreadID      int64
	SenderAddress string
	SenderName    string
	Subject       string
	BaseSubject   string
	Snippet       string
	ContentHash   string
	Size          int
	Flags         int
	InternalDate  time.Time
}

// MessageRecipient links an inbound message to an address. AccountID is
// zero when the address is not hosted here.
type MessageRecipient struct {
	Kind      string
	Address   string
	Name      string
	AccountID int64
}

// Attachment describes stored content referenced by hash. The bytes live
// in the object store.
type Attachment struct {
	Filename    string
	ContentType string
	ContentHash string
	Size        int
}

// InsertMessage persists an ingested message with its recipients and
// attachments in one transaction. The UID is claimed from the account's
// counter; the message's ID and UID fields are filled in on success.
func (db *Database) InsertMessage(ctx context.Context, msg *Message, recipients []*MessageRecipient, attachments []*Attachment) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var uid int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET highest_uid = highest_uid + 1
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING highest_uid
	`, msg.AccountID).Scan(&uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return consts.ErrUserNotFound
		}
		return fmt.Errorf("failed to claim message UID: %w", err)
	}

	var threadID interface{}
	if msg.ThreadID != 0 {
		threadID = msg.ThreadID
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (account_id, uid, message_id, in_reply_to, thread_id,
			sender_address, sender_name, subject, base_subject, snippet, content_hash, size, flags, internal_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, msg.AccountID, uid, msg.MessageID, msg.InReplyTo, threadID,
		NormalizeAddress(msg.SenderAddress), msg.SenderName, msg.Subject, msg.BaseSubject, msg.Snippet,
		msg.ContentHash, msg.Size, msg.Flags, msg.InternalDate).Scan(&id)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}

	for i, rcpt := range recipients {
		var rcptAccount interface{}
		if rcpt.AccountID != 0 {
			rcptAccount = rcpt.AccountID
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO message_recipients (message_id, kind, address, name, account_id, position)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, rcpt.Kind, NormalizeAddress(rcpt.Address), rcpt.Name, rcptAccount, i)
		if err != nil {
			return fmt.Errorf("failed to insert message recipient: %w", err)
		}
	}

	for _, att := range attachments {
		_, err = tx.Exec(ctx, `
			INSERT INTO message_attachments (message_id, filename, content_type, content_hash, size)
			VALUES ($1, $2, $3, $4, $5)
		`, id, att.Filename, att.ContentType, att.ContentHash, att.Size)
		if err != nil {
			return fmt.Errorf("failed to insert message attachment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	msg.ID = id
	msg.UID = uid
	return nil
}

// FindMessageByMessageID resolves a protocol Message-Id to its row for
// thread linking. The returned ThreadID already collapses to the thread
// root, so callers can link transitively with one lookup.
func (db *Database) FindMessageByMessageID(ctx context.Context, accountID int64, messageID string) (*Message, error) {
	if messageID == "" {
		return nil, consts.ErrMessageNotFound
	}

	msg := &Message{}
	err := db.TimedQueryRow(ctx, "message_by_message_id", `
		SELECT id, account_id, uid, message_id, COALESCE(thread_id, id)
		FROM messages
		WHERE account_id = $1 AND message_id = $2 AND expunged_at IS NULL
		ORDER BY uid DESC
		LIMIT 1
	`, accountID, messageID).Scan(&msg.ID, &msg.AccountID, &msg.UID, &msg.MessageID, &msg.ThreadID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMessageNotFound
		}
		logger.Error("Failed to look up message by Message-Id", "error", err)
		return nil, fmt.Errorf("database error fetching message: %w", err)
	}
	return msg, nil
}

// FindThreadBySubject resolves the newest thread whose base subject
// matches. Ingestion uses this to group reply-prefixed messages whose
// threading headers reference nothing stored; matching is per account
// against the base subject recorded at insert time.
func (db *Database) FindThreadBySubject(ctx context.Context, accountID int64, baseSubject string) (int64, error) {
	if baseSubject == "" {
		return 0, consts.ErrMessageNotFound
	}

	var threadID int64
	err := db.TimedQueryRow(ctx, "thread_by_subject", `
		SELECT COALESCE(thread_id, id)
		FROM messages
		WHERE account_id = $1 AND base_subject = $2 AND expunged_at IS NULL
		ORDER BY uid DESC
		LIMIT 1
	`, accountID, baseSubject).Scan(&threadID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrMessageNotFound
		}
		logger.Error("Failed to look up thread by subject", "error", err)
		return 0, fmt.Errorf("database error fetching thread: %w", err)
	}
	return threadID, nil
}

// ListMessages materializes an account's message set ordered by UID.
// This is the session view loaded at IMAP SELECT and POP3 Transaction
// entry; sequence numbers are positions in this slice.
func (db *Database) ListMessages(ctx context.Context, accountID int64) ([]*Message, error) {
	rows, err := db.TimedQuery(ctx, "messages_list", `
		SELECT id, account_id, uid, message_id, in_reply_to, COALESCE(thread_id, id),
			sender_address, sender_name, subject, snippet, content_hash, size, flags, internal_date
		FROM messages
		WHERE account_id = $1 AND expunged_at IS NULL
		ORDER BY uid
	`, accountID)
	if err != nil {
		logger.Error("Failed to list messages", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("database error listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.AccountID, &msg.UID, &msg.MessageID, &msg.InReplyTo, &msg.ThreadID,
			&msg.SenderAddress, &msg.SenderName, &msg.Subject, &msg.Snippet,
			&msg.ContentHash, &msg.Size, &msg.Flags, &msg.InternalDate); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// SetMessageFlags replaces the flag bitmask on the given UIDs and
// returns the resulting flags per UID.
func (db *Database) SetMessageFlags(ctx context.Context, accountID int64, uids []int64, flags int) (map[int64]int, error) {
	return db.updateFlags(ctx, `
		UPDATE messages SET flags = $3
		WHERE account_id = $1 AND uid = ANY($2::bigint[]) AND expunged_at IS NULL
		RETURNING uid, flags
	`, accountID, uids, flags)
}

// AddMessageFlags sets the given bits on the given UIDs.
func (db *Database) AddMessageFlags(ctx context.Context, accountID int64, uids []int64, flags int) (map[int64]int, error) {
	return db.updateFlags(ctx, `
		UPDATE messages SET flags = flags | $3
		WHERE account_id = $1 AND uid = ANY($2::bigint[]) AND expunged_at IS NULL
		RETURNING uid, flags
	`, accountID, uids, flags)
}

// RemoveMessageFlags clears the given bits on the given UIDs.
func (db *Database) RemoveMessageFlags(ctx context.Context, accountID int64, uids []int64, flags int) (map[int64]int, error) {
	return db.updateFlags(ctx, `
		UPDATE messages SET flags = flags & ~($3::integer)
		WHERE account_id = $1 AND uid = ANY($2::bigint[]) AND expunged_at IS NULL
		RETURNING uid, flags
	`, accountID, uids, flags)
}

func (db *Database) updateFlags(ctx context.Context, query string, accountID int64, uids []int64, flags int) (map[int64]int, error) {
	updated := make(map[int64]int, len(uids))
	if len(uids) == 0 {
		return updated, nil
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, accountID, uids, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to update flags: %w", err)
	}
	for rows.Next() {
		var uid int64
		var current int
		if err := rows.Scan(&uid, &current); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan updated flags: %w", err)
		}
		updated[uid] = current
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating updated flags: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return updated, nil
}

// ExpungeDeleted soft-deletes messages carrying the deleted flag and
// returns their UIDs in ascending order. A nil uids filter expunges all
// deleted messages; a non-nil filter restricts to those UIDs (UID
// EXPUNGE).
func (db *Database) ExpungeDeleted(ctx context.Context, accountID int64, uids []int64) ([]int64, error) {
	return db.expunge(ctx, `
		UPDATE messages SET expunged_at = now()
		WHERE account_id = $1 AND expunged_at IS NULL
			AND flags & $3 <> 0
			AND ($2::bigint[] IS NULL OR uid = ANY($2::bigint[]))
		RETURNING uid
	`, accountID, uids, FlagDeleted)
}

// ClearRecentFlags drops the recent bit from the given UIDs. SELECT
// calls this once the view is materialized so only the first session
// observes a message as recent; EXAMINE leaves the bit alone.
func (db *Database) ClearRecentFlags(ctx context.Context, accountID int64, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}
	return db.TimedExec(ctx, "flags_clear_recent", `
		UPDATE messages SET flags = flags & ~($3::integer)
		WHERE account_id = $1 AND uid = ANY($2::bigint[]) AND expunged_at IS NULL
	`, accountID, uids, FlagRecent)
}

// ExpungeByUID soft-deletes the exact UID set regardless of flags. This
// is the POP3 Update commit: the session's pending deletions become
// permanent only here.
func (db *Database) ExpungeByUID(ctx context.Context, accountID int64, uids []int64) ([]int64, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	return db.expunge(ctx, `
		UPDATE messages SET expunged_at = now()
		WHERE account_id = $1 AND expunged_at IS NULL
			AND uid = ANY($2::bigint[])
		RETURNING uid
	`, accountID, uids)
}

func (db *Database) expunge(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expunge messages: %w", err)
	}

	var expunged []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expunged UID: %w", err)
		}
		expunged = append(expunged, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expunged UIDs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	// RETURNING carries no order guarantee.
	slices.Sort(expunged)
	return expunged, nil
}

// MailboxStatus holds the counters behind the IMAP STATUS items.
type MailboxStatus struct {
	Messages int
	Recent   int
	Unseen   int
	UIDNext  int64
}

// GetMailboxStatus computes the INBOX counters for an account.
func (db *Database) GetMailboxStatus(ctx context.Context, accountID int64) (*MailboxStatus, error) {
	status := &MailboxStatus{}
	err := db.TimedQueryRow(ctx, "mailbox_status", `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE flags & $2 <> 0),
			COUNT(*) FILTER (WHERE flags & $3 = 0),
			(SELECT highest_uid + 1 FROM accounts WHERE id = $1)
		FROM messages
		WHERE account_id = $1 AND expunged_at IS NULL
	`, accountID, FlagRecent, FlagSeen).Scan(&status.Messages, &status.Recent, &status.Unseen, &status.UIDNext)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		logger.Error("Failed to compute mailbox status", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("database error computing mailbox status: %w", err)
	}
	return status, nil
}
