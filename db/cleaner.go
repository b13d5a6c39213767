package db

import (
	"context"
	"fmt"
	"time"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/logger"
)

// PruneExpunged permanently deletes up to limit message rows expunged
// before the cutoff and reports which content hashes became orphaned by
// the deletion. Recipient and attachment rows go with their message;
// the caller removes the orphaned objects from the content store.
func (db *Database) PruneExpunged(ctx context.Context, olderThan time.Time, limit int) (int64, []string, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, content_hash FROM messages
		WHERE expunged_at IS NOT NULL AND expunged_at < $1
		ORDER BY expunged_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, olderThan, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to select prunable messages: %w", err)
	}

	var ids []int64
	var hashes []string
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("failed to scan prunable message: %w", err)
		}
		ids = append(ids, id)
		hashes = append(hashes, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("error iterating prunable messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil, nil
	}

	// Attachment hashes must be collected before the cascade delete
	// removes their rows.
	rows, err = tx.Query(ctx, `
		SELECT content_hash FROM message_attachments WHERE message_id = ANY($1::bigint[])
	`, ids)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to collect attachment hashes: %w", err)
	}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("failed to scan attachment hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("error iterating attachment hashes: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1::bigint[])`, ids)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to delete pruned messages: %w", err)
	}

	// Checked after the delete inside the same transaction: a hash still
	// referenced by any live row, expunged-but-unpruned row, or outbound
	// attachment must keep its object.
	rows, err = tx.Query(ctx, `
		SELECT DISTINCT t.h FROM unnest($1::text[]) AS t(h)
		WHERE NOT EXISTS (SELECT 1 FROM messages WHERE content_hash = t.h)
			AND NOT EXISTS (SELECT 1 FROM message_attachments WHERE content_hash = t.h)
			AND NOT EXISTS (SELECT 1 FROM outbound_attachments WHERE content_hash = t.h)
	`, hashes)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to find orphaned hashes: %w", err)
	}

	var orphaned []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("failed to scan orphaned hash: %w", err)
		}
		orphaned = append(orphaned, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("error iterating orphaned hashes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return tag.RowsAffected(), orphaned, nil
}

// FindExistingContentHashes returns the subset of the given hashes still
// referenced by any message, message attachment, or outbound attachment
// row. The content cache and the admin content scan treat hashes absent
// from the result as orphans.
func (db *Database) FindExistingContentHashes(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	rows, err := db.TimedQuery(ctx, "content_hashes_existing", `
		SELECT DISTINCT t.h FROM unnest($1::text[]) AS t(h)
		WHERE EXISTS (SELECT 1 FROM messages WHERE content_hash = t.h)
			OR EXISTS (SELECT 1 FROM message_attachments WHERE content_hash = t.h)
			OR EXISTS (SELECT 1 FROM outbound_attachments WHERE content_hash = t.h)
	`, hashes)
	if err != nil {
		logger.Error("Failed to query existing content hashes", "error", err)
		return nil, fmt.Errorf("database error checking content hashes: %w", err)
	}
	defer rows.Close()

	var existing []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan content hash: %w", err)
		}
		existing = append(existing, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content hashes: %w", err)
	}
	return existing, nil
}
