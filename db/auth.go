package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relatemail/ferry/auth"
	"github.com/relatemail/ferry/logger"
)

// The queries below implement auth.CredentialStore. Scope strings are
// parsed into the closed bitmask here, at load time; a key carrying an
// unknown scope is skipped with a warning and can never authenticate.

// ActiveCredentialsByPrefix loads non-revoked API keys whose indexed
// prefix matches the presented secret's prefix.
func (db *Database) ActiveCredentialsByPrefix(ctx context.Context, prefix string) ([]*auth.Credential, error) {
	rows, err := db.TimedQuery(ctx, "credentials_by_prefix", `
		SELECT k.id, k.account_id, a.address, k.secret_hash, k.scopes
		FROM api_keys k
		JOIN accounts a ON a.id = k.account_id
		WHERE k.prefix = $1 AND k.revoked_at IS NULL AND a.deleted_at IS NULL
	`, prefix)
	if err != nil {
		logger.Error("Failed to query credentials by prefix", "error", err)
		return nil, fmt.Errorf("database error fetching credentials: %w", err)
	}
	defer rows.Close()

	return scanCredentials(rows)
}

// ActiveCredentialsByAddress loads all non-revoked API keys owned by the
// account with the given normalized address.
func (db *Database) ActiveCredentialsByAddress(ctx context.Context, address string) ([]*auth.Credential, error) {
	rows, err := db.TimedQuery(ctx, "credentials_by_address", `
		SELECT k.id, k.account_id, a.address, k.secret_hash, k.scopes
		FROM api_keys k
		JOIN accounts a ON a.id = k.account_id
		WHERE a.address = $1 AND k.revoked_at IS NULL AND a.deleted_at IS NULL
	`, NormalizeAddress(address))
	if err != nil {
		logger.Error("Failed to query credentials by address", "address", address, "error", err)
		return nil, fmt.Errorf("database error fetching credentials: %w", err)
	}
	defer rows.Close()

	return scanCredentials(rows)
}

func scanCredentials(rows pgx.Rows) ([]*auth.Credential, error) {
	var credentials []*auth.Credential
	for rows.Next() {
		cred := &auth.Credential{}
		var scopeList []string
		if err := rows.Scan(&cred.ID, &cred.AccountID, &cred.Address, &cred.SecretHash, &scopeList); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}

		scopes, err := auth.ParseScopes(scopeList)
		if err != nil {
			logger.Warn("Skipping API key with unknown scope", "key_id", cred.ID, "error", err)
			continue
		}
		cred.Scopes = scopes
		credentials = append(credentials, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return credentials, nil
}

// TouchCredential records key usage. Runs off the hot path via the task
// queue, so a failure here is logged by the queue and dropped.
func (db *Database) TouchCredential(ctx context.Context, credentialID int64, usedAt time.Time) error {
	return db.TimedExec(ctx, "credential_touch", `
		UPDATE api_keys SET last_used_at = $1 WHERE id = $2
	`, usedAt, credentialID)
}

// CreateAPIKey persists a newly generated key. The caller validates the
// scope strings with auth.ParseScopes before storing them.
func (db *Database) CreateAPIKey(ctx context.Context, accountID int64, prefix string, secretHash []byte, scopes []string) (int64, error) {
	if _, err := auth.ParseScopes(scopes); err != nil {
		return 0, err
	}

	var id int64
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO api_keys (account_id, prefix, secret_hash, scopes)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, accountID, prefix, secretHash, scopes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert API key: %w", err)
	}
	return id, nil
}

// RevokeAPIKey soft-revokes a key. Revoked keys stay on record but are
// excluded from every credential lookup.
func (db *Database) RevokeAPIKey(ctx context.Context, keyID int64) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("API key %d not found or already revoked", keyID)
	}
	return nil
}
