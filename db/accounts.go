package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/logger"
)

// Account is a mail account row.
type Account struct {
	ID          int64
	Address     string
	DisplayName string
	CreatedAt   time.Time
}

// NormalizeAddress lowercases and trims an address the way every lookup
// and insert expects it.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// GetAccountByAddress looks up an active account by address.
func (db *Database) GetAccountByAddress(ctx context.Context, address string) (*Account, error) {
	address = NormalizeAddress(address)

	account := &Account{}
	err := db.TimedQueryRow(ctx, "account_by_address", `
		SELECT id, address, display_name, created_at
		FROM accounts
		WHERE address = $1 AND deleted_at IS NULL
	`, address).Scan(&account.ID, &account.Address, &account.DisplayName, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		logger.Error("Failed to query account", "address", address, "error", err)
		return nil, fmt.Errorf("database error fetching account: %w", err)
	}
	return account, nil
}

// AccountIDByAddress resolves an address to its account ID. Used by the
// relay filter's recipient validation and by ingestion to link
// recipients to known users.
func (db *Database) AccountIDByAddress(ctx context.Context, address string) (int64, error) {
	address = NormalizeAddress(address)

	var id int64
	err := db.TimedQueryRow(ctx, "account_id_by_address", `
		SELECT id FROM accounts WHERE address = $1 AND deleted_at IS NULL
	`, address).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		logger.Error("Failed to resolve account ID", "address", address, "error", err)
		return 0, fmt.Errorf("database error resolving account: %w", err)
	}
	return id, nil
}

// CreateAccount inserts a new account. The address must be unique among
// non-deleted accounts.
func (db *Database) CreateAccount(ctx context.Context, address, displayName string) (*Account, error) {
	address = NormalizeAddress(address)
	if address == "" || !strings.Contains(address, "@") {
		return nil, fmt.Errorf("invalid account address %q", address)
	}

	account := &Account{Address: address, DisplayName: displayName}
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO accounts (address, display_name)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, address, displayName).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: account %s already exists", consts.ErrDBUniqueViolation, address)
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	return account, nil
}
