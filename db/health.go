package db

import (
	"context"
	"fmt"
)

// Ping verifies both pools are reachable. Wired into the health monitor.
func (db *Database) Ping(ctx context.Context) error {
	if err := db.WritePool.Ping(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if db.ReadPool != db.WritePool {
		if err := db.ReadPool.Ping(ctx); err != nil {
			return fmt.Errorf("read pool: %w", err)
		}
	}
	return nil
}
