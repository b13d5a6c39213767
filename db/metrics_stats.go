package db

import (
	"context"
	"fmt"

	"github.com/relatemail/ferry/pkg/metrics"
)

// GetServerStats implements metrics.StatsProvider for the periodic
// collector.
func (db *Database) GetServerStats(ctx context.Context) (*metrics.ServerStats, error) {
	stats := &metrics.ServerStats{}

	err := db.TimedQueryRow(ctx, "server_stats", `
		SELECT
			(SELECT COUNT(*) FROM accounts WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM messages WHERE expunged_at IS NULL)
	`).Scan(&stats.TotalAccounts, &stats.TotalMessages)
	if err != nil {
		return nil, fmt.Errorf("database error collecting server stats: %w", err)
	}

	stats.OutboundByStatus, err = db.CountOutboundByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
