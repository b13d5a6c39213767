package outbound

import (
	"context"

	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/logger"
)

// StatusNotifier observes outbound status transitions. Implementations
// must not block; a delivery pass waits for no observer.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, email *db.OutboundMessage, status db.OutboundStatus)
}

// LogNotifier reports every transition to the structured log. It is the
// default observer when nothing else is wired in.
type LogNotifier struct{}

func (LogNotifier) NotifyStatus(ctx context.Context, email *db.OutboundMessage, status db.OutboundStatus) {
	logger.InfoContext(ctx, "Outbound: status change",
		"id", email.ID,
		"account_id", email.AccountID,
		"status", string(status),
		"retry_count", email.RetryCount,
		"recipients", len(email.Recipients))
}
