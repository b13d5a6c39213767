package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relatemail/ferry/logger"
)

type traceQueryKey struct{}

type traceQueryData struct {
	start time.Time
	sql   string
}

// CustomTracer logs every statement with its duration. Installed on the
// pool only when query logging is enabled in the configuration.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceQueryKey{}, &traceQueryData{
		start: time.Now(),
		sql:   data.SQL,
	})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	trace, ok := ctx.Value(traceQueryKey{}).(*traceQueryData)
	if !ok {
		return
	}

	elapsed := time.Since(trace.start)
	if data.Err != nil {
		logger.Debug("Query failed", "sql", trace.sql, "duration", elapsed, "error", data.Err)
		return
	}
	logger.Debug("Query completed", "sql", trace.sql, "duration", elapsed, "rows", data.CommandTag.RowsAffected())
}
