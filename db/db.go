// Package db implements the PostgreSQL stores behind the protocol
// engines: accounts with their API keys, the single-INBOX message store,
// and the outbound delivery queue. Reads go to the read pool unless the
// context pins them to the master; writes always use the write pool.
package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relatemail/ferry/config"
	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool
}

// NewDatabaseFromConfig connects the write pool and, when configured, a
// separate read pool, then applies pending schema migrations.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.LogQueries, queryTimeout, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.LogQueries, queryTimeout, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("No read database configured, using write pool for reads")
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(dbConfig.Write); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, queryTimeout time.Duration, poolType string) (*pgxpool.Pool, error) {
	connString := endpointConnString(endpoint)

	logger.Info("Connecting to database", "pool", poolType, "host", endpoint.Host, "port", endpoint.Port, "name", endpoint.Name)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolConfig.ConnConfig.Tracer = &CustomTracer{}
	}

	if queryTimeout > 0 {
		// statement_timeout is in milliseconds.
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(queryTimeout.Milliseconds(), 10)
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if endpoint.MaxConnLifetime != "" {
		lifetime, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}
	if endpoint.MaxConnIdleTime != "" {
		idleTime, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
		}
		poolConfig.MaxConnIdleTime = idleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database pool ready", "pool", poolType,
		"max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)

	return pool, nil
}

// endpointConnString builds the postgres URL for an endpoint. The port
// defaults to 5432 when unset.
func endpointConnString(endpoint *config.DatabaseEndpointConfig) string {
	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	port := endpoint.Port
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, net.JoinHostPort(endpoint.Host, port), endpoint.Name, sslMode)
}

func (db *Database) Close() {
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
	if db.WritePool != nil {
		db.WritePool.Close()
	}
}

// StartPoolMetrics starts a goroutine that periodically exports
// connection pool statistics.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		setPoolStats("write", db.WritePool.Stat())
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		setPoolStats("read", db.ReadPool.Stat())
	}
}

func setPoolStats(role string, stats *pgxpool.Stat) {
	metrics.DBPoolConnections.WithLabelValues(role, "total").Set(float64(stats.TotalConns()))
	metrics.DBPoolConnections.WithLabelValues(role, "idle").Set(float64(stats.IdleConns()))
	metrics.DBPoolConnections.WithLabelValues(role, "acquired").Set(float64(stats.AcquiredConns()))
}

// GetWritePool returns the connection pool for write operations.
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations.
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// GetReadPoolWithContext returns the pool for read operations, honoring
// master pinning for read-after-write consistency.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.GetReadPool()
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a transaction on the write pool and wraps it for metric
// collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues("tx_commit", "failure", "write").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues("tx_commit", "success", "write").Inc()
	}
	metrics.DBQueryDuration.WithLabelValues("tx", "write").Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		// Deferred rollback after a successful commit; nothing to count.
		return err
	}
	metrics.DBQueriesTotal.WithLabelValues("tx_rollback", "success", "write").Inc()
	metrics.DBQueryDuration.WithLabelValues("tx", "write").Observe(time.Since(mtx.start).Seconds())
	return err
}

// TimedQueryRow wraps QueryRow with duration and count metrics.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()

	pool := db.GetReadPoolWithContext(ctx)
	row := pool.QueryRow(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", role).Inc()

	return row
}

// TimedQuery wraps Query with duration and count metrics.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()

	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", role).Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", role).Inc()
	}

	return rows, err
}

// TimedExec wraps Exec with duration and count metrics. Exec always uses
// the write pool.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) error {
	start := time.Now()

	_, err := db.GetWritePool().Exec(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", "write").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", "write").Inc()
	}

	return err
}
