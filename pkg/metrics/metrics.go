package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_connections_rejected_total",
			Help: "Total number of connections rejected by the connection limiter",
		},
		[]string{"protocol", "reason"}, // reason: total_limit, per_ip_limit
	)
)

// Authentication metrics
var (
	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"}, // result: success, not_found, scope_denied, rate_limited
	)

	AuthenticationLockouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_authentication_lockouts_total",
			Help: "Total number of client lockouts triggered by repeated failures",
		},
		[]string{"protocol"},
	)

	SearchRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_search_rate_limited_total",
			Help: "Total number of search commands rejected by the per-account rate limit",
		},
		[]string{"protocol"},
	)

	CredentialCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_credential_cache_hits_total",
			Help: "Total number of credential cache hits",
		},
	)

	CredentialCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_credential_cache_misses_total",
			Help: "Total number of credential cache misses",
		},
	)

	CredentialCacheEntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_credential_cache_entries_total",
			Help: "Current number of entries in the credential cache",
		},
	)

	CredentialCacheSharedFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_credential_cache_shared_fetches_total",
			Help: "Total number of verifications coalesced into an in-flight lookup",
		},
	)

	LookupCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_lookup_cache_hits_total",
			Help: "Total number of address resolution cache hits",
		},
	)

	LookupCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_lookup_cache_misses_total",
			Help: "Total number of address resolution cache misses",
		},
	)

	LookupCacheEntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_lookup_cache_entries_total",
			Help: "Current number of entries in the address resolution cache",
		},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"}, // status: success, failure
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_command_duration_seconds",
			Help:    "Duration of protocol command processing in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"protocol", "command"},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_db_pool_connections",
			Help: "Current database pool connections by state",
		},
		[]string{"role", "state"}, // state: total, idle, acquired
	)

	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_accounts_total",
			Help: "Total number of accounts",
		},
	)

	MessagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_messages_total",
			Help: "Total number of stored messages",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	S3OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_s3_operation_errors_total",
			Help: "Total number of S3 operation errors by type",
		},
		[]string{"operation", "error_type"},
	)
)

// Local content cache metrics
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_cache_operations_total",
			Help: "Total number of content cache operations",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_cache_size_bytes",
			Help: "Current content cache size in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_cache_objects_total",
			Help: "Current number of objects in the content cache",
		},
	)
)

// Task queue metrics
var (
	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_task_queue_depth",
			Help: "Current number of tasks waiting in the background task queue",
		},
	)

	TaskQueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_task_queue_dropped_total",
			Help: "Total number of tasks dropped because the queue was full",
		},
	)

	TaskQueueTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_task_queue_tasks_total",
			Help: "Total number of background tasks executed",
		},
		[]string{"status"}, // status: success, error
	)
)

// Message ingestion metrics
var (
	MessagesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_messages_ingested_total",
			Help: "Total number of messages accepted for local delivery",
		},
		[]string{"listener"}, // listener: mx, submission
	)

	MessagesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_messages_rejected_total",
			Help: "Total number of messages rejected at SMTP time",
		},
		[]string{"listener", "reason"},
	)
)

// Outbound delivery metrics
var (
	OutboundQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_outbound_queue_depth",
			Help: "Number of outbound messages by status",
		},
		[]string{"status"}, // queued, sending, sent, failed, partial_failure
	)

	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_delivery_attempts_total",
			Help: "Total number of outbound delivery attempts",
		},
		[]string{"result"}, // result: sent, deferred, failed, partial_failure
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_delivery_duration_seconds",
			Help:    "Duration of outbound delivery attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"result"},
	)

	DeliveryRecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_delivery_recipients_total",
			Help: "Total number of recipient delivery outcomes",
		},
		[]string{"result"}, // result: delivered, deferred, rejected
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_breaker_transitions_total",
			Help: "Total number of delivery circuit breaker state transitions",
		},
		[]string{"host", "state"}, // state: open, closed
	)
)

// Health status metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component", "hostname"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "hostname", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_component_health_check_duration_seconds",
			Help:    "Duration of health check probes in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"component", "hostname"},
	)
)
