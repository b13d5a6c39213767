package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/relatemail/ferry/helpers"
)

// Config is the top-level configuration for the ferry server, loaded from a
// TOML file and overridable by command-line flags in cmd/ferry.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	Servers    ServersConfig    `toml:"servers"`
	Auth       AuthConfig       `toml:"auth"`
	TaskQueue  TaskQueueConfig  `toml:"task_queue"`
	Outbound   OutboundConfig   `toml:"outbound"`
	Cleanup    CleanupConfig    `toml:"cleanup"`
}

// LoggingConfig selects the log destination, format and level.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseEndpointConfig holds the connection settings for one pool.
type DatabaseEndpointConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database settings with an optional read replica
// endpoint. When Read is nil, the write endpoint serves reads too.
type DatabaseConfig struct {
	LogQueries   bool                    `toml:"log_queries"`
	QueryTimeout string                  `toml:"query_timeout"`
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"`
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// S3Config holds the message content store settings.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Trace         bool   `toml:"trace"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 32 bytes, hex encoded
}

// LocalCacheConfig holds the on-disk content cache settings.
type LocalCacheConfig struct {
	Path          string `toml:"path"`
	Capacity      string `toml:"capacity"`        // e.g. "1gb"
	MaxObjectSize string `toml:"max_object_size"` // e.g. "5mb"
	PurgeInterval string `toml:"purge_interval"`
	OrphanAge     string `toml:"orphan_age"` // entries younger than this are never orphan-purged
}

func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		return 1 << 30, nil
	}
	return helpers.ParseSize(c.Capacity)
}

func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		return 5 << 20, nil
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 12 * time.Hour, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

func (c *LocalCacheConfig) GetOrphanAge() (time.Duration, error) {
	if c.OrphanAge == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.OrphanAge)
}

// ServersConfig groups per-listener settings.
type ServersConfig struct {
	Debug      bool             `toml:"debug"` // echo protocol commands and responses to the log
	HostName   string           `toml:"hostname"`
	IMAP       IMAPServerConfig `toml:"imap"`
	POP3       POP3ServerConfig `toml:"pop3"`
	MX         SMTPServerConfig `toml:"mx"`
	Submission SMTPServerConfig `toml:"submission"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
}

// TLSFileConfig holds static certificate material for one listener.
type TLSFileConfig struct {
	TLS         bool   `toml:"tls"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	TLSVerify   bool   `toml:"tls_verify"`
}

type IMAPServerConfig struct {
	Start            bool   `toml:"start"`
	Addr             string `toml:"addr"`
	MaxConnections   int    `toml:"max_connections"`
	MaxConnsPerIP    int    `toml:"max_connections_per_ip"`
	IdleTimeout      string `toml:"idle_timeout"`
	SearchRateLimit  int    `toml:"search_rate_limit_per_min"` // searches per account per window, 0 disables
	SearchRateWindow string `toml:"search_rate_limit_window"`
	TLSFileConfig
}

func (c *IMAPServerConfig) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(c.IdleTimeout)
}

func (c *IMAPServerConfig) GetSearchRateWindow() (time.Duration, error) {
	if c.SearchRateWindow == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.SearchRateWindow)
}

type POP3ServerConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	MaxConnections int    `toml:"max_connections"`
	MaxConnsPerIP  int    `toml:"max_connections_per_ip"`
	IdleTimeout    string `toml:"idle_timeout"`
	TLSFileConfig
}

func (c *POP3ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.IdleTimeout)
}

// SMTPServerConfig configures one inbound SMTP listener. The MX listener
// accepts mail from the internet for hosted domains; the submission listener
// accepts mail from authenticated users for any destination.
type SMTPServerConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`
	MaxConnections  int      `toml:"max_connections"`
	MaxConnsPerIP   int      `toml:"max_connections_per_ip"`
	MaxMessageSize  string   `toml:"max_message_size"`
	HostedDomains   []string `toml:"hosted_domains"`
	ValidateRcpt    bool     `toml:"validate_recipients"` // reject recipients at hosted domains that are not known users
	RelayFilter     bool     `toml:"relay_filter"`        // enable the anti-open-relay policy
	TLSUseStartTLS  bool     `toml:"tls_use_starttls"`
	TLSFileConfig
}

func (c *SMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if c.MaxMessageSize == "" {
		return 25 << 20, nil
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// HTTPAPIConfig configures the operational HTTP endpoint (metrics, health,
// stats). This is not the product REST API.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
	TLSFileConfig
}

// AuthConfig holds the authentication layer and rate limiter settings.
type AuthConfig struct {
	CacheTTL          string `toml:"cache_ttl"`
	MaxFailedAttempts int    `toml:"max_failed_attempts"`
	LockoutWindow     string `toml:"lockout_window"`
	BaseDelay         string `toml:"base_delay"`
	MaxDelay          string `toml:"max_delay"`
	CleanupInterval   string `toml:"cleanup_interval"`
}

func (a *AuthConfig) GetCacheTTL() (time.Duration, error) {
	if a.CacheTTL == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.CacheTTL)
}

func (a *AuthConfig) GetLockoutWindow() (time.Duration, error) {
	if a.LockoutWindow == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(a.LockoutWindow)
}

func (a *AuthConfig) GetBaseDelay() (time.Duration, error) {
	if a.BaseDelay == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(a.BaseDelay)
}

func (a *AuthConfig) GetMaxDelay() (time.Duration, error) {
	if a.MaxDelay == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.MaxDelay)
}

func (a *AuthConfig) GetCleanupInterval() (time.Duration, error) {
	if a.CleanupInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(a.CleanupInterval)
}

// TaskQueueConfig bounds the background task queue.
type TaskQueueConfig struct {
	Capacity int `toml:"capacity"`
}

func (t *TaskQueueConfig) GetCapacity() int {
	if t.Capacity <= 0 {
		return 1024
	}
	return t.Capacity
}

// SmarthostConfig routes all outbound mail through a fixed relay instead of
// direct MX delivery.
type SmarthostConfig struct {
	Host        string `toml:"host"` // host:port; empty disables the smarthost
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	UseStartTLS bool   `toml:"use_starttls"`
	TLSVerify   bool   `toml:"tls_verify"`
}

func (s *SmarthostConfig) IsConfigured() bool {
	return s.Host != ""
}

// OutboundConfig holds the delivery engine settings.
type OutboundConfig struct {
	Start          bool            `toml:"start"`
	PollInterval   string          `toml:"poll_interval"`
	Concurrency    int             `toml:"concurrency"`
	MaxRetries     int             `toml:"max_retries"`
	RetryBaseDelay string          `toml:"retry_base_delay"`
	RetryMaxDelay  string          `toml:"retry_max_delay"`
	DialTimeout    string          `toml:"dial_timeout"`
	HeloHostname   string          `toml:"helo_hostname"`
	Smarthost      SmarthostConfig `toml:"smarthost"`

	BreakerThreshold int    `toml:"breaker_threshold"` // consecutive host failures before the breaker opens
	BreakerCooldown  string `toml:"breaker_cooldown"`
}

func (o *OutboundConfig) GetPollInterval() (time.Duration, error) {
	if o.PollInterval == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(o.PollInterval)
}

func (o *OutboundConfig) GetConcurrency() int {
	if o.Concurrency <= 0 {
		return 5
	}
	return o.Concurrency
}

func (o *OutboundConfig) GetMaxRetries() int {
	if o.MaxRetries <= 0 {
		return 5
	}
	return o.MaxRetries
}

func (o *OutboundConfig) GetRetryBaseDelay() (time.Duration, error) {
	if o.RetryBaseDelay == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(o.RetryBaseDelay)
}

func (o *OutboundConfig) GetRetryMaxDelay() (time.Duration, error) {
	if o.RetryMaxDelay == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(o.RetryMaxDelay)
}

func (o *OutboundConfig) GetDialTimeout() (time.Duration, error) {
	if o.DialTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(o.DialTimeout)
}

func (o *OutboundConfig) GetBreakerThreshold() int {
	if o.BreakerThreshold <= 0 {
		return 5
	}
	return o.BreakerThreshold
}

func (o *OutboundConfig) GetBreakerCooldown() (time.Duration, error) {
	if o.BreakerCooldown == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(o.BreakerCooldown)
}

// CleanupConfig holds the expunge cleaner settings.
type CleanupConfig struct {
	GracePeriod  string `toml:"grace_period"`
	WakeInterval string `toml:"wake_interval"`
}

func (c *CleanupConfig) GetGracePeriod() (time.Duration, error) {
	if c.GracePeriod == "" {
		return 14 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.GracePeriod)
}

func (c *CleanupConfig) GetWakeInterval() (time.Duration, error) {
	if c.WakeInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.WakeInterval)
}

// NewDefaultConfig returns the application defaults. TOML values override
// these, and command-line flags override TOML.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Write: &DatabaseEndpointConfig{
				Host: "localhost",
				Port: "5432",
				User: "ferry",
				Name: "ferry",
			},
		},
		LocalCache: LocalCacheConfig{
			Path: "/var/cache/ferry",
		},
		Servers: ServersConfig{
			IMAP: IMAPServerConfig{
				Start: true,
				Addr:  ":143",
			},
			POP3: POP3ServerConfig{
				Start: true,
				Addr:  ":110",
			},
			MX: SMTPServerConfig{
				Start:       true,
				Addr:        ":25",
				RelayFilter: true,
			},
			Submission: SMTPServerConfig{
				Start:       true,
				Addr:        ":587",
				RelayFilter: true,
			},
			HTTPAPI: HTTPAPIConfig{
				Addr: "localhost:9090",
			},
		},
		Outbound: OutboundConfig{
			Start: true,
		},
	}
}

// Load reads the TOML file at path over the given defaults.
func Load(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return nil
}
