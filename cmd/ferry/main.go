package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relatemail/ferry/auth"
	"github.com/relatemail/ferry/cache"
	"github.com/relatemail/ferry/config"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/dns"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/health"
	"github.com/relatemail/ferry/pkg/metrics"
	"github.com/relatemail/ferry/pkg/taskqueue"
	serverPkg "github.com/relatemail/ferry/server"
	"github.com/relatemail/ferry/server/cleaner"
	"github.com/relatemail/ferry/server/httpapi"
	"github.com/relatemail/ferry/server/imap"
	"github.com/relatemail/ferry/server/outbound"
	"github.com/relatemail/ferry/server/pop3"
	"github.com/relatemail/ferry/server/smtpin"
	"github.com/relatemail/ferry/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Initialize with application defaults. Values from the TOML file
	// override these, and explicitly set command-line flags override both.
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	// Logging flags
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout', 'syslog' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: 'debug', 'info', 'warn' or 'error' (overrides config)")

	// Database flags
	fDbHost := flag.String("dbhost", cfg.Database.Write.Host, "Database host (overrides config)")
	fDbPort := flag.String("dbport", cfg.Database.Write.Port, "Database port (overrides config)")
	fDbUser := flag.String("dbuser", cfg.Database.Write.User, "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", cfg.Database.Write.Password, "Database password (overrides config)")
	fDbName := flag.String("dbname", cfg.Database.Write.Name, "Database name (overrides config)")
	fDbTLS := flag.Bool("dbtls", cfg.Database.Write.TLSMode, "Enable TLS for database connection (overrides config)")
	fDbLogQueries := flag.Bool("dblogqueries", cfg.Database.LogQueries, "Log all database queries (overrides config)")

	// S3 flags
	fS3Endpoint := flag.String("s3endpoint", cfg.S3.Endpoint, "S3 endpoint (overrides config)")
	fS3AccessKey := flag.String("s3accesskey", cfg.S3.AccessKey, "S3 access key (overrides config)")
	fS3SecretKey := flag.String("s3secretkey", cfg.S3.SecretKey, "S3 secret key (overrides config)")
	fS3Bucket := flag.String("s3bucket", cfg.S3.Bucket, "S3 bucket name (overrides config)")
	fS3Trace := flag.Bool("s3trace", cfg.S3.Trace, "Trace S3 operations (overrides config)")

	// Cache flags
	fCachePath := flag.String("cachedir", cfg.LocalCache.Path, "Local path for cached message content (overrides config)")
	fCacheCapacity := flag.String("cachesize", cfg.LocalCache.Capacity, "Disk cache capacity, e.g. '1gb' (overrides config)")
	fCacheMaxObjectSize := flag.String("cachemaxobject", cfg.LocalCache.MaxObjectSize, "Maximum object size accepted in cache (overrides config)")

	// Server enable/address flags
	fDebug := flag.Bool("debug", cfg.Servers.Debug, "Print all commands and responses (overrides config)")
	fHostname := flag.String("hostname", cfg.Servers.HostName, "Hostname announced by the servers (overrides config)")
	fStartImap := flag.Bool("imap", cfg.Servers.IMAP.Start, "Start the IMAP server (overrides config)")
	fImapAddr := flag.String("imapaddr", cfg.Servers.IMAP.Addr, "IMAP server address (overrides config)")
	fStartPop3 := flag.Bool("pop3", cfg.Servers.POP3.Start, "Start the POP3 server (overrides config)")
	fPop3Addr := flag.String("pop3addr", cfg.Servers.POP3.Addr, "POP3 server address (overrides config)")
	fStartMx := flag.Bool("mx", cfg.Servers.MX.Start, "Start the inbound MX server (overrides config)")
	fMxAddr := flag.String("mxaddr", cfg.Servers.MX.Addr, "MX server address (overrides config)")
	fStartSubmission := flag.Bool("submission", cfg.Servers.Submission.Start, "Start the submission server (overrides config)")
	fSubmissionAddr := flag.String("submissionaddr", cfg.Servers.Submission.Addr, "Submission server address (overrides config)")
	fStartOutbound := flag.Bool("outbound", cfg.Outbound.Start, "Start the outbound delivery worker (overrides config)")
	fStartHTTPAPI := flag.Bool("httpapi", cfg.Servers.HTTPAPI.Start, "Start the HTTP API server (overrides config)")
	fHTTPAPIAddr := flag.String("httpapiaddr", cfg.Servers.HTTPAPI.Addr, "HTTP API server address (overrides config)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("ferry version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load configuration from the TOML file. A missing default config file
	// is fine; a missing explicitly requested one is not.
	if err := config.Load(*configPath, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if isFlagSet("config") {
				logger.Fatalf("Specified configuration file '%s' not found: %v", *configPath, err)
			}
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
		} else {
			logger.Fatalf("Error loading configuration: %v", err)
		}
	} else {
		logger.Infof("Loaded configuration from %s", *configPath)
	}

	// Apply command-line flag overrides. Only flags explicitly set on the
	// command line override values from the TOML file.
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}

	if isFlagSet("dbhost") {
		cfg.Database.Write.Host = *fDbHost
	}
	if isFlagSet("dbport") {
		cfg.Database.Write.Port = *fDbPort
	}
	if isFlagSet("dbuser") {
		cfg.Database.Write.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Write.Password = *fDbPassword
	}
	if isFlagSet("dbname") {
		cfg.Database.Write.Name = *fDbName
	}
	if isFlagSet("dbtls") {
		cfg.Database.Write.TLSMode = *fDbTLS
	}
	if isFlagSet("dblogqueries") {
		cfg.Database.LogQueries = *fDbLogQueries
	}

	if isFlagSet("s3endpoint") {
		cfg.S3.Endpoint = *fS3Endpoint
	}
	if isFlagSet("s3accesskey") {
		cfg.S3.AccessKey = *fS3AccessKey
	}
	if isFlagSet("s3secretkey") {
		cfg.S3.SecretKey = *fS3SecretKey
	}
	if isFlagSet("s3bucket") {
		cfg.S3.Bucket = *fS3Bucket
	}
	if isFlagSet("s3trace") {
		cfg.S3.Trace = *fS3Trace
	}

	if isFlagSet("cachedir") {
		cfg.LocalCache.Path = *fCachePath
	}
	if isFlagSet("cachesize") {
		cfg.LocalCache.Capacity = *fCacheCapacity
	}
	if isFlagSet("cachemaxobject") {
		cfg.LocalCache.MaxObjectSize = *fCacheMaxObjectSize
	}

	if isFlagSet("debug") {
		cfg.Servers.Debug = *fDebug
	}
	if isFlagSet("hostname") {
		cfg.Servers.HostName = *fHostname
	}
	if isFlagSet("imap") {
		cfg.Servers.IMAP.Start = *fStartImap
	}
	if isFlagSet("imapaddr") {
		cfg.Servers.IMAP.Addr = *fImapAddr
	}
	if isFlagSet("pop3") {
		cfg.Servers.POP3.Start = *fStartPop3
	}
	if isFlagSet("pop3addr") {
		cfg.Servers.POP3.Addr = *fPop3Addr
	}
	if isFlagSet("mx") {
		cfg.Servers.MX.Start = *fStartMx
	}
	if isFlagSet("mxaddr") {
		cfg.Servers.MX.Addr = *fMxAddr
	}
	if isFlagSet("submission") {
		cfg.Servers.Submission.Start = *fStartSubmission
	}
	if isFlagSet("submissionaddr") {
		cfg.Servers.Submission.Addr = *fSubmissionAddr
	}
	if isFlagSet("outbound") {
		cfg.Outbound.Start = *fStartOutbound
	}
	if isFlagSet("httpapi") {
		cfg.Servers.HTTPAPI.Start = *fStartHTTPAPI
	}
	if isFlagSet("httpapiaddr") {
		cfg.Servers.HTTPAPI.Addr = *fHTTPAPIAddr
	}

	// Initialize logging. Everything before this point goes to the default
	// stderr logger.
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferry: error initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("Ferry mail server starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	if !cfg.Servers.IMAP.Start && !cfg.Servers.POP3.Start && !cfg.Servers.MX.Start && !cfg.Servers.Submission.Start && !cfg.Outbound.Start {
		logger.Fatal("Nothing to run. Enable at least one listener (IMAP, POP3, MX, submission) or the outbound worker.")
	}
	if cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" || cfg.S3.Bucket == "" {
		logger.Fatal("Missing required credentials. Ensure S3 access key, secret key and bucket are provided.")
	}
	if cfg.S3.Endpoint == "" {
		logger.Fatal("S3 endpoint not specified")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	logger.Infof("Connecting to S3 endpoint '%s', bucket '%s'", cfg.S3.Endpoint, cfg.S3.Bucket)
	s3storage, err := storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Trace)
	if err != nil {
		logger.Fatalf("Failed to initialize S3 storage at endpoint '%s': %v", cfg.S3.Endpoint, err)
	}
	if cfg.S3.Encrypt {
		if err := s3storage.EnableEncryption(cfg.S3.EncryptionKey); err != nil {
			logger.Fatalf("Failed to enable S3 encryption: %v", err)
		}
	}

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to the database: %v", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	hostname := cfg.Servers.HostName
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	errChan := make(chan error, 1)

	// Local content cache
	cacheCapacity, err := cfg.LocalCache.GetCapacity()
	if err != nil {
		logger.Fatalf("Invalid cache capacity: %v", err)
	}
	maxObjectSize, err := cfg.LocalCache.GetMaxObjectSize()
	if err != nil {
		logger.Fatalf("Invalid cache max object size: %v", err)
	}
	purgeInterval, err := cfg.LocalCache.GetPurgeInterval()
	if err != nil {
		logger.Fatalf("Invalid cache purge interval: %v", err)
	}
	orphanAge, err := cfg.LocalCache.GetOrphanAge()
	if err != nil {
		logger.Fatalf("Invalid cache orphan age: %v", err)
	}
	cacheInstance, err := cache.New(cfg.LocalCache.Path, cacheCapacity, maxObjectSize, purgeInterval, orphanAge, database)
	if err != nil {
		logger.Fatalf("Failed to initialize local cache: %v", err)
	}
	defer cacheInstance.Close()
	if err := cacheInstance.SyncFromDisk(); err != nil {
		logger.Fatalf("Failed to sync cache from disk: %v", err)
	}
	if err := cacheInstance.RemoveStaleDBEntries(ctx); err != nil {
		logger.Warnf("CACHE: failed to remove stale index entries: %v", err)
	}
	cacheInstance.StartPurgeLoop(ctx)

	// Background task queue for deferrable work such as last-login stamps.
	tasks := taskqueue.New("background", cfg.TaskQueue.GetCapacity())
	tasks.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := tasks.Stop(stopCtx); err != nil {
			logger.Warnf("Task queue did not drain cleanly: %v", err)
		}
	}()

	// Authentication layer: credential cache, failure rate limiter and the
	// authenticator shared by every listener.
	cacheTTL, err := cfg.Auth.GetCacheTTL()
	if err != nil {
		logger.Fatalf("Invalid auth cache_ttl duration: %v", err)
	}
	authCache, err := auth.NewCache(cacheTTL, 0)
	if err != nil {
		logger.Fatalf("Failed to initialize credential cache: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		authCache.Stop(stopCtx)
	}()

	lockoutWindow, err := cfg.Auth.GetLockoutWindow()
	if err != nil {
		logger.Fatalf("Invalid auth lockout_window duration: %v", err)
	}
	baseDelay, err := cfg.Auth.GetBaseDelay()
	if err != nil {
		logger.Fatalf("Invalid auth base_delay duration: %v", err)
	}
	maxDelay, err := cfg.Auth.GetMaxDelay()
	if err != nil {
		logger.Fatalf("Invalid auth max_delay duration: %v", err)
	}
	cleanupInterval, err := cfg.Auth.GetCleanupInterval()
	if err != nil {
		logger.Fatalf("Invalid auth cleanup_interval duration: %v", err)
	}
	authLimiter := auth.NewRateLimiter(auth.RateLimiterConfig{
		MaxFailedAttempts: cfg.Auth.MaxFailedAttempts,
		LockoutWindow:     lockoutWindow,
		BaseDelay:         baseDelay,
		MaxDelay:          maxDelay,
		CleanupInterval:   cleanupInterval,
	})
	authLimiter.StartCleanup(ctx)
	defer authLimiter.Stop()

	authenticator := auth.NewAuthenticator(database, authCache, authLimiter, tasks)

	// Shared read path: cache first, object store on a miss.
	retriever := serverPkg.NewContentRetriever(cacheInstance, s3storage)

	// Health monitor
	monitor := health.NewMonitor()
	monitor.RegisterCheck(&health.Check{
		Name:     "database",
		Check:    database.Ping,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
	})
	monitor.RegisterCheck(&health.Check{
		Name:     "object_storage",
		Check:    s3storage.CheckBucket,
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	// Periodic database-backed gauges
	collector := metrics.NewCollectorWithCache(database, cacheInstance, time.Minute)
	collector.Start(ctx)
	defer collector.Stop()

	// Expunge cleaner
	gracePeriod, err := cfg.Cleanup.GetGracePeriod()
	if err != nil {
		logger.Fatalf("Invalid cleanup grace_period duration: %v", err)
	}
	wakeInterval, err := cfg.Cleanup.GetWakeInterval()
	if err != nil {
		logger.Fatalf("Invalid cleanup wake_interval duration: %v", err)
	}
	cleanupWorker := cleaner.New(database, s3storage, cacheInstance, gracePeriod, wakeInterval)
	cleanupWorker.Start(ctx)
	defer cleanupWorker.Stop()

	// Outbound delivery engine and queue worker
	var deliveryEngine *outbound.Engine
	var outboundWorker *outbound.Worker
	if cfg.Outbound.Start {
		pollInterval, err := cfg.Outbound.GetPollInterval()
		if err != nil {
			logger.Fatalf("Invalid outbound poll_interval duration: %v", err)
		}
		retryBase, err := cfg.Outbound.GetRetryBaseDelay()
		if err != nil {
			logger.Fatalf("Invalid outbound retry_base_delay duration: %v", err)
		}
		retryCap, err := cfg.Outbound.GetRetryMaxDelay()
		if err != nil {
			logger.Fatalf("Invalid outbound retry_max_delay duration: %v", err)
		}
		dialTimeout, err := cfg.Outbound.GetDialTimeout()
		if err != nil {
			logger.Fatalf("Invalid outbound dial_timeout duration: %v", err)
		}
		breakerCooldown, err := cfg.Outbound.GetBreakerCooldown()
		if err != nil {
			logger.Fatalf("Invalid outbound breaker_cooldown duration: %v", err)
		}

		helloName := cfg.Outbound.HeloHostname
		if helloName == "" {
			helloName = hostname
		}
		transport := &outbound.SMTPTransport{
			Hello:       helloName,
			DialTimeout: dialTimeout,
		}

		var smarthost outbound.Smarthost
		if cfg.Outbound.Smarthost.IsConfigured() {
			smarthost = outbound.Smarthost{
				Addr:        cfg.Outbound.Smarthost.Host,
				Username:    cfg.Outbound.Smarthost.Username,
				Password:    cfg.Outbound.Smarthost.Password,
				RequireTLS:  cfg.Outbound.Smarthost.UseStartTLS,
				InsecureTLS: !cfg.Outbound.Smarthost.TLSVerify,
			}
			logger.Info("Outbound: routing all deliveries through smarthost", "addr", cfg.Outbound.Smarthost.Host)
		}

		deliveryEngine = outbound.NewEngine(database, transport, dns.NewClient(dns.ClientConfig{}), retriever, outbound.LogNotifier{}, outbound.EngineOptions{
			Hostname:         hostname,
			MaxRetries:       cfg.Outbound.GetMaxRetries(),
			RetryBase:        retryBase,
			RetryCap:         retryCap,
			BreakerThreshold: cfg.Outbound.GetBreakerThreshold(),
			BreakerCooldown:  breakerCooldown,
			Smarthost:        smarthost,
		})

		// errCh stays nil: transient delivery errors are logged by the
		// worker and must not take the whole process down.
		outboundWorker = outbound.NewWorker(database, deliveryEngine, pollInterval, cfg.Outbound.GetConcurrency(), nil)
		outboundWorker.Start(ctx)
		defer outboundWorker.Stop()
	}

	// Listeners. Construction happens here so their connection limiters can
	// feed the HTTP API; serving runs in goroutines.
	var apiLimiters []httpapi.ConnectionSource

	if cfg.Servers.IMAP.Start {
		s, err := newIMAPServer(ctx, hostname, &cfg, database, authenticator, retriever)
		if err != nil {
			logger.Fatalf("Failed to create IMAP server: %v", err)
		}
		apiLimiters = append(apiLimiters, s.Limiter())
		go serveListener(ctx, "IMAP", s, errChan)
	}
	if cfg.Servers.POP3.Start {
		s, err := newPOP3Server(ctx, hostname, &cfg, database, authenticator, retriever)
		if err != nil {
			logger.Fatalf("Failed to create POP3 server: %v", err)
		}
		apiLimiters = append(apiLimiters, s.Limiter())
		go serveListener(ctx, "POP3", s, errChan)
	}
	if cfg.Servers.MX.Start {
		s, err := newSMTPServer(ctx, smtpin.ListenerMX, hostname, cfg.Servers.MX, cfg.Servers.Debug, database, authenticator, s3storage, nil)
		if err != nil {
			logger.Fatalf("Failed to create MX server: %v", err)
		}
		apiLimiters = append(apiLimiters, s.Limiter())
		go serveListener(ctx, "MX", s, errChan)
	}
	if cfg.Servers.Submission.Start {
		// The submission backend pokes the outbound worker so queued mail
		// leaves without waiting for the next poll.
		var notifier smtpin.QueueNotifier
		if outboundWorker != nil {
			notifier = outboundWorker
		}
		s, err := newSMTPServer(ctx, smtpin.ListenerSubmission, hostname, cfg.Servers.Submission, cfg.Servers.Debug, database, authenticator, s3storage, notifier)
		if err != nil {
			logger.Fatalf("Failed to create submission server: %v", err)
		}
		apiLimiters = append(apiLimiters, s.Limiter())
		go serveListener(ctx, "submission", s, errChan)
	}

	if cfg.Servers.HTTPAPI.Start {
		apiOptions := httpapi.ServerOptions{
			Addr:         cfg.Servers.HTTPAPI.Addr,
			APIKey:       cfg.Servers.HTTPAPI.APIKey,
			AllowedHosts: cfg.Servers.HTTPAPI.AllowedHosts,
			TLS:          cfg.Servers.HTTPAPI.TLS,
			TLSCertFile:  cfg.Servers.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.Servers.HTTPAPI.TLSKeyFile,
			Stats:        database,
			Cache:        cacheInstance,
			Health:       monitor,
			Limiters:     apiLimiters,
			AuthCache:    authCache,
		}
		if authLimiter != nil {
			apiOptions.AuthLimiter = authLimiter
		}
		if deliveryEngine != nil {
			apiOptions.Breakers = deliveryEngine
		}
		go httpapi.Start(ctx, apiOptions, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down ferry servers...")
		// Give the listener watchers a moment to close their connections
		// before the deferred teardown releases the cache and database.
		time.Sleep(2 * time.Second)
	case err := <-errChan:
		logger.Fatalf("Server error: %v", err)
	}
}

func newIMAPServer(ctx context.Context, hostname string, cfg *config.Config, database *db.Database, authenticator *auth.Authenticator, retriever *serverPkg.ContentRetriever) (*imap.IMAPServer, error) {
	idleTimeout, err := cfg.Servers.IMAP.GetIdleTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP idle_timeout: %w", err)
	}
	searchWindow, err := cfg.Servers.IMAP.GetSearchRateWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP search_rate_limit_window: %w", err)
	}
	return imap.New(ctx, hostname, cfg.Servers.IMAP.Addr, database, authenticator, retriever, imap.IMAPServerOptions{
		Debug:               cfg.Servers.Debug,
		TLS:                 cfg.Servers.IMAP.TLS,
		TLSCertFile:         cfg.Servers.IMAP.TLSCertFile,
		TLSKeyFile:          cfg.Servers.IMAP.TLSKeyFile,
		TLSVerify:           cfg.Servers.IMAP.TLSVerify,
		MaxConnections:      cfg.Servers.IMAP.MaxConnections,
		MaxConnectionsPerIP: cfg.Servers.IMAP.MaxConnsPerIP,
		IdleTimeout:         idleTimeout,
		SearchRateLimit:     cfg.Servers.IMAP.SearchRateLimit,
		SearchRateWindow:    searchWindow,
	})
}

func newPOP3Server(ctx context.Context, hostname string, cfg *config.Config, database *db.Database, authenticator *auth.Authenticator, retriever *serverPkg.ContentRetriever) (*pop3.POP3Server, error) {
	idleTimeout, err := cfg.Servers.POP3.GetIdleTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid POP3 idle_timeout: %w", err)
	}
	return pop3.New(ctx, hostname, cfg.Servers.POP3.Addr, database, authenticator, retriever, pop3.POP3ServerOptions{
		Debug:               cfg.Servers.Debug,
		TLS:                 cfg.Servers.POP3.TLS,
		TLSCertFile:         cfg.Servers.POP3.TLSCertFile,
		TLSKeyFile:          cfg.Servers.POP3.TLSKeyFile,
		TLSVerify:           cfg.Servers.POP3.TLSVerify,
		MaxConnections:      cfg.Servers.POP3.MaxConnections,
		MaxConnectionsPerIP: cfg.Servers.POP3.MaxConnsPerIP,
		IdleTimeout:         idleTimeout,
	})
}

func newSMTPServer(ctx context.Context, kind smtpin.ListenerKind, hostname string, listenerCfg config.SMTPServerConfig, debug bool, database *db.Database, authenticator *auth.Authenticator, blobs *storage.S3Storage, notifier smtpin.QueueNotifier) (*smtpin.SMTPServer, error) {
	maxMessageSize, err := listenerCfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid max_message_size: %w", err)
	}
	return smtpin.New(ctx, kind, hostname, listenerCfg.Addr, database, authenticator, blobs, smtpin.SMTPServerOptions{
		Debug:               debug,
		TLS:                 listenerCfg.TLS,
		TLSCertFile:         listenerCfg.TLSCertFile,
		TLSKeyFile:          listenerCfg.TLSKeyFile,
		TLSVerify:           listenerCfg.TLSVerify,
		TLSUseStartTLS:      listenerCfg.TLSUseStartTLS,
		MaxConnections:      listenerCfg.MaxConnections,
		MaxConnectionsPerIP: listenerCfg.MaxConnsPerIP,
		MaxMessageSize:      maxMessageSize,
		HostedDomains:       listenerCfg.HostedDomains,
		ValidateRecipients:  listenerCfg.ValidateRcpt,
		RelayFilter:         listenerCfg.RelayFilter,
		QueueNotifier:       notifier,
	})
}

// listener is the common lifecycle of the protocol servers.
type listener interface {
	Start(errChan chan error)
	Close()
}

func serveListener(ctx context.Context, name string, l listener, errChan chan error) {
	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down %s server...", name)
		l.Close()
	}()
	l.Start(errChan)
}

// isFlagSet reports whether a flag was explicitly set on the command line.
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
