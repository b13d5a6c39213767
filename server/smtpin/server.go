package smtpin

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/relatemail/ferry/auth"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/lookupcache"
	"github.com/relatemail/ferry/pkg/metrics"
	serverPkg "github.com/relatemail/ferry/server"
	"github.com/relatemail/ferry/server/idgen"
)

// QueueNotifier wakes the outbound delivery worker after an enqueue so
// a submission does not wait out the poll interval.
type QueueNotifier interface {
	NotifyQueued()
}

// SMTPServer runs one inbound listener, MX or submission, on top of
// emersion/go-smtp. The library owns the protocol loop; sessions carry
// the transaction callbacks and the relay policy.
type SMTPServer struct {
	addr     string
	kind     ListenerKind
	hostname string
	appCtx   context.Context
	cancel   context.CancelFunc

	db            *db.Database
	authenticator *auth.Authenticator
	ingestor      *Ingestor
	filter        *RelayFilter
	lookup        *lookupcache.Cache
	queueNotifier QueueNotifier

	server         *smtp.Server
	tlsConfig      *tls.Config
	useStartTLS    bool
	debug          bool
	maxMessageSize int64

	limiter *serverPkg.ConnectionLimiter

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64
}

type SMTPServerOptions struct {
	Debug               bool
	TLS                 bool
	TLSCertFile         string
	TLSKeyFile          string
	TLSVerify           bool
	TLSUseStartTLS      bool
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxMessageSize      int64
	HostedDomains       []string
	ValidateRecipients  bool
	RelayFilter         bool
	QueueNotifier       QueueNotifier
}

func New(appCtx context.Context, kind ListenerKind, hostname, smtpAddr string, database *db.Database, authenticator *auth.Authenticator, blobs BlobStore, options SMTPServerOptions) (*SMTPServer, error) {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	maxMessageSize := options.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = 25 << 20
	}

	backend := &SMTPServer{
		addr:           smtpAddr,
		kind:           kind,
		hostname:       hostname,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		db:             database,
		authenticator:  authenticator,
		queueNotifier:  options.QueueNotifier,
		debug:          options.Debug,
		maxMessageSize: maxMessageSize,
	}

	backend.ingestor = NewIngestor(database, blobs, database)
	// Policy checks tolerate slightly stale answers, so the filter reads
	// through a lookup cache. Ingestion keeps resolving directly.
	backend.lookup = lookupcache.New(database, 5*time.Minute, time.Minute, 10000)
	backend.filter = NewRelayFilter(kind, options.RelayFilter, options.HostedDomains, options.ValidateRecipients, backend.lookup)
	backend.limiter = serverPkg.NewConnectionLimiter(backend.protocol(), options.MaxConnections, options.MaxConnectionsPerIP)

	if options.TLS && options.TLSCertFile != "" && options.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
			ServerName:   hostname,
		}
		if !options.TLSVerify {
			logger.Debug("SMTP: WARNING - TLS certificate verification not enforced", "listener", kind)
		}
		backend.useStartTLS = options.TLSUseStartTLS
	}

	s := smtp.NewServer(backend)
	s.Addr = smtpAddr
	s.Domain = hostname
	s.MaxMessageBytes = maxMessageSize
	s.MaxRecipients = 100
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 1 * time.Minute
	// The authentication layer treats cleartext secrets as API keys, so
	// AUTH stays available before STARTTLS completes.
	s.AllowInsecureAuth = true
	if backend.useStartTLS {
		s.TLSConfig = backend.tlsConfig
	}
	if options.Debug {
		s.Debug = os.Stdout
	}
	backend.server = s

	backend.limiter.StartCleanup(serverCtx)

	return backend, nil
}

// protocol is the uppercase label used by the connection limiter and
// the authentication layer.
func (b *SMTPServer) protocol() string {
	return strings.ToUpper(string(b.kind))
}

// listenerLabel is the lowercase label used by metrics.
func (b *SMTPServer) listenerLabel() string {
	return string(b.kind)
}

func (b *SMTPServer) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	totalCount := b.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(b.listenerLabel()).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(b.listenerLabel()).Inc()

	session := &SMTPSession{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	session.RemoteIP = serverPkg.HostFromAddr(c.Conn().RemoteAddr())
	session.Protocol = b.protocol()
	session.Id = idgen.New()
	session.HostName = b.hostname
	session.Stats = b

	session.Log("new connection (connections: total=%d)", totalCount)

	if b.kind == ListenerSubmission {
		return &submissionSession{session}, nil
	}
	return session, nil
}

func (b *SMTPServer) Start(errChan chan error) {
	tcpListener, err := net.Listen("tcp", b.addr)
	if err != nil {
		b.cancel()
		errChan <- fmt.Errorf("failed to create %s listener: %w", b.protocol(), err)
		return
	}

	var listener net.Listener = tcpListener
	if b.tlsConfig != nil && !b.useStartTLS {
		listener = tls.NewListener(tcpListener, b.tlsConfig)
		logger.Info("SMTP server listening with TLS", "listener", b.kind, "addr", b.addr)
	} else {
		logger.Info("SMTP server listening", "listener", b.kind, "addr", b.addr, "starttls", b.useStartTLS)
	}

	limited := &limitedListener{
		Listener: listener,
		limiter:  b.limiter,
		label:    b.protocol(),
	}

	if err := b.server.Serve(limited); err != nil {
		if b.appCtx.Err() != nil {
			logger.Info("SMTP server stopped gracefully", "listener", b.kind)
		} else {
			errChan <- fmt.Errorf("%s server error: %w", b.protocol(), err)
		}
	}
}

func (b *SMTPServer) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.server != nil {
		b.server.Close()
	}
	if b.lookup != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		b.lookup.Stop(stopCtx)
	}
}

// Limiter exposes the connection limiter for the operator API.
func (b *SMTPServer) Limiter() *serverPkg.ConnectionLimiter {
	return b.limiter
}

// GetTotalConnections returns the current total connection count.
func (b *SMTPServer) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count.
func (b *SMTPServer) GetAuthenticatedConnections() int64 {
	return b.authenticatedConnections.Load()
}

// limitedListener enforces connection limits before go-smtp sees the
// connection; the release runs when the wrapped connection closes.
type limitedListener struct {
	net.Listener
	limiter *serverPkg.ConnectionLimiter
	label   string
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		releaseConn, limitErr := l.limiter.Accept(conn.RemoteAddr())
		if limitErr != nil {
			logger.Debug("SMTP: connection rejected", "listener", l.label, "error", limitErr)
			conn.Close()
			continue
		}

		return &limitedConn{Conn: conn, release: releaseConn}, nil
	}
}

type limitedConn struct {
	net.Conn
	release func()
}

func (c *limitedConn) Close() error {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return c.Conn.Close()
}
