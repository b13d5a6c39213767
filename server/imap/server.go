package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relatemail/ferry/auth"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
	serverPkg "github.com/relatemail/ferry/server"
	"github.com/relatemail/ferry/server/idgen"
)

type IMAPServer struct {
	addr          string
	hostname      string
	db            *db.Database
	authenticator *auth.Authenticator
	retriever     *serverPkg.ContentRetriever
	appCtx        context.Context
	cancel        context.CancelFunc
	tlsConfig     *tls.Config
	debug         bool
	idleTimeout   time.Duration

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Connection limiting
	limiter *serverPkg.ConnectionLimiter

	// Per-account SEARCH throttling, nil when disabled
	searchLimiter *serverPkg.SearchRateLimiter

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*IMAPSession]struct{}
	sessionsWg          sync.WaitGroup
}

type IMAPServerOptions struct {
	Debug               bool
	TLS                 bool
	TLSCertFile         string
	TLSKeyFile          string
	TLSVerify           bool
	MaxConnections      int
	MaxConnectionsPerIP int
	IdleTimeout         time.Duration
	SearchRateLimit     int
	SearchRateWindow    time.Duration
}

func New(appCtx context.Context, hostname, imapAddr string, database *db.Database, authenticator *auth.Authenticator, retriever *serverPkg.ContentRetriever, options IMAPServerOptions) (*IMAPServer, error) {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	idleTimeout := options.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}

	server := &IMAPServer{
		hostname:       hostname,
		addr:           imapAddr,
		db:             database,
		authenticator:  authenticator,
		retriever:      retriever,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		debug:          options.Debug,
		idleTimeout:    idleTimeout,
		activeSessions: make(map[*IMAPSession]struct{}),
	}

	server.limiter = serverPkg.NewConnectionLimiter("IMAP", options.MaxConnections, options.MaxConnectionsPerIP)
	server.searchLimiter = serverPkg.NewSearchRateLimiter("IMAP", options.SearchRateLimit, options.SearchRateWindow)

	if options.TLS && options.TLSCertFile != "" && options.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		server.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
			ServerName:   hostname,
			NextProtos:   []string{"imap"},
		}
		if !options.TLSVerify {
			logger.Debug("IMAP: WARNING - TLS certificate verification not enforced")
		}
	}

	server.limiter.StartCleanup(serverCtx)
	server.searchLimiter.StartCleanup(serverCtx)

	return server, nil
}

func (s *IMAPServer) Start(errChan chan error) {
	tcpListener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create IMAP listener: %w", err)
		return
	}

	var listener net.Listener = tcpListener
	if s.tlsConfig != nil {
		listener = tls.NewListener(tcpListener, s.tlsConfig)
		logger.Info("IMAP server listening with TLS", "addr", s.addr)
	} else {
		logger.Info("IMAP server listening", "addr", s.addr, "tls", false)
	}
	defer listener.Close()

	// Close the listener when the application context ends so Accept
	// unblocks during shutdown.
	go func() {
		<-s.appCtx.Done()
		logger.Debug("IMAP: stopping listener")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("IMAP server stopped gracefully")
				return
			default:
				errChan <- err
				return
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("IMAP: connection rejected", "error", err)
			conn.Close()
			continue
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		authCount := s.authenticatedConnections.Load()

		metrics.ConnectionsTotal.WithLabelValues("imap").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("imap").Inc()

		session := &IMAPSession{
			server:      s,
			conn:        &conn,
			state:       stateNotAuthenticated,
			ctx:         sessionCtx,
			cancel:      sessionCancel,
			releaseConn: releaseConn,
			startTime:   time.Now(),
		}
		session.RemoteIP = serverPkg.HostFromAddr(conn.RemoteAddr())
		session.Protocol = "IMAP"
		session.Id = idgen.New()
		session.HostName = s.hostname
		session.Stats = s

		logger.Debug("IMAP: new connection", "remote", session.RemoteIP, "total_connections", totalCount, "authenticated_connections", authCount)

		s.addSession(session)
		s.sessionsWg.Add(1)

		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

func (s *IMAPServer) Close() {
	// Step 1: tell active sessions the server is going away.
	s.sendGracefulShutdownMessage()

	// Step 2: cancel the server context, which propagates to sessions.
	if s.cancel != nil {
		s.cancel()
	}

	// Step 3: wait for sessions to drain, bounded.
	s.waitForSessionsDrain(30 * time.Second)
}

func (s *IMAPServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("IMAP: all sessions drained gracefully")
	case <-time.After(timeout):
		logger.Debug("IMAP: session drain timeout, forcing shutdown", "timeout", timeout)
	}
}

func (s *IMAPServer) addSession(session *IMAPSession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *IMAPServer) removeSession(session *IMAPSession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

func (s *IMAPServer) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*IMAPSession, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Debug("IMAP: sending shutdown notice to active connections", "count", len(activeSessions))

	for _, session := range activeSessions {
		if session.conn != nil && *session.conn != nil {
			writer := bufio.NewWriter(*session.conn)
			writer.WriteString("* BYE Server shutting down\r\n")
			writer.Flush()
		}
	}

	// Give clients a moment to read the notice before connections drop.
	time.Sleep(1 * time.Second)

	for _, session := range activeSessions {
		if session.conn != nil && *session.conn != nil {
			(*session.conn).Close()
		}
	}
}

// Limiter exposes the connection limiter for the operator API.
func (s *IMAPServer) Limiter() *serverPkg.ConnectionLimiter {
	return s.limiter
}

// GetTotalConnections returns the current total connection count.
func (s *IMAPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count.
func (s *IMAPServer) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
