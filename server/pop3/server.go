package pop3

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

type POP3Server struct {
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

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup
}

type POP3ServerOptions struct {
	Debug               bool
	TLS                 bool
	TLSCertFile         string
	TLSKeyFile          string
	TLSVerify           bool
	MaxConnections      int
	MaxConnectionsPerIP int
	IdleTimeout         time.Duration
}

func New(appCtx context.Context, hostname, popAddr string, database *db.Database, authenticator *auth.Authenticator, retriever *serverPkg.ContentRetriever, options POP3ServerOptions) (*POP3Server, error) {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	idleTimeout := options.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}

	server := &POP3Server{
		hostname:       hostname,
		addr:           popAddr,
		db:             database,
		authenticator:  authenticator,
		retriever:      retriever,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		debug:          options.Debug,
		idleTimeout:    idleTimeout,
		activeSessions: make(map[*POP3Session]struct{}),
	}

	server.limiter = serverPkg.NewConnectionLimiter("POP3", options.MaxConnections, options.MaxConnectionsPerIP)

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
			NextProtos:   []string{"pop3"},
		}
		if !options.TLSVerify {
			logger.Debug("POP3: WARNING - TLS certificate verification not enforced")
		}
	}

	server.limiter.StartCleanup(serverCtx)

	return server, nil
}

func (s *POP3Server) Start(errChan chan error) {
	tcpListener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create POP3 listener: %w", err)
		return
	}

	var listener net.Listener = tcpListener
	if s.tlsConfig != nil {
		listener = tls.NewListener(tcpListener, s.tlsConfig)
		logger.Info("POP3 server listening with TLS", "addr", s.addr)
	} else {
		logger.Info("POP3 server listening", "addr", s.addr, "tls", false)
	}
	defer listener.Close()

	// Close the listener when the application context ends so Accept
	// unblocks during shutdown.
	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping listener")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully")
				return
			default:
				errChan <- err
				return
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("POP3: connection rejected", "error", err)
			conn.Close()
			continue
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		authCount := s.authenticatedConnections.Load()

		metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

		session := &POP3Session{
			server:      s,
			conn:        &conn,
			state:       stateAuthorization,
			deleted:     make(map[int]bool),
			ctx:         sessionCtx,
			cancel:      sessionCancel,
			releaseConn: releaseConn,
			startTime:   time.Now(),
		}
		session.RemoteIP = serverPkg.HostFromAddr(conn.RemoteAddr())
		session.Protocol = "POP3"
		session.Id = idgen.New()
		session.HostName = s.hostname
		session.Stats = s

		logger.Debug("POP3: new connection", "remote", session.RemoteIP, "total_connections", totalCount, "authenticated_connections", authCount)

		s.addSession(session)
		s.sessionsWg.Add(1)

		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

func (s *POP3Server) Close() {
	// Step 1: tell active sessions the server is going away.
	s.sendGracefulShutdownMessage()

	// Step 2: cancel the server context, which propagates to sessions.
	if s.cancel != nil {
		s.cancel()
	}

	// Step 3: wait for sessions to drain, bounded.
	s.waitForSessionsDrain(30 * time.Second)
}

func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: all sessions drained gracefully")
	case <-time.After(timeout):
		logger.Debug("POP3: session drain timeout, forcing shutdown", "timeout", timeout)
	}
}

func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Debug("POP3: sending shutdown notice to active connections", "count", len(activeSessions))

	// No dedicated shutdown reply exists in POP3; a -ERR before the
	// close is the best a client can get. Deletes marked in these
	// sessions are abandoned, matching a plain disconnect.
	for _, session := range activeSessions {
		if session.conn != nil && *session.conn != nil {
			writer := bufio.NewWriter(*session.conn)
			writer.WriteString("-ERR Server shutting down, please reconnect\r\n")
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
func (s *POP3Server) Limiter() *serverPkg.ConnectionLimiter {
	return s.limiter
}

// GetTotalConnections returns the current total connection count.
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count.
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
