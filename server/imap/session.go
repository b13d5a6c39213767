package imap

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/helpers"
	"github.com/relatemail/ferry/pkg/metrics"
	serverPkg "github.com/relatemail/ferry/server"
)

const ImapMaxErrorsAllowed = 10                    // Protocol errors tolerated before the connection is terminated
const ImapErrorDelay = 500 * time.Millisecond      // Each error delays the response by errorsCount times this

// sessionState is the IMAP state machine position. Transitions are
// monotonic except for Selected falling back to Authenticated.
type sessionState int

const (
	stateNotAuthenticated sessionState = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

type IMAPSession struct {
	serverPkg.Session
	server *IMAPServer
	conn   *net.Conn

	state    sessionState
	readOnly bool            // Selected via EXAMINE
	messages []*db.Message   // Materialized INBOX view; sequence number n is messages[n-1]
	enabled  map[string]bool // Extensions turned on with ENABLE

	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time
	command     string // Command currently being processed, for metrics
	errorsCount int
	closeOnce   sync.Once
}

func (s *IMAPSession) handleConnection() {
	defer s.cancel()
	defer s.Close()

	reader := bufio.NewReader(*s.conn)
	writer := bufio.NewWriter(*s.conn)

	writer.WriteString(fmt.Sprintf("* OK [CAPABILITY %s] IMAP4rev2 server ready\r\n", s.capabilityList()))
	writer.Flush()

	s.Log("connected")

	for {
		(*s.conn).SetReadDeadline(time.Now().Add(s.server.idleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				writer.WriteString("* BYE Autologout; connection idle too long\r\n")
				writer.Flush()
				s.Log("timed out")
			} else if serverPkg.IsConnectionError(err) {
				s.Log("client dropped connection")
			} else {
				s.Log("read error: %v", err)
			}
			return
		}

		if s.ctx.Err() != nil {
			s.Log("WARNING: context cancelled, closing session")
			return
		}

		tag, command, args, rawArgs, parseErr := serverPkg.ParseLine(line, true)

		// An empty line is a no-op placeholder, not an error.
		if tag == "" && command == "" {
			tag, command, args, rawArgs = "*", "NOOP", nil, ""
		}

		if s.server.debug {
			s.DebugLog("C: %s", helpers.MaskSensitive(strings.TrimSpace(line), command, "LOGIN", "AUTHENTICATE"))
		}

		if parseErr != nil {
			if s.handleClientError(writer, tag, "BAD", "Invalid command syntax") {
				return
			}
			continue
		}
		if command == "" {
			if s.handleClientError(writer, tag, "BAD", "Missing command") {
				return
			}
			continue
		}

		start := time.Now()
		quit := s.dispatch(reader, writer, tag, command, args, rawArgs)
		metrics.CommandDuration.WithLabelValues("imap", command).Observe(time.Since(start).Seconds())

		writer.Flush()
		if quit {
			return
		}
	}
}

// dispatch routes one parsed command according to the session state.
// The returned flag asks the read loop to end the session.
func (s *IMAPSession) dispatch(reader *bufio.Reader, writer *bufio.Writer, tag, command string, args []string, rawArgs string) bool {
	s.command = command
	ctx := s.ctx

	switch command {
	case "CAPABILITY":
		s.handleCapability(writer, tag)

	case "NOOP":
		s.ok(writer, tag, "NOOP completed")

	case "ID":
		s.handleID(writer, tag, rawArgs)

	case "LOGOUT":
		s.untagged(writer, "BYE Logging out")
		s.ok(writer, tag, "LOGOUT completed")
		s.state = stateLogout
		return true

	case "LOGIN":
		if s.state != stateNotAuthenticated {
			return s.handleClientError(writer, tag, "NO", "Already authenticated")
		}
		return s.handleLogin(ctx, writer, tag, args)

	case "AUTHENTICATE":
		if s.state != stateNotAuthenticated {
			return s.handleClientError(writer, tag, "NO", "Already authenticated")
		}
		return s.handleAuthenticate(ctx, reader, writer, tag, args)

	case "SELECT", "EXAMINE":
		if s.state == stateNotAuthenticated {
			return s.handleClientError(writer, tag, "NO", "Not authenticated")
		}
		return s.handleSelect(ctx, writer, tag, args, command == "EXAMINE")

	case "STATUS":
		if s.state == stateNotAuthenticated {
			return s.handleClientError(writer, tag, "NO", "Not authenticated")
		}
		return s.handleStatus(ctx, writer, tag, rawArgs)

	case "LIST":
		if s.state == stateNotAuthenticated {
			return s.handleClientError(writer, tag, "NO", "Not authenticated")
		}
		return s.handleList(writer, tag, args)

	case "ENABLE":
		if s.state == stateNotAuthenticated {
			return s.handleClientError(writer, tag, "NO", "Not authenticated")
		}
		s.handleEnable(writer, tag, args)

	case "FETCH", "STORE", "SEARCH", "EXPUNGE", "CLOSE", "UNSELECT":
		if s.state != stateSelected {
			return s.handleClientError(writer, tag, "NO", "No mailbox selected")
		}
		switch command {
		case "FETCH":
			return s.handleFetch(ctx, writer, tag, rawArgs, false)
		case "STORE":
			return s.handleStore(ctx, writer, tag, rawArgs, false)
		case "SEARCH":
			return s.handleSearch(writer, tag, rawArgs, false)
		case "EXPUNGE":
			return s.handleExpunge(ctx, writer, tag, "", false)
		case "CLOSE":
			return s.handleClose(ctx, writer, tag)
		case "UNSELECT":
			s.deselect()
			s.ok(writer, tag, "UNSELECT completed")
		}

	case "UID":
		if s.state != stateSelected {
			return s.handleClientError(writer, tag, "NO", "No mailbox selected")
		}
		return s.handleUID(ctx, writer, tag, args, rawArgs)

	default:
		return s.handleClientError(writer, tag, "BAD", fmt.Sprintf("Unknown command: %s", command))
	}
	return false
}

// handleUID unwraps a UID command: the first argument is the true
// operation, dispatched with UID addressing enabled. The raw tail keeps
// the operation's own arguments verbatim.
func (s *IMAPSession) handleUID(ctx context.Context, writer *bufio.Writer, tag string, args []string, rawArgs string) bool {
	if len(args) == 0 {
		return s.handleClientError(writer, tag, "BAD", "UID requires a command")
	}
	operation := strings.ToUpper(args[0])
	rest := strings.TrimSpace(rawArgs[len(args[0]):])

	switch operation {
	case "FETCH":
		return s.handleFetch(ctx, writer, tag, rest, true)
	case "STORE":
		return s.handleStore(ctx, writer, tag, rest, true)
	case "SEARCH":
		return s.handleSearch(writer, tag, rest, true)
	case "EXPUNGE":
		return s.handleExpunge(ctx, writer, tag, rest, true)
	default:
		return s.handleClientError(writer, tag, "BAD", fmt.Sprintf("UID %s not supported", operation))
	}
}

// handleClientError answers a failed command with an escalating delay
// and drops the connection once the session has produced too many
// errors. The return value asks the caller to end the session.
func (s *IMAPSession) handleClientError(writer *bufio.Writer, tag, status, text string) bool {
	s.errorsCount++
	if s.errorsCount > ImapMaxErrorsAllowed {
		s.untagged(writer, "BYE Too many errors, closing connection")
		writer.Flush()
		return true
	}
	time.Sleep(time.Duration(s.errorsCount) * ImapErrorDelay)
	if status == "BAD" {
		s.bad(writer, tag, "%s", text)
	} else {
		s.no(writer, tag, "%s", text)
	}
	writer.Flush()
	return false
}

// ok writes a tagged OK completion response.
func (s *IMAPSession) ok(writer *bufio.Writer, tag, format string, args ...any) {
	s.respond(writer, tag, "OK", fmt.Sprintf(format, args...))
	metrics.CommandsTotal.WithLabelValues("imap", s.command, "success").Inc()
}

// no writes a tagged NO response.
func (s *IMAPSession) no(writer *bufio.Writer, tag, format string, args ...any) {
	s.respond(writer, tag, "NO", fmt.Sprintf(format, args...))
	metrics.CommandsTotal.WithLabelValues("imap", s.command, "failure").Inc()
}

// bad writes a tagged BAD response.
func (s *IMAPSession) bad(writer *bufio.Writer, tag, format string, args ...any) {
	s.respond(writer, tag, "BAD", fmt.Sprintf(format, args...))
	metrics.CommandsTotal.WithLabelValues("imap", s.command, "failure").Inc()
}

func (s *IMAPSession) respond(writer *bufio.Writer, tag, status, text string) {
	line := fmt.Sprintf("%s %s %s", tag, status, text)
	if s.server.debug {
		s.DebugLog("S: %s", line)
	}
	writer.WriteString(line)
	writer.WriteString("\r\n")
}

// untagged writes a `* ...` response line.
func (s *IMAPSession) untagged(writer *bufio.Writer, format string, args ...any) {
	line := "* " + fmt.Sprintf(format, args...)
	if s.server.debug {
		s.DebugLog("S: %s", line)
	}
	writer.WriteString(line)
	writer.WriteString("\r\n")
}

func (s *IMAPSession) Close() error {
	s.closeOnce.Do(func() {
		(*s.conn).Close()
		if s.releaseConn != nil {
			s.releaseConn()
		}
		s.server.removeSession(s)

		totalCount := s.server.totalConnections.Add(-1)
		metrics.ConnectionsCurrent.WithLabelValues("imap").Dec()
		metrics.ConnectionDuration.WithLabelValues("imap").Observe(time.Since(s.startTime).Seconds())

		var authCount int64
		if s.User != nil {
			authCount = s.server.authenticatedConnections.Add(-1)
			metrics.AuthenticatedConnectionsCurrent.WithLabelValues("imap").Dec()
			s.Log("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)
		} else {
			authCount = s.server.authenticatedConnections.Load()
			s.Log("closed unauthenticated connection (connections: total=%d, authenticated=%d)", totalCount, authCount)
		}

		s.User = nil
		s.messages = nil
		s.state = stateLogout
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}
