package pop3

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/relatemail/ferry/auth"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/helpers"
	"github.com/relatemail/ferry/pkg/metrics"
	serverPkg "github.com/relatemail/ferry/server"
)

const Pop3MaxErrorsAllowed = 10               // Protocol errors tolerated before the connection is terminated
const Pop3ErrorDelay = 500 * time.Millisecond // Each error delays the response by errorsCount times this

// sessionState is the POP3 state machine position. Update is entered
// only through QUIT; a dropped connection never reaches it.
type sessionState int

const (
	stateAuthorization sessionState = iota
	stateTransaction
	stateUpdate
)

type POP3Session struct {
	serverPkg.Session
	server *POP3Server
	conn   *net.Conn

	state    sessionState
	username string        // Pending USER argument awaiting PASS
	messages []*db.Message // Materialized maildrop; message number n is messages[n-1]
	deleted  map[int]bool  // View indexes marked by DELE, committed only at QUIT

	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time
	command     string // Command currently being processed, for metrics
	errorsCount int
	closeOnce   sync.Once
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.Close()

	reader := bufio.NewReader(*s.conn)
	writer := bufio.NewWriter(*s.conn)

	writer.WriteString("+OK POP3 server ready\r\n")
	writer.Flush()

	s.Log("connected")

	for {
		(*s.conn).SetReadDeadline(time.Now().Add(s.server.idleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				writer.WriteString("-ERR Connection timed out due to inactivity\r\n")
				writer.Flush()
				s.Log("timed out")
			} else if serverPkg.IsConnectionError(err) {
				// No QUIT means no Update state: marked deletes are
				// abandoned with the connection.
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

		_, command, args, _, parseErr := serverPkg.ParseLine(line, false)

		if s.server.debug {
			s.DebugLog("C: %s", helpers.MaskSensitive(strings.TrimSpace(line), command, "PASS"))
		}

		if parseErr != nil || command == "" {
			if s.handleClientError(writer, "Invalid command") {
				return
			}
			continue
		}

		start := time.Now()
		quit := s.dispatch(writer, command, args)
		metrics.CommandDuration.WithLabelValues("pop3", command).Observe(time.Since(start).Seconds())

		writer.Flush()
		if quit {
			return
		}
	}
}

// dispatch routes one command according to the session state. The
// returned flag asks the read loop to end the session.
func (s *POP3Session) dispatch(writer *bufio.Writer, command string, args []string) bool {
	s.command = command
	ctx := s.ctx

	switch command {
	case "CAPA":
		s.handleCapa(writer)

	case "QUIT":
		return s.handleQuit(ctx, writer)

	case "USER":
		if s.state != stateAuthorization {
			return s.handleClientError(writer, "Already authenticated")
		}
		if len(args) < 1 {
			return s.handleClientError(writer, "USER requires a name")
		}
		s.username = args[0]
		s.okResp(writer, "Send PASS")

	case "PASS":
		if s.state != stateAuthorization {
			return s.handleClientError(writer, "Already authenticated")
		}
		if s.username == "" {
			return s.handleClientError(writer, "USER required first")
		}
		if len(args) < 1 {
			return s.handleClientError(writer, "PASS requires a password")
		}
		return s.handlePass(ctx, writer, args[0])

	case "STAT", "LIST", "UIDL", "RETR", "TOP", "DELE", "NOOP", "RSET":
		if s.state != stateTransaction {
			return s.handleClientError(writer, "Command only valid after authentication")
		}
		switch command {
		case "STAT":
			count, size := countRemaining(s.messages, s.deleted)
			s.okResp(writer, "%d %d", count, size)
		case "LIST":
			return s.handleList(writer, args)
		case "UIDL":
			return s.handleUidl(writer, args)
		case "RETR":
			return s.handleRetr(ctx, writer, args)
		case "TOP":
			return s.handleTop(ctx, writer, args)
		case "DELE":
			return s.handleDele(writer, args)
		case "NOOP":
			s.okResp(writer, "")
		case "RSET":
			s.deleted = make(map[int]bool)
			s.okResp(writer, "Maildrop reset")
		}

	default:
		return s.handleClientError(writer, fmt.Sprintf("Unknown command: %s", command))
	}
	return false
}

// handleCapa lists implemented capabilities. Valid in every state.
func (s *POP3Session) handleCapa(writer *bufio.Writer) {
	s.okResp(writer, "Capability list follows")
	writer.WriteString("USER\r\n")
	writer.WriteString("UIDL\r\n")
	writer.WriteString("TOP\r\n")
	writer.WriteString("RESP-CODES\r\n")
	writer.WriteString("IMPLEMENTATION ferry\r\n")
	writer.WriteString(".\r\n")
}

// handlePass authenticates the pending USER name and materializes the
// maildrop. Messages an IMAP session already marked deleted are left
// out of the view entirely.
func (s *POP3Session) handlePass(ctx context.Context, writer *bufio.Writer, password string) bool {
	s.Log("authentication attempt for %s", s.username)

	result, err := s.server.authenticator.Authenticate(ctx, s.remoteAddr(), "POP3", auth.ScopePOP3, s.username, password)
	if err != nil {
		s.Log("authentication error: %v", err)
		s.errResp(writer, "[SYS/TEMP] Internal server error")
		return false
	}
	if !result.OK() {
		s.Log("authentication failed for %s: %s", s.username, result.Code)
		if result.Code == auth.CodeRateLimited {
			return s.handleClientError(writer, "[SYS/TEMP] Too many failed attempts, please try again later")
		}
		return s.handleClientError(writer, "[AUTH] Authentication failed")
	}

	address, err := serverPkg.NewAddress(result.Address)
	if err != nil {
		s.Log("authentication address error: %v", err)
		s.errResp(writer, "[SYS/TEMP] Internal server error")
		return false
	}

	all, err := s.server.db.ListMessages(ctx, result.AccountID)
	if err != nil {
		s.Log("failed to materialize maildrop: %v", err)
		s.errResp(writer, "[SYS/TEMP] Internal server error")
		return false
	}
	s.messages = make([]*db.Message, 0, len(all))
	for _, msg := range all {
		if db.ContainsFlag(msg.Flags, db.FlagDeleted) {
			continue
		}
		s.messages = append(s.messages, msg)
	}

	s.User = serverPkg.NewUser(address, result.AccountID)
	s.state = stateTransaction
	s.deleted = make(map[int]bool)

	authCount := s.server.authenticatedConnections.Add(1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Inc()

	count, size := countRemaining(s.messages, s.deleted)
	s.Log("authenticated (%d messages, %d octets, authenticated_connections=%d)", count, size, authCount)
	s.okResp(writer, "Maildrop ready, %d messages (%d octets)", count, size)
	return false
}

// handleQuit enters Update state from Transaction and commits the
// marked deletes. QUIT during Authorization just says goodbye.
func (s *POP3Session) handleQuit(ctx context.Context, writer *bufio.Writer) bool {
	if s.state != stateTransaction {
		s.okResp(writer, "Goodbye")
		return true
	}

	s.state = stateUpdate

	uids := deletedUIDs(s.messages, s.deleted)
	if len(uids) == 0 {
		s.okResp(writer, "Goodbye")
		return true
	}

	expunged, err := s.server.db.ExpungeByUID(ctx, s.AccountID(), uids)
	if err != nil {
		s.Log("QUIT: failed to remove messages: %v", err)
		s.errResp(writer, "[SYS/TEMP] Some messages were not removed")
		return true
	}

	s.Log("removed %d messages on QUIT", len(expunged))
	s.okResp(writer, "Goodbye (%d messages removed)", len(expunged))
	return true
}

// handleList answers LIST and LIST n with sizes.
func (s *POP3Session) handleList(writer *bufio.Writer, args []string) bool {
	if len(args) > 0 {
		line, err := buildSingleListResponse(s.messages, s.deleted, args[0])
		if err != nil {
			return s.handleClientError(writer, err.Error())
		}
		s.okResp(writer, "%s", line)
		return false
	}

	count, size := countRemaining(s.messages, s.deleted)
	s.okResp(writer, "%d messages (%d octets)", count, size)
	for _, line := range buildListResponseLines(s.messages, s.deleted) {
		writer.WriteString(line)
		writer.WriteString("\r\n")
	}
	writer.WriteString(".\r\n")
	return false
}

// handleUidl answers UIDL and UIDL n with stable UIDs.
func (s *POP3Session) handleUidl(writer *bufio.Writer, args []string) bool {
	if len(args) > 0 {
		line, err := buildSingleUidlResponse(s.messages, s.deleted, args[0])
		if err != nil {
			return s.handleClientError(writer, err.Error())
		}
		s.okResp(writer, "%s", line)
		return false
	}

	s.okResp(writer, "UID listing follows")
	for _, line := range buildUIDLResponseLines(s.messages, s.deleted) {
		writer.WriteString(line)
		writer.WriteString("\r\n")
	}
	writer.WriteString(".\r\n")
	return false
}

// handleRetr streams one message dot-stuffed and marks it seen so IMAP
// sessions observe the read.
func (s *POP3Session) handleRetr(ctx context.Context, writer *bufio.Writer, args []string) bool {
	if len(args) < 1 {
		return s.handleClientError(writer, "RETR requires a message number")
	}
	index, err := resolveMessageNumber(args[0], s.messages, s.deleted)
	if err != nil {
		return s.handleClientError(writer, err.Error())
	}
	msg := s.messages[index]

	content, err := s.server.retriever.Get(ctx, msg.ContentHash)
	if err != nil {
		s.Log("RETR %d: content %s unavailable: %v", index+1, msg.ContentHash, err)
		s.errResp(writer, "[SYS/TEMP] Message content unavailable")
		return false
	}

	if !db.ContainsFlag(msg.Flags, db.FlagSeen) {
		updated, err := s.server.db.AddMessageFlags(ctx, s.AccountID(), []int64{msg.UID}, db.FlagSeen)
		if err != nil {
			// The read itself succeeded; serve the message anyway.
			s.Log("RETR %d: failed to mark seen: %v", index+1, err)
		} else if newFlags, found := updated[msg.UID]; found {
			msg.Flags = newFlags | (msg.Flags & db.FlagRecent)
		}
	}

	s.okResp(writer, "%d octets", len(content))
	writeMultiLine(writer, dotStuffPOP3(string(content)))
	return false
}

// handleTop streams the header block plus the first n body lines.
func (s *POP3Session) handleTop(ctx context.Context, writer *bufio.Writer, args []string) bool {
	if len(args) < 2 {
		return s.handleClientError(writer, "TOP requires a message number and a line count")
	}
	index, err := resolveMessageNumber(args[0], s.messages, s.deleted)
	if err != nil {
		return s.handleClientError(writer, err.Error())
	}
	lineCount, err := parseLineCount(args[1])
	if err != nil {
		return s.handleClientError(writer, err.Error())
	}
	msg := s.messages[index]

	content, err := s.server.retriever.Get(ctx, msg.ContentHash)
	if err != nil {
		s.Log("TOP %d: content %s unavailable: %v", index+1, msg.ContentHash, err)
		s.errResp(writer, "[SYS/TEMP] Message content unavailable")
		return false
	}

	s.okResp(writer, "Top of message follows")
	writeMultiLine(writer, dotStuffPOP3(topResponse(string(content), lineCount)))
	return false
}

// handleDele marks a message for deletion at QUIT. Nothing is removed
// yet: STAT, LIST and UIDL stop counting it, but RSET brings it back.
func (s *POP3Session) handleDele(writer *bufio.Writer, args []string) bool {
	if len(args) < 1 {
		return s.handleClientError(writer, "DELE requires a message number")
	}
	index, err := resolveMessageNumber(args[0], s.messages, s.deleted)
	if err != nil {
		return s.handleClientError(writer, err.Error())
	}
	s.deleted[index] = true
	s.okResp(writer, "Message %d deleted", index+1)
	return false
}

// handleClientError answers a failed command with an escalating delay
// and drops the connection once the session has produced too many
// errors. The return value asks the caller to end the session.
func (s *POP3Session) handleClientError(writer *bufio.Writer, text string) bool {
	s.errorsCount++
	if s.errorsCount > Pop3MaxErrorsAllowed {
		writer.WriteString("-ERR Too many errors, closing connection\r\n")
		writer.Flush()
		return true
	}
	time.Sleep(time.Duration(s.errorsCount) * Pop3ErrorDelay)
	s.errResp(writer, "%s", text)
	writer.Flush()
	return false
}

// okResp writes a +OK status line.
func (s *POP3Session) okResp(writer *bufio.Writer, format string, args ...any) {
	line := "+OK"
	if text := fmt.Sprintf(format, args...); text != "" {
		line += " " + text
	}
	if s.server.debug {
		s.DebugLog("S: %s", line)
	}
	writer.WriteString(line)
	writer.WriteString("\r\n")
	metrics.CommandsTotal.WithLabelValues("pop3", s.command, "success").Inc()
}

// errResp writes a -ERR status line.
func (s *POP3Session) errResp(writer *bufio.Writer, format string, args ...any) {
	line := "-ERR " + fmt.Sprintf(format, args...)
	if s.server.debug {
		s.DebugLog("S: %s", line)
	}
	writer.WriteString(line)
	writer.WriteString("\r\n")
	metrics.CommandsTotal.WithLabelValues("pop3", s.command, "failure").Inc()
}

// writeMultiLine sends an already dot-stuffed payload and the lone-dot
// terminator, making sure the payload ends on a line boundary.
func writeMultiLine(writer *bufio.Writer, payload string) {
	writer.WriteString(payload)
	if payload != "" && !strings.HasSuffix(payload, "\r\n") && !strings.HasSuffix(payload, "\n") {
		writer.WriteString("\r\n")
	}
	writer.WriteString(".\r\n")
}

func (s *POP3Session) remoteAddr() net.Addr {
	return (*s.conn).RemoteAddr()
}

func (s *POP3Session) Close() error {
	s.closeOnce.Do(func() {
		(*s.conn).Close()
		if s.releaseConn != nil {
			s.releaseConn()
		}
		s.server.removeSession(s)

		totalCount := s.server.totalConnections.Add(-1)
		metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
		metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(s.startTime).Seconds())

		var authCount int64
		if s.User != nil {
			authCount = s.server.authenticatedConnections.Add(-1)
			metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Dec()
			s.Log("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)
		} else {
			authCount = s.server.authenticatedConnections.Load()
			s.Log("closed unauthenticated connection (connections: total=%d, authenticated=%d)", totalCount, authCount)
		}

		s.User = nil
		s.messages = nil
		s.deleted = nil
		s.state = stateUpdate
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}
