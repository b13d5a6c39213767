package imap

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/relatemail/ferry/auth"
	"github.com/relatemail/ferry/pkg/metrics"
	serverPkg "github.com/relatemail/ferry/server"
)

func (s *IMAPSession) handleLogin(ctx context.Context, writer *bufio.Writer, tag string, args []string) bool {
	if len(args) < 2 {
		return s.handleClientError(writer, tag, "BAD", "LOGIN requires a username and a password")
	}
	username := serverPkg.UnquoteString(args[0])
	password := serverPkg.UnquoteString(args[1])
	return s.authenticate(ctx, writer, tag, "LOGIN", username, password)
}

// handleAuthenticate runs the SASL PLAIN exchange. The initial response
// may ride on the command line or arrive after a continuation request;
// a lone "*" from the client cancels the exchange.
func (s *IMAPSession) handleAuthenticate(ctx context.Context, reader *bufio.Reader, writer *bufio.Writer, tag string, args []string) bool {
	if len(args) == 0 {
		return s.handleClientError(writer, tag, "BAD", "AUTHENTICATE requires a mechanism")
	}
	mechanism := strings.ToUpper(serverPkg.UnquoteString(args[0]))
	if mechanism != "PLAIN" {
		return s.handleClientError(writer, tag, "NO", "Unsupported authentication mechanism")
	}

	var username, password string
	saslServer := sasl.NewPlainServer(func(identity, user, pass string) error {
		// Proxy authorization is not supported; the authorization
		// identity must be absent or match the authentication identity.
		if identity != "" && identity != user {
			return fmt.Errorf("proxy authorization not permitted")
		}
		username, password = user, pass
		return nil
	})

	var response []byte
	if len(args) > 1 {
		decoded, err := base64.StdEncoding.DecodeString(args[1])
		if err != nil {
			return s.handleClientError(writer, tag, "BAD", "Invalid base64 in initial response")
		}
		response = decoded
	}

	for {
		challenge, done, err := saslServer.Next(response)
		if err != nil {
			s.Log("AUTHENTICATE rejected: %v", err)
			return s.handleClientError(writer, tag, "NO", "[AUTHENTICATIONFAILED] Authentication failed")
		}
		if done {
			break
		}

		writer.WriteString("+ ")
		writer.WriteString(base64.StdEncoding.EncodeToString(challenge))
		writer.WriteString("\r\n")
		writer.Flush()

		(*s.conn).SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			s.Log("AUTHENTICATE read error: %v", err)
			return true
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			return s.handleClientError(writer, tag, "BAD", "Authentication cancelled")
		}
		decoded, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return s.handleClientError(writer, tag, "BAD", "Invalid base64 response")
		}
		response = decoded
	}

	return s.authenticate(ctx, writer, tag, "AUTHENTICATE", username, password)
}

// authenticate runs a credential through the shared authentication layer
// and promotes the session on success. Every failure variant collapses
// into one generic client answer so the response leaks nothing about the
// cause; the distinct outcome is logged for operators.
func (s *IMAPSession) authenticate(ctx context.Context, writer *bufio.Writer, tag, command, username, password string) bool {
	s.Log("authentication attempt for %q", username)

	result, err := s.server.authenticator.Authenticate(ctx, s.remoteAddr(), "IMAP", auth.ScopeIMAP, username, password)
	if err != nil {
		s.Log("%s error: %v", command, err)
		s.no(writer, tag, "Internal server error")
		return false
	}
	if !result.OK() {
		s.Log("authentication failed for %q: %s", username, result.Code)
		return s.handleClientError(writer, tag, "NO", "[AUTHENTICATIONFAILED] Authentication failed")
	}

	address, err := serverPkg.NewAddress(result.Address)
	if err != nil {
		s.Log("%s error: account %d has unparseable address %q: %v", command, result.AccountID, result.Address, err)
		s.no(writer, tag, "Internal server error")
		return false
	}

	s.User = serverPkg.NewUser(address, result.AccountID)
	s.state = stateAuthenticated

	authCount := s.server.authenticatedConnections.Add(1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues("imap").Inc()
	totalCount := s.server.totalConnections.Load()
	s.Log("authenticated (connections: total=%d, authenticated=%d)", totalCount, authCount)

	s.ok(writer, tag, "[CAPABILITY %s] %s completed", s.capabilityList(), command)
	return false
}

func (s *IMAPSession) remoteAddr() net.Addr {
	return (*s.conn).RemoteAddr()
}
