package server

import (
	"fmt"
	"log/slog"

	"github.com/relatemail/ferry/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries state shared by all protocol sessions: identity, the
// authenticated user once present, and connection counters for log context.
type Session struct {
	Id       string
	RemoteIP string
	*User
	HostName string
	Protocol string
	Stats    ConnectionStatsProvider
}

func (s *Session) Log(format string, args ...any) {
	s.logAt(slog.LevelInfo, format, args...)
}

func (s *Session) DebugLog(format string, args ...any) {
	s.logAt(slog.LevelDebug, format, args...)
}

func (s *Session) WarnLog(format string, args ...any) {
	s.logAt(slog.LevelWarn, format, args...)
}

func (s *Session) logAt(level slog.Level, format string, args ...any) {
	user := "none"
	if s.User != nil {
		user = fmt.Sprintf("%s/%d", s.FullAddress(), s.AccountID())
	}

	attrs := []any{
		"protocol", s.Protocol,
		"conn", fmt.Sprintf("remote=%s", s.RemoteIP),
		"user", user,
		"session", s.Id,
	}
	if s.Stats != nil {
		attrs = append(attrs,
			"conn_total", s.Stats.GetTotalConnections(),
			"conn_auth", s.Stats.GetAuthenticatedConnections(),
		)
	}
	attrs = append(attrs, "msg", fmt.Sprintf(format, args...))

	switch level {
	case slog.LevelDebug:
		logger.Debug("Session", attrs...)
	case slog.LevelWarn:
		logger.Warn("Session", attrs...)
	default:
		logger.Info("Session", attrs...)
	}
}
