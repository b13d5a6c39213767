package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "eof", err: io.EOF, want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "closed listener", err: net.ErrClosed, want: true},
		{name: "reset in op error", err: &net.OpError{Op: "read", Err: syscall.ECONNRESET}, want: true},
		{name: "broken pipe", err: &net.OpError{Op: "write", Err: syscall.EPIPE}, want: true},
		{name: "timeout", err: timeoutError{}, want: true},
		{name: "wrapped eof", err: fmt.Errorf("session read: %w", io.EOF), want: true},
		{name: "tls record header", err: tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, want: true},
		{name: "plain error", err: errors.New("schema migration failed"), want: false},
		{name: "refused is not a disconnect", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
