package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsConnectionError reports whether err is an ordinary client-side
// disconnect rather than a server fault. Sessions end on these without
// escalating the error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// A plaintext client talking to a TLS listener.
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
