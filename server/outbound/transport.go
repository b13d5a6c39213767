package outbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Request describes one SMTP transaction against a single host.
type Request struct {
	Host       string // host or host:port; port 25 is assumed when absent
	Sender     string // envelope sender
	Recipients []string
	Message    []byte

	RequireTLS  bool   // fail when the server does not offer STARTTLS
	InsecureTLS bool   // skip certificate verification
	Username    string // authenticate with SASL PLAIN when non-empty
	Password    string
}

// Result reports per-recipient acceptance for a transaction that ran to
// a definitive answer. Every requested recipient appears in exactly one
// of Accepted or Rejected.
type Result struct {
	Accepted []string
	Rejected map[string]error
}

// Transport performs one SMTP transaction. A non-nil error means the
// transaction as a whole did not complete and nothing was handed off.
type Transport interface {
	Deliver(ctx context.Context, req *Request) (*Result, error)
}

// RelayError wraps a delivery failure with an explicit permanence class,
// for failures that carry no SMTP status code of their own.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// IsPermanentError reports whether a delivery error is permanent, meaning
// a retry cannot change the outcome. SMTP 5xx replies are permanent; 4xx
// replies and connection-level failures are not.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	// Network and dial failures are worth retrying.
	return false
}

// SMTPTransport delivers messages over SMTP with opportunistic STARTTLS.
// One Deliver call is one connection and one transaction.
type SMTPTransport struct {
	Hello       string // EHLO name; the library default applies when empty
	DialTimeout time.Duration
}

func (t *SMTPTransport) Deliver(ctx context.Context, req *Request) (*Result, error) {
	addr := req.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "25")
	}

	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if t.Hello != "" {
		if err := c.Hello(t.Hello); err != nil {
			return nil, fmt.Errorf("EHLO: %w", err)
		}
	}

	serverName, _, _ := net.SplitHostPort(addr)
	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: req.InsecureTLS,
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	} else if req.RequireTLS {
		return nil, fmt.Errorf("%s does not offer STARTTLS", addr)
	}

	if req.Username != "" {
		if !c.SupportsAuth(sasl.Plain) {
			return nil, fmt.Errorf("%s does not offer PLAIN authentication", addr)
		}
		if err := c.Auth(sasl.NewPlainClient("", req.Username, req.Password)); err != nil {
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := c.Mail(req.Sender, nil); err != nil {
		return nil, fmt.Errorf("MAIL FROM: %w", err)
	}

	res := &Result{Rejected: make(map[string]error)}
	for _, rcpt := range req.Recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			res.Rejected[rcpt] = err
			continue
		}
		res.Accepted = append(res.Accepted, rcpt)
	}
	if len(res.Accepted) == 0 {
		// Every recipient was refused. The server answered, so the
		// rejections are authoritative and there is nothing to send.
		_ = c.Quit()
		return res, nil
	}

	wc, err := c.Data()
	if err != nil {
		return nil, fmt.Errorf("DATA: %w", err)
	}
	if _, err := wc.Write(req.Message); err != nil {
		// Close still sends the terminating dot; the write failure
		// decides the outcome regardless of the server's reply.
		_ = wc.Close()
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("finish DATA: %w", err)
	}

	// The message is accepted at this point; a failed QUIT changes nothing.
	_ = c.Quit()

	return res, nil
}
