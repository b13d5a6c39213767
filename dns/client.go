package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ClientConfig configures the resolver.
type ClientConfig struct {
	// Nameservers to query as "host:port". Empty means the servers from
	// /etc/resolv.conf, falling back to public resolvers.
	Nameservers []string

	// Timeout for an individual query. Default 5s.
	Timeout time.Duration

	// Retries across the nameserver list. Default 2.
	Retries int
}

// Client is the miekg/dns-backed Resolver used in production.
type Client struct {
	config ClientConfig
	client *mdns.Client
}

var _ Resolver = (*Client)(nil)

func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	return &Client{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		if !strings.Contains(s, ":") {
			s = net.JoinHostPort(s, config.Port)
		}
		servers = append(servers, s)
	}
	return servers
}

func absolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}

// query runs one question against the nameserver list with retries and
// maps response codes onto the package errors.
func (c *Client) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(absolute(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for i := 0; i <= c.config.Retries; i++ {
		for _, server := range c.config.Nameservers {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			resp, _, err := c.client.ExchangeContext(ctx, m, server)
			if err != nil {
				if isTimeoutErr(err) {
					lastErr = fmt.Errorf("%w: %v", ErrDNSTimeout, err)
				} else {
					lastErr = fmt.Errorf("dns query failed: %w", err)
				}
				continue
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				return nil, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrDNSServFail
				continue
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
				continue
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %d", resp.Rcode)
				continue
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrDNSServFail
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// LookupMX retrieves MX records for a domain. An empty answer maps to
// ErrDNSNotFound so callers can apply the implicit-MX rule.
func (c *Client) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	resp, err := c.query(ctx, domain, mdns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}

	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}
	return records, nil
}

// LookupAddr performs a reverse lookup for an IP address. Returned names
// keep their trailing dot.
func (c *Client) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	if ip == nil {
		return nil, fmt.Errorf("dns: nil IP address")
	}

	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return nil, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}

	resp, err := c.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}

	if len(names) == 0 {
		return nil, ErrDNSNotFound
	}
	return names, nil
}
