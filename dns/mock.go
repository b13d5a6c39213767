package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver for tests. Record maps are keyed by FQDN
// with trailing dot (MX) or by IP string (PTR).
type MockResolver struct {
	MX  map[string][]*net.MX
	PTR map[string][]string

	// Fail lists queries that return ErrDNSServFail, as "type name",
	// e.g. "mx example.com." or "ptr 192.0.2.1".
	Fail []string
}

var _ Resolver = MockResolver{}

func (r MockResolver) failing(kind, name string) bool {
	return slices.Contains(r.Fail, kind+" "+name)
}

func (r MockResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fqdn := absolute(domain)
	if r.failing("mx", fqdn) {
		return nil, ErrDNSServFail
	}

	records, ok := r.MX[fqdn]
	if !ok || len(records) == 0 {
		return nil, ErrDNSNotFound
	}
	return records, nil
}

func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := ip.String()
	if r.failing("ptr", key) {
		return nil, ErrDNSServFail
	}

	names, ok := r.PTR[key]
	if !ok || len(names) == 0 {
		return nil, ErrDNSNotFound
	}
	return names, nil
}
