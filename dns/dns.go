// Package dns resolves the DNS records the delivery engine depends on:
// MX lookups for outbound routing and PTR lookups for inbound connection
// logging. The Resolver interface keeps the network out of tests.
package dns

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
)

var (
	// ErrDNSNotFound is returned for NXDOMAIN and for empty answers.
	ErrDNSNotFound = errors.New("dns: name not found")

	// ErrDNSServFail is returned when every queried nameserver failed.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSTimeout is returned when a query timed out.
	ErrDNSTimeout = errors.New("dns: query timeout")

	// ErrDNSRefused is returned when the nameserver refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrNullMX is returned for domains that advertise a null MX
	// (RFC 7505): the domain exists but declines all mail.
	ErrNullMX = errors.New("dns: domain declines mail (null MX)")
)

// Resolver answers the lookups the mail engine needs.
type Resolver interface {
	// LookupMX retrieves the MX records for a domain, unsorted.
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)

	// LookupAddr performs a reverse lookup for an IP address.
	LookupAddr(ctx context.Context, ip net.IP) ([]string, error)
}

// IsNotFound reports whether err means the name has no such records.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTemporary reports whether err is worth retrying later.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSServFail) || errors.Is(err, ErrDNSTimeout)
}

// HostsForDomain returns the delivery hosts for a recipient domain in MX
// preference order, trailing dots stripped. A domain without MX records
// resolves to the domain itself (RFC 5321 section 5.1 implicit MX). A
// null MX yields ErrNullMX, which callers must treat as permanent.
func HostsForDomain(ctx context.Context, r Resolver, domain string) ([]string, error) {
	records, err := r.LookupMX(ctx, domain)
	if IsNotFound(err) {
		return []string{domain}, nil
	}
	if err != nil {
		return nil, err
	}

	if len(records) == 1 && records[0].Host == "." {
		return nil, ErrNullMX
	}

	sorted := make([]*net.MX, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Pref < sorted[j].Pref
	})

	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return []string{domain}, nil
	}
	return hosts, nil
}
