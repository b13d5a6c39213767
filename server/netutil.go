package server

import "net"

// HostFromAddr extracts the bare host from a net.Addr, dropping the port.
// Addresses that do not parse as host:port are returned unchanged.
func HostFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
