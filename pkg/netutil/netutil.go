// Package netutil provides network utility helpers used across fleet.
package netutil

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

var (
	// hostNameRegex enforces DNS-label-safe host names.
	hostNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_]{0,62}$`)

	// domainRegex provides a basic domain name sanity check.
	domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// IsValidHostName returns true if name is usable as a fleet host name.
// Host names become profile and unit path components, so no dots or slashes.
func IsValidHostName(name string) bool {
	return hostNameRegex.MatchString(name)
}

// IsValidAddress returns true if addr is an IP literal or a plausible DNS name.
func IsValidAddress(addr string) bool {
	if net.ParseIP(addr) != nil {
		return true
	}
	return domainRegex.MatchString(addr) || hostNameRegex.MatchString(addr)
}

// IsValidSSHPort returns true if port is a usable TCP port.
func IsValidSSHPort(port int) bool {
	return port >= 1 && port <= 65535
}

// JoinHostPort formats an address for dialing, using defaultPort when port is 0.
func JoinHostPort(host string, port, defaultPort int) string {
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitHostPort wraps net.SplitHostPort with a default port fallback.
func SplitHostPort(addr string, defaultPort int) (host string, port string, err error) {
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		// No port in addr, treat entire string as host
		return addr, fmt.Sprintf("%d", defaultPort), nil
	}
	return host, port, nil
}
