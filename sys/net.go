package sys

import (
	"net"
	neturl "net/url"
	"strings"
)

// GetFreePort asks the kernel for a loopback port that is free at the time of the call.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Hostname extracts the host from a URL, a host:port pair or a bare host.
func Hostname(s string) string {
	if u, err := neturl.Parse(s); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return strings.Trim(s, "[]")
}

// IsLocalhost reports whether s names the local machine: localhost, a loopback
// address, or the unspecified address a server binds to for all interfaces.
func IsLocalhost(s string) bool {
	host := Hostname(s)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}
