package addrutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultSTUNPort is used when a STUN server is configured without a port.
const DefaultSTUNPort = 3478

// NormalizeSTUN turns "stun:host", "host" or "host:port" into "host:port".
func NormalizeSTUN(server string) (string, error) {
	s := strings.TrimSpace(server)
	s = strings.TrimPrefix(s, "stun:")
	s = strings.TrimPrefix(s, "//")
	if s == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	host, port, ok := splitHostPort(s)
	if !ok {
		host, port = strings.Trim(s, "[]"), DefaultSTUNPort
	}
	if host == "" {
		return "", fmt.Errorf("invalid STUN server %q", server)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// NormalizeSTUNList normalizes servers, dropping blanks and duplicates.
func NormalizeSTUNList(servers []string) ([]string, error) {
	out := make([]string, 0, len(servers))
	seen := map[string]bool{}
	for _, s := range servers {
		if strings.TrimSpace(s) == "" {
			continue
		}
		n, err := NormalizeSTUN(s)
		if err != nil {
			return nil, err
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// Endpoint joins an ip and port, validating both.
func Endpoint(ip string, port int) (string, error) {
	host := strings.Trim(strings.TrimSpace(ip), "[]")
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func splitHostPort(a string) (string, int, bool) {
	if h, p, err := net.SplitHostPort(a); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, false
		}
		return h, port, true
	}

	// Unbracketed IPv6 with a trailing ":port". A bare IPv6 address parses
	// as an IP as a whole and is left alone.
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") && net.ParseIP(a) == nil {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			port, err := strconv.Atoi(a[last+1:])
			if err == nil && port > 0 && port <= 65535 {
				return a[:last], port, true
			}
		}
	}
	return "", 0, false
}

// LocalURL turns a listen address such as ":3000" or "0.0.0.0:3000" into an
// http URL reachable from the same host.
func LocalURL(listen string) string {
	host, port, ok := splitHostPort(strings.TrimSpace(listen))
	if !ok {
		return "http://" + strings.TrimSpace(listen)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}
