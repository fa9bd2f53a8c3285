package web

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that never pass the guard, regardless of resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// Suffixes that indicate internal resources.
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// validateURL enforces the SSRF policy: http/https only, no blocked
// hostnames, and no target that is or resolves to a private, loopback, or
// link-local address. Resolution happens here so a DNS rebind to a private
// range is caught before the request.
func validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("blocked scheme %q", u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if blockedHostnames[host] {
		return nil, fmt.Errorf("blocked hostname: %s", host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil, fmt.Errorf("blocked hostname: %s", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked private address: %s", host)
		}
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("cannot resolve %s", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked: %s resolves to private address", host)
		}
	}
	return u, nil
}

// isPrivateIP covers loopback, RFC1918, link-local, unspecified, and
// carrier-grade NAT ranges.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	// 100.64.0.0/10 carrier-grade NAT
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return true
	}
	return false
}
