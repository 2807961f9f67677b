package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateMediaURL checks a media link an operator asks us to send. Providers
// fetch it from the public internet, so only absolute http(s) URLs with a
// public host are accepted.
func ValidateMediaURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("media URL has no host")
	}
	if u.User != nil {
		return fmt.Errorf("media URL must not carry credentials")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isInternalIP(ip) {
			return fmt.Errorf("media host not allowed: %s", host)
		}
		return nil
	}
	if isInternalHost(host) {
		return fmt.Errorf("media host not allowed: %s", host)
	}
	return nil
}

func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// isInternalHost matches localhost and single-label names, which only
// resolve inside a private network.
func isInternalHost(hostname string) bool {
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") || strings.HasSuffix(hostname, ".internal") {
		return true
	}
	return !strings.Contains(hostname, ".")
}
