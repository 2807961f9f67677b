package channel

import (
	"fmt"
	"net/url"
	"strings"
)

// HostPolicy decides which hosts an adapter may call with tenant
// credentials when the URL comes from a request rather than from config.
type HostPolicy struct {
	// Provider hosts are reached over https only. "*.example.com" matches
	// any subdomain of example.com but not example.com itself.
	Provider []string
	// Configured holds operator-set base URLs. A URL on the same scheme and
	// host (port included) is trusted as is.
	Configured []string
}

// Check returns an error wrapping ErrUntrustedHost unless rawURL is allowed.
func (p HostPolicy) Check(ch Type, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: %w: %q is not an absolute http(s) URL", ch, ErrUntrustedHost, rawURL)
	}
	if u.User != nil {
		return fmt.Errorf("%s: %w: credentials in URL", ch, ErrUntrustedHost)
	}

	for _, base := range p.Configured {
		if base == "" {
			continue
		}
		c, err := url.Parse(base)
		if err != nil || c.Host == "" {
			continue
		}
		if strings.EqualFold(c.Scheme, u.Scheme) && strings.EqualFold(c.Host, u.Host) {
			return nil
		}
	}

	if u.Scheme == "https" {
		host := strings.ToLower(u.Hostname())
		for _, pattern := range p.Provider {
			if matchHost(strings.ToLower(pattern), host) {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w: %s", ch, ErrUntrustedHost, u.Hostname())
}

func matchHost(pattern, host string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}
