// Package security checks URLs the client and the relay send requests to.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// URLPolicy configures ValidateURL.
type URLPolicy struct {
	// AllowHTTP permits plain http. https is always allowed.
	AllowHTTP bool
	// AllowLocalNetworks permits localhost and loopback, private and link-local IP targets.
	AllowLocalNetworks bool
}

// ServicePolicy is used for the chat service, which usually runs next to the client.
var ServicePolicy = URLPolicy{AllowHTTP: true, AllowLocalNetworks: true}

// UpstreamPolicy is used for the relay upstream, which receives the API key.
var UpstreamPolicy = URLPolicy{}

// ValidateURL rejects URLs with an unsupported scheme or without a host, and
// local targets unless the policy allows them. IP literals are checked without
// DNS lookups.
func ValidateURL(rawURL string, policy URLPolicy) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !policy.AllowHTTP {
			return errors.Errorf("http is not allowed for %q", rawURL)
		}
	default:
		return errors.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	if parsed.User != nil {
		return errors.Errorf("URL %q must not carry credentials", parsed.Redacted())
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Errorf("URL %q has no host", rawURL)
	}

	if !policy.AllowLocalNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
			return errors.Errorf("local hostname %q is not allowed", host)
		}
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" && !policy.AllowLocalNetworks {
		return errors.Errorf("zoned IP address %q is not allowed", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Errorf("IP address %q cannot be a request target", host)
	}
	if !policy.AllowLocalNetworks &&
		(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()) {
		return errors.Errorf("local network IP %q is not allowed", host)
	}

	return nil
}

// BaseURL validates rawURL as a base that request paths get appended to and
// returns it without trailing slashes.
func BaseURL(rawURL string, policy URLPolicy) (string, error) {
	if err := ValidateURL(rawURL, policy); err != nil {
		return "", err
	}
	parsed, _ := url.Parse(rawURL)
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", errors.Errorf("base URL %q cannot have a query or fragment", rawURL)
	}
	return strings.TrimRight(rawURL, "/"), nil
}
