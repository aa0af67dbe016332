package plugin

import (
	"net"
	"net/url"
	"strings"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// CheckURL enforces the network policy for one target URL: scheme, the
// process denylist, and the effective host allowlist. The denylist wins
// over any allowlist entry; internal addresses are never reachable from a
// plugin no matter what a task asks for.
func CheckURL(rawURL string, policy models.PluginPolicy, allowedHosts []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInvalidInput, err, "malformed url %q", rawURL)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !policy.AllowInsecureHTTP {
			return taskerr.New(taskerr.KindPolicyViolation,
				"plain http is not allowed for %q", u.Host)
		}
	default:
		return taskerr.New(taskerr.KindPolicyViolation,
			"unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return taskerr.New(taskerr.KindInvalidInput, "url %q has no host", rawURL)
	}

	if denied(host) {
		return taskerr.New(taskerr.KindPolicyViolation,
			"host %q is on the process denylist", host)
	}

	effective := append(append([]string{}, allowedHosts...), policy.AllowedHosts...)
	if !hostAllowed(host, effective) {
		return taskerr.New(taskerr.KindPolicyViolation,
			"host %q is not on the allowed hosts list", host).
			WithDetails(map[string]any{"host": host})
	}
	return nil
}

// denied reports whether the host targets the local machine or a private
// network. Hostnames are checked lexically; IP literals by range.
func denied(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		lower == "metadata.google.internal" || strings.HasSuffix(lower, ".internal") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	// Cloud metadata endpoint, already covered by link-local but kept
	// explicit for v6-mapped forms.
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return true
	}
	return false
}

// hostAllowed matches the host against the allowlist. Entries match
// exactly or, with a "*." prefix, any subdomain.
func hostAllowed(host string, allowlist []string) bool {
	lower := strings.ToLower(host)
	for _, entry := range allowlist {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if e == "*" {
			return true
		}
		if suffix, ok := strings.CutPrefix(e, "*."); ok {
			if lower == suffix || strings.HasSuffix(lower, "."+suffix) {
				return true
			}
			continue
		}
		if lower == e {
			return true
		}
	}
	return false
}
