// Package netguard validates stream URLs before they reach the analyzer
// subprocess. Provider playlists and profile rewrite rules are operator
// input, not trusted input: a rewritten URL pointing at link-local
// metadata or loopback must never be handed to ffmpeg.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrNotAllowed marks URLs rejected by the probe-target policy.
var ErrNotAllowed = errors.New("netguard: url not allowed")

// Schemes a stream URL may use. rtmp(s) has no default port handling in
// net/url, so ports are validated only when present.
var allowedSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"rtmp":  {},
	"rtmps": {},
}

// Policy controls which probe targets are acceptable.
type Policy struct {
	// AllowPrivate permits RFC1918/loopback/link-local targets. Off by
	// default; home-lab deployments with an in-LAN provider turn it on.
	AllowPrivate bool
	// AllowCIDRs punches holes into the private-range block without
	// opening it entirely.
	AllowCIDRs []string
}

var blockedRanges = mustCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("netguard: bad builtin cidr %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// NormalizeHost lowercases and IDNA-normalizes a hostname. IP literals
// come back in canonical form.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// ValidateStreamURL checks a probe target against the policy and returns
// the parsed URL. The URL string itself is not rewritten; the prober
// passes the original to ffmpeg.
func ValidateStreamURL(raw string, policy Policy) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty url", ErrNotAllowed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := allowedSchemes[scheme]; !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrNotAllowed, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrNotAllowed)
	}
	if u.User != nil {
		// Credentials stay in query params or the profile rewrite, never
		// in userinfo where they leak into process listings.
		return nil, fmt.Errorf("%w: userinfo present", ErrNotAllowed)
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}

	// Hostname targets resolve at probe time; only literal IPs can be
	// range-checked synchronously without doing DNS here.
	ip := net.ParseIP(host)
	if ip == nil || policy.AllowPrivate {
		return u, nil
	}

	for _, cidr := range policy.AllowCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if n.Contains(ip) {
			return u, nil
		}
	}
	for _, blocked := range blockedRanges {
		if blocked.Contains(ip) {
			return nil, fmt.Errorf("%w: ip %s in blocked range %s", ErrNotAllowed, ip, blocked)
		}
	}
	return u, nil
}
