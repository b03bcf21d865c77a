// Package validation implements structural validation of the URLs exchanged
// during an IndieAuth flow: user profile URLs, client identifiers, and
// redirect URIs.
//
// All checks fail closed: anything that does not affirmatively match the
// rules is rejected.
package validation

import (
	"net"
	"net/url"
	"strings"
)

// dangerousSchemes are URI schemes that must never appear in a redirect URI.
// Everything outside http/https is rejected anyway; these are called out so
// they can be detected on the raw string before URL parsing normalizes them.
var dangerousSchemes = []string{"javascript:", "data:", "vbscript:", "file:"}

// HasDangerousScheme reports whether the raw URI string carries a scheme that
// is never acceptable for redirection. The check is performed on the raw
// string, case-insensitively, before any parsing.
func HasDangerousScheme(raw string) bool {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lowered, scheme) {
			return true
		}
	}
	return false
}

// HasDotSegments reports whether any path segment of the raw URL string is
// "." or "..". The check operates on the raw string rather than a parsed URL
// so that it cannot be defeated by parser-side path normalization.
func HasDotSegments(raw string) bool {
	// Strip query and fragment; dot segments only matter in the path.
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	for _, segment := range strings.Split(raw, "/") {
		if segment == "." || segment == ".." {
			return true
		}
	}
	return false
}

// isLoopbackHost reports whether the hostname is a loopback address usable by
// local clients: "localhost", 127.0.0.1, or [::1].
func isLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// HasLoopbackHost reports whether the URL's host is loopback. Client
// identifiers on loopback are valid but are never fetched for discovery.
func HasLoopbackHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return isLoopbackHost(u.Hostname())
}

// isDomainName reports whether the hostname is a plain domain name rather
// than an IP address literal.
func isDomainName(hostname string) bool {
	if hostname == "" {
		return false
	}
	return net.ParseIP(hostname) == nil
}

// IsValidProfileURL validates a user profile URL per IndieAuth §3.1.
//
// A profile URL must be http or https, must have a path, and must not contain
// dot segments, a fragment, userinfo, or a port. The host must be a domain
// name: IP literals and loopback hosts are rejected.
func IsValidProfileURL(raw string) bool {
	if raw == "" || HasDotSegments(raw) {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if u.Path == "" {
		return false
	}
	if u.Fragment != "" || u.RawFragment != "" || u.User != nil {
		return false
	}
	if u.Port() != "" {
		return false
	}

	hostname := u.Hostname()
	if !isDomainName(hostname) || isLoopbackHost(hostname) {
		return false
	}
	return true
}

// IsValidClientID validates a client identifier URL per IndieAuth §3.2.
//
// The rules match profile URLs except that an explicit port is allowed and
// loopback hosts (localhost, 127.0.0.1, [::1]) are permitted so local clients
// can be developed against a live server.
func IsValidClientID(raw string) bool {
	if raw == "" || HasDotSegments(raw) {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if u.Path == "" {
		return false
	}
	if u.Fragment != "" || u.RawFragment != "" || u.User != nil {
		return false
	}

	hostname := u.Hostname()
	if isLoopbackHost(hostname) {
		return true
	}
	return isDomainName(hostname)
}

// effectivePort returns the port of the URL, substituting the scheme default
// when none is explicit.
func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}

// sameOrigin reports whether two URLs share scheme, host, and port.
// Host comparison is case-insensitive.
func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

// IsWellFormedRedirectURI reports whether a redirect URI is structurally
// acceptable regardless of which client it belongs to: an absolute http(s)
// URL with no fragment, userinfo, or dot segments. Same-origin and
// published-list admission are separate, per-client decisions — but a URI
// failing this check must never be redirected to, no matter what the client
// publishes.
func IsWellFormedRedirectURI(raw string) bool {
	if raw == "" || HasDangerousScheme(raw) || HasDotSegments(raw) {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return u.Fragment == "" && u.RawFragment == "" && u.User == nil
}

// IsValidRedirectURI validates a redirect URI against its client identifier.
//
// The redirect URI must be well-formed per IsWellFormedRedirectURI and
// same-origin with the client ID. Plain http is only accepted when both URLs
// sit on the same loopback origin.
//
// A cross-origin redirect URI failing this check is not necessarily invalid:
// it may still be admitted after client discovery confirms it appears in the
// client's published redirect_uris list. That decision belongs to the caller.
func IsValidRedirectURI(redirectURI, clientID string) bool {
	if clientID == "" || !IsWellFormedRedirectURI(redirectURI) {
		return false
	}

	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	cu, err := url.Parse(clientID)
	if err != nil || !cu.IsAbs() {
		return false
	}

	if strings.ToLower(ru.Scheme) == "http" &&
		!(isLoopbackHost(ru.Hostname()) && isLoopbackHost(cu.Hostname())) {
		return false
	}

	return sameOrigin(ru, cu)
}

// IsRedirectURIInPublishedList reports whether the redirect URI appears in the
// client's published redirect_uris. The comparison is byte-exact: no
// normalization is applied, per IndieAuth §4.2.2.
func IsRedirectURIInPublishedList(redirectURI string, published []string) bool {
	for _, candidate := range published {
		if candidate == redirectURI {
			return true
		}
	}
	return false
}
