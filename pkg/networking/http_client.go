// Package networking provides the hardened HTTP clients used for fetching
// untrusted URLs (user websites, client metadata, provider APIs).
//
// Clients built here install a connect-time guard that refuses connections
// to private and reserved address space. The guard runs in the dialer, after
// name resolution and on every connection attempt, so it also covers
// redirects and DNS rebinding: an attacker-controlled hostname that resolves
// to an internal address is rejected at the socket, not at URL inspection.
package networking

import (
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// DefaultTimeout bounds every outbound request made with a guarded client.
const DefaultTimeout = 10 * time.Second

// ErrDisallowedAddress is returned when a connection would reach private or
// reserved address space.
var ErrDisallowedAddress = fmt.Errorf("destination address is in a private or reserved range")

// disallowedBlocks holds the CIDR ranges the guard refuses to connect to.
var disallowedBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",       // IPv4 loopback
		"0.0.0.0/8",         // "this network"
		"10.0.0.0/8",        // RFC 1918
		"172.16.0.0/12",     // RFC 1918
		"192.168.0.0/16",    // RFC 1918
		"100.64.0.0/10",     // CGNAT (RFC 6598)
		"169.254.0.0/16",    // link-local (includes 169.254.169.254 cloud metadata)
		"192.0.2.0/24",      // TEST-NET-1
		"198.51.100.0/24",   // TEST-NET-2
		"203.0.113.0/24",    // TEST-NET-3
		"198.18.0.0/15",     // benchmarking (RFC 2544)
		"224.0.0.0/4",       // IPv4 multicast
		"240.0.0.0/4",       // reserved
		"::1/128",           // IPv6 loopback
		"::/128",            // IPv6 unspecified
		"fe80::/10",         // IPv6 link-local
		"fc00::/7",          // IPv6 unique local
		"ff00::/8",          // IPv6 multicast
		"2001:db8::/32",     // IPv6 documentation
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		disallowedBlocks = append(disallowedBlocks, block)
	}
}

// isDisallowedIP reports whether the IP falls in any blocked range.
// IPv4-mapped IPv6 addresses are unwrapped first so ::ffff:10.0.0.1 is
// treated as 10.0.0.1.
func isDisallowedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range disallowedBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP returns an error if the dial address (host:port,
// host already resolved to an IP) references a blocked range.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if isDisallowedIP(ip) {
		return ErrDisallowedAddress
	}
	return nil
}

// guardedDialControl validates resolved addresses prior to connection.
func guardedDialControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// HTTPClient is the minimal client interface consumed by discovery and
// provider code. It allows tests to substitute a recording implementation.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientBuilder provides a fluent interface for building hardened HTTP clients.
type ClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	allowPrivate          bool
}

// NewClientBuilder returns a new ClientBuilder with the default timeouts.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientTimeout:         DefaultTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall request timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.clientTimeout = d
	return b
}

// WithPrivateIPs allows connections to private IP addresses. Only tests and
// explicitly trusted internal endpoints should use this.
func (b *ClientBuilder) WithPrivateIPs(allow bool) *ClientBuilder {
	b.allowPrivate = allow
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		MaxIdleConnsPerHost:   4,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Timeout: b.clientTimeout,
			Control: guardedDialControl,
		}).DialContext
	}

	return &http.Client{
		Transport: transport,
		Timeout:   b.clientTimeout,
	}
}
