package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidProfileURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		// Valid profile URLs
		{name: "simple https profile", input: "https://jane.example.com/", expected: true},
		{name: "http profile", input: "http://jane.example.com/", expected: true},
		{name: "profile with path", input: "https://example.com/users/jane", expected: true},
		{name: "profile with query", input: "https://example.com/?user=jane", expected: true},

		// Invalid profile URLs
		{name: "empty", input: "", expected: false},
		{name: "missing scheme", input: "jane.example.com", expected: false},
		{name: "mailto scheme", input: "mailto:jane@example.com", expected: false},
		{name: "missing path", input: "https://jane.example.com", expected: false},
		{name: "ipv4 host", input: "https://192.168.1.1/", expected: false},
		{name: "loopback ipv4", input: "https://127.0.0.1/", expected: false},
		{name: "loopback name", input: "https://localhost/", expected: false},
		{name: "ipv6 host", input: "https://[2001:db8::1]/", expected: false},
		{name: "explicit port", input: "https://example.com:8443/", expected: false},
		{name: "fragment", input: "https://example.com/#x", expected: false},
		{name: "userinfo", input: "https://user:p@example.com/", expected: false},
		{name: "dot segment", input: "https://example.com/a/../b", expected: false},
		{name: "single dot segment", input: "https://example.com/./a", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsValidProfileURL(tt.input), "input: %s", tt.input)
		})
	}
}

func TestIsValidClientID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		// Valid client IDs
		{name: "https client", input: "https://app.example.com/", expected: true},
		{name: "client with port", input: "https://app.example.com:8443/", expected: true},
		{name: "localhost with port", input: "http://localhost:8080/", expected: true},
		{name: "loopback ipv4", input: "http://127.0.0.1:8080/", expected: true},
		{name: "loopback ipv6", input: "http://[::1]:8080/", expected: true},

		// Invalid client IDs
		{name: "empty", input: "", expected: false},
		{name: "non-loopback ip", input: "https://10.0.0.1/", expected: false},
		{name: "dot segments", input: "https://app.example.com/foo/../bar", expected: false},
		{name: "missing path", input: "https://app.example.com", expected: false},
		{name: "fragment", input: "https://app.example.com/#frag", expected: false},
		{name: "userinfo", input: "https://u:p@app.example.com/", expected: false},
		{name: "ftp scheme", input: "ftp://app.example.com/", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsValidClientID(tt.input), "input: %s", tt.input)
		})
	}
}

func TestIsValidRedirectURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		redirectURI string
		clientID    string
		expected    bool
	}{
		{
			name:        "same origin https",
			redirectURI: "https://app.example.com/cb",
			clientID:    "https://app.example.com/",
			expected:    true,
		},
		{
			name:        "same loopback origin http",
			redirectURI: "http://localhost:8080/cb",
			clientID:    "http://localhost:8080/",
			expected:    true,
		},
		{
			name:        "host comparison is case-insensitive",
			redirectURI: "https://APP.example.com/cb",
			clientID:    "https://app.example.com/",
			expected:    true,
		},
		{
			name:        "cross origin rejected at this layer",
			redirectURI: "https://evil.com/cb",
			clientID:    "https://app.example.com/",
			expected:    false,
		},
		{
			name:        "port mismatch",
			redirectURI: "https://app.example.com:8443/cb",
			clientID:    "https://app.example.com/",
			expected:    false,
		},
		{
			name:        "explicit default port is same origin",
			redirectURI: "https://app.example.com:443/cb",
			clientID:    "https://app.example.com/",
			expected:    true,
		},
		{
			name:        "http to non-loopback rejected",
			redirectURI: "http://app.example.com/cb",
			clientID:    "http://app.example.com/",
			expected:    false,
		},
		{
			name:        "javascript scheme",
			redirectURI: "javascript:alert(1)",
			clientID:    "https://app.example.com/",
			expected:    false,
		},
		{
			name:        "data scheme",
			redirectURI: "data:text/html,x",
			clientID:    "https://app.example.com/",
			expected:    false,
		},
		{
			name:        "fragment",
			redirectURI: "https://app.example.com/cb#frag",
			clientID:    "https://app.example.com/",
			expected:    false,
		},
		{
			name:        "dot segments",
			redirectURI: "https://app.example.com/a/../cb",
			clientID:    "https://app.example.com/",
			expected:    false,
		},
		{
			name:        "empty redirect",
			redirectURI: "",
			clientID:    "https://app.example.com/",
			expected:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsValidRedirectURI(tt.redirectURI, tt.clientID))
		})
	}
}

func TestIsWellFormedRedirectURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{name: "https", input: "https://app.example.com/cb", expected: true},
		{name: "http", input: "http://localhost:8080/cb", expected: true},
		{name: "empty", input: "", expected: false},
		{name: "relative", input: "/cb", expected: false},
		{name: "ftp scheme", input: "ftp://app.example.com/cb", expected: false},
		{name: "custom scheme", input: "myapp://callback", expected: false},
		{name: "javascript scheme", input: "javascript:alert(1)", expected: false},
		{name: "fragment", input: "https://app.example.com/cb#frag", expected: false},
		{name: "userinfo", input: "https://user:p@app.example.com/cb", expected: false},
		{name: "dot segments", input: "https://app.example.com/a/../cb", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsWellFormedRedirectURI(tt.input))
		})
	}
}

func TestHasDotSegments(t *testing.T) {
	t.Parallel()

	assert.True(t, HasDotSegments("https://example.com/a/../b"))
	assert.True(t, HasDotSegments("https://example.com/./a"))
	assert.False(t, HasDotSegments("https://example.com/a.b/c"))
	assert.False(t, HasDotSegments("https://example.com/..a/b"))
	// Dot segments hidden in query strings are not path segments.
	assert.False(t, HasDotSegments("https://example.com/a?next=../b"))
}

func TestHasDangerousScheme(t *testing.T) {
	t.Parallel()

	assert.True(t, HasDangerousScheme("javascript:alert(1)"))
	assert.True(t, HasDangerousScheme("JAVASCRIPT:alert(1)"))
	assert.True(t, HasDangerousScheme("data:text/html,x"))
	assert.True(t, HasDangerousScheme("vbscript:msgbox"))
	assert.True(t, HasDangerousScheme("file:///etc/passwd"))
	assert.False(t, HasDangerousScheme("https://example.com/"))
}

func TestHasLoopbackHost(t *testing.T) {
	t.Parallel()

	assert.True(t, HasLoopbackHost("http://localhost:8080/"))
	assert.True(t, HasLoopbackHost("http://127.0.0.1/"))
	assert.True(t, HasLoopbackHost("http://[::1]:3000/"))
	assert.False(t, HasLoopbackHost("https://example.com/"))
	assert.False(t, HasLoopbackHost("https://127.0.0.1.example.com/"))
}

func TestIsRedirectURIInPublishedList(t *testing.T) {
	t.Parallel()

	published := []string{"https://app.example.com/cb", "https://other.example.com/cb"}

	assert.True(t, IsRedirectURIInPublishedList("https://app.example.com/cb", published))
	// Byte-exact: no normalization of case or trailing slashes.
	assert.False(t, IsRedirectURIInPublishedList("https://APP.example.com/cb", published))
	assert.False(t, IsRedirectURIInPublishedList("https://app.example.com/cb/", published))
	assert.False(t, IsRedirectURIInPublishedList("https://app.example.com/cb", nil))
}
