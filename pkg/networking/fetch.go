package networking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxResponseSize caps how much of an untrusted response body is read (1 MB).
const MaxResponseSize = 1 << 20

// FetchOption configures a fetch operation.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	client          HTTPClient
	method          string
	headers         map[string]string
	body            io.Reader
	maxResponseSize int64
}

// WithClient sets the HTTP client used for the request. The default is a
// guarded client with DefaultTimeout.
func WithClient(client HTTPClient) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// WithMethod sets the HTTP method (default GET).
func WithMethod(method string) FetchOption {
	return func(c *fetchConfig) {
		c.method = method
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) FetchOption {
	return func(c *fetchConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[key] = value
	}
}

// WithBody sets the request body.
func WithBody(body io.Reader) FetchOption {
	return func(c *fetchConfig) {
		c.body = body
	}
}

// WithMaxResponseSize overrides the response body read limit.
func WithMaxResponseSize(size int64) FetchOption {
	return func(c *fetchConfig) {
		c.maxResponseSize = size
	}
}

// Document is a fetched page body together with the response metadata the
// caller may need to interpret it (final URL after redirects, Link headers,
// content type).
type Document struct {
	// Body is the response body, truncated at the configured read limit.
	Body []byte

	// FinalURL is the URL the response was served from, after redirects.
	FinalURL string

	// Header holds the response headers.
	Header http.Header
}

// ContentType returns the media type of the response, without parameters.
func (d *Document) ContentType() string {
	ct := d.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func applyOptions(opts []FetchOption) *fetchConfig {
	config := &fetchConfig{
		method:          http.MethodGet,
		maxResponseSize: MaxResponseSize,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.client == nil {
		config.client = NewClientBuilder().Build()
	}
	return config
}

func fetch(ctx context.Context, url string, config *fetchConfig) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, config.method, url, config.body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range config.headers {
		req.Header.Set(key, value)
	}

	resp, err := config.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, config.maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview := body
		if len(preview) > 512 {
			preview = preview[:512]
		}
		return nil, nil, NewHTTPError(resp.StatusCode, url, string(preview))
	}

	return resp, body, nil
}

// FetchJSON fetches a URL and decodes the JSON response into T.
func FetchJSON[T any](ctx context.Context, url string, opts ...FetchOption) (T, error) {
	var result T

	config := applyOptions(opts)
	if _, ok := config.headers["Accept"]; !ok {
		opts = append(opts, WithHeader("Accept", "application/json"))
		config = applyOptions(opts)
	}

	_, body, err := fetch(ctx, url, config)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return result, nil
}

// FetchDocument fetches a URL and returns the body with response metadata.
// Used for pages whose headers are part of the result, such as profile URLs
// carrying Link headers.
func FetchDocument(ctx context.Context, url string, opts ...FetchOption) (*Document, error) {
	config := applyOptions(opts)

	resp, body, err := fetch(ctx, url, config)
	if err != nil {
		return nil, err
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Document{
		Body:     body,
		FinalURL: finalURL,
		Header:   resp.Header,
	}, nil
}
