package networking

import (
	"errors"
	"fmt"
)

// HTTPError is returned by the fetch helpers for non-2xx responses. Message
// carries a short preview of the response body when one was readable.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError builds an HTTPError for the given response status and URL.
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{StatusCode: statusCode, URL: url, Message: message}
}

// IsHTTPError reports whether err wraps an HTTPError with the given status
// code. A statusCode of 0 matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}
