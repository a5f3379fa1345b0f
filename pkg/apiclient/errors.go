package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int    `json:"-"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Title, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the resource does not exist.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnavailable reports whether the server answered 503, as the readiness
// probe does before the USB/IP listener is bound.
func (e *APIError) IsUnavailable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// newAPIError builds an error from a problem+json body, a response envelope
// or, failing both, the raw body.
func newAPIError(code int, body []byte, env envelope) *APIError {
	apiErr := &APIError{StatusCode: code}
	if json.Unmarshal(body, apiErr) == nil && apiErr.Message != "" {
		return apiErr
	}
	if env.Error != "" {
		apiErr.Message = env.Error
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(code)
	}
	return apiErr
}
