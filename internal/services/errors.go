package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Platform error codes that signal throttling or temporary unavailability.
var retryableCodes = map[string]bool{
	"REQUEST_LIMIT_EXCEEDED": true,
	"SERVER_UNAVAILABLE":     true,
	"UNABLE_TO_LOCK_ROW":     true,
	"QUERY_TIMEOUT":          true,
	"NETWORK_ERROR":          true,
}

var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// APIError is a non-2xx response or transport failure from the REST API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err is the API rejecting the access token.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// HTTPStatus returns the response status, or 0 for transport failures.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// PlatformCode returns the platform error code, e.g. REQUEST_LIMIT_EXCEEDED.
func (e *APIError) PlatformCode() string {
	return e.Code
}

// Retryable reports whether the failure is throttling or temporary unavailability.
func (e *APIError) Retryable() bool {
	return retryableStatuses[e.StatusCode] || retryableCodes[e.Code]
}

// parseAPIError builds an [APIError] from an error response body.
//
// The data API returns `[{"errorCode": "...", "message": "..."}]`, the OAuth endpoints
// return `{"error": "...", "error_description": "..."}`.
func parseAPIError(method, path string, status int, body []byte) *APIError {
	apiErr := &APIError{Method: method, Path: path, StatusCode: status}
	parsed := gjson.ParseBytes(body)

	switch {
	case parsed.IsArray():
		first := parsed.Get("0")
		apiErr.Code = first.Get("errorCode").String()
		apiErr.Message = first.Get("message").String()
	case parsed.Get("errorCode").Exists():
		apiErr.Code = parsed.Get("errorCode").String()
		apiErr.Message = parsed.Get("message").String()
	case parsed.Get("error").Exists():
		apiErr.Code = strings.ToUpper(parsed.Get("error").String())
		apiErr.Message = parsed.Get("error_description").String()
	default:
		apiErr.Message = strings.TrimSpace(string(body))
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
