package telegram

import (
	"encoding/json"
	"fmt"
)

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if d := e.Description(); d != "" {
		return fmt.Sprintf("telegram %s: status %d: %s", e.Method, e.StatusCode, d)
	}
	return fmt.Sprintf("telegram %s: status %d: %s", e.Method, e.StatusCode, truncate(e.Body, 200))
}

// Description returns the "description" field of a Bot API error body, or
// "" when the body is not a Bot API error object.
func (e *APIError) Description() string {
	var body struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err != nil {
		return ""
	}
	return body.Description
}

// TransportError wraps failures of the HTTP round trip itself: refused
// connections, timeouts, broken framing.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telegram %s request failed: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError means the response body did not have the expected shape.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
