package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrDeviceNotFound is returned when no device matches a UUID.
var ErrDeviceNotFound = errors.New("device not found")

// APIError is a non-2xx response from the API.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func newAPIError(op string, status int, body []byte) *APIError {
	e := &APIError{Op: op, Status: status}

	// The API answers with either a JSON error object or plain text.
	var structured struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &structured) == nil && (structured.Message != "" || structured.Error != "") {
		e.Code = structured.Code
		e.Message = structured.Message
		if e.Message == "" {
			e.Message = structured.Error
		}
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloud %s: status %d (%s): %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("cloud %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Permanent reports whether retrying cannot help. Server errors, conflicts
// and rate limits may clear up.
func (e *APIError) Permanent() bool {
	switch {
	case e.Status >= 500, e.Status == http.StatusConflict, e.Status == http.StatusTooManyRequests:
		return false
	default:
		return e.Status >= 400
	}
}

// TransportError is a failure to reach the API.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cloud %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports that the call may succeed later.
func (e *TransportError) Temporary() bool { return true }

// ProtocolError is a 2xx response whose body has an unexpected shape.
type ProtocolError struct {
	Op   string
	Path string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cloud %s %s: unexpected response: %v", e.Op, e.Path, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Permanent marks the error as not worth retrying.
func (e *ProtocolError) Permanent() bool { return true }

// IsAuthError reports whether err is a rejected token.
func IsAuthError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && (ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden)
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrDeviceNotFound) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 response.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// IsTemporary reports whether err is a network failure.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
