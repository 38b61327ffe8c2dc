package supervisor

import (
	"errors"
	"fmt"
)

// TransportError is a failure to reach the supervisor. It is retryable
// while the device reboots.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("supervisor %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("supervisor %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports that the call may succeed later.
func (e *TransportError) Temporary() bool { return true }

// ProtocolError is a response the client could not accept: a non-2xx
// status or a body of the wrong shape.
type ProtocolError struct {
	Op     string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supervisor %s %s: status %d: %v", e.Op, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("supervisor %s %s: unexpected status %d: %s", e.Op, e.URL, e.Status, e.Body)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Permanent marks the error as not worth retrying.
func (e *ProtocolError) Permanent() bool { return true }

// IsTransportError reports whether err is a supervisor reachability failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is a malformed supervisor response.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
