package poll

import (
	"errors"
	"fmt"
	"time"
)

// ExhaustedError reports a wait whose budget ran out before the condition
// held. It carries the last observation for diagnosis.
type ExhaustedError struct {
	Description string
	Attempts    int
	Elapsed     time.Duration
	Last        interface{}
	LastErr     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: not satisfied after %d attempts in %s, last observed: %v",
		e.Description, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.LastErr)
	}
	return msg
}

// Unwrap returns the last tolerated error, if any.
func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// permanent is implemented by errors that must never be retried.
type permanent interface {
	Permanent() bool
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err so that no wait tolerates it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain declares itself
// permanent.
func IsPermanent(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
