package env

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedState means the resource entered a state it cannot
	// recover from, or one the poller does not know.
	ErrUnexpectedState = errors.New("unexpected resource state")

	// ErrNoInstance means the provider accepted a request but returned
	// no resource.
	ErrNoInstance = errors.New("no instance returned")

	// ErrInterrupted means the wait was cancelled.
	ErrInterrupted = errors.New("interrupted while waiting")

	// ErrMissingOutput means a resource became ready without the data
	// needed to address it.
	ErrMissingOutput = errors.New("required output missing")
)

// IsFatal reports whether err is one of the kinds that no retry will
// fix.  Transport failures are not fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnexpectedState) ||
		errors.Is(err, ErrNoInstance) ||
		errors.Is(err, ErrInterrupted) ||
		errors.Is(err, ErrMissingOutput)
}

// StateError reports an unexpected resource state.  It matches
// ErrUnexpectedState with errors.Is.
type StateError struct {
	Resource string
	State    string
	Reason   string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("%s is in state %q", e.Resource, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is implements errors.Is.
func (e *StateError) Is(target error) bool { return target == ErrUnexpectedState }
