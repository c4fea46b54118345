// Package notepad provides persistent sets of identifiers for the dedup
// decorators in package scm.  Every store satisfies scm.Notepad.
//
// None of the stores offer exactly-once semantics across crashes: an
// identifier is recorded before the build it guards has finished.
package notepad

import (
	"errors"

	"github.com/terrpan/pulsebuild/internal/scm"
)

// Notepad is the store contract, identical to scm.Notepad.
type Notepad = scm.Notepad

// ErrEmptyID is returned when an empty identifier is added.
var ErrEmptyID = errors.New("notepad: empty identifier")

// Closer is implemented by stores that hold a file or connection.
type Closer interface {
	Notepad
	Close() error
}

// nopCloser adapts stores without resources to Closer.
type nopCloser struct{ Notepad }

func (nopCloser) Close() error { return nil }

// NopCloser returns a Closer whose Close does nothing.
func NopCloser(n Notepad) Closer { return nopCloser{n} }

func checkID(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	return nil
}
