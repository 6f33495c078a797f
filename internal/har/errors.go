package har

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned when a command needs a loaded session and
	// none is available.
	ErrNoSession = errors.New("No session loaded. Use `load <file>` first.")

	// ErrSessionNotFound is returned by a SessionBackend for an unknown hash.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSourceChanged is returned when a session's source file no longer
	// matches the content hash it was loaded with.
	ErrSourceChanged = errors.New("source file changed since it was loaded; run load again")

	// ErrInvalidHAR is returned when a file is not a HAR document.
	ErrInvalidHAR = errors.New("not a valid HAR file")
)

// EntryNotFoundError reports an entry reference outside the session.
type EntryNotFoundError struct {
	Ref   string
	Count int
}

func (e *EntryNotFoundError) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("entry %q not found (session has no entries)", e.Ref)
	}
	return fmt.Sprintf("entry %q not found (valid range e0-e%d)", e.Ref, e.Count-1)
}
