package bridge

import (
	"errors"
	"fmt"
)

// Error kinds. Every error the bridge surfaces wraps exactly one of them.
var (
	// ErrConnection covers start, stop and transport failures.
	ErrConnection = fmt.Errorf("connection error")

	// ErrPersistence covers session store load and save failures.
	ErrPersistence = fmt.Errorf("persistence error")

	// ErrRouting covers commands that cannot be executed: unknown topic,
	// malformed payload or the account being offline.
	ErrRouting = fmt.Errorf("routing error")
)

// ErrNotLoggedIn is the routing cause for commands received offline.
var ErrNotLoggedIn = fmt.Errorf("not logged in")

// Error describes a failed bridge operation.
type Error struct {
	Kind     error  // ErrConnection, ErrPersistence or ErrRouting
	Op       string // "start", "save", "say-room", ...
	Identity string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Identity, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Identity, e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, identity, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Identity: identity, Err: err}
}

// KindName returns "connection", "persistence", "routing" or "unknown".
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrRouting):
		return "routing"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "unknown"
	}
}
