package types

import "errors"

// Error kinds shared by the protection subsystems. Every sentinel error
// exported by commitreveal, batchpool and protection wraps exactly one of
// these, so callers can branch on the kind with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrState      = errors.New("invalid state")
	ErrExpired    = errors.New("expired")
	ErrIntegrity  = errors.New("integrity error")
	ErrCapacity   = errors.New("capacity exceeded")
)

// kindError ties a concrete sentinel to its kind. Is reports true for both
// the kind and the sentinel itself.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// NewError returns a sentinel error of the given kind.
func NewError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Kind returns the kind sentinel an error wraps, or nil if it wraps none.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrState, ErrExpired, ErrIntegrity, ErrCapacity} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
