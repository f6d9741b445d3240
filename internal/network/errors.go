package network

import (
	"errors"
	"fmt"
)

// ErrIdentityMismatch means the remote certificate does not belong to the
// node that was dialled or named in the hello frame.
var ErrIdentityMismatch = errors.New("peer identity mismatch")

// TransientError wraps a network failure that is expected to clear on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
