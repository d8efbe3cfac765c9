package backup

import (
	"context"
	"errors"
	"syscall"
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as run-aborting. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err must abort the whole run instead of being
// absorbed for a single file: errors marked with Fatal, context
// cancellation and deadlines, and resource exhaustion.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, errno := range exhaustion {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

var exhaustion = []syscall.Errno{
	syscall.ENOSPC,
	syscall.EMFILE,
	syscall.ENFILE,
	syscall.ENOMEM,
}
