package jobs

import (
	"errors"
	"fmt"
)

type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// PermanentError marks a failure that retrying cannot fix, such as a
// referenced appointment or order that no longer exists.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError marks a store or network blip worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Classify treats anything not explicitly permanent as transient.
func Classify(err error) Class {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	return ClassTransient
}

type missingHandlerError struct{ Type Type }

func (e *missingHandlerError) Error() string { return "no handler registered for job type " + string(e.Type) }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Val) }
