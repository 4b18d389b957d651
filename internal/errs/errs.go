// Package errs classifies failures so the engine and pipeline can decide
// between skip, retry and fail.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPreconditionNotMet
	KindLockNotAcquired
	KindTransientInfra
	KindExternalService
	KindDataIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindPreconditionNotMet:
		return "PreconditionNotMet"
	case KindLockNotAcquired:
		return "LockNotAcquired"
	case KindTransientInfra:
		return "TransientInfraError"
	case KindExternalService:
		return "ExternalServiceError"
	case KindDataIntegrity:
		return "DataIntegrityError"
	}
	return "Unknown"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E tags err with kind. A nil err still produces an error so callers can
// signal a bare condition, e.g. E(KindPreconditionNotMet, "sync", nil).
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is E with a formatted cause.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsTransient(err error) bool {
	return Is(err, KindTransientInfra)
}
