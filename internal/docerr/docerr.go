// Package docerr defines the error taxonomy shared by the document
// emulation layers. Callers classify with errors.Is against the sentinel
// values; the original cause stays reachable through errors.Unwrap.
package docerr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoSession              = errors.New("no open document session")
	ErrSessionNotFound        = errors.New("save session not found")
	ErrSessionExpired         = errors.New("save session expired")
	ErrResourceDisposed       = errors.New("resource disposed")
	ErrNetwork                = errors.New("network request failed")
	ErrDownloadFailed         = errors.New("download failed")
	ErrConversionFailed       = errors.New("conversion failed")
)

// Error attaches a taxonomy sentinel to an underlying cause. errors.Is
// matches the sentinel, errors.Unwrap yields the cause.
type Error struct {
	Kind  error
	Op    string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Cause }

// Wrap classifies cause under kind. A nil cause is allowed; the result
// still matches kind via errors.Is.
func Wrap(kind, cause error) error {
	return &Error{Kind: kind, Cause: cause}
}

// Op is Wrap with an operation name for log context.
func Op(op string, kind, cause error) error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}
