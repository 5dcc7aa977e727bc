package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrModeViolation    = errors.New("sandbox: mode violation")
	ErrKeyNotFound      = errors.New("sandbox: key not found")
	ErrAlreadyResponded = errors.New("sandbox: respond already called")
	ErrMissingResponse  = errors.New("sandbox: respond not called")
	ErrInvalidEvent     = errors.New("sandbox: invalid event")
	ErrStore            = errors.New("sandbox: store error")
	ErrScriptLoad       = errors.New("sandbox: script load failed")
	ErrEvaluation       = errors.New("sandbox: evaluation failed")
	ErrInvalidMode      = errors.New("sandbox: invalid mode")
	ErrTaskLimit        = errors.New("sandbox: task limit exceeded")
	ErrInvalidValue     = errors.New("sandbox: unsupported value")
)

// EvaluationError reports a script that failed after it was loaded.
// Cause, when set, is the capability error that was raised and left unhandled.
type EvaluationError struct {
	Script  string
	Message string
	Cause   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrEvaluation, e.Script, e.Message)
}

func (e *EvaluationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrEvaluation}
	}
	return []error{ErrEvaluation, e.Cause}
}
