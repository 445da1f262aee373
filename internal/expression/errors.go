package expression

import (
	"errors"
	"fmt"
)

var (
	// ErrEvalTimeout indicates the evaluation exceeded its time budget.
	ErrEvalTimeout = errors.New("expression: timeout")
	// ErrEvalScript indicates a compile or runtime failure inside the script.
	ErrEvalScript = errors.New("expression: script error")
	// ErrTypeMismatch indicates a result or binding that cannot be coerced.
	ErrTypeMismatch = errors.New("expression: type mismatch")
	// ErrInvalidBinding indicates a variable name that cannot be bound.
	ErrInvalidBinding = errors.New("expression: invalid binding")
)

// EvalError is the structured failure returned by Evaluate.
type EvalError struct {
	Kind error
	Err  error
}

func (e *EvalError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EvalError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newEvalError(kind, err error) *EvalError {
	return &EvalError{Kind: kind, Err: err}
}
