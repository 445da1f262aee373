package alarms

import "errors"

var (
	// ErrNotFound indicates a missing alarm record.
	ErrNotFound = errors.New("alarm: not found")
	// ErrInvalidRule indicates a rule that violates an invariant.
	ErrInvalidRule = errors.New("alarm: invalid rule")
	// ErrInvalidTransition indicates a state change the occurrence cannot make.
	ErrInvalidTransition = errors.New("alarm: invalid state transition")
)
