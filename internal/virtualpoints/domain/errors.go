package virtualpoints

import "errors"

var (
	// ErrNotFound indicates an unknown virtual point.
	ErrNotFound = errors.New("virtual point: not found")
	// ErrInvalidPoint indicates a definition that violates an invariant.
	ErrInvalidPoint = errors.New("virtual point: invalid definition")
	// ErrCycleDetected marks points that transitively depend on themselves.
	ErrCycleDetected = errors.New("virtual point: cycle detected")
	// ErrMissingReference marks points referencing an unknown point.
	ErrMissingReference = errors.New("virtual point: missing reference")
	// ErrInvalidDependency marks points depending on an invalid point.
	ErrInvalidDependency = errors.New("virtual point: invalid dependency")
	// ErrStaleDependency is recorded on dependents of a failed propagate point.
	ErrStaleDependency = errors.New("virtual point: stale dependency")
	// ErrDisabled indicates a disabled point.
	ErrDisabled = errors.New("virtual point: disabled")
	// ErrMissingInput indicates an input without a current value.
	ErrMissingInput = errors.New("virtual point: missing input value")
)
