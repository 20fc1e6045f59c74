package types

import "github.com/pkg/errors"

var (
	// ErrNotReady is returned when an operation that requires a locked
	// name/port is attempted before the allocator has converged.
	ErrNotReady = errors.New("device not ready: ordinal/port not yet locked")

	// ErrUnknownSignal is returned when a slot or signal reference cannot be
	// resolved locally.
	ErrUnknownSignal = errors.New("unknown signal")

	// ErrUnknownMap is returned when a map id cannot be resolved.
	ErrUnknownMap = errors.New("unknown map")

	// ErrNotAuthoritative names the case of a /map/modify that targets the
	// destination endpoint instead of the source, which alone is
	// authoritative for the transformation (spec.md §4.6). The handshake
	// coordinator drops such a modify silently and does not return it.
	ErrNotAuthoritative = errors.New("modify rejected: not the authoritative (source) endpoint")

	// ErrExpressionCompile is returned when a candidate expression fails to
	// compile; callers must retain the prior expression on this error.
	ErrExpressionCompile = errors.New("expression failed to compile")

	// ErrTooManySources is returned when a map is constructed with more than
	// the 8 source slots allowed by spec.md §3.
	ErrTooManySources = errors.New("map may have at most 8 source slots")
)
