package event

import "fmt"

// FatalError marks an invariant violation or protocol error that §7
// classifies as kind 4/5: the condition the core was built to assume
// away rather than recover from. Action callbacks panic with a
// FatalError instead of returning one, since Action.callback has no
// error return; Loop.Run recovers it at the top and the caller (a
// cmd/* main) logs and exits rather than limping onward.
type FatalError struct {
	Reason string
}

// NewFatalError builds a FatalError from a format string.
func NewFatalError(format string, args ...any) FatalError {
	return FatalError{Reason: fmt.Sprintf(format, args...)}
}

func (e FatalError) Error() string { return e.Reason }
