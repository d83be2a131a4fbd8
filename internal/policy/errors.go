package policy

import (
	"errors"
	"fmt"
)

// Violation is the structured signal for a binding DENY, carrying the
// rejecting stage and reason. It is surfaced to the caller as a distinct,
// catchable error and never silently swallowed; the boundary layer that owns
// the host convention converts it at the edge.
type Violation struct {
	Stage  string
	Reason string
	// Flags are the advisory flags accumulated before the denial.
	Flags []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s stage): %s", v.Stage, v.Reason)
}

// IsViolation reports whether err is a policy Violation.
// Uses errors.As to handle wrapped errors.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}
