package fingerprint

import (
	"errors"
	"fmt"
)

// ResolutionError indicates a step could not be fingerprinted.
//
// Resolution failure is fatal to the step: the coordinator commits the step
// as FAILED without running the policy pipeline, and never retries.
type ResolutionError struct {
	// Tool is the operation whose parameters failed to canonicalize.
	Tool string
	// Reason is a human-readable description.
	Reason string
	// Err is the underlying cause.
	Err error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.Tool, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsResolutionError reports whether err is a ResolutionError.
// Uses errors.As to handle wrapped errors.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
