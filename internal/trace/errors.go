package trace

import (
	"errors"
	"fmt"
	"time"
)

// ErrWriterClosed is returned by Append and Close after Close has begun.
var ErrWriterClosed = errors.New("trace writer closed")

// BackpressureTimeout indicates the trace write queue did not drain within
// the configured bound during shutdown. The condition is reported, never
// silently dropped.
type BackpressureTimeout struct {
	Timeout time.Duration
	Pending int
}

func (e *BackpressureTimeout) Error() string {
	return fmt.Sprintf("trace queue did not drain within %s (%d events pending)", e.Timeout, e.Pending)
}

// CorruptionError localizes log corruption to one record. The offending
// record is reported and skipped; it never aborts the run, and the replay
// engine treats it as "no match".
type CorruptionError struct {
	// Line is the 1-based line number of the corrupt record.
	Line int
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("trace corruption at line %d: %v", e.Line, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// IsCorruption reports whether err is a record-local CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
