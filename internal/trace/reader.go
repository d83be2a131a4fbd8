package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Reader iterates a trace file record by record.
//
// The final line may be a partial write from a crashed run; if it does not
// parse it is discarded, per the trace file contract. A malformed interior
// record yields a *CorruptionError for that record only; iteration continues
// with the next line.
type Reader struct {
	f    *os.File
	br   *bufio.Reader
	line int
}

// OpenReader opens a trace file for iteration.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return &Reader{f: f, br: bufio.NewReader(f)}, nil
}

// Next returns the next event. Returns io.EOF at the end of the log and
// *CorruptionError for a malformed interior record.
func (r *Reader) Next() (Event, error) {
	for {
		line, err := r.br.ReadString('\n')
		if err == io.EOF {
			// No trailing newline: a truncated final line from a partial
			// write. Discard it whether or not it happens to parse.
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, fmt.Errorf("read trace: %w", err)
		}
		r.line++

		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}

		var e Event
		if uerr := json.Unmarshal([]byte(line), &e); uerr != nil {
			return Event{}, &CorruptionError{Line: r.line, Err: uerr}
		}
		if e.Type == "" {
			return Event{}, &CorruptionError{Line: r.line, Err: fmt.Errorf("record missing event type")}
		}
		return e, nil
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll reads every intact record from a trace file. Corrupt records are
// skipped and returned separately so callers can report them; they never
// abort the read.
func ReadAll(path string) ([]Event, []error, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	var (
		events  []Event
		corrupt []error
	)
	for {
		e, err := r.Next()
		if err == io.EOF {
			return events, corrupt, nil
		}
		if IsCorruption(err) {
			corrupt = append(corrupt, err)
			continue
		}
		if err != nil {
			return events, corrupt, err
		}
		events = append(events, e)
	}
}
