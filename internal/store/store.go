// Package store maintains the SQLite replay index: a derived mapping from
// step fingerprint to the last successful outcome across indexed traces.
//
// The JSONL trace file is always the source of truth. The index exists so
// `show` and `replay` can answer fingerprint lookups without rescanning large
// logs, and it can be rebuilt from the traces at any time.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/trace"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store provides durable storage for the replay index.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Outcome is one indexed terminal success.
type Outcome struct {
	Fingerprint string
	StepID      string
	TraceRef    string
	Status      step.Status
	Output      string
	Seq         int64
	RecordedAt  time.Time
}

// Open creates or opens the index database at the given path.
// Applies required pragmas and the schema. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY errors on the write path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IndexTrace ingests one trace's events under the given ref, upserting the
// last successful outcome per fingerprint. Re-indexing the same ref is
// idempotent: prior rows for the ref are replaced in the same transaction.
func (s *Store) IndexTrace(ctx context.Context, ref string, events []trace.Event) error {
	steps, policyHash := collectOutcomes(events)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index trace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE trace_ref = ?`, ref); err != nil {
		return fmt.Errorf("index trace: clear prior rows: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO traces (ref, policy_hash, steps, indexed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET policy_hash = excluded.policy_hash,
			steps = excluded.steps, indexed_at = excluded.indexed_at
	`, ref, policyHash, len(steps), now); err != nil {
		return fmt.Errorf("index trace: record trace: %w", err)
	}

	for _, o := range steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outcomes (fingerprint, step_id, trace_ref, status, output, seq, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET step_id = excluded.step_id,
				trace_ref = excluded.trace_ref, status = excluded.status,
				output = excluded.output, seq = excluded.seq,
				recorded_at = excluded.recorded_at
		`, o.Fingerprint, o.StepID, ref, string(o.Status), o.Output, o.Seq, now); err != nil {
			return fmt.Errorf("index trace: upsert outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index trace: commit: %w", err)
	}
	return nil
}

// Lookup returns the last successful outcome recorded for a fingerprint, or
// nil when none is indexed.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*Outcome, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, step_id, trace_ref, status, output, seq, recorded_at
		FROM outcomes WHERE fingerprint = ?
	`, fingerprint)

	var (
		o  Outcome
		st string
		at string
	)
	err := row.Scan(&o.Fingerprint, &o.StepID, &o.TraceRef, &st, &o.Output, &o.Seq, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", fingerprint, err)
	}
	o.Status = step.Status(st)
	if ts, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
		o.RecordedAt = ts
	}
	return &o, nil
}

// ListTraces returns the refs of every indexed trace, oldest first.
func (s *Store) ListTraces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref FROM traces ORDER BY indexed_at ASC, ref ASC`)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("list traces: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// collectOutcomes extracts replay-eligible outcomes (SUCCESS and REPLAYED)
// plus the run's policy hash from a trace event stream.
func collectOutcomes(events []trace.Event) ([]Outcome, string) {
	starts := make(map[string]trace.Event)
	var (
		outcomes   []Outcome
		policyHash string
	)
	for _, e := range events {
		switch e.Type {
		case trace.EventRunStart:
			policyHash = e.PolicyHash
		case trace.EventStepStart:
			if e.Fingerprint != "" {
				starts[e.StepID] = e
			}
		case trace.EventStepEnd:
			start, ok := starts[e.StepID]
			if !ok {
				continue
			}
			if e.Status != step.StatusSuccess && e.Status != step.StatusReplayed {
				continue
			}
			outcomes = append(outcomes, Outcome{
				Fingerprint: start.Fingerprint,
				StepID:      e.StepID,
				Status:      e.Status,
				Output:      e.Output,
				Seq:         e.Seq,
			})
		}
	}
	return outcomes, policyHash
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
