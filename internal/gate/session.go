// Package gate implements the execution coordinator: the state machine that,
// per step, resolves the fingerprint, checks for a replayable prior success,
// otherwise drives the policy pipeline, invokes the underlying operation on
// ALLOW, and commits the outcome to the trace.
//
// The state sequence per step is
//
//	RESOLVING → CHECKING_REPLAY → {REPLAYING | VALIDATING}
//	          → {EXECUTING | BLOCKED} → COMMITTING → terminal
//
// Exactly one terminal STEP_END is committed per step, on every path.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/warden/internal/fingerprint"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/replay"
	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/trace"
)

// ErrSessionClosed is returned by Do after Close or cancellation: the
// session no longer accepts new steps.
var ErrSessionClosed = errors.New("session closed")

// Invoker is the interception collaborator contract: it performs the
// underlying operation and reports the effects it observed. It must not
// perform the operation before Invoke is called, and an error it returns is
// propagated to the caller unchanged (the gate neither swallows nor retries
// non-policy failures).
type Invoker interface {
	Invoke(ctx context.Context, req step.Request) (step.Result, error)
}

// Config assembles a session. Policy, Invoker, and TraceWriter are required.
type Config struct {
	Policy      *policy.Set
	SandboxRoot string
	// AllowHosts is the declared network scope for the boundary gate.
	AllowHosts []string
	// TraceWriter receives every lifecycle event. The session takes
	// exclusive ownership and closes it on Close.
	TraceWriter *trace.Writer
	// History, when non-nil, is the recorded step sequence of a prior run;
	// the session builds its replay cursor over it.
	History []replay.Recorded
	Invoker Invoker
	// IDs defaults to UUIDGenerator.
	IDs IDGenerator
	// Now defaults to time.Now; injected by tests for stable timestamps.
	Now    func() time.Time
	Logger *slog.Logger
	// MaxExecutions bounds live executions in the session. Zero or less
	// means unlimited. Replayed steps never count against it.
	MaxExecutions int
}

// Session is the execution context for one guarded run.
//
// It exclusively owns the trace writer and the replay cursor for the run's
// duration; steps are transient values owned by the session until committed,
// after which only the trace holds them. Steps pass through the state
// machine one at a time; only the trace queue and the fingerprint cache are
// shared, both guarded here.
type Session struct {
	mu     sync.Mutex
	closed bool

	pipeline   *policy.Pipeline
	policyHash string
	sandbox    string

	w      *trace.Writer
	cursor *replay.Cursor
	// history indexes replayable prior outcomes by fingerprint for Lookup;
	// ordered replay decisions always go through the cursor.
	history map[string]replay.Recorded
	// cache maps fingerprints to outputs of this run's own successes, so a
	// fingerprint that already succeeded is never re-executed.
	cache map[string]string

	invoker Invoker
	ids     IDGenerator
	clock   *Clock
	quota   *Quota
	now     func() time.Time
	log     *slog.Logger

	blocked int
	steps   int
}

// coordinator states. The sequence is a fixed, explicit progression so the
// short-circuits (replay, deny, resolution failure) stay auditable.
type state int

const (
	stateResolving state = iota
	stateCheckingReplay
	stateReplaying
	stateValidating
	stateExecuting
	stateBlocked
)

// NewSession builds the execution context, writes the RUN_START record, and
// is ready to accept steps.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDGenerator{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pipeline, err := policy.NewPipeline(cfg.Policy, cfg.SandboxRoot, cfg.AllowHosts, cfg.Logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		pipeline:   pipeline,
		policyHash: cfg.Policy.Hash,
		sandbox:    cfg.SandboxRoot,
		w:          cfg.TraceWriter,
		history:    make(map[string]replay.Recorded),
		cache:      make(map[string]string),
		invoker:    cfg.Invoker,
		ids:        cfg.IDs,
		clock:      NewClock(),
		quota:      NewQuota(cfg.MaxExecutions),
		now:        cfg.Now,
		log:        cfg.Logger,
	}
	if cfg.History != nil {
		s.cursor = replay.NewCursor(cfg.History)
		for _, rec := range cfg.History {
			if rec.Replayable() {
				s.history[rec.Fingerprint] = rec
			}
		}
	}

	if err := s.emit(trace.Event{Type: trace.EventRunStart, PolicyHash: s.policyHash}); err != nil {
		return nil, err
	}
	return s, nil
}

// Do drives one step through the full state machine and returns its
// committed record.
//
// The error is the typed result of the run: nil on SUCCESS and REPLAYED, a
// *policy.Violation on BLOCKED, a *fingerprint.ResolutionError when the step
// could not be fingerprinted, and the invoker's own error, unchanged, when
// the underlying operation failed.
func (s *Session) Do(ctx context.Context, req step.Request) (*step.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A cancelled run stops accepting new steps; the in-flight step (if
	// any) finished before this lock was acquired.
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := &step.Step{
		ID:        s.ids.NewID(),
		Tool:      req.Tool,
		Params:    req.Params,
		Effects:   req.Effects,
		Status:    step.StatusPending,
		StartedAt: s.now(),
	}
	s.steps++

	var (
		cur    = stateResolving
		result error
		output string
	)
	for {
		switch cur {
		case stateResolving:
			fp, err := fingerprint.Resolve(req.Tool, req.Params, fingerprint.Env{SandboxRoot: s.sandbox})
			if err != nil {
				// Fatal to the step; the pipeline never runs.
				st.Status = step.StatusFailed
				st.Err = err.Error()
				s.emitStart(st)
				return st, s.commit(st, err)
			}
			st.Fingerprint = fp
			s.emitStart(st)
			cur = stateCheckingReplay

		case stateCheckingReplay:
			if out, ok := s.cache[st.Fingerprint]; ok {
				// A cached repeat that is also the next historical step
				// consumes the cursor position; histories recorded from
				// runs with in-run replays would otherwise stall the
				// prefix and report a false divergence.
				if s.cursor != nil {
					if rec, live := s.cursor.Expect(); live && rec.Fingerprint == st.Fingerprint {
						s.cursor.Take(st.Fingerprint)
					}
				}
				output = out
				cur = stateReplaying
				continue
			}
			if s.cursor != nil {
				rec, ok, diverged := s.cursor.Take(st.Fingerprint)
				if diverged {
					s.log.Info("replay diverged; remainder of run executes live",
						"expected", rec.Fingerprint, "got", st.Fingerprint)
					s.emit(trace.Event{
						Type:                trace.EventReplayDiverged,
						StepID:              st.ID,
						ExpectedFingerprint: rec.Fingerprint,
						Fingerprint:         st.Fingerprint,
					})
				}
				if ok {
					output = rec.Output
					cur = stateReplaying
					continue
				}
			}
			cur = stateValidating

		case stateReplaying:
			// Previously successful fingerprints are trusted without
			// re-validation: neither the pipeline nor the invoker runs.
			st.Status = step.StatusReplayed
			st.Output = output
			s.cache[st.Fingerprint] = output
			return st, s.commit(st, nil)

		case stateValidating:
			res := s.pipeline.Check(&step.Context{
				Tool:        req.Tool,
				Params:      req.Params,
				Effects:     req.Effects,
				SandboxRoot: s.sandbox,
			})
			st.Decision = res.Decision
			st.DecidedAt = s.now()
			s.emit(trace.Event{
				Type:     trace.EventPolicyCheck,
				StepID:   st.ID,
				Decision: res.Decision,
				Flags:    res.Flags,
				Stage:    denyStage(res),
				Reason:   res.Reason,
			})
			if res.Decision == step.DecisionDeny {
				result = &policy.Violation{Stage: res.Stage, Reason: res.Reason, Flags: res.Flags}
				cur = stateBlocked
				continue
			}
			cur = stateExecuting

		case stateBlocked:
			st.Status = step.StatusBlocked
			s.blocked++
			return st, s.commit(st, result)

		case stateExecuting:
			if err := s.quota.Spend(); err != nil {
				st.Status = step.StatusFailed
				st.Err = err.Error()
				return st, s.commit(st, err)
			}
			st.Status = step.StatusAllowed
			out, err := s.invoker.Invoke(ctx, req)
			if err != nil {
				// Not a policy matter: propagated unchanged, never retried.
				st.Status = step.StatusFailed
				st.Err = err.Error()
				return st, s.commit(st, err)
			}
			for _, eff := range out.Effects {
				eff := eff
				s.emit(trace.Event{Type: trace.EventSideEffect, StepID: st.ID, Effect: &eff})
			}
			st.Status = step.StatusSuccess
			st.Output = out.Output
			s.cache[st.Fingerprint] = out.Output
			return st, s.commit(st, nil)
		}
	}
}

// Lookup returns the last known successful output for a fingerprint, from
// this run's own successes or the loaded historical trace.
func (s *Session) Lookup(fp string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out, ok := s.cache[fp]; ok {
		return out, true
	}
	if rec, ok := s.history[fp]; ok {
		return rec.Output, true
	}
	return "", false
}

// Blocked returns how many steps reached BLOCKED in this run.
func (s *Session) Blocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Executions returns how many live executions the session has attempted.
func (s *Session) Executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota.Used()
}

// Steps returns how many steps the session has processed.
func (s *Session) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// PolicyHash returns the canonical digest of the active policy set.
func (s *Session) PolicyHash() string {
	return s.policyHash
}

// Diverged reports whether this run's replay cursor has been abandoned.
func (s *Session) Diverged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor != nil && s.cursor.Diverged()
}

// Close releases the session on every exit path: it stops accepting steps
// and drains the trace queue fully (blocking, up to the writer's drain
// bound) before releasing the trace handle. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Close(); err != nil && !errors.Is(err, trace.ErrWriterClosed) {
		return err
	}
	return nil
}

// commit appends the terminal STEP_END. This happens exactly once per step,
// on every path. The caller's result error passes through unless the commit
// itself fails.
func (s *Session) commit(st *step.Step, result error) error {
	st.EndedAt = s.now()
	err := s.emit(trace.Event{
		Type:   trace.EventStepEnd,
		StepID: st.ID,
		Status: st.Status,
		Output: st.Output,
		Error:  st.Err,
	})
	if err != nil {
		s.log.Error("trace commit failed", "step", st.ID, "error", err)
		if result == nil {
			return err
		}
	}
	return result
}

func (s *Session) emitStart(st *step.Step) {
	st.Seq = s.clock.Current() + 1
	s.emit(trace.Event{
		Type:        trace.EventStepStart,
		StepID:      st.ID,
		Tool:        st.Tool,
		Params:      st.Params,
		Effects:     st.Effects,
		Fingerprint: st.Fingerprint,
	})
}

// emit stamps an event with the logical clock and wall clock, then appends.
func (s *Session) emit(e trace.Event) error {
	e.Seq = s.clock.Next()
	e.TS = s.now().UTC()
	return s.w.Append(e)
}

// denyStage names the rejecting stage only on DENY; an allow decision's
// matched rule is reported via the reason-free stage field being empty.
func denyStage(res policy.Result) string {
	if res.Decision == step.DecisionDeny {
		return res.Stage
	}
	return ""
}
