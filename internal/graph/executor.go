// Package graph owns the task registry, the bidirectional dependency index,
// the status state machine, eager cycle detection, and the wave-based
// executor loop that drives tasks through the bounded runner and the
// escalation policy.
package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/cascade/internal/ctxlog"
	"github.com/danshapiro/cascade/internal/ledger"
	"github.com/danshapiro/cascade/internal/policy"
	"github.com/danshapiro/cascade/internal/runner"
	"github.com/danshapiro/cascade/internal/tier"
)

// defaultMaxAttempts caps total runner dispatches for one task across all
// tiers, a guardrail against assessor/policy combinations that never settle.
const defaultMaxAttempts = 10

// BodyFunc is the opaque task body supplied by the embedding application.
type BodyFunc func(ctx context.Context, task *Task) (any, error)

// Assessment is what the executor learns from one attempt: the escalation
// signal for the policy and the token count for the ledger.
type Assessment struct {
	policy.Signal
	Tokens int
}

// AssessFunc derives an Assessment from a body result or error.
type AssessFunc func(task *Task, result any, err error) Assessment

// Assessed lets body results report their own escalation signal.
type Assessed interface {
	EscalationSignal() policy.Signal
}

// defaultAssess uses the result's own signal when it provides one. Otherwise a
// failure reports severity 6 at high confidence, which escalates until the
// ladder runs out, and a success reports a quiet, maximal-quality signal.
func defaultAssess(_ *Task, result any, err error) Assessment {
	if a, ok := result.(Assessed); ok {
		return Assessment{Signal: a.EscalationSignal()}
	}
	if err != nil {
		return Assessment{Signal: policy.Signal{Severity: 6, Confidence: 0.9, Quality: 0}}
	}
	return Assessment{Signal: policy.Signal{Severity: 0, Confidence: 1, Quality: 10}}
}

// Config wires the executor's collaborators. Zero fields get working defaults.
type Config struct {
	Policy  *policy.Policy
	Ledger  *ledger.Ledger
	Assess  AssessFunc
	Backoff BackoffConfig

	// DefaultTimeout bounds attempts for tasks that set none. Zero falls
	// through to the runner default.
	DefaultTimeout time.Duration

	// MaxAttempts caps total dispatches per task. Zero means the default.
	MaxAttempts int
}

// Executor owns the task set and dependency index for the duration of one
// Execute call. Registration and status reads serialize through one mutex.
type Executor struct {
	mu      sync.Mutex
	cfg     Config
	tasks   map[string]*Task
	index   *depIndex
	running bool
	runID   string
}

// TaskReport is the per-task slice of a run report.
type TaskReport struct {
	Status   Status    `json:"status"`
	Tier     tier.Tier `json:"tier"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// Report is the externally consumable record of one run.
type Report struct {
	RunID       string                `json:"run_id"`
	Fingerprint string                `json:"fingerprint"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
	Tasks       map[string]TaskReport `json:"tasks"`

	// Unreachable lists tasks left Pending because a dependency failed or
	// was never registered. A warning, not an error.
	Unreachable []string `json:"unreachable,omitempty"`
}

// New builds an executor. A nil policy gets the stock thresholds; a nil
// assessor gets defaultAssess.
func New(cfg Config) *Executor {
	if cfg.Policy == nil {
		cfg.Policy = policy.New(policy.Thresholds{})
	}
	if cfg.Assess == nil {
		cfg.Assess = defaultAssess
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	return &Executor{
		cfg:   cfg,
		tasks: make(map[string]*Task),
		index: newDepIndex(),
	}
}

// AddTask registers or overwrites a task and rebuilds its dependency edges.
// Re-registering an existing identifier discards the previous edges; that is
// an overwrite, logged, not an error. The graph is fixed once Execute starts.
func (e *Executor) AddTask(ctx context.Context, t *Task) error {
	if err := t.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("task %q: graph is executing, registration is closed", t.ID)
	}
	if _, exists := e.tasks[t.ID]; exists {
		ctxlog.From(ctx).Warn("overwriting task registration", "task", t.ID)
	}
	cp := t.clone()
	e.tasks[cp.ID] = cp
	e.index.register(cp.ID, cp.DependsOn)
	return nil
}

// Status returns the current state of a task.
func (e *Executor) Status(id string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return "", &TaskNotFoundError{ID: id}
	}
	return t.status, nil
}

// Dependencies returns the forward edges of id.
func (e *Executor) Dependencies(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.dependencies(id)
}

// Dependents returns the reverse edges of id.
func (e *Executor) Dependents(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.dependents(id)
}

// Execute runs the graph to quiescence. Cycle detection runs eagerly over the
// whole graph; on a cycle nothing executes and the run aborts. Individual
// task failures never abort the run — they only strand dependents, which are
// reported as unreachable in the returned Report.
//
// Tasks within one ready wave run concurrently, one goroutine each, joined
// before the next wave is computed.
func (e *Executor) Execute(ctx context.Context, body BodyFunc) (*Report, error) {
	if body == nil {
		return nil, fmt.Errorf("task body executor is required")
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("executor is already running")
	}
	e.running = true
	e.runID = ulid.Make().String()
	report := &Report{
		RunID:       e.runID,
		Fingerprint: e.fingerprint(),
		StartedAt:   time.Now().UTC(),
		Tasks:       make(map[string]TaskReport, len(e.tasks)),
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	log := ctxlog.From(ctx).With("run", report.RunID)
	ctx = ctxlog.With(ctx, log)

	if err := e.detectCycle(); err != nil {
		return nil, err
	}
	log.Info("graph validated", "tasks", len(e.tasks), "fingerprint", report.Fingerprint)

	for ctx.Err() == nil {
		wave := e.readySet()
		if len(wave) == 0 {
			break
		}
		var wg sync.WaitGroup
		for _, t := range wave {
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				e.runTask(ctx, t, body)
			}(t)
		}
		wg.Wait()
	}

	e.mu.Lock()
	for id, t := range e.tasks {
		tr := TaskReport{Status: t.status, Tier: t.Tier, Attempts: t.attempts}
		if t.err != nil {
			tr.Error = t.err.Error()
		}
		report.Tasks[id] = tr
		if t.status == StatusPending {
			report.Unreachable = append(report.Unreachable, id)
		}
	}
	e.mu.Unlock()

	sort.Strings(report.Unreachable)
	for _, id := range report.Unreachable {
		log.Warn("task unreachable: dependency failed or missing", "task", id)
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// readySet returns the Pending tasks whose every dependency is Completed,
// marked InProgress, in sorted order.
func (e *Executor) readySet() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ready []*Task
	for _, t := range e.tasks {
		if t.status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range e.index.dependencies(t.ID) {
			d, known := e.tasks[dep]
			if !known || d.status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	for _, t := range ready {
		// Pending -> InProgress cannot fail.
		_ = t.transition(StatusInProgress)
	}
	return ready
}

// runTask drives one task to a terminal state: attempt at the current tier,
// retry while the tier's attempt budget lasts, escalate when the policy says
// so, otherwise settle.
func (e *Executor) runTask(ctx context.Context, t *Task, body BodyFunc) {
	log := ctxlog.From(ctx).With("task", t.ID)

	tierAttempts := 0
	for {
		if ctx.Err() != nil {
			e.finish(ctx, t, StatusFailed, nil, fmt.Errorf("task %q: %w", t.ID, ctx.Err()))
			return
		}
		tierAttempts++
		e.mu.Lock()
		t.attempts++
		total := t.attempts
		cur := t.Tier
		e.mu.Unlock()

		out, err := runner.Run(ctx, runner.Spec{
			ID:      t.ID,
			Timeout: e.timeoutFor(t),
			Body:    func(c context.Context) (any, error) { return body(c, t) },
		})
		if err != nil {
			e.finish(ctx, t, StatusFailed, nil, err)
			return
		}
		success := out.Status == runner.StatusSuccess

		assessment := e.cfg.Assess(t, out.Result, out.Err)
		sig := assessment.Signal
		sig.Attempts = tierAttempts

		if e.cfg.Ledger != nil {
			if lerr := e.cfg.Ledger.Track(cur, assessment.Tokens, success); lerr != nil {
				log.Warn("usage tracking failed", "tier", cur, "error", lerr)
			}
		}

		tierFailed := e.cfg.Policy.TierFailed(cur, &sig)
		if success && !tierFailed {
			e.finish(ctx, t, StatusCompleted, out.Result, nil)
			return
		}
		if total >= e.cfg.MaxAttempts {
			e.finish(ctx, t, StatusFailed, out.Result,
				fmt.Errorf("task %q: attempt budget exhausted after %d attempts: %w", t.ID, total, terminalErr(out)))
			return
		}

		// Tier still has attempt budget: retry on the same rung.
		if !success && !tierFailed && e.cfg.Policy.HasFailureGate(cur) {
			log.Debug("retrying at same tier", "tier", cur, "attempt", tierAttempts, "error", out.Err)
			e.sleep(ctx, t.ID, total)
			continue
		}

		if e.cfg.Policy.ShouldEscalate(sig, cur.Index()) {
			if next := tier.Next(cur); next != cur {
				log.Info("escalating task", "from", cur, "to", next,
					"severity", sig.Severity, "confidence", sig.Confidence)
				e.mu.Lock()
				t.Tier = next
				e.mu.Unlock()
				tierAttempts = 0
				e.sleep(ctx, t.ID, total)
				continue
			}
		}

		// Escalation held or denied: a successful result stands even when the
		// tier's quality gate grumbled; a failure is terminal.
		if success {
			e.finish(ctx, t, StatusCompleted, out.Result, nil)
			return
		}
		e.finish(ctx, t, StatusFailed, out.Result, terminalErr(out))
		return
	}
}

func terminalErr(out runner.Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	return fmt.Errorf("tier quality gate failed")
}

// finish moves t to a terminal state and records its result or error.
func (e *Executor) finish(ctx context.Context, t *Task, st Status, result any, err error) {
	e.mu.Lock()
	terr := t.transition(st)
	if terr == nil {
		t.result = result
		t.err = err
	}
	e.mu.Unlock()

	log := ctxlog.From(ctx)
	if terr != nil {
		// Unreachable given the wave loop's bookkeeping; surfaced loudly
		// rather than silently swallowed.
		log.Error("invalid task transition", "task", t.ID, "error", terr)
		return
	}
	if st == StatusFailed {
		log.Warn("task failed", "task", t.ID, "tier", t.Tier, "error", err)
		return
	}
	log.Info("task completed", "task", t.ID, "tier", t.Tier, "attempts", t.attempts)
}

// sleep blocks for the configured backoff delay, returning false if the
// context was cancelled first. The delay is deterministic per
// run/task/attempt seed.
func (e *Executor) sleep(ctx context.Context, taskID string, attempt int) bool {
	e.mu.Lock()
	runID := e.runID
	e.mu.Unlock()
	delay := DelayForAttempt(attempt, e.cfg.Backoff, backoffSeed(runID, taskID, attempt))
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) timeoutFor(t *Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return e.cfg.DefaultTimeout
}
