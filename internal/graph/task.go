package graph

import (
	"fmt"
	"time"

	"github.com/danshapiro/cascade/internal/tier"
)

// Status is the task execution state. The machine is
// Pending -> InProgress -> {Completed | Failed}; no task re-enters Pending
// once it leaves.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Task is one unit of work in the graph. Tier is the mutable escalation
// marker: it starts at the submitted tier and only ever moves up the ladder.
type Task struct {
	ID          string
	Description string
	DependsOn   []string

	// Tier is where the next attempt will run. Mutated only by the executor
	// while the task is InProgress.
	Tier tier.Tier

	// Timeout bounds a single attempt. Zero uses the executor default.
	Timeout time.Duration

	status   Status
	attempts int
	result   any
	err      error
}

// Status returns the task's current state. Transitions are linearizable per
// task: any reader observes exactly one of the four states.
func (t *Task) Status() Status { return t.status }

// Attempts returns the number of runner dispatches across all tiers.
func (t *Task) Attempts() int { return t.attempts }

// Result returns the body result of the completing attempt, if any.
func (t *Task) Result() any { return t.result }

// Err returns the terminal error for failed tasks.
func (t *Task) Err() error { return t.err }

func (t *Task) transition(to Status) error {
	if !allowedTransition(t.status, to) {
		return fmt.Errorf("task %q: disallowed transition %s -> %s", t.ID, t.status, to)
	}
	t.status = to
	return nil
}

func (t *Task) validate() error {
	if t == nil {
		return invalidTaskf("task is nil")
	}
	if t.ID == "" {
		return invalidTaskf("identifier is required")
	}
	if t.Description == "" {
		return invalidTaskf("description is required for task %q", t.ID)
	}
	return nil
}

// clone returns a registration copy with runtime state reset.
func (t *Task) clone() *Task {
	deps := make([]string, len(t.DependsOn))
	copy(deps, t.DependsOn)
	cp := &Task{
		ID:          t.ID,
		Description: t.Description,
		DependsOn:   deps,
		Tier:        t.Tier,
		Timeout:     t.Timeout,
		status:      StatusPending,
	}
	if !cp.Tier.Valid() {
		cp.Tier = tier.Free
	}
	return cp
}
