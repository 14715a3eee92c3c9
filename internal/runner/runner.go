// Package runner executes a single task body under an enforced wall-clock
// timeout, isolating one task's fault from the rest of the graph.
//
// Success, timeout, and execution error all converge to a single Outcome
// record. Duration is always recorded, including on failure.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danshapiro/cascade/internal/ctxlog"
)

// DefaultTimeout applies when a spec leaves Timeout unset.
const DefaultTimeout = 30 * time.Second

// ErrTimedOut marks outcomes whose body did not complete within the timeout.
var ErrTimedOut = errors.New("timed out")

// Status classifies an outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Body is the opaque task body supplied by the embedding application. It must
// honor ctx cancellation for timeout enforcement to reclaim the worker.
type Body func(ctx context.Context) (any, error)

// Spec describes one bounded execution.
type Spec struct {
	// ID identifies the task for error reporting. Required.
	ID string
	// Timeout bounds the body's wall-clock time. Zero means DefaultTimeout;
	// negative is rejected.
	Timeout time.Duration
	// Body is the work to run. Required.
	Body Body
}

// Outcome is the converged result record.
type Outcome struct {
	Status   Status
	Result   any
	Err      error
	Duration time.Duration
}

// TimedOut reports whether the outcome failed by exceeding its timeout.
func (o Outcome) TimedOut() bool { return errors.Is(o.Err, ErrTimedOut) }

// ValidationError reports a malformed spec. Validation failures are local and
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid run spec: %s: %s", e.Field, e.Reason)
}

// ExecutionError wraps an error (or recovered panic) raised by a task body.
type ExecutionError struct {
	TaskID string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %q execution failed: %v", e.TaskID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

type bodyResult struct {
	result any
	err    error
}

// Run executes spec.Body on an isolated goroutine, cancelling it (best
// effort) when the timeout elapses. The returned error is validation-class
// only; execution failures and timeouts are reported inside the Outcome.
func Run(ctx context.Context, spec Spec) (Outcome, error) {
	if spec.ID == "" {
		return Outcome{}, &ValidationError{Field: "id", Reason: "required"}
	}
	if spec.Body == nil {
		return Outcome{}, &ValidationError{Field: "body", Reason: "required"}
	}
	if spec.Timeout < 0 {
		return Outcome{}, &ValidationError{Field: "timeout", Reason: fmt.Sprintf("must be positive, got %v", spec.Timeout)}
	}
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- bodyResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := spec.Body(runCtx)
		done <- bodyResult{result: result, err: err}
	}()

	var out Outcome
	select {
	case res := <-done:
		out.Duration = time.Since(start)
		if res.err != nil {
			out.Status = StatusFailure
			out.Err = &ExecutionError{TaskID: spec.ID, Cause: res.err}
			break
		}
		out.Status = StatusSuccess
		out.Result = res.result
	case <-runCtx.Done():
		// Cancellation is best effort: the body goroutine is abandoned and
		// reclaimed when it next observes runCtx. The runner does not wait.
		out.Duration = time.Since(start)
		out.Status = StatusFailure
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.Err = fmt.Errorf("task %q after %v: %w", spec.ID, timeout, ErrTimedOut)
			ctxlog.From(ctx).Warn("task timed out", "task", spec.ID, "timeout", timeout)
		} else {
			out.Err = &ExecutionError{TaskID: spec.ID, Cause: runCtx.Err()}
		}
	}
	return out, nil
}
