package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTask marks task registration failures: missing identifier or
// description. Validation failures are local and never retried.
var ErrInvalidTask = errors.New("invalid task")

// CircularDependencyError is fatal to the whole run. It is detected eagerly,
// before any task executes, and names the task where the back edge was found.
type CircularDependencyError struct {
	TaskID string
	Path   []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("circular dependency involving task %q: %s", e.TaskID, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("circular dependency involving task %q", e.TaskID)
}

// TaskNotFoundError reports a status lookup for an unknown identifier.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %q", e.ID)
}

func invalidTaskf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
