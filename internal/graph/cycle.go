package graph

import "sort"

// detectCycle runs depth-first search over the full dependency relation,
// tracking an on-stack set distinct from the fully-visited set. A back edge
// into the on-stack set is a cycle. Dependencies on unregistered tasks are
// not edges — they make a task unreachable, not the graph cyclic.
//
// Traversal order is sorted by identifier so the reported cycle is
// deterministic.
func (e *Executor) detectCycle() error {
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]bool, len(ids))
	var stack []string

	var visit func(id string) *CircularDependencyError
	visit = func(id string) *CircularDependencyError {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		deps := e.index.dependencies(id)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, known := e.tasks[dep]; !known {
				continue
			}
			if onStack[dep] {
				return &CircularDependencyError{TaskID: dep, Path: cyclePath(stack, dep)}
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// cyclePath trims the DFS stack to the segment forming the cycle and closes it.
func cyclePath(stack []string, repeat string) []string {
	start := 0
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	path = append(path, stack[start:]...)
	path = append(path, repeat)
	return path
}
