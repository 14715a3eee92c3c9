package graph

import "sort"

// depIndex is the bidirectional view of the dependency relation: forward
// edges (task -> its dependencies) and reverse edges (task -> its
// dependents). Both maps are rebuilt for a task whenever it is
// (re-)registered, and edge rebuilds run inside the executor's critical
// section. Identifiers, not pointers, link the maps — there is no cyclic
// object graph to manage.
type depIndex struct {
	forward map[string][]string
	reverse map[string]map[string]struct{}
}

func newDepIndex() *depIndex {
	return &depIndex{
		forward: make(map[string][]string),
		reverse: make(map[string]map[string]struct{}),
	}
}

// register installs edges for id, discarding any edges from a previous
// registration of the same identifier.
func (x *depIndex) register(id string, deps []string) {
	if old, ok := x.forward[id]; ok {
		for _, dep := range old {
			delete(x.reverse[dep], id)
		}
	}
	fwd := make([]string, len(deps))
	copy(fwd, deps)
	x.forward[id] = fwd
	for _, dep := range deps {
		if x.reverse[dep] == nil {
			x.reverse[dep] = make(map[string]struct{})
		}
		x.reverse[dep][id] = struct{}{}
	}
}

// dependencies returns the forward edges of id.
func (x *depIndex) dependencies(id string) []string {
	out := make([]string, len(x.forward[id]))
	copy(out, x.forward[id])
	return out
}

// dependents returns the reverse edges of id in stable order.
func (x *depIndex) dependents(id string) []string {
	set := x.reverse[id]
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
