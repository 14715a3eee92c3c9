package graph

import (
	"context"
	"errors"
	"testing"
)

func TestDetectCycle_SelfLoop(t *testing.T) {
	e := New(Config{Backoff: noDelay()})
	mustAdd(t, e, &Task{ID: "a", Description: "self", DependsOn: []string{"a"}})
	_, err := e.Execute(context.Background(), succeedBody(t))
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if cyc.TaskID != "a" {
		t.Fatalf("cycle names %q, want a", cyc.TaskID)
	}
}

func TestDetectCycle_LongCycleReportsPath(t *testing.T) {
	e := New(Config{Backoff: noDelay()})
	mustAdd(t, e, &Task{ID: "a", Description: "a", DependsOn: []string{"c"}})
	mustAdd(t, e, &Task{ID: "b", Description: "b", DependsOn: []string{"a"}})
	mustAdd(t, e, &Task{ID: "c", Description: "c", DependsOn: []string{"b"}})
	_, err := e.Execute(context.Background(), succeedBody(t))
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	// Path closes on the repeated task: length cycle+1.
	if len(cyc.Path) != 4 {
		t.Fatalf("cycle path: %v", cyc.Path)
	}
	if cyc.Path[0] != cyc.Path[len(cyc.Path)-1] {
		t.Fatalf("cycle path does not close: %v", cyc.Path)
	}
}

func TestDetectCycle_DiamondIsNotACycle(t *testing.T) {
	e := New(Config{Backoff: noDelay()})
	mustAdd(t, e, &Task{ID: "top", Description: "t"})
	mustAdd(t, e, &Task{ID: "l", Description: "l", DependsOn: []string{"top"}})
	mustAdd(t, e, &Task{ID: "r", Description: "r", DependsOn: []string{"top"}})
	mustAdd(t, e, &Task{ID: "bottom", Description: "b", DependsOn: []string{"l", "r"}})
	if _, err := e.Execute(context.Background(), succeedBody(t)); err != nil {
		t.Fatalf("diamond misdetected as cycle: %v", err)
	}
}
