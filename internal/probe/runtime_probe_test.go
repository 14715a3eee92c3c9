package probe

import (
	"errors"
	"testing"
)

func TestRuntimeProbe_Lifecycle(t *testing.T) {
	p, err := NewRuntimeProbe(func() float64 { return 2.25 })
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := p.ResourceUsage(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := p.ComputeCost(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	u, err := p.ResourceUsage()
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.CPU < 0 || u.CPU > 100 || u.Memory < 0 || u.Memory > 100 {
		t.Fatalf("readings out of percentage range: %+v", u)
	}
	if u.Memory == 0 {
		t.Fatalf("a live process must report nonzero heap usage: %+v", u)
	}
	if u.Network != 0 {
		t.Fatalf("network has no in-process reading, got %v", u.Network)
	}
	cost, err := p.ComputeCost()
	if err != nil || cost != 2.25 {
		t.Fatalf("cost: %v %v", cost, err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := p.ComputeCost(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after Stop, got %v", err)
	}
}

func TestNewRuntimeProbe_RequiresCostFunc(t *testing.T) {
	if _, err := NewRuntimeProbe(nil); err == nil {
		t.Fatalf("expected error for nil cost func")
	}
}
