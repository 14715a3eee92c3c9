package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/danshapiro/cascade/internal/ledger"
	"github.com/danshapiro/cascade/internal/policy"
	"github.com/danshapiro/cascade/internal/probe"
	"github.com/danshapiro/cascade/internal/tier"
)

// fakeGate is a scriptable QualityGate test double.
type fakeGate struct {
	mu       sync.Mutex
	running  bool
	verdict  bool
	startErr error
	starts   int
	stops    int
}

func (g *fakeGate) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.starts++
	if g.startErr != nil {
		return g.startErr
	}
	g.running = true
	return nil
}

func (g *fakeGate) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops++
	g.running = false
	return nil
}

func (g *fakeGate) Validate(output any) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return false, probe.ErrNotRunning
	}
	return g.verdict, nil
}

// fakeProbe is a scriptable UsageProbe test double.
type fakeProbe struct {
	mu       sync.Mutex
	running  bool
	usage    probe.ResourceUsage
	cost     float64
	usageErr error
	starts   int
	stops    int
}

func (p *fakeProbe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.running = true
	return nil
}

func (p *fakeProbe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.running = false
	return nil
}

func (p *fakeProbe) ResourceUsage() (probe.ResourceUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return probe.ResourceUsage{}, probe.ErrNotRunning
	}
	if p.usageErr != nil {
		return probe.ResourceUsage{}, p.usageErr
	}
	return p.usage, nil
}

func (p *fakeProbe) ComputeCost() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return 0, probe.ErrNotRunning
	}
	return p.cost, nil
}

type escalations struct {
	mu      sync.Mutex
	reasons []string
}

func (e *escalations) record(reason string, severity int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reasons = append(e.reasons, reason)
}

func (e *escalations) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.reasons...)
}

func newTestCoordinator(t *testing.T, gate *fakeGate, fp *fakeProbe, esc *escalations) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Ledger:   ledger.New(nil),
		Policy:   policy.New(policy.Thresholds{}),
		Gate:     gate,
		Probe:    fp,
		Escalate: esc.record,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestNew_RequiresAllComponents(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestStartStop_StateMachine(t *testing.T) {
	gate := &fakeGate{verdict: true}
	fp := &fakeProbe{}
	c := newTestCoordinator(t, gate, fp, &escalations{})

	if c.State() != StateStopped {
		t.Fatalf("initial state: %q", c.State())
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state after start: %q", c.State())
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("double start must fail")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after stop: %q", c.State())
	}
	if err := c.Stop(context.Background()); err == nil {
		t.Fatalf("double stop must fail")
	}
}

func TestStart_PartialFailureRollsBack(t *testing.T) {
	gate := &fakeGate{startErr: errors.New("gate refused")}
	fp := &fakeProbe{}
	c := newTestCoordinator(t, gate, fp, &escalations{})

	err := c.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if c.State() != StateStopped {
		t.Fatalf("state after failed start: %q", c.State())
	}
	// The probe comes after the gate in start order: it must never start.
	if fp.starts != 0 {
		t.Fatalf("probe started despite earlier failure")
	}
}

func TestExecuteWorkflow_HappyPass(t *testing.T) {
	gate := &fakeGate{verdict: true}
	fp := &fakeProbe{usage: probe.ResourceUsage{CPU: 40, Memory: 50, Network: 10}, cost: 0.25}
	esc := &escalations{}
	c := newTestCoordinator(t, gate, fp, esc)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := c.ExecuteWorkflow(context.Background(), map[string]any{"answer": "ok"})
	if res.Status != "ok" {
		t.Fatalf("status: got %q (%s)", res.Status, res.Message)
	}
	if !res.QualityOK || res.Cost != 0.25 {
		t.Fatalf("result: %+v", res)
	}
	if len(esc.list()) != 0 {
		t.Fatalf("unexpected escalations: %v", esc.list())
	}
}

func TestExecuteWorkflow_SpikeEscalatesWithoutAborting(t *testing.T) {
	gate := &fakeGate{verdict: true}
	fp := &fakeProbe{usage: probe.ResourceUsage{CPU: 95, Memory: 50, Network: 80}}
	esc := &escalations{}
	c := newTestCoordinator(t, gate, fp, esc)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := c.ExecuteWorkflow(context.Background(), map[string]any{})
	if res.Status != "ok" {
		t.Fatalf("spikes must not abort the pass: %+v", res)
	}
	reasons := esc.list()
	if len(reasons) != 2 {
		t.Fatalf("expected cpu and network escalations, got %v", reasons)
	}
	if !strings.Contains(reasons[0], "cpu") || !strings.Contains(reasons[1], "network") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestExecuteWorkflow_ProbeFailureIsMissingCostData(t *testing.T) {
	gate := &fakeGate{verdict: true}
	fp := &fakeProbe{usageErr: errors.New("collector offline")}
	esc := &escalations{}
	c := newTestCoordinator(t, gate, fp, esc)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := c.ExecuteWorkflow(context.Background(), map[string]any{})
	if res.Status != "error" {
		t.Fatalf("status: %+v", res)
	}
	if !strings.Contains(res.Message, "missing cost data") {
		t.Fatalf("message: %q", res.Message)
	}
	// The failure triggered exactly one stop+restart of the unit.
	if gate.stops != 1 || gate.starts != 2 {
		t.Fatalf("gate lifecycle: starts=%d stops=%d", gate.starts, gate.stops)
	}
	if c.State() != StateRunning {
		t.Fatalf("unit not running after restart: %q", c.State())
	}
}

func TestExecuteWorkflow_QualityFailureEscalatesAndErrors(t *testing.T) {
	gate := &fakeGate{verdict: false}
	fp := &fakeProbe{}
	esc := &escalations{}
	c := newTestCoordinator(t, gate, fp, esc)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := c.ExecuteWorkflow(context.Background(), map[string]any{})
	if res.Status != "error" || !strings.Contains(res.Message, "quality") {
		t.Fatalf("result: %+v", res)
	}
	if len(esc.list()) == 0 {
		t.Fatalf("quality failure must escalate")
	}
}

func TestExecuteWorkflow_CostThresholdBreachEscalates(t *testing.T) {
	gate := &fakeGate{verdict: true}
	fp := &fakeProbe{cost: 150}
	esc := &escalations{}
	c, err := New(Config{
		Ledger:        ledger.New(nil),
		Policy:        policy.New(policy.Thresholds{}),
		Gate:          gate,
		Probe:         fp,
		CostThreshold: 100,
		Escalate:      esc.record,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := c.ExecuteWorkflow(context.Background(), map[string]any{})
	if res.Status != "ok" {
		t.Fatalf("cost breach must not abort: %+v", res)
	}
	reasons := esc.list()
	if len(reasons) != 1 || !strings.Contains(reasons[0], "cost") {
		t.Fatalf("reasons: %v", reasons)
	}
}

func TestExecuteWorkflow_FailureDuringRestartIsNotRetried(t *testing.T) {
	gate := &fakeGate{verdict: true}
	fp := &fakeProbe{usageErr: errors.New("collector offline")}
	esc := &escalations{}
	c := newTestCoordinator(t, gate, fp, esc)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// First failing pass restarts the unit; arrange for that restart to fail.
	gate.mu.Lock()
	gate.startErr = errors.New("gate wedged")
	gate.mu.Unlock()

	res := c.ExecuteWorkflow(context.Background(), map[string]any{})
	if res.Status != "error" {
		t.Fatalf("result: %+v", res)
	}
	if c.State() != StateStopped {
		t.Fatalf("failed restart must leave the unit stopped: %q", c.State())
	}
	startsAfterFirst := gate.starts

	// Another failing pass must not attempt a second restart.
	res = c.ExecuteWorkflow(context.Background(), map[string]any{})
	if res.Status != "error" {
		t.Fatalf("result: %+v", res)
	}
	if gate.starts != startsAfterFirst {
		t.Fatalf("restart retried after restart failure: starts=%d", gate.starts)
	}
}

// The production composition: schema-backed gate, runtime probe fed by the
// ledger total, one pass over a run artifact.
func TestExecuteWorkflow_ProductionComponents(t *testing.T) {
	led := ledger.New(nil)
	gate, err := probe.NewSchemaGate(map[string]any{
		"type":     "object",
		"required": []any{"run_id"},
		"properties": map[string]any{
			"run_id": map[string]any{"type": "string", "minLength": 1},
		},
	})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	usageProbe, err := probe.NewRuntimeProbe(func() float64 {
		return led.Summary().TotalCost
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	esc := &escalations{}
	c, err := New(Config{
		Ledger:   led,
		Policy:   policy.New(policy.Thresholds{}),
		Gate:     gate,
		Probe:    usageProbe,
		Escalate: esc.record,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := led.Track(tier.Mid, 40_000, true); err != nil {
		t.Fatalf("track: %v", err)
	}

	res := c.ExecuteWorkflow(context.Background(), map[string]any{"run_id": "r-1"})
	if res.Status != "ok" {
		t.Fatalf("pass failed: %+v", res)
	}
	if res.Cost != led.Summary().TotalCost {
		t.Fatalf("cost not sourced from ledger: got %v want %v", res.Cost, led.Summary().TotalCost)
	}

	res = c.ExecuteWorkflow(context.Background(), map[string]any{"status": "no run id"})
	if res.Status != "error" {
		t.Fatalf("schema violation must fail the pass: %+v", res)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestExecuteWorkflow_NotRunning(t *testing.T) {
	gate := &fakeGate{verdict: true}
	fp := &fakeProbe{}
	c := newTestCoordinator(t, gate, fp, &escalations{})

	res := c.ExecuteWorkflow(context.Background(), map[string]any{})
	if res.Status != "error" || !strings.Contains(res.Message, "not running") {
		t.Fatalf("result: %+v", res)
	}
}
