// Package workflow coordinates the lifecycle of the usage ledger, escalation
// policy, and quality gate as a unit, and runs workflow passes over them.
//
// ExecuteWorkflow never propagates a failure: any uncaught error triggers at
// most one automatic stop+restart of the unit, then resolves to a structured
// error result. A failure during the restart itself is logged as critical and
// not retried.
package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/danshapiro/cascade/internal/ctxlog"
	"github.com/danshapiro/cascade/internal/ledger"
	"github.com/danshapiro/cascade/internal/policy"
	"github.com/danshapiro/cascade/internal/probe"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateStopped        State = "stopped"
	StateStarting       State = "starting"
	StateRunning        State = "running"
	StateStopping       State = "stopping"
	StateRestartPending State = "restart_pending"
)

// Result is the structured outcome of one workflow pass. Status is "ok" or
// "error"; passes never raise.
type Result struct {
	Status    string              `json:"status"`
	Message   string              `json:"message,omitempty"`
	Cost      float64             `json:"cost"`
	Usage     probe.ResourceUsage `json:"usage"`
	QualityOK bool                `json:"quality_ok"`
}

// ResourceThresholds are the per-resource spike limits, percentages 0-100.
type ResourceThresholds struct {
	CPU     float64 `json:"cpu" yaml:"cpu"`
	Memory  float64 `json:"memory" yaml:"memory"`
	Network float64 `json:"network" yaml:"network"`
}

// DefaultResourceThresholds returns the stock spike limits.
func DefaultResourceThresholds() ResourceThresholds {
	return ResourceThresholds{CPU: 90, Memory: 85, Network: 75}
}

// spikeSeverity is reported on the escalation side-channel for resource
// breaches and failed quality checks.
const spikeSeverity = 7

// EscalateFunc is the escalation side-channel. Breaches are reported through
// it without aborting the pass.
type EscalateFunc func(reason string, severity int)

// Config wires the coordinator's unit and thresholds.
type Config struct {
	Ledger *ledger.Ledger
	Policy *policy.Policy
	Gate   probe.QualityGate
	Probe  probe.UsageProbe

	// Thresholds for resource spikes. Zero value uses defaults.
	Thresholds ResourceThresholds

	// CostThreshold is the accumulated-cost level treated as a usage breach.
	// Zero disables the check.
	CostThreshold float64

	// Escalate receives side-channel notifications. Nil means log-only.
	Escalate EscalateFunc
}

// Coordinator owns start/stop of its unit exclusively.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	state      State
	restarting bool
	// restartBroken latches when a start or restart fails; the coordinator is
	// then non-restartable for the cycle and failures surface directly.
	restartBroken bool
}

// New builds a stopped coordinator. Ledger, policy, gate and probe are all
// required: the coordinator is pure composition, it creates nothing itself.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("policy is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("quality gate is required")
	}
	if cfg.Probe == nil {
		return nil, fmt.Errorf("usage probe is required")
	}
	if cfg.Thresholds == (ResourceThresholds{}) {
		cfg.Thresholds = DefaultResourceThresholds()
	}
	return &Coordinator{cfg: cfg, state: StateStopped}, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// startables returns the unit in start order: ledger, policy, gate, probe.
func (c *Coordinator) startables() []probe.Startable {
	return []probe.Startable{c.cfg.Ledger, c.cfg.Policy, c.cfg.Gate, c.cfg.Probe}
}

// Start brings the unit up in fixed order. If any component fails to start,
// the coordinator marks itself non-restartable for this cycle, best-effort
// stops whatever did start, and returns the failure.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		return fmt.Errorf("cannot start from state %q", c.state)
	}
	c.state = StateStarting
	return c.startLocked(ctx)
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	log := ctxlog.From(ctx)
	units := c.startables()
	for i, u := range units {
		if err := u.Start(); err != nil {
			c.restartBroken = true
			for j := i - 1; j >= 0; j-- {
				if serr := units[j].Stop(); serr != nil {
					log.Warn("rollback stop failed", "component", j, "error", serr)
				}
			}
			c.state = StateStopped
			return fmt.Errorf("component %d failed to start: %w", i, err)
		}
	}
	c.state = StateRunning
	log.Info("workflow unit started")
	return nil
}

// Stop brings the unit down in reverse order, best effort: every component
// gets a Stop call and the first error is reported.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning && c.state != StateRestartPending {
		return fmt.Errorf("cannot stop from state %q", c.state)
	}
	c.state = StateStopping
	err := c.stopLocked(ctx)
	c.state = StateStopped
	return err
}

func (c *Coordinator) stopLocked(ctx context.Context) error {
	log := ctxlog.From(ctx)
	units := c.startables()
	var first error
	for i := len(units) - 1; i >= 0; i-- {
		if err := units[i].Stop(); err != nil {
			log.Warn("component stop failed", "component", i, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	log.Info("workflow unit stopped")
	return first
}

// ExecuteWorkflow runs one pass over output. On an uncaught pass failure the
// coordinator stops and restarts its unit exactly once, then returns the
// structured error result; it never panics or returns a Go error.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, output any) Result {
	log := ctxlog.From(ctx)

	res, err := c.runPass(ctx, output)
	if err == nil {
		return res
	}
	log.Warn("workflow pass failed", "error", err)

	c.restartOnce(ctx)
	return Result{Status: "error", Message: err.Error()}
}

// restartOnce performs the single automatic stop+restart. The restarting flag
// guards recursion: a failure during restart is logged as critical and not
// retried again.
func (c *Coordinator) restartOnce(ctx context.Context) {
	log := ctxlog.From(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restarting || c.restartBroken {
		log.Error("restart suppressed: already restarting or restart previously failed")
		return
	}
	if c.state != StateRunning {
		return
	}
	c.restarting = true
	defer func() { c.restarting = false }()

	c.state = StateRestartPending
	if err := c.stopLocked(ctx); err != nil {
		log.Warn("stop during restart reported errors", "error", err)
	}
	c.state = StateStarting
	if err := c.startLocked(ctx); err != nil {
		c.restartBroken = true
		log.Error("restart failed; unit left stopped", "error", err)
		return
	}
	log.Info("workflow unit restarted after pass failure")
}

// runPass is one workflow pass: gather usage and cost, check spikes, validate
// quality, check the usage threshold.
func (c *Coordinator) runPass(ctx context.Context, output any) (Result, error) {
	log := ctxlog.From(ctx)

	if st := c.State(); st != StateRunning {
		return Result{}, fmt.Errorf("workflow is %s, not running", st)
	}

	usage, err := c.cfg.Probe.ResourceUsage()
	if err != nil {
		return Result{}, fmt.Errorf("missing cost data: %w", err)
	}
	cost, err := c.cfg.Probe.ComputeCost()
	if err != nil {
		return Result{}, fmt.Errorf("missing cost data: %w", err)
	}

	// Resource spikes escalate but never abort the pass.
	c.checkSpike(ctx, "cpu", usage.CPU, c.cfg.Thresholds.CPU)
	c.checkSpike(ctx, "memory", usage.Memory, c.cfg.Thresholds.Memory)
	c.checkSpike(ctx, "network", usage.Network, c.cfg.Thresholds.Network)

	ok, err := c.cfg.Gate.Validate(output)
	if err != nil {
		c.escalate(ctx, fmt.Sprintf("quality gate unavailable: %v", err))
		return Result{}, fmt.Errorf("quality validation: %w", err)
	}
	if !ok {
		c.escalate(ctx, "output failed quality validation")
		return Result{}, fmt.Errorf("output failed quality validation")
	}

	if c.cfg.CostThreshold > 0 && cost > c.cfg.CostThreshold {
		c.escalate(ctx, fmt.Sprintf("accumulated cost %.4f exceeds threshold %.4f", cost, c.cfg.CostThreshold))
	}

	log.Debug("workflow pass ok", "cost", cost)
	return Result{Status: "ok", Cost: cost, Usage: usage, QualityOK: true}, nil
}

func (c *Coordinator) checkSpike(ctx context.Context, name string, value, limit float64) {
	if limit > 0 && value > limit {
		c.escalate(ctx, fmt.Sprintf("%s usage %.1f%% exceeds threshold %.1f%%", name, value, limit))
	}
}

func (c *Coordinator) escalate(ctx context.Context, reason string) {
	ctxlog.From(ctx).Warn("escalation triggered", "reason", reason, "severity", spikeSeverity)
	if c.cfg.Escalate != nil {
		c.cfg.Escalate(reason, spikeSeverity)
	}
}
