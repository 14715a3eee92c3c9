// Package probe defines the collaborator contracts the workflow coordinator
// consumes (lifecycle, resource/cost probing, quality gating) and their
// production implementations. The coordinator selects implementations by
// injection; nothing here is ambient state.
package probe

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotRunning is returned by probes and gates invoked before Start (or
// after Stop).
var ErrNotRunning = errors.New("not running")

// Startable is the lifecycle capability the coordinator drives.
type Startable interface {
	Start() error
	Stop() error
}

// ResourceUsage is a point-in-time reading, each value a percentage 0-100.
type ResourceUsage struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Network float64 `json:"network"`
}

// UsageProbe reports resource usage and accumulated cost.
type UsageProbe interface {
	Startable
	ResourceUsage() (ResourceUsage, error)
	ComputeCost() (float64, error)
}

// QualityGate validates workflow output.
type QualityGate interface {
	Startable
	Validate(output any) (bool, error)
}

// CostFunc supplies ComputeCost for FuncProbe; typically wired to the usage
// ledger's running total.
type CostFunc func() float64

// UsageFunc supplies ResourceUsage readings for FuncProbe.
type UsageFunc func() ResourceUsage

// FuncProbe is the production UsageProbe: readings and cost come from
// injected functions, lifecycle state is enforced here.
type FuncProbe struct {
	mu      sync.Mutex
	running bool
	usage   UsageFunc
	cost    CostFunc
}

// NewFuncProbe builds a probe over the given reading sources.
func NewFuncProbe(usage UsageFunc, cost CostFunc) (*FuncProbe, error) {
	if usage == nil {
		return nil, fmt.Errorf("usage func is required")
	}
	if cost == nil {
		return nil, fmt.Errorf("cost func is required")
	}
	return &FuncProbe{usage: usage, cost: cost}, nil
}

func (p *FuncProbe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

func (p *FuncProbe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

func (p *FuncProbe) ResourceUsage() (ResourceUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ResourceUsage{}, fmt.Errorf("usage probe: %w", ErrNotRunning)
	}
	return p.usage(), nil
}

func (p *FuncProbe) ComputeCost() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return 0, fmt.Errorf("usage probe: %w", ErrNotRunning)
	}
	return p.cost(), nil
}
