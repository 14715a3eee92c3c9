package probe

import (
	"fmt"
	"runtime"
	"sync"
)

// goroutinesPerProc is the goroutine count per processor treated as 100% CPU
// pressure. The process has no in-band view of OS CPU time, so scheduler load
// stands in for it.
const goroutinesPerProc = 8

// RuntimeProbe is a production UsageProbe: memory readings come from the Go
// runtime, cost from an injected hook (typically the ledger's running total).
// Network has no in-process reading and always reports zero.
type RuntimeProbe struct {
	mu      sync.Mutex
	running bool
	cost    CostFunc
}

// NewRuntimeProbe builds a probe whose ComputeCost defers to cost.
func NewRuntimeProbe(cost CostFunc) (*RuntimeProbe, error) {
	if cost == nil {
		return nil, fmt.Errorf("cost func is required")
	}
	return &RuntimeProbe{cost: cost}, nil
}

func (p *RuntimeProbe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

func (p *RuntimeProbe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

// ResourceUsage reads memory from runtime.ReadMemStats (heap in use as a
// percentage of memory obtained from the OS) and approximates CPU as goroutine
// load per processor, clamped to 0-100.
func (p *RuntimeProbe) ResourceUsage() (ResourceUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ResourceUsage{}, fmt.Errorf("runtime probe: %w", ErrNotRunning)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var mem float64
	if ms.Sys > 0 {
		mem = float64(ms.HeapInuse) / float64(ms.Sys) * 100
	}

	budget := runtime.GOMAXPROCS(0) * goroutinesPerProc
	cpu := float64(runtime.NumGoroutine()) / float64(budget) * 100
	if cpu > 100 {
		cpu = 100
	}

	return ResourceUsage{CPU: cpu, Memory: mem, Network: 0}, nil
}

func (p *RuntimeProbe) ComputeCost() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return 0, fmt.Errorf("runtime probe: %w", ErrNotRunning)
	}
	return p.cost(), nil
}
