package graph

import (
	"testing"
	"time"
)

func TestDelayForAttempt_ExponentialAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 50, BackoffFactor: 10, MaxDelayMS: 200}
	if got := DelayForAttempt(1, cfg, "seed"); got != 50*time.Millisecond {
		t.Fatalf("attempt 1: got %v want 50ms", got)
	}
	// 50 * 10 = 500ms, capped at 200ms.
	if got := DelayForAttempt(2, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: got %v want 200ms", got)
	}
	if got := DelayForAttempt(3, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 3: got %v want 200ms", got)
	}
}

func TestDelayForAttempt_ZeroInitialDisables(t *testing.T) {
	if got := DelayForAttempt(5, BackoffConfig{InitialDelayMS: 0}, "seed"); got != 0 {
		t.Fatalf("got %v want 0", got)
	}
}

func TestDelayForAttempt_JitterDeterministicPerSeed(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 1, MaxDelayMS: 1000, Jitter: true}
	d1 := DelayForAttempt(1, cfg, "seed-a")
	if d2 := DelayForAttempt(1, cfg, "seed-a"); d2 != d1 {
		t.Fatalf("same seed produced different delays: %v vs %v", d1, d2)
	}
	lo, hi := 50*time.Millisecond, 150*time.Millisecond
	if d1 < lo || d1 > hi {
		t.Fatalf("delay out of jitter range: %v", d1)
	}
	if d3 := DelayForAttempt(1, cfg, "seed-b"); d3 == d1 {
		t.Fatalf("different seed produced identical jitter: %v", d3)
	}
}
