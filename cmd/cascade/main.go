package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/danshapiro/cascade/internal/config"
	"github.com/danshapiro/cascade/internal/ctxlog"
	"github.com/danshapiro/cascade/internal/graph"
	"github.com/danshapiro/cascade/internal/ledger"
	"github.com/danshapiro/cascade/internal/manifest"
	"github.com/danshapiro/cascade/internal/policy"
	"github.com/danshapiro/cascade/internal/probe"
	"github.com/danshapiro/cascade/internal/tier"
	"github.com/danshapiro/cascade/internal/workflow"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  cascade run --manifest <glob> [--manifest <glob> ...] [--config <run.yaml>] [--report <file.json>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  cascade validate --manifest <glob> [--manifest <glob> ...]")
}

func runCmd(args []string) {
	var patterns []string
	var configPath string
	var reportPath string
	var verbose bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--manifest":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--manifest requires a value")
				os.Exit(1)
			}
			patterns = append(patterns, args[i])
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--report":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--report requires a value")
				os.Exit(1)
			}
			reportPath = args[i]
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if len(patterns) == 0 {
		usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	m, err := manifest.LoadAll(patterns)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	prices, err := cfg.PriceTable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx := ctxlog.With(context.Background(), logger)

	usageLedger := ledger.New(prices)
	pol := policy.New(cfg.Policy)

	gate, err := probe.NewSchemaGate(cfg.QualityGate)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	usageProbe, err := probe.NewRuntimeProbe(func() float64 {
		return usageLedger.Summary().TotalCost
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	coord, err := workflow.New(workflow.Config{
		Ledger:        usageLedger,
		Policy:        pol,
		Gate:          gate,
		Probe:         usageProbe,
		Thresholds:    cfg.Resources,
		CostThreshold: cfg.CostThreshold,
		Escalate: func(reason string, severity int) {
			fmt.Fprintf(os.Stderr, "escalation: %s (severity %d)\n", reason, severity)
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := coord.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	exec := graph.New(graph.Config{
		Policy:         pol,
		Ledger:         usageLedger,
		Backoff:        cfg.Retry,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxAttempts:    cfg.Runner.MaxAttempts,
	})
	for _, t := range m.GraphTasks() {
		if err := exec.AddTask(ctx, t); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// The CLI performs a planning pass: every task body resolves to its own
	// description, so the run exercises ordering, tiers, and accounting
	// without external side effects.
	report, err := exec.Execute(ctx, func(ctx context.Context, t *graph.Task) (any, error) {
		return t.Description, nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// One workflow pass over the finished run: spike checks, quality gate,
	// cost threshold. Failures surface as a structured result, never a panic.
	pass := coord.ExecuteWorkflow(ctx, report)
	if err := coord.Stop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	summary := usageLedger.Summary()
	fmt.Printf("run_id=%s\n", report.RunID)
	fmt.Printf("fingerprint=%s\n", report.Fingerprint)
	fmt.Printf("tasks=%d\n", len(report.Tasks))
	fmt.Printf("completed=%d\n", countStatus(report, graph.StatusCompleted))
	fmt.Printf("failed=%d\n", countStatus(report, graph.StatusFailed))
	fmt.Printf("unreachable=%d\n", len(report.Unreachable))
	fmt.Printf("total_cost=%.6f\n", summary.TotalCost)
	fmt.Printf("total_calls=%d\n", summary.TotalCalls)
	fmt.Printf("workflow=%s\n", pass.Status)
	if pass.Status != "ok" {
		fmt.Fprintf(os.Stderr, "workflow pass failed: %s\n", pass.Message)
	}

	if sav, err := usageLedger.SavingsVsDirect(tier.Premium); err == nil {
		fmt.Printf("savings_vs_premium=%.1f%%\n", sav.SavedPercent)
	}

	if reportPath != "" {
		if err := writeReport(reportPath, report, summary); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("report=%s\n", reportPath)
	}

	if countStatus(report, graph.StatusFailed) > 0 || len(report.Unreachable) > 0 || pass.Status != "ok" {
		os.Exit(1)
	}
	os.Exit(0)
}

func countStatus(r *graph.Report, st graph.Status) int {
	n := 0
	for _, tr := range r.Tasks {
		if tr.Status == st {
			n++
		}
	}
	return n
}

func writeReport(path string, report *graph.Report, summary ledger.Summary) error {
	out := struct {
		Run    *graph.Report  `json:"run"`
		Ledger ledger.Summary `json:"ledger"`
	}{Run: report, Ledger: summary}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func validateCmd(args []string) {
	var patterns []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--manifest":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--manifest requires a value")
				os.Exit(1)
			}
			patterns = append(patterns, args[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if len(patterns) == 0 {
		usage()
		os.Exit(1)
	}

	paths, err := manifest.Discover(patterns)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	failed := false
	ids := make(map[string]string)
	for _, path := range paths {
		m, err := manifest.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			failed = true
			continue
		}
		for _, t := range m.Tasks {
			if prev, dup := ids[t.ID]; dup {
				fmt.Fprintf(os.Stderr, "error: task %q defined in both %s and %s\n", t.ID, prev, path)
				failed = true
				continue
			}
			ids[t.ID] = path
		}
		fmt.Printf("ok: %s (%d tasks)\n", filepath.Base(path), len(m.Tasks))
	}

	// Dangling dependency references only show up across the merged set.
	var missing []string
	for _, path := range paths {
		m, err := manifest.Load(path)
		if err != nil {
			continue
		}
		for _, t := range m.Tasks {
			for _, dep := range t.DependsOn {
				if _, known := ids[dep]; !known {
					missing = append(missing, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
				}
			}
		}
	}
	sort.Strings(missing)
	for _, msg := range missing {
		fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
	}

	if failed {
		os.Exit(1)
	}
	os.Exit(0)
}
