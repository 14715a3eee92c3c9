// Package config loads the run configuration file. YAML is the primary
// format; JSON is accepted by extension. Decoding is strict (unknown fields
// are errors), defaults are applied after decode, validation before use.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/cascade/internal/graph"
	"github.com/danshapiro/cascade/internal/policy"
	"github.com/danshapiro/cascade/internal/tier"
	"github.com/danshapiro/cascade/internal/workflow"
)

// RunnerConfig bounds individual task attempts.
type RunnerConfig struct {
	DefaultTimeoutMS int `json:"default_timeout_ms,omitempty" yaml:"default_timeout_ms,omitempty"`
	MaxAttempts      int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// File is the full run configuration document.
type File struct {
	Version int `json:"version" yaml:"version"`

	// Tiers overrides the per-million-token price table by tier name.
	Tiers map[string]float64 `json:"tiers,omitempty" yaml:"tiers,omitempty"`

	// Policy overrides the escalation thresholds; zero fields keep defaults.
	Policy policy.Thresholds `json:"policy,omitempty" yaml:"policy,omitempty"`

	// Resources are the workflow spike thresholds.
	Resources workflow.ResourceThresholds `json:"resources,omitempty" yaml:"resources,omitempty"`

	// CostThreshold is the accumulated-cost escalation trigger; zero disables.
	CostThreshold float64 `json:"cost_threshold,omitempty" yaml:"cost_threshold,omitempty"`

	Runner RunnerConfig `json:"runner,omitempty" yaml:"runner,omitempty"`

	// Retry is the backoff between task attempts.
	Retry graph.BackoffConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	// QualityGate is the JSON schema workflow output must satisfy.
	QualityGate map[string]any `json:"quality_gate,omitempty" yaml:"quality_gate,omitempty"`
}

// Load reads, decodes, defaults, and validates a config file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *File {
	cfg := &File{Version: 1}
	applyDefaults(cfg)
	return cfg
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return fmt.Errorf("yaml: empty document")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Resources == (workflow.ResourceThresholds{}) {
		cfg.Resources = workflow.DefaultResourceThresholds()
	}
	if cfg.Retry == (graph.BackoffConfig{}) {
		cfg.Retry = graph.DefaultBackoffConfig()
	}
	if cfg.Runner.DefaultTimeoutMS == 0 {
		cfg.Runner.DefaultTimeoutMS = 30_000
	}
}

func validate(cfg *File) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version %d", cfg.Version)
	}
	if cfg.Runner.DefaultTimeoutMS < 0 {
		return fmt.Errorf("runner.default_timeout_ms must be positive")
	}
	if cfg.Runner.MaxAttempts < 0 {
		return fmt.Errorf("runner.max_attempts must not be negative")
	}
	if cfg.CostThreshold < 0 {
		return fmt.Errorf("cost_threshold must not be negative")
	}
	if _, err := tier.NewPriceTable(cfg.Tiers); err != nil {
		return err
	}
	return nil
}

// PriceTable resolves the configured tier prices.
func (f *File) PriceTable() (tier.PriceTable, error) {
	return tier.NewPriceTable(f.Tiers)
}

// DefaultTimeout resolves the configured per-attempt timeout.
func (f *File) DefaultTimeout() time.Duration {
	return time.Duration(f.Runner.DefaultTimeoutMS) * time.Millisecond
}
