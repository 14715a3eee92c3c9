// Package manifest loads task-set manifests. A manifest is a YAML or JSON
// document naming the tasks, their dependencies, and optional tier/timeout
// hints. The task graph is fixed at submission time, so manifests are
// validated fully (JSON schema first, then strict field binding) before a
// single task is registered.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/cascade/internal/graph"
	"github.com/danshapiro/cascade/internal/tier"
)

// TaskSpec is one task entry in a manifest.
type TaskSpec struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Tier        string   `json:"tier,omitempty" yaml:"tier,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Manifest is a full task-set document.
type Manifest struct {
	Version int        `json:"version" yaml:"version"`
	Tasks   []TaskSpec `json:"tasks" yaml:"tasks"`
}

const schemaJSON = `{
  "type": "object",
  "required": ["version", "tasks"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "const": 1},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "tier": {"type": "string", "enum": ["free", "mid", "premium"]},
          "timeout_ms": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("manifest.json", schemaJSON)

// Discover expands glob patterns (doublestar syntax, ** supported) into a
// deduplicated, sorted list of manifest paths.
func Discover(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad manifest pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no manifests match %v", patterns)
	}
	return paths, nil
}

// Load reads and validates a single manifest file.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	isJSON := strings.ToLower(filepath.Ext(path)) == ".json"

	doc, err := decodeGeneric(b, isJSON)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	var m Manifest
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		err = dec.Decode(&m)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		err = dec.Decode(&m)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := checkDuplicates(&m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadAll loads every discovered manifest and merges the task lists. Task
// identifiers must be unique across the merged set.
func LoadAll(patterns []string) (*Manifest, error) {
	paths, err := Discover(patterns)
	if err != nil {
		return nil, err
	}
	merged := &Manifest{Version: 1}
	for _, path := range paths {
		m, err := Load(path)
		if err != nil {
			return nil, err
		}
		merged.Tasks = append(merged.Tasks, m.Tasks...)
	}
	if err := checkDuplicates(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// decodeGeneric produces a schema-checkable document. YAML values are
// round-tripped through JSON so the schema sees the same types either way.
func decodeGeneric(b []byte, isJSON bool) (any, error) {
	var doc any
	if isJSON {
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, io.ErrUnexpectedEOF
	}
	jb, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(jb, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func checkDuplicates(m *Manifest) error {
	seen := make(map[string]struct{}, len(m.Tasks))
	for _, t := range m.Tasks {
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// GraphTasks converts the manifest into executor tasks.
func (m *Manifest) GraphTasks() []*graph.Task {
	tasks := make([]*graph.Task, 0, len(m.Tasks))
	for _, spec := range m.Tasks {
		tasks = append(tasks, &graph.Task{
			ID:          spec.ID,
			Description: spec.Description,
			DependsOn:   append([]string(nil), spec.DependsOn...),
			Tier:        tier.Parse(spec.Tier),
			Timeout:     time.Duration(spec.TimeoutMS) * time.Millisecond,
		})
	}
	return tasks
}
