package probe

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaGate is the production QualityGate: output passes when it validates
// against a JSON schema. A nil schema map compiles to the permissive empty
// object schema.
type SchemaGate struct {
	mu      sync.Mutex
	running bool
	schema  *jsonschema.Schema
}

// NewSchemaGate compiles the schema eagerly so a malformed schema fails at
// construction, not at validation time.
func NewSchemaGate(schema map[string]any) (*SchemaGate, error) {
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("quality gate schema: %w", err)
	}
	return &SchemaGate{schema: compiled}, nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func (g *SchemaGate) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = true
	return nil
}

func (g *SchemaGate) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	return nil
}

// Validate reports whether output conforms to the gate's schema. Schema
// violations are a false verdict, not an error; errors are reserved for
// lifecycle misuse and non-serializable output.
func (g *SchemaGate) Validate(output any) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return false, fmt.Errorf("quality gate: %w", ErrNotRunning)
	}

	// Round-trip through JSON so struct outputs validate the same way their
	// wire form would.
	b, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("quality gate: output not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return false, fmt.Errorf("quality gate: %w", err)
	}
	if err := g.schema.Validate(doc); err != nil {
		return false, nil
	}
	return true, nil
}
