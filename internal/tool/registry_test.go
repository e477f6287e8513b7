package tool

import (
	"context"
	"strings"
	"testing"

	"github.com/llmrtc/llmrtc/pkg/types"
)

func nopHandler(context.Context, Call) (any, error) { return nil, nil }

func weatherDef() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "get_weather",
		Description: "Returns the current weather for a location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
				"unit":     map[string]any{"type": "string", "enum": []any{"celsius", "fahrenheit"}},
			},
			"required": []any{"location"},
		},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(weatherDef(), nopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !reg.Has("get_weather") {
		t.Error("Has(get_weather) = false")
	}
	def, ok := reg.Definition("get_weather")
	if !ok || def.Description == "" {
		t.Errorf("Definition = %+v, %v", def, ok)
	}
	if reg.Has("missing") {
		t.Error("Has(missing) = true")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(weatherDef(), nopHandler); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(weatherDef(), nopHandler); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
}

func TestRegistrySealBlocksRegistration(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Seal()
	err := reg.Register(weatherDef(), nopHandler)
	if err == nil || !strings.Contains(err.Error(), "sealed") {
		t.Fatalf("Register after Seal: %v", err)
	}
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	t.Parallel()

	def := types.ToolDefinition{
		Name: "broken",
		Parameters: map[string]any{
			"type": "object",
			// properties must be an object, not a list
			"properties": []any{"nope"},
		},
	}
	reg := NewRegistry()
	if err := reg.Register(def, nopHandler); err == nil {
		t.Fatal("Register accepted an invalid schema")
	}
}

func TestRegistryDefinitionsPreserveOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	names := []string{"zeta", "alpha", "mid"}
	for _, n := range names {
		if err := reg.Register(types.ToolDefinition{Name: n}, nopHandler); err != nil {
			t.Fatalf("Register(%s): %v", n, err)
		}
	}

	defs := reg.Definitions()
	if len(defs) != len(names) {
		t.Fatalf("Definitions returned %d entries", len(defs))
	}
	for i, n := range names {
		if defs[i].Name != n {
			t.Errorf("Definitions[%d] = %s, want %s", i, defs[i].Name, n)
		}
	}

	subset, err := reg.DefinitionsFor([]string{"mid", "zeta"})
	if err != nil {
		t.Fatalf("DefinitionsFor: %v", err)
	}
	if subset[0].Name != "mid" || subset[1].Name != "zeta" {
		t.Errorf("DefinitionsFor order = %s, %s", subset[0].Name, subset[1].Name)
	}
	if _, err := reg.DefinitionsFor([]string{"ghost"}); err == nil {
		t.Error("DefinitionsFor accepted an unknown name")
	}
}
