package entity

import (
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/config"
)

func TestFromConfig_Defaults(t *testing.T) {
	defs, err := FromConfig(config.Default().Entities)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("len = %d, want 3", len(defs))
	}

	s, err := New(defs, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cmd, err := s.BuildCommand("selected_temperature", 21.5)
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	if got := string(cmd.Payload); got != `{"cmd":"temp","data":21.5,"hc":1}` {
		t.Errorf("Payload = %s", got)
	}
}

func TestFromConfig_CopiesInput(t *testing.T) {
	in := []config.EntityConfig{{
		ID:   "mode",
		Type: "string",
		Keys: []string{"mode"},
		Command: &config.CommandConfig{
			Topic:    "x/cmd",
			ValueKey: "value",
			Fields:   map[string]any{"cmd": "mode"},
		},
	}}
	defs, err := FromConfig(in)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	in[0].Keys[0] = "changed"
	in[0].Command.Fields["cmd"] = "changed"

	d := defs[0]
	if d.Kind != KindString || d.Name != "mode" {
		t.Errorf("def = %+v", d)
	}
	if d.Keys[0] != "mode" || d.Command.Fields["cmd"] != "mode" {
		t.Error("definition shares memory with config")
	}
}

func TestFromConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   config.EntityConfig
	}{
		{"bad type", config.EntityConfig{ID: "a", Type: "bool", Keys: []string{"a"}}},
		{"no keys", config.EntityConfig{ID: "a"}},
		{"bad command", config.EntityConfig{ID: "a", Keys: []string{"a"}, Command: &config.CommandConfig{Topic: "#"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromConfig([]config.EntityConfig{tt.in}); !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("FromConfig() error = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}
