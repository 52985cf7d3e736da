package entity

import (
	"fmt"
	"maps"

	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/config"
)

// FromConfig converts the entities section of config.yaml into definitions.
func FromConfig(entities []config.EntityConfig) ([]Definition, error) {
	defs := make([]Definition, 0, len(entities))

	for _, e := range entities {
		kind, err := ParseKind(e.Type)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", e.ID, err)
		}

		d := Definition{
			ID:        e.ID,
			Name:      e.Name,
			Kind:      kind,
			Precision: e.Precision,
			Topics:    append([]string(nil), e.Topics...),
			Keys:      append([]string(nil), e.Keys...),
		}
		if d.Name == "" {
			d.Name = e.ID
		}
		if e.Command != nil {
			d.Command = &CommandTemplate{
				Topic:    e.Command.Topic,
				ValueKey: e.Command.ValueKey,
				Fields:   maps.Clone(e.Command.Fields),
				Retain:   e.Command.Retain,
			}
		}
		if err := d.validate(); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}

	return defs, nil
}
