package entity

import (
	"encoding/json"
	"fmt"
	"maps"
)

// BuildCommand turns a command intent into a publish for the entity's
// command template.
//
// The payload is the template's constant fields plus the converted value
// under the value key, encoded as JSON with sorted keys, so identical
// inputs always produce byte-identical payloads.
//
// Returns:
//   - error: ErrUnknownEntity, ErrNotCommandable or ErrInvalidValue
func (s *Synchronizer) BuildCommand(id string, value any) (Command, error) {
	def, err := s.commandDefinition(id)
	if err != nil {
		return Command{}, err
	}

	converted, err := convert(def.Kind, def.Precision, value)
	if err != nil {
		return Command{}, fmt.Errorf("%s: %w", id, err)
	}

	body := make(map[string]any, len(def.Command.Fields)+1)
	maps.Copy(body, def.Command.Fields)
	body[def.Command.ValueKey] = converted

	// encoding/json writes map keys in sorted order.
	payload, err := json.Marshal(body)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s: encoding payload: %w", ErrInvalidValue, id, err)
	}

	return Command{
		EntityID: id,
		Topic:    def.Command.Topic,
		Payload:  payload,
		Retain:   def.Command.Retain,
	}, nil
}

// DecodeCommand extracts the requested value from a command payload
// built for entity id, through the entity's converter and precision.
func (s *Synchronizer) DecodeCommand(id string, payload []byte) (any, error) {
	def, err := s.commandDefinition(id)
	if err != nil {
		return nil, err
	}

	fields, ok := decodeObject(payload)
	if !ok {
		return nil, fmt.Errorf("%w: %s: payload is not a JSON object", ErrInvalidValue, id)
	}
	raw, ok := fields[def.Command.ValueKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s: payload has no %q", ErrInvalidValue, id, def.Command.ValueKey)
	}
	value, err := convert(def.Kind, def.Precision, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return value, nil
}

func (s *Synchronizer) commandDefinition(id string) (Definition, error) {
	s.mu.Lock()
	st, ok := s.byID[id]
	s.mu.Unlock()

	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownEntity, id)
	}
	if st.def.Command == nil {
		return Definition{}, fmt.Errorf("%w: %q", ErrNotCommandable, id)
	}
	return st.def, nil
}
