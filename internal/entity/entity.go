package entity

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the value type of an entity.
type Kind int

// Value kinds.
const (
	KindNumeric Kind = iota
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind maps "numeric" or "string" to a Kind. Empty means numeric.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "numeric":
		return KindNumeric, nil
	case "string":
		return KindString, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, s)
	}
}

// maxPrecision bounds rounding so 10^precision stays exact in float64.
const maxPrecision = 10

// CommandTemplate turns a requested value into an outbound publish:
// Fields plus {ValueKey: value}, serialised as canonical JSON on Topic.
type CommandTemplate struct {
	Topic    string
	ValueKey string
	Fields   map[string]any
	Retain   bool
}

// Definition declares one entity and its extraction rule.
type Definition struct {
	ID   string
	Name string
	Kind Kind

	// Precision is the number of decimals numeric values are rounded to
	// before comparison and storage.
	Precision int

	// Topics are MQTT topic filters the rule applies to. Empty means any.
	Topics []string

	// Keys are looked up in the payload object in order; the first present
	// key supplies the value. A dotted key ("hc1.seltemp") descends into
	// nested objects when no literal key matches.
	Keys []string

	// Command is nil for read-only entities.
	Command *CommandTemplate
}

// Entity is a snapshot of one entity's state.
type Entity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Precision   int       `json:"precision"`
	Value       any       `json:"value"`
	Topic       string    `json:"topic,omitempty"`
	Dirty       bool      `json:"dirty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	Commandable bool      `json:"commandable"`
}

// Update reports one accepted value change.
type Update struct {
	EntityID string    `json:"entity_id"`
	Kind     Kind      `json:"kind"`
	Value    any       `json:"value"`
	Previous any       `json:"previous"`
	Topic    string    `json:"topic"`
	At       time.Time `json:"at"`
}

// Record is a persisted entity value, used for Restore and history.
type Record struct {
	EntityID string    `json:"entity_id"`
	Kind     Kind      `json:"kind"`
	Value    any       `json:"value"`
	Topic    string    `json:"topic"`
	At       time.Time `json:"at"`
}

// Command is a ready-to-publish command.
type Command struct {
	EntityID string
	Topic    string
	Payload  []byte
	Retain   bool
}

// validate checks a single definition.
func (d Definition) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}
	if d.Kind != KindNumeric && d.Kind != KindString {
		return fmt.Errorf("%w: %s: unknown kind %d", ErrInvalidDefinition, d.ID, int(d.Kind))
	}
	if d.Precision < 0 || d.Precision > maxPrecision {
		return fmt.Errorf("%w: %s: precision must be between 0 and %d", ErrInvalidDefinition, d.ID, maxPrecision)
	}
	if len(d.Keys) == 0 {
		return fmt.Errorf("%w: %s: no keys", ErrInvalidDefinition, d.ID)
	}
	for _, k := range d.Keys {
		if k == "" {
			return fmt.Errorf("%w: %s: empty key", ErrInvalidDefinition, d.ID)
		}
	}
	for _, f := range d.Topics {
		if err := ValidateFilter(f); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, d.ID, err)
		}
	}
	if c := d.Command; c != nil {
		if c.Topic == "" || strings.ContainsAny(c.Topic, "+#") {
			return fmt.Errorf("%w: %s: command topic must be a concrete topic", ErrInvalidDefinition, d.ID)
		}
		if c.ValueKey == "" {
			return fmt.Errorf("%w: %s: command value key is required", ErrInvalidDefinition, d.ID)
		}
		if _, clash := c.Fields[c.ValueKey]; clash {
			return fmt.Errorf("%w: %s: command field %q shadows the value key", ErrInvalidDefinition, d.ID, c.ValueKey)
		}
	}
	return nil
}

// matchesTopic reports whether the rule applies to topic.
func (d Definition) matchesTopic(topic string) bool {
	if len(d.Topics) == 0 {
		return true
	}
	for _, f := range d.Topics {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

// lookup returns the raw value of the first key present in fields.
func (d Definition) lookup(fields map[string]any) (any, string, bool) {
	for _, key := range d.Keys {
		if v, ok := fields[key]; ok {
			return v, key, true
		}
		if strings.Contains(key, ".") {
			if v, ok := lookupPath(fields, strings.Split(key, ".")); ok {
				return v, key, true
			}
		}
	}
	return nil, "", false
}

func lookupPath(fields map[string]any, path []string) (any, bool) {
	var cur any = fields
	for _, part := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
