package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Notifier receives every accepted value change, synchronously and in
// arrival order. Returning nil clears the entity's dirty flag. A notifier
// must not call back into the Synchronizer.
type Notifier func(Update) error

// Options configures a Synchronizer.
type Options struct {
	Notifier Notifier
	Logger   Logger

	// Now overrides the clock used for update timestamps.
	Now func() time.Time
}

// state is the mutable part of an entity.
type state struct {
	def       Definition
	value     any
	hasValue  bool
	topic     string
	dirty     bool
	updatedAt time.Time
}

// Synchronizer maps inbound topic payloads onto a fixed set of entities.
//
// The entity set is created once and never changes. Values only move
// forward through HandleMessage (or Restore at startup); a value equal to
// the current one is suppressed.
//
// Thread Safety:
//   - All methods are safe for concurrent use; updates are serialised.
type Synchronizer struct {
	mu       sync.Mutex
	entities []*state
	byID     map[string]*state

	notifier Notifier
	logger   Logger
	now      func() time.Time
}

// New validates defs and creates a synchronizer with one entity per
// definition, in definition order.
//
// Returns:
//   - error: ErrInvalidDefinition for malformed or duplicate definitions
func New(defs []Definition, opts Options) (*Synchronizer, error) {
	s := &Synchronizer{
		byID:     make(map[string]*state, len(defs)),
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidDefinition, d.ID)
		}
		st := &state{def: d}
		s.entities = append(s.entities, st)
		s.byID[d.ID] = st
	}
	return s, nil
}

// Result describes what one inbound message did.
type Result struct {
	// Updates are the accepted changes, in entity registration order.
	Updates []Update

	// Matched counts entities whose topic filter and keys matched,
	// including those whose value was unchanged or unconvertible.
	Matched int

	// Opaque is set when the payload was not a JSON object.
	Opaque bool
}

// HandleMessage applies one inbound message and returns the updates it
// produced, in entity registration order.
//
// A payload that is not a JSON object is treated as opaque text: nothing
// matches and no updates are produced. Values that fail conversion are
// logged and skipped. HandleMessage never fails.
func (s *Synchronizer) HandleMessage(topic string, payload []byte) []Update {
	return s.Apply(topic, payload).Updates
}

// Apply is HandleMessage with match details, for owners that pass
// unmatched payloads through.
func (s *Synchronizer) Apply(topic string, payload []byte) Result {
	fields, ok := decodeObject(payload)
	if !ok {
		s.logDebug("payload is not a JSON object", "topic", topic, "bytes", len(payload))
		return Result{Opaque: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var res Result

	for _, st := range s.entities {
		if !st.def.matchesTopic(topic) {
			continue
		}
		raw, key, found := st.def.lookup(fields)
		if !found {
			continue
		}
		res.Matched++

		value, err := convert(st.def.Kind, st.def.Precision, raw)
		if err != nil {
			s.logWarn("value not convertible", "entity_id", st.def.ID, "key", key, "topic", topic, "error", err)
			continue
		}
		if st.hasValue && valuesEqual(st.value, value) {
			continue
		}

		u := Update{
			EntityID: st.def.ID,
			Kind:     st.def.Kind,
			Value:    value,
			Previous: st.value,
			Topic:    topic,
			At:       now,
		}
		st.value = value
		st.hasValue = true
		st.topic = topic
		st.updatedAt = now
		st.dirty = true

		s.notify(st, u)
		res.Updates = append(res.Updates, u)
	}

	return res
}

// notify reports u and clears the dirty flag on success. Caller holds mu.
func (s *Synchronizer) notify(st *state, u Update) {
	if s.notifier == nil {
		st.dirty = false
		return
	}
	if err := s.notifier(u); err != nil {
		s.logWarn("update notification failed, entity stays dirty", "entity_id", u.EntityID, "error", err)
		return
	}
	st.dirty = false
}

// FlushDirty re-notifies every entity whose last update was not
// acknowledged. It returns how many were cleared.
func (s *Synchronizer) FlushDirty() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for _, st := range s.entities {
		if !st.dirty {
			continue
		}
		s.notify(st, Update{
			EntityID: st.def.ID,
			Kind:     st.def.Kind,
			Value:    st.value,
			Topic:    st.topic,
			At:       st.updatedAt,
		})
		if !st.dirty {
			cleared++
		}
	}
	return cleared
}

// Restore seeds last-known values, typically loaded from the store at
// startup. Restored entities are not dirty and nothing is notified.
// Records for unknown ids or with unconvertible values are skipped.
func (s *Synchronizer) Restore(records []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, r := range records {
		st, ok := s.byID[r.EntityID]
		if !ok {
			s.logWarn("restore skipped unknown entity", "entity_id", r.EntityID)
			continue
		}
		value, err := convert(st.def.Kind, st.def.Precision, r.Value)
		if err != nil {
			s.logWarn("restore skipped invalid value", "entity_id", r.EntityID, "error", err)
			continue
		}
		st.value = value
		st.hasValue = true
		st.topic = r.Topic
		st.updatedAt = r.At
		st.dirty = false
		restored++
	}
	return restored
}

// Get returns a snapshot of one entity.
func (s *Synchronizer) Get(id string) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[id]
	if !ok {
		return Entity{}, false
	}
	return st.snapshot(), true
}

// Snapshot returns every entity in registration order.
func (s *Synchronizer) Snapshot() []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entity, 0, len(s.entities))
	for _, st := range s.entities {
		out = append(out, st.snapshot())
	}
	return out
}

// Len returns the number of entities.
func (s *Synchronizer) Len() int {
	return len(s.entities)
}

func (st *state) snapshot() Entity {
	return Entity{
		ID:          st.def.ID,
		Name:        st.def.Name,
		Kind:        st.def.Kind,
		Precision:   st.def.Precision,
		Value:       st.value,
		Topic:       st.topic,
		Dirty:       st.dirty,
		UpdatedAt:   st.updatedAt,
		Commandable: st.def.Command != nil,
	}
}

// decodeObject parses payload as a single JSON object, keeping numbers as
// json.Number so no precision is lost before conversion.
func decodeObject(payload []byte) (map[string]any, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return fields, true
}

func (s *Synchronizer) logDebug(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, keysAndValues...)
	}
}

func (s *Synchronizer) logWarn(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, keysAndValues...)
	}
}
