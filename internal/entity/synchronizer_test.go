package entity

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func thermostatDefs() []Definition {
	return []Definition{
		{ID: "current_temperature", Name: "Room temperature", Precision: 1, Keys: []string{"currtemp"}},
		{ID: "system_pressure", Name: "System pressure", Precision: 1, Keys: []string{"sysPress"}},
		{
			ID:        "selected_temperature",
			Name:      "Thermostat setpoint",
			Precision: 1,
			Keys:      []string{"seltemp"},
			Command: &CommandTemplate{
				Topic:    "ems-esp/thermostat_cmd",
				ValueKey: "data",
				Fields:   map[string]any{"cmd": "temp", "hc": 1},
			},
		},
	}
}

// recorder collects notified updates and can be told to fail.
type recorder struct {
	mu      sync.Mutex
	updates []Update
	fail    error
}

func (r *recorder) notify(u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestSync(t *testing.T, defs []Definition) (*Synchronizer, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := New(defs, Options{
		Notifier: rec.notify,
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, rec
}

func TestHandleMessage_ConvertsAndRounds(t *testing.T) {
	s, rec := newTestSync(t, thermostatDefs())

	updates := s.HandleMessage("ems-esp/thermostat_data1", []byte(`{"currtemp":"21.04"}`))
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	u := updates[0]
	if u.EntityID != "current_temperature" {
		t.Errorf("EntityID = %q, want current_temperature", u.EntityID)
	}
	if u.Value != 21.0 {
		t.Errorf("Value = %v, want 21.0", u.Value)
	}
	if u.Previous != nil {
		t.Errorf("Previous = %v, want nil", u.Previous)
	}
	if u.Topic != "ems-esp/thermostat_data1" {
		t.Errorf("Topic = %q", u.Topic)
	}
	if !u.At.Equal(fixedNow) {
		t.Errorf("At = %v, want %v", u.At, fixedNow)
	}
	if rec.count() != 1 {
		t.Errorf("notified = %d, want 1", rec.count())
	}

	e, ok := s.Get("current_temperature")
	if !ok {
		t.Fatal("Get() ok = false")
	}
	if e.Value != 21.0 || e.Dirty {
		t.Errorf("entity = %+v, want value 21.0 and clean", e)
	}
}

func TestHandleMessage_SuppressesEqualValues(t *testing.T) {
	s, rec := newTestSync(t, thermostatDefs())

	s.HandleMessage("t", []byte(`{"currtemp":21.0}`))
	// Rounds to the same value.
	if got := s.HandleMessage("t", []byte(`{"currtemp":"21.04"}`)); len(got) != 0 {
		t.Errorf("updates = %v, want none", got)
	}
	if got := s.HandleMessage("t", []byte(`{"currtemp":21.06}`)); len(got) != 1 {
		t.Fatalf("updates = %d, want 1", len(got))
	} else if got[0].Previous != 21.0 || got[0].Value != 21.1 {
		t.Errorf("update = %+v, want 21.0 -> 21.1", got[0])
	}
	if rec.count() != 2 {
		t.Errorf("notified = %d, want 2", rec.count())
	}
}

func TestHandleMessage_MultipleEntitiesInOrder(t *testing.T) {
	s, _ := newTestSync(t, thermostatDefs())

	updates := s.HandleMessage("ems-esp/thermostat_data1", []byte(`{"seltemp":20.5,"currtemp":19.84,"other":true}`))
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	if updates[0].EntityID != "current_temperature" || updates[1].EntityID != "selected_temperature" {
		t.Errorf("order = %s, %s", updates[0].EntityID, updates[1].EntityID)
	}
	if updates[0].Value != 19.8 {
		t.Errorf("currtemp = %v, want 19.8", updates[0].Value)
	}
}

func TestHandleMessage_LastValueWins(t *testing.T) {
	s, _ := newTestSync(t, thermostatDefs())

	s.HandleMessage("ems-esp/boiler_data", []byte(`{"sysPress":1.5}`))
	s.HandleMessage("ems-esp/other", []byte(`{"sysPress":1.7}`))

	e, _ := s.Get("system_pressure")
	if e.Value != 1.7 {
		t.Errorf("Value = %v, want 1.7", e.Value)
	}
	if e.Topic != "ems-esp/other" {
		t.Errorf("Topic = %q, want ems-esp/other", e.Topic)
	}
}

func TestHandleMessage_TopicFilter(t *testing.T) {
	defs := []Definition{
		{ID: "boiler_temp", Precision: 1, Keys: []string{"temp"}, Topics: []string{"ems-esp/boiler_data"}},
	}
	s, _ := newTestSync(t, defs)

	if got := s.HandleMessage("ems-esp/thermostat_data1", []byte(`{"temp":40}`)); len(got) != 0 {
		t.Errorf("non-matching topic produced %d updates", len(got))
	}
	if got := s.HandleMessage("ems-esp/boiler_data", []byte(`{"temp":40}`)); len(got) != 1 {
		t.Errorf("matching topic produced %d updates, want 1", len(got))
	}
}

func TestHandleMessage_TopicFilterWildcard(t *testing.T) {
	defs := []Definition{
		{ID: "boiler_temp", Precision: 1, Keys: []string{"temp"}, Topics: []string{"ems-esp/+/boiler"}},
	}
	s, _ := newTestSync(t, defs)

	if got := s.HandleMessage("ems-esp/x/boiler", []byte(`{"temp":40}`)); len(got) != 1 {
		t.Errorf("matching topic produced %d updates, want 1", len(got))
	}
	if got := s.HandleMessage("ems-esp/x/thermostat", []byte(`{"temp":41}`)); len(got) != 0 {
		t.Errorf("non-matching topic produced %d updates", len(got))
	}
}

func TestHandleMessage_IgnoresNonObjects(t *testing.T) {
	s, rec := newTestSync(t, thermostatDefs())

	payloads := []string{
		"online",
		"",
		"21.5",
		`["currtemp", 21]`,
		`{"currtemp":21`,
		`{"currtemp":21}{"currtemp":22}`,
	}
	for _, p := range payloads {
		if got := s.HandleMessage("ems-esp/STATE", []byte(p)); len(got) != 0 {
			t.Errorf("payload %q produced %d updates", p, len(got))
		}
	}
	if rec.count() != 0 {
		t.Errorf("notified = %d, want 0", rec.count())
	}
}

func TestHandleMessage_SkipsUnconvertible(t *testing.T) {
	s, _ := newTestSync(t, thermostatDefs())

	updates := s.HandleMessage("t", []byte(`{"currtemp":"warm","sysPress":1.2}`))
	if len(updates) != 1 || updates[0].EntityID != "system_pressure" {
		t.Fatalf("updates = %+v, want only system_pressure", updates)
	}
	if e, _ := s.Get("current_temperature"); e.Value != nil {
		t.Errorf("current_temperature = %v, want nil", e.Value)
	}
}

func TestHandleMessage_HugeValueStaysFinite(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    float64
	}{
		{"positive", `{"currtemp": 1e308}`, 1e308},
		{"negative", `{"currtemp": -1.7e308}`, -1.7e308},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSync(t, thermostatDefs())

			updates := s.HandleMessage("t", []byte(tt.payload))
			if len(updates) != 1 || updates[0].Value != tt.want {
				t.Fatalf("updates = %+v, want current_temperature=%v", updates, tt.want)
			}
			if _, err := json.Marshal(s.Snapshot()); err != nil {
				t.Errorf("json.Marshal(Snapshot()) error = %v", err)
			}
		})
	}
}

func TestHandleMessage_StringKindAndNestedKey(t *testing.T) {
	defs := []Definition{
		{ID: "mode", Kind: KindString, Keys: []string{"hc1.mode"}},
	}
	s, _ := newTestSync(t, defs)

	updates := s.HandleMessage("t", []byte(`{"hc1":{"mode":"auto"}}`))
	if len(updates) != 1 || updates[0].Value != "auto" {
		t.Fatalf("updates = %+v, want mode=auto", updates)
	}
	if got := s.HandleMessage("t", []byte(`{"hc1.mode":"auto"}`)); len(got) != 0 {
		t.Errorf("same value via literal key produced %d updates", len(got))
	}
}

func TestNotifierFailure_KeepsDirtyUntilFlush(t *testing.T) {
	s, rec := newTestSync(t, thermostatDefs())
	rec.fail = errors.New("store down")

	updates := s.HandleMessage("t", []byte(`{"sysPress":1.4}`))
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if e, _ := s.Get("system_pressure"); !e.Dirty || e.Value != 1.4 {
		t.Errorf("entity = %+v, want dirty with value 1.4", e)
	}

	if n := s.FlushDirty(); n != 0 {
		t.Errorf("FlushDirty() with failing notifier = %d, want 0", n)
	}

	rec.fail = nil
	if n := s.FlushDirty(); n != 1 {
		t.Errorf("FlushDirty() = %d, want 1", n)
	}
	if e, _ := s.Get("system_pressure"); e.Dirty {
		t.Error("entity still dirty after flush")
	}
	if rec.count() != 1 || rec.updates[0].Value != 1.4 {
		t.Errorf("flushed updates = %+v", rec.updates)
	}
	if n := s.FlushDirty(); n != 0 {
		t.Errorf("second FlushDirty() = %d, want 0", n)
	}
}

func TestRestore(t *testing.T) {
	s, rec := newTestSync(t, thermostatDefs())

	n := s.Restore([]Record{
		{EntityID: "current_temperature", Kind: KindNumeric, Value: 20.54, Topic: "a", At: fixedNow},
		{EntityID: "unknown", Value: 1.0},
		{EntityID: "system_pressure", Value: "not a number"},
	})
	if n != 1 {
		t.Errorf("Restore() = %d, want 1", n)
	}
	if rec.count() != 0 {
		t.Errorf("Restore notified %d updates", rec.count())
	}

	e, _ := s.Get("current_temperature")
	if e.Value != 20.5 || e.Dirty || e.Topic != "a" {
		t.Errorf("restored entity = %+v", e)
	}

	// Same value as restored is suppressed.
	if got := s.HandleMessage("t", []byte(`{"currtemp":20.5}`)); len(got) != 0 {
		t.Errorf("updates after restore = %d, want 0", len(got))
	}
}

func TestSnapshot(t *testing.T) {
	s, _ := newTestSync(t, thermostatDefs())

	snap := s.Snapshot()
	if len(snap) != 3 || s.Len() != 3 {
		t.Fatalf("Snapshot() len = %d, Len() = %d, want 3", len(snap), s.Len())
	}
	if snap[0].ID != "current_temperature" || snap[2].ID != "selected_temperature" {
		t.Errorf("snapshot order = %s..%s", snap[0].ID, snap[2].ID)
	}
	if snap[0].Commandable || !snap[2].Commandable {
		t.Error("Commandable flags wrong")
	}
	if _, ok := s.Get("nope"); ok {
		t.Error("Get(nope) ok = true")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		defs []Definition
	}{
		{"empty id", []Definition{{Keys: []string{"a"}}}},
		{"no keys", []Definition{{ID: "a"}}},
		{"empty key", []Definition{{ID: "a", Keys: []string{""}}}},
		{"negative precision", []Definition{{ID: "a", Keys: []string{"a"}, Precision: -1}}},
		{"huge precision", []Definition{{ID: "a", Keys: []string{"a"}, Precision: 11}}},
		{"bad kind", []Definition{{ID: "a", Keys: []string{"a"}, Kind: Kind(7)}}},
		{"bad filter", []Definition{{ID: "a", Keys: []string{"a"}, Topics: []string{"a/#/b"}}}},
		{"duplicate", []Definition{{ID: "a", Keys: []string{"a"}}, {ID: "a", Keys: []string{"b"}}}},
		{"wildcard command topic", []Definition{{ID: "a", Keys: []string{"a"}, Command: &CommandTemplate{Topic: "x/+", ValueKey: "v"}}}},
		{"missing value key", []Definition{{ID: "a", Keys: []string{"a"}, Command: &CommandTemplate{Topic: "x"}}}},
		{"shadowed value key", []Definition{{ID: "a", Keys: []string{"a"}, Command: &CommandTemplate{Topic: "x", ValueKey: "v", Fields: map[string]any{"v": 1}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.defs, Options{})
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("New() error = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestHandleMessage_Concurrent(t *testing.T) {
	s, _ := newTestSync(t, thermostatDefs())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.HandleMessage("t", []byte(`{"currtemp":`+strconv.Itoa(i*100+j)+`}`))
				s.Snapshot()
			}
		}()
	}
	wg.Wait()

	if e, _ := s.Get("current_temperature"); e.Value == nil {
		t.Error("no value after concurrent updates")
	}
}

func TestApply_MatchDetails(t *testing.T) {
	s, _ := newTestSync(t, thermostatDefs())

	tests := []struct {
		name        string
		payload     string
		wantUpdates int
		wantMatched int
		wantOpaque  bool
	}{
		{"new value", `{"currtemp":20}`, 1, 1, false},
		{"unchanged value", `{"currtemp":20}`, 0, 1, false},
		{"unconvertible", `{"sysPress":"n/a"}`, 0, 1, false},
		{"no known keys", `{"wwtemp":50}`, 0, 0, false},
		{"opaque", `online`, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Apply("ems-esp/boiler_data", []byte(tt.payload))
			if len(res.Updates) != tt.wantUpdates || res.Matched != tt.wantMatched || res.Opaque != tt.wantOpaque {
				t.Errorf("Apply() = %d updates, %d matched, opaque %v; want %d, %d, %v",
					len(res.Updates), res.Matched, res.Opaque, tt.wantUpdates, tt.wantMatched, tt.wantOpaque)
			}
		})
	}
}
