package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mqttsync/internal/bridge"
	"github.com/nerrad567/gray-logic-mqttsync/internal/entity"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakeBridge struct {
	events chan bridge.Event

	mu        sync.Mutex
	state     bridge.State
	published []published
	pubErr    error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{events: make(chan bridge.Event, 16), state: bridge.StateConnected}
}

func (f *fakeBridge) Events() <-chan bridge.Event { return f.events }

func (f *fakeBridge) State() bridge.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBridge) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, published{topic, string(payload), retain})
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []entity.Update
	records []entity.Record
	saveErr error
}

func (f *fakeStore) Save(_ context.Context, u entity.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, u)
	return nil
}

func (f *fakeStore) LoadAll(context.Context) ([]entity.Record, error) {
	return f.records, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	f.saveErr = err
	f.mu.Unlock()
}

type exported struct {
	entityID string
	value    any
}

type fakeExporter struct {
	mu     sync.Mutex
	points []exported
}

func (f *fakeExporter) WriteEntityValue(entityID, _ string, value any, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, exported{entityID, value})
}

type broadcastMsg struct {
	channel string
	payload any
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []broadcastMsg
}

func (f *fakeBroadcaster) Broadcast(channel string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, broadcastMsg{channel, payload})
}

func (f *fakeBroadcaster) on(channel string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, m := range f.msgs {
		if m.channel == channel {
			out = append(out, m.payload)
		}
	}
	return out
}

func testDefs() []entity.Definition {
	return []entity.Definition{
		{ID: "current_temperature", Precision: 1, Keys: []string{"currtemp"}},
		{
			ID:        "selected_temperature",
			Precision: 1,
			Keys:      []string{"seltemp"},
			Command: &entity.CommandTemplate{
				Topic:    "ems-esp/thermostat_cmd",
				ValueKey: "data",
				Fields:   map[string]any{"cmd": "temp", "hc": 1},
			},
		},
	}
}

type fixture struct {
	relay *Relay
	br    *fakeBridge
	store *fakeStore
	exp   *fakeExporter
	bc    *fakeBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		br:    newFakeBridge(),
		store: &fakeStore{},
		exp:   &fakeExporter{},
		bc:    &fakeBroadcaster{},
	}
	r, err := New(testDefs(), Options{
		Bridge:      f.br,
		Store:       f.store,
		Exporter:    f.exp,
		Broadcaster: f.bc,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.relay = r
	return f
}

func TestHandleMessage_FansOutUpdates(t *testing.T) {
	f := newFixture(t)

	f.relay.handleEvent(bridge.Event{Kind: bridge.EventMessage, Topic: "ems-esp/thermostat_data1", Payload: []byte(`{"currtemp":"21.04"}`)})

	if f.store.count() != 1 || f.store.saved[0].Value != 21.0 {
		t.Errorf("saved = %+v", f.store.saved)
	}
	if len(f.exp.points) != 1 || f.exp.points[0].entityID != "current_temperature" {
		t.Errorf("exported = %+v", f.exp.points)
	}
	if got := f.bc.on(ChannelEntityUpdated); len(got) != 1 {
		t.Errorf("entity.updated broadcasts = %d, want 1", len(got))
	}
	if got := f.bc.on(ChannelMessageUnmatched); len(got) != 0 {
		t.Errorf("message.unmatched broadcasts = %d, want 0", len(got))
	}

	// Unchanged value is matched but produces nothing downstream.
	f.relay.handleEvent(bridge.Event{Kind: bridge.EventMessage, Topic: "ems-esp/thermostat_data1", Payload: []byte(`{"currtemp":21}`)})
	if f.store.count() != 1 || len(f.bc.on(ChannelMessageUnmatched)) != 0 {
		t.Error("suppressed update reached downstream")
	}

	if s := f.relay.Stats(); s.Messages != 2 || s.Updates != 1 || s.Unmatched != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestHandleMessage_Unmatched(t *testing.T) {
	f := newFixture(t)

	f.relay.handleEvent(bridge.Event{Kind: bridge.EventMessage, Topic: "ems-esp/STATE", Payload: []byte("online"), Retain: true})

	got := f.bc.on(ChannelMessageUnmatched)
	if len(got) != 1 {
		t.Fatalf("message.unmatched broadcasts = %d, want 1", len(got))
	}
	m := got[0].(map[string]any)
	if m["topic"] != "ems-esp/STATE" || m["payload"] != "online" || m["retain"] != true {
		t.Errorf("unmatched payload = %+v", m)
	}
	if f.store.count() != 0 {
		t.Error("unmatched message was stored")
	}
}

func TestNotify_StoreFailureKeepsDirty(t *testing.T) {
	f := newFixture(t)
	f.store.setErr(errors.New("disk full"))

	f.relay.handleEvent(bridge.Event{Kind: bridge.EventMessage, Topic: "t", Payload: []byte(`{"currtemp":19.5}`)})

	if e, _ := f.relay.Synchronizer().Get("current_temperature"); !e.Dirty {
		t.Error("entity not dirty after store failure")
	}
	if len(f.bc.on(ChannelEntityUpdated)) != 0 {
		t.Error("failed update was broadcast")
	}

	f.store.setErr(nil)
	f.relay.handleEvent(bridge.Event{Kind: bridge.EventConnected})

	if f.store.count() != 1 {
		t.Errorf("saved after reconnect flush = %d, want 1", f.store.count())
	}
	if e, _ := f.relay.Synchronizer().Get("current_temperature"); e.Dirty {
		t.Error("entity still dirty after flush")
	}
	if s := f.relay.Stats(); s.SaveFailures != 1 {
		t.Errorf("SaveFailures = %d, want 1", s.SaveFailures)
	}
}

func TestHandleEvent_BridgeState(t *testing.T) {
	f := newFixture(t)

	f.br.state = bridge.StateClosed
	f.relay.handleEvent(bridge.Event{Kind: bridge.EventConnectRefused, Status: 5, Reason: "not authorized"})
	f.relay.handleEvent(bridge.Event{Kind: bridge.EventDisconnected, Err: errors.New("EOF")})

	got := f.bc.on(ChannelBridgeState)
	if len(got) != 2 {
		t.Fatalf("bridge.state broadcasts = %d, want 2", len(got))
	}
	first := got[0].(map[string]any)
	if first["event"] != "connect_refused" || first["state"] != "closed" || first["reason"] != "not authorized" {
		t.Errorf("first = %+v", first)
	}
	second := got[1].(map[string]any)
	if second["event"] != "disconnected" || second["reason"] != "EOF" {
		t.Errorf("second = %+v", second)
	}
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t)

	res, err := f.relay.SendCommand(context.Background(), "selected_temperature", 21.5)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if res.ID == "" {
		t.Error("command id is empty")
	}
	if len(f.br.published) != 1 {
		t.Fatalf("published = %d, want 1", len(f.br.published))
	}
	p := f.br.published[0]
	if p.topic != "ems-esp/thermostat_cmd" || p.payload != `{"cmd":"temp","data":21.5,"hc":1}` {
		t.Errorf("published = %+v", p)
	}
	if len(f.bc.on(ChannelCommandSent)) != 1 {
		t.Error("command.sent not broadcast")
	}
}

func TestSendCommand_Errors(t *testing.T) {
	f := newFixture(t)

	if _, err := f.relay.SendCommand(context.Background(), "nope", 1); !errors.Is(err, entity.ErrUnknownEntity) {
		t.Errorf("unknown entity error = %v", err)
	}
	if _, err := f.relay.SendCommand(context.Background(), "current_temperature", 1); !errors.Is(err, entity.ErrNotCommandable) {
		t.Errorf("read-only error = %v", err)
	}

	f.br.pubErr = bridge.ErrDropped
	if _, err := f.relay.SendCommand(context.Background(), "selected_temperature", 20); !errors.Is(err, bridge.ErrDropped) {
		t.Errorf("dropped error = %v", err)
	}
	if s := f.relay.Stats(); s.Commands != 1 || s.CommandFailures != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.store.records = []entity.Record{
		{EntityID: "current_temperature", Kind: entity.KindNumeric, Value: 20.5, Topic: "t"},
	}

	n, err := f.relay.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Restore() = %d, %v", n, err)
	}

	f.relay.handleEvent(bridge.Event{Kind: bridge.EventMessage, Topic: "t", Payload: []byte(`{"currtemp":20.5}`)})
	if f.store.count() != 0 {
		t.Error("restored value was re-reported")
	}
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.relay.Run(ctx)
		close(done)
	}()

	f.br.events <- bridge.Event{Kind: bridge.EventMessage, Topic: "t", Payload: []byte(`{"currtemp":18}`)}

	deadline := time.Now().Add(2 * time.Second)
	for f.store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.store.count() != 1 {
		t.Errorf("saved = %d, want 1", f.store.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RequiresBridge(t *testing.T) {
	if _, err := New(testDefs(), Options{}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("New() error = %v, want ErrInvalidOptions", err)
	}
	if _, err := New([]entity.Definition{{ID: ""}}, Options{Bridge: newFakeBridge()}); !errors.Is(err, entity.ErrInvalidDefinition) {
		t.Errorf("New() error = %v, want ErrInvalidDefinition", err)
	}
}
