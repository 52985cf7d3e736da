package entity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mqttsync/migrations"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "state.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteStore(db.DB)
}

func TestSQLiteStore_SaveAndLoadAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	updates := []Update{
		{EntityID: "current_temperature", Kind: KindNumeric, Value: 21.0, Topic: "ems-esp/thermostat_data1", At: at},
		{EntityID: "current_temperature", Kind: KindNumeric, Value: 21.5, Topic: "ems-esp/thermostat_data1", At: at.Add(time.Second)},
		{EntityID: "mode", Kind: KindString, Value: "auto", Topic: "ems-esp/thermostat_data1", At: at},
	}
	for _, u := range updates {
		if err := store.Save(ctx, u); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	records, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("LoadAll() len = %d, want 2", len(records))
	}

	temp := records[0]
	if temp.EntityID != "current_temperature" || temp.Value != 21.5 || temp.Kind != KindNumeric {
		t.Errorf("temperature record = %+v", temp)
	}
	if !temp.At.Equal(at.Add(time.Second)) {
		t.Errorf("At = %v, want %v", temp.At, at.Add(time.Second))
	}

	mode := records[1]
	if mode.EntityID != "mode" || mode.Value != "auto" || mode.Kind != KindString {
		t.Errorf("mode record = %+v", mode)
	}
}

func TestSQLiteStore_History(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	at := time.Now().UTC()
	for i := 0; i < 5; i++ {
		u := Update{EntityID: "p", Kind: KindNumeric, Value: float64(i), Topic: "t", At: at.Add(time.Duration(i) * time.Second)}
		if err := store.Save(ctx, u); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	history, err := store.History(ctx, "p", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History() len = %d, want 3", len(history))
	}
	if history[0].Value != 4.0 || history[2].Value != 2.0 {
		t.Errorf("History() not newest first: %v, %v", history[0].Value, history[2].Value)
	}

	all, err := store.History(ctx, "p", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(all) != 5 {
		t.Errorf("History(default) len = %d, want 5", len(all))
	}

	none, err := store.History(ctx, "missing", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("History(missing) len = %d, want 0", len(none))
	}

	if _, err := store.History(ctx, "", 10); err == nil {
		t.Error("History(\"\") error = nil")
	}
}

func TestSQLiteStore_SaveRejectsMismatchedValue(t *testing.T) {
	store := newTestStore(t)

	err := store.Save(context.Background(), Update{EntityID: "p", Kind: KindNumeric, Value: "1.0", At: time.Now()})
	if err == nil {
		t.Fatal("Save() error = nil for string value on numeric entity")
	}
}

func TestSQLiteStore_PruneHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.Save(ctx, Update{EntityID: "p", Kind: KindNumeric, Value: 1.0, At: old}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, Update{EntityID: "p", Kind: KindNumeric, Value: 2.0, At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	n, err := store.PruneHistory(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PruneHistory() = %d, want 1", n)
	}
	if _, err := store.PruneHistory(ctx, 0); err == nil {
		t.Error("PruneHistory(0) error = nil")
	}
}

func TestSQLiteStore_RestoresSynchronizer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s1, _ := New(thermostatDefs(), Options{
		Notifier: func(u Update) error { return store.Save(ctx, u) },
	})
	s1.HandleMessage("ems-esp/thermostat_data1", []byte(`{"currtemp":"21.04","seltemp":21.5}`))

	records, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	s2, _ := New(thermostatDefs(), Options{})
	if n := s2.Restore(records); n != 2 {
		t.Errorf("Restore() = %d, want 2", n)
	}
	if e, _ := s2.Get("current_temperature"); e.Value != 21.0 {
		t.Errorf("restored current_temperature = %v, want 21.0", e.Value)
	}
}
