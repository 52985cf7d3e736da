// mqttsync keeps a local model of MQTT-published device state in sync with
// the broker and publishes commands back to the devices.
//
// It subscribes to the configured topics, maps JSON payloads onto a fixed
// table of entities, persists changes to SQLite, optionally exports them
// to InfluxDB, and serves them over a REST and WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-mqttsync/internal/api"
	"github.com/nerrad567/gray-logic-mqttsync/internal/bridge"
	"github.com/nerrad567/gray-logic-mqttsync/internal/entity"
	"github.com/nerrad567/gray-logic-mqttsync/internal/heartbeat"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mqttsync/internal/relay"
	"github.com/nerrad567/gray-logic-mqttsync/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, blocks until ctx is cancelled, then shuts
// down in reverse order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting mqttsync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version).ForSite(cfg.Site.ID)
	log.Info("configuration loaded", "path", configPath, "broker", cfg.Broker.String())

	defs, err := entity.FromConfig(cfg.Entities)
	if err != nil {
		return fmt.Errorf("building entity table: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", db.Path())

	store := entity.NewSQLiteStore(db.DB)

	var (
		exporter     relay.Exporter
		exportStatus api.ExportStatus
	)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB export disabled")
	case err != nil:
		log.Warn("InfluxDB unavailable, continuing without export", "url", cfg.InfluxDB.URL, "error", err)
	default:
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		exporter, exportStatus = influxClient, influxClient
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	client, err := bridge.NewClient(bridge.Options{
		Address:        cfg.Broker.Address(),
		ClientIDPrefix: cfg.Broker.ClientIDPrefix,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		KeepAlive:      cfg.GetKeepAlive(),
		ConnectTimeout: cfg.GetConnectTimeout(),
		Subscriptions:  cfg.Subscriptions,
		StatusTopic:    cfg.Broker.StatusTopic,
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge client: %w", err)
	}
	defer func() {
		log.Info("closing broker session")
		if closeErr := client.Close(); closeErr != nil {
			log.Debug("error closing broker session", "error", closeErr)
		}
	}()

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	rl, err := relay.New(defs, relay.Options{
		Bridge:      client,
		Store:       store,
		Exporter:    exporter,
		Broadcaster: hub,
		Logger:      log.Component("relay"),
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	if _, restoreErr := rl.Restore(ctx); restoreErr != nil {
		log.Warn("entity restore failed, starting empty", "error", restoreErr)
	}

	mon, err := heartbeat.New(heartbeat.Options{
		Bridge:        client,
		Interval:      cfg.GetHeartbeatInterval(),
		StaleAckTicks: cfg.Heartbeat.StaleAckTicks,
		Logger:        log.Component("heartbeat"),
	})
	if err != nil {
		return fmt.Errorf("creating heartbeat: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		hub.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		rl.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		pruneHistory(runCtx, store, cfg.GetHistoryRetention(), log)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	mon.Start(runCtx)
	defer mon.Stop()

	if cfg.API.Enabled {
		srv, srvErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Logger:    log.Component("api"),
			Entities:  rl.Synchronizer(),
			History:   store,
			Commands:  rl,
			Bridge:    client,
			Heartbeat: mon,
			DB:        db,
			Export:    exportStatus,
			Hub:       hub,
			Version:   version,
		})
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(runCtx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"entities", len(defs),
		"subscriptions", len(cfg.Subscriptions),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, heartbeat, background loops,
	// broker session, InfluxDB, database.
	return nil
}

// historyPruneInterval is how often old history rows are removed.
const historyPruneInterval = time.Hour

// historyPruner is the part of the entity store used for retention.
type historyPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneHistory removes history older than retention once at startup and
// then every historyPruneInterval until ctx is cancelled. A zero
// retention disables pruning.
func pruneHistory(ctx context.Context, store historyPruner, retention time.Duration, log *logging.Logger) {
	if retention <= 0 {
		return
	}

	prune := func() {
		n, err := store.PruneHistory(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("history prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			log.Info("pruned entity history", "rows", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses MQTTSYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MQTTSYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
