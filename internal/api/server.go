package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-mqttsync/internal/bridge"
	"github.com/nerrad567/gray-logic-mqttsync/internal/entity"
	"github.com/nerrad567/gray-logic-mqttsync/internal/heartbeat"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mqttsync/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// EntityReader exposes the current entity model.
type EntityReader interface {
	Snapshot() []entity.Entity
	Get(id string) (entity.Entity, bool)
}

// HistoryReader returns recent values of an entity, newest first.
type HistoryReader interface {
	History(ctx context.Context, entityID string, limit int) ([]entity.Record, error)
}

// Commander publishes entity commands.
type Commander interface {
	SendCommand(ctx context.Context, id string, value any) (relay.CommandResult, error)
	Stats() relay.Stats
}

// BridgeStatus reports the MQTT session.
type BridgeStatus interface {
	Stats() bridge.Stats
}

// HeartbeatStatus reports the reconnect driver.
type HeartbeatStatus interface {
	Stats() heartbeat.Stats
}

// Database is the part of the state store the health and metrics
// endpoints inspect.
type Database interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// ExportStatus reports the time-series exporter.
type ExportStatus interface {
	Stats() influxdb.Stats
}

// Deps holds the dependencies required by the API server. Entities and
// Logger are required; the rest degrade individual endpoints when nil.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Entities  EntityReader
	History   HistoryReader
	Commands  Commander
	Bridge    BridgeStatus
	Heartbeat HeartbeatStatus
	DB        Database
	Export    ExportStatus
	Hub       *Hub // If set, the server uses this hub instead of creating its own
	Version   string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	entities    EntityReader
	history     HistoryReader
	commands    Commander
	bridge      BridgeStatus
	heartbeat   HeartbeatStatus
	db          Database
	export      ExportStatus
	version     string
	startTime   time.Time
	server      *http.Server
	listener    net.Listener
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Entities == nil {
		return nil, fmt.Errorf("entity reader is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		entities:  deps.Entities,
		history:   deps.History,
		commands:  deps.Commands,
		bridge:    deps.Bridge,
		heartbeat: deps.Heartbeat,
		db:        deps.DB,
		export:    deps.Export,
		version:   deps.Version,
		startTime: time.Now(),
	}
	if s.wsCfg.Path == "" {
		s.wsCfg.Path = "/ws"
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	}

	return s, nil
}

// Start binds the listener and serves HTTP in a background goroutine.
// The server can be stopped with Close().
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
