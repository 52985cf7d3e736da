package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/influxdb"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSStats          `json:"websocket"`
	Bridge        *BridgeMetrics   `json:"bridge,omitempty"`
	Heartbeat     *HeartbeatMetric `json:"heartbeat,omitempty"`
	Relay         *RelayMetrics    `json:"relay,omitempty"`
	Entities      EntityMetrics    `json:"entities"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	Export        *influxdb.Stats  `json:"export,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// BridgeMetrics contains MQTT session statistics.
type BridgeMetrics struct {
	State             string `json:"state"`
	ClientID          string `json:"client_id,omitempty"`
	Opens             uint64 `json:"opens"`
	Connects          uint64 `json:"connects"`
	Refusals          uint64 `json:"refusals"`
	Disconnects       uint64 `json:"disconnects"`
	MessagesIn        uint64 `json:"messages_in"`
	PublishesOut      uint64 `json:"publishes_out"`
	PublishesDropped  uint64 `json:"publishes_dropped"`
	EventsDropped     uint64 `json:"events_dropped"`
	LastConnectedUnix int64  `json:"last_connected_unix,omitempty"`
}

// HeartbeatMetric contains reconnect driver statistics.
type HeartbeatMetric struct {
	Ticks        uint64 `json:"ticks"`
	Opens        uint64 `json:"opens"`
	OpenFailures uint64 `json:"open_failures"`
	Pings        uint64 `json:"pings"`
	PingFailures uint64 `json:"ping_failures"`
	StaleForced  uint64 `json:"stale_forced"`
}

// RelayMetrics contains message and command statistics.
type RelayMetrics struct {
	Messages        uint64 `json:"messages"`
	Updates         uint64 `json:"updates"`
	Unmatched       uint64 `json:"unmatched"`
	SaveFailures    uint64 `json:"save_failures"`
	Commands        uint64 `json:"commands"`
	CommandFailures uint64 `json:"command_failures"`
}

// EntityMetrics contains entity model statistics.
type EntityMetrics struct {
	Total   int `json:"total"`
	Valued  int `json:"valued"`
	Dirty   int `json:"dirty"`
	Command int `json:"commandable"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}
	if s.hub != nil {
		metrics.WebSocket = s.hub.Stats()
	}

	if s.bridge != nil {
		st := s.bridge.Stats()
		metrics.Bridge = &BridgeMetrics{
			State:             st.State.String(),
			ClientID:          st.ClientID,
			Opens:             st.Opens,
			Connects:          st.Connects,
			Refusals:          st.Refusals,
			Disconnects:       st.Disconnects,
			MessagesIn:        st.MessagesIn,
			PublishesOut:      st.PublishesOut,
			PublishesDropped:  st.PublishesDropped,
			EventsDropped:     st.EventsDropped,
			LastConnectedUnix: st.LastConnectedUnix,
		}
	}

	if s.heartbeat != nil {
		st := s.heartbeat.Stats()
		metrics.Heartbeat = &HeartbeatMetric{
			Ticks:        st.Ticks,
			Opens:        st.Opens,
			OpenFailures: st.OpenFailures,
			Pings:        st.Pings,
			PingFailures: st.PingFailures,
			StaleForced:  st.StaleForced,
		}
	}

	if s.commands != nil {
		st := s.commands.Stats()
		metrics.Relay = &RelayMetrics{
			Messages:        st.Messages,
			Updates:         st.Updates,
			Unmatched:       st.Unmatched,
			SaveFailures:    st.SaveFailures,
			Commands:        st.Commands,
			CommandFailures: st.CommandFailures,
		}
	}

	for _, e := range s.entities.Snapshot() {
		metrics.Entities.Total++
		if e.Value != nil {
			metrics.Entities.Valued++
		}
		if e.Dirty {
			metrics.Entities.Dirty++
		}
		if e.Commandable {
			metrics.Entities.Command++
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if s.export != nil {
		st := s.export.Stats()
		metrics.Export = &st
	}

	writeJSON(w, http.StatusOK, metrics)
}
