package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mqttsync/internal/bridge"
	"github.com/nerrad567/gray-logic-mqttsync/internal/entity"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxQueryParamLen    = 100
)

// CommandRequest is the body of POST /entities/{id}/command.
type CommandRequest struct {
	Value any `json:"value"`
}

// handleListEntities returns every entity in registration order.
func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	entities := s.entities.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": entities,
		"count":    len(entities),
	})
}

// handleGetEntity returns one entity.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEntity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleGetEntityHistory returns stored values of an entity, newest first.
func (s *Server) handleGetEntityHistory(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEntity(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	if s.history == nil {
		writeServiceUnavailable(w, "entity history unavailable")
		return
	}

	records, err := s.history.History(r.Context(), e.ID, limit)
	if err != nil {
		s.logger.Error("loading entity history failed", "entity_id", e.ID, "error", err)
		writeInternalError(w, "failed to load entity history")
		return
	}

	if !since.IsZero() {
		filtered := records[:0]
		for _, rec := range records {
			if rec.At.After(since) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []entity.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": e.ID,
		"history":   records,
		"count":     len(records),
	})
}

// handleEntityCommand publishes a command for a commandable entity.
func (s *Server) handleEntityCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid entity ID")
		return
	}

	req, err := decodeCommandRequest(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if s.commands == nil {
		writeServiceUnavailable(w, "commands unavailable")
		return
	}

	res, err := s.commands.SendCommand(r.Context(), id, req.Value)
	switch {
	case err == nil:
		s.logger.Info("command accepted", "entity_id", id, "command_id", res.ID, "request_id", requestID(r.Context()))
		writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, entity.ErrUnknownEntity):
		writeNotFound(w, "entity not found")
	case errors.Is(err, entity.ErrNotCommandable):
		writeConflict(w, "entity does not accept commands")
	case errors.Is(err, entity.ErrInvalidValue):
		writeBadRequest(w, err.Error())
	case errors.Is(err, bridge.ErrDropped):
		writeServiceUnavailable(w, "broker not connected, command dropped")
	default:
		s.logger.Error("command failed", "entity_id", id, "command_id", res.ID, "request_id", requestID(r.Context()), "error", err)
		writeInternalError(w, "failed to publish command")
	}
}

func (s *Server) lookupEntity(w http.ResponseWriter, r *http.Request) (entity.Entity, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid entity ID")
		return entity.Entity{}, false
	}
	e, ok := s.entities.Get(id)
	if !ok {
		writeNotFound(w, "entity not found")
		return entity.Entity{}, false
	}
	return e, true
}

// decodeCommandRequest keeps numbers as json.Number so the entity's
// converter sees the exact literal.
func decodeCommandRequest(r *http.Request) (CommandRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return CommandRequest{}, fmt.Errorf("invalid JSON body")
	}
	v, ok := raw["value"]
	if !ok {
		return CommandRequest{}, fmt.Errorf("value is required")
	}

	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var req CommandRequest
	if err := dec.Decode(&req.Value); err != nil {
		return CommandRequest{}, fmt.Errorf("invalid value")
	}
	if req.Value == nil {
		return CommandRequest{}, fmt.Errorf("value must not be null")
	}
	return req, nil
}

// parseHistoryLimit parses the limit query parameter with bounds checking.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}

// parseSinceParam parses the since parameter as RFC3339/RFC3339Nano.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
