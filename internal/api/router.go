package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-mqttsync/internal/bridge"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", s.handleListEntities)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetEntity)
				r.Get("/history", s.handleGetEntityHistory)
				r.Post("/command", s.handleEntityCommand)
			})
		})
	})

	r.Get(s.wsCfg.Path, s.handleWebSocket)

	return r
}

// handleHealth reports the server and its dependencies. The status is
// "degraded" while the broker session is down or the database fails its
// ping; the endpoint itself still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	resp := map[string]any{
		"version":  s.version,
		"entities": len(s.entities.Snapshot()),
	}

	if s.bridge != nil {
		st := s.bridge.Stats()
		resp["bridge"] = st.State.String()
		if st.State != bridge.StateConnected {
			status = "degraded"
		}
	}

	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			resp["database"] = err.Error()
			status = "degraded"
		} else {
			resp["database"] = "ok"
		}
	}

	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}
