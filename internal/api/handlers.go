package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/models"
	"github.com/devicelab-server/devicelab-gateway/internal/session"
	"github.com/devicelab-server/devicelab-gateway/internal/storage"
)

// HandleHealth handles health checks
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.registry.List()),
		"time":     time.Now(),
	})
}

// HandleRoot reports server identity
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":    s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// HandleListSessions lists all tracked sessions
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// HandleGetSession returns one session's snapshot
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	udid := chi.URLParam(r, "udid")

	ctrl, err := s.registry.Get(udid)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	s.respondJSON(w, http.StatusOK, ctrl.Info())
}

// HandleStopSession tears a session down
func (s *RESTServer) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	udid := chi.URLParam(r, "udid")

	if err := s.registry.Stop(r.Context(), udid); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Error().Err(err).Str("udid", udid).Msg("failed to stop session")
		s.respondError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HandleUpdateSettings pushes driver backend settings into a session
func (s *RESTServer) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	udid := chi.URLParam(r, "udid")

	ctrl, err := s.registry.Get(udid)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "session not found")
		return
	}

	var settings map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := ctrl.UpdateSettings(r.Context(), settings); err != nil {
		s.respondError(w, http.StatusConflict, session.OperatorMessage(err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListEvents lists session event logs
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit == 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	filters := storage.EventLogFilters{
		UDID: q.Get("udid"),
	}
	if v := q.Get("type"); v != "" {
		t := models.EventType(v)
		filters.Type = &t
	}
	if v := q.Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.StartTime = &t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.EndTime = &t
		}
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("failed to list event logs")
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// respondJSON writes a JSON response
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// respondError writes a JSON error response
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
