package collector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

// handleIngest handles POST /jarvis/events. 201 on first receipt, 200 for a
// repeated idempotency key, 4xx for anything that will never be accepted.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.CollectorEvent("rejected")
			s.writeError(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ev, err := protocol.DecodeEvent(body)
	if err != nil {
		s.metrics.CollectorEvent("rejected")
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id, created, err := s.store.Insert(r.Context(), ev, body)
	if err != nil {
		s.logger.Error("failed to store event", "error", err, "idempotency_key", ev.IdempotencyKey)
		s.writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	resp := protocol.CollectorResponse{Status: protocol.CollectorDuplicate, EventID: id}
	status := http.StatusOK
	if created {
		resp.Status = protocol.CollectorCreated
		status = http.StatusCreated
		s.events.Publish(events.CollectorReceived, map[string]any{
			"event_id":   id,
			"event_type": ev.EventType,
			"task_id":    ev.TaskID,
			"actor_id":   ev.ActorID,
			"summary":    ev.Summary,
		})
	}
	s.metrics.CollectorEvent(resp.Status)
	respondJSON(w, status, resp)
}

// handleList handles GET /jarvis/events?task_id=&limit=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.store.List(r.Context(), r.URL.Query().Get("task_id"), limit)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if recs == nil {
		recs = []Record{}
	}
	respondJSON(w, http.StatusOK, ListResponse{Events: recs})
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		s.logger.Error("failed to count events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count events")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		EventsStored:  n,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
