package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/marginwatch/internal/models"
)

// writeJSON writes JSON response with proper error handling
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps NotFound and unknown job errors to 404 and anything else to 500
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownJob):
		status = http.StatusNotFound
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: requestID(r.Context())})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "endpoint not found", RequestID: requestID(r.Context())})
}

func (s *Server) handleMarginClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]
	status, err := s.deps.Margin.EvaluateClient(r.Context(), clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MarginResponse{Success: true, Data: status})
}

// handleMarginAll returns partial results; only failing to enumerate accounts is an error
func (s *Server) handleMarginAll(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Margin.EvaluateAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MarginBatchResponse{
		Success:     true,
		Statuses:    result.Statuses,
		Failures:    result.Failures,
		MarginCalls: result.MarginCalls(),
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, SchedulerStatusResponse{Success: true, Jobs: s.deps.Scheduler.Status()})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scheduler.Trigger(r.Context(), mux.Vars(r)["job"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, TriggerResponse{Success: true, Result: result})
}

func (s *Server) handleToggle(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := mux.Vars(r)["job"]
		var ok bool
		if start {
			ok = s.deps.Scheduler.Start(job)
		} else {
			ok = s.deps.Scheduler.Stop(job)
		}
		if !ok {
			s.writeError(w, r, fmt.Errorf("%w: %s", models.ErrUnknownJob, job))
			return
		}
		s.writeJSON(w, http.StatusOK, ToggleResponse{Success: true, Job: job, Running: start})
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connections == nil {
		s.writeJSON(w, http.StatusOK, ConnectionsResponse{Success: true})
		return
	}
	details := r.URL.Query().Get("details") == "true"
	s.writeJSON(w, http.StatusOK, ConnectionsResponse{Success: true, Stats: s.deps.Connections.Registry().Stats(details)})
}
