package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/engine"
)

const maxLiveBody = 1 << 20

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.verifier.Status())
}

// handleHistory returns retained cycle results, newest first. ?limit=n
// truncates the list.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist := s.verifier.History()
	out := make([]domain.VerificationResult, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(out) {
			out = out[:n]
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.verifier.SourceHealth())
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLiveBody))
	if err := dec.Decode(&ev); err != nil {
		s.metrics.LiveEvents.WithLabelValues("http", "invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid event body: "+err.Error())
		return
	}

	res, err := s.verifier.VerifyRealtime(r.Context(), ev)
	s.metrics.LiveEvents.WithLabelValues("http", engine.LiveOutcome(res, err)).Inc()
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Warn("live verification failed", "event_id", ev.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
