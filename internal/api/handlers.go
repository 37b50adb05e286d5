package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"offlinequeue/internal/models"
	"offlinequeue/internal/offline"
)

const maxBodyBytes = 1 << 20

type enqueueRequest struct {
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Filters models.Filters  `json:"filters,omitempty"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	count, err := s.svc.GetPendingCount(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"online":  s.svc.Online(),
		"pending": count,
	})
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listOperations(w, r)
	case http.MethodPost:
		s.enqueueOperation(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) listOperations(w http.ResponseWriter, r *http.Request) {
	var (
		ops []models.QueuedOperation
		err error
	)
	if target := strings.TrimSpace(r.URL.Query().Get("target")); target != "" {
		ops, err = s.svc.ListPendingByTarget(r.Context(), target)
	} else {
		ops, err = s.svc.ListPendingOperations(r.Context())
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("list operations failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

func (s *HTTPServer) enqueueOperation(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opType, err := models.ParseOperationType(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.svc.EnqueueOperation(r.Context(), opType, body.Target, body.Payload, body.Filters)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *HTTPServer) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	count, err := s.svc.GetPendingCount(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": count})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	queued := s.svc.RequestSync(offline.ReasonManual)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued": queued,
		"online": s.svc.Online(),
	})
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.conn == nil {
		writeError(w, http.StatusNotImplemented, "connectivity is managed by another source")
		return
	}

	var body connectivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, `body must be {"online": true|false}`)
		return
	}

	s.conn.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *body.Online})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
