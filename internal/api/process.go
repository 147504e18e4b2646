package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/smashpdf/smash/internal/queue"
)

// processRequest is the JSON body for POST /v1/process.
type processRequest struct {
	Operation string `json:"operation" validate:"required,oneof=compress protect unlock merge split render"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if err := s.processor.Process(req.Operation); err != nil {
		if errors.Is(err, queue.ErrBusy) {
			s.writeError(w, http.StatusConflict, "a batch is already running")
			return
		}
		s.logger.Error("start batch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "started",
		"operation": req.Operation,
	})
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByOperation      map[string]int `json:"by_operation"`
	TotalInputBytes  int64          `json:"total_input_bytes"`
	TotalOutputBytes int64          `json:"total_output_bytes"`
	Processing       bool           `json:"processing"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetItemStats(r.Context())
	if err != nil {
		s.logger.Error("get item stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByOperation:      stats.CountByOperation,
		TotalInputBytes:  stats.TotalInputBytes,
		TotalOutputBytes: stats.TotalOutputBytes,
		Processing:       s.processor.Running(),
	})
}
