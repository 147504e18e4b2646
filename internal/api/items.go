package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// maxBodySize bounds uploads. Documents travel inline as base64, so the
	// cap is sized for large PDFs plus encoding overhead.
	maxBodySize = 128 << 20
)

// createItemRequest is the JSON body for POST /v1/items. Data is base64 on
// the wire, decoded by encoding/json into raw bytes.
type createItemRequest struct {
	Operation string         `json:"operation" validate:"required,oneof=compress protect unlock merge split render"`
	Filename  string         `json:"filename" validate:"required,max=255"`
	Data      []byte         `json:"data" validate:"required"`
	Params    model.OpParams `json:"params"`
}

// listItemsResponse wraps the paginated list response.
type listItemsResponse struct {
	Items  []*model.Item `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := req.Params.Validate(req.Operation); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid params: "+err.Error())
		return
	}

	it := &model.Item{
		ID:           model.NewID(),
		Operation:    req.Operation,
		Filename:     req.Filename,
		Status:       model.StatusPending,
		Payload:      req.Data,
		Params:       req.Params,
		OriginalSize: int64(len(req.Data)),
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateItem(r.Context(), it); err != nil {
		s.logger.Error("create item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create item")
		return
	}

	s.writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	it, err := s.store.GetItem(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.logger.Error("get item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get item")
		return
	}

	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := s.store.ListItems(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list items", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}

	if items == nil {
		items = []*model.Item{}
	}

	s.writeJSON(w, http.StatusOK, listItemsResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteItem(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "item not found")
			return
		}
		s.logger.Error("delete item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete item")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.processor.Retry(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "item not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			s.writeError(w, http.StatusConflict, "only errored items can be retried")
			return
		}
		s.logger.Error("retry item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retry item")
		return
	}

	it, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		s.logger.Error("get retried item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve item")
		return
	}

	s.writeJSON(w, http.StatusOK, it)
}

// outputResponse is one result blob, base64 in JSON.
type outputResponse struct {
	Seq  int    `json:"seq"`
	Data []byte `json:"data"`
}

func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetItem(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "item not found")
			return
		}
		s.logger.Error("get item for outputs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get item")
		return
	}

	outputs, err := s.store.GetOutputs(r.Context(), id)
	if err != nil {
		s.logger.Error("get outputs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get outputs")
		return
	}

	resp := make([]outputResponse, len(outputs))
	for i, out := range outputs {
		resp[i] = outputResponse{Seq: out.Seq, Data: out.Data}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "outputs": resp})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
