package search

import (
	"encoding/json"
	"log/slog"
	"net/http"

	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
	"github.com/yemenstay/property-search-index/pkg/logger"
)

// Handler exposes the searcher over HTTP for the booking backend and for
// operational poking. POST /search with a JSON SearchRequest body.
type Handler struct {
	searcher *Searcher
	logger   *slog.Logger
}

// NewHandler creates the search HTTP handler.
func NewHandler(searcher *Searcher) *Handler {
	return &Handler{
		searcher: searcher,
		logger:   slog.Default().With("component", "search-handler"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "use POST with a JSON request body")
		return
	}
	ctx := r.Context()
	if id := r.Header.Get("X-Request-ID"); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	result, err := h.searcher.Search(ctx, &req)
	if err != nil {
		status := pkgerrors.HTTPStatusCode(err)
		logger.FromContext(ctx).Error("search failed", "error", err, "status", status)
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
