package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/maxcul-core/internal/device"
)

// handleDeviceHistory returns recorded state changes for one device,
// newest first.
//
// Query parameters:
//   - since: RFC3339 lower bound (optional)
//   - limit: maximum rows (optional)
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "state history not configured")
		return
	}

	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	if _, err := s.registry.Snapshot(addr); err != nil {
		writeNotFound(w, "device not found")
		return
	}

	query := device.HistoryQuery{Addr: addr}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeBadRequest(w, "since must be RFC3339")
			return
		}
		query.Since = since
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}

	entries, err := s.history.List(r.Context(), query)
	if err != nil {
		s.logger.Error("history list failed", "address", addr.String(), "error", err)
		writeInternalError(w, "failed to list history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.String(),
		"entries": entries,
		"count":   len(entries),
	})
}
