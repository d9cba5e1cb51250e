package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/maxcul-core/internal/audit"
)

// record appends a command to the audit trail with origin "api".
// Best-effort: a failed write is logged, never surfaced to the caller.
func (s *Server) record(ctx context.Context, action, targetAddr string, details map[string]any) {
	if s.auditLog == nil {
		return
	}

	entry := &audit.Entry{
		Action:     action,
		TargetAddr: targetAddr,
		Actor:      actorFrom(ctx),
		Origin:     audit.OriginAPI,
		Details:    details,
	}

	// Detached context: the audit row should land even when the HTTP
	// request is already cancelled.
	recordCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.auditLog.Record(recordCtx, entry); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

// handleListAudit returns the audit trail, newest first.
//
// Query parameters:
//   - action: filter by action name
//   - target: filter by target device address
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit trail not configured")
		return
	}

	filter := audit.Filter{
		Action:     r.URL.Query().Get("action"),
		TargetAddr: r.URL.Query().Get("target"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	result, err := s.auditLog.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
