package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nerrad567/maxcul-core/internal/audit"
)

// maxPairingDuration caps operator-requested pairing windows.
const maxPairingDuration = time.Hour

// enablePairingRequest is the body for POST /api/pairing.
type enablePairingRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

// pairingStatus describes the pairing window.
type pairingStatus struct {
	Open  bool       `json:"open"`
	Until *time.Time `json:"until,omitempty"`
}

// handleGetPairing reports whether the pairing window is open.
func (s *Server) handleGetPairing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pairingStatus())
}

// handleEnablePairing opens the pairing window. A zero duration takes
// the configured default.
func (s *Server) handleEnablePairing(w http.ResponseWriter, r *http.Request) {
	var req enablePairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DurationSeconds < 0 {
		writeBadRequest(w, "duration_seconds must not be negative")
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration > maxPairingDuration {
		writeBadRequest(w, "duration_seconds exceeds one hour")
		return
	}
	if duration == 0 {
		duration = s.pairDflt
	}

	until := s.driver.EnablePairing(duration)
	s.record(r.Context(), audit.ActionPairingEnabled, "", map[string]any{
		"until": until,
	})

	writeJSON(w, http.StatusOK, pairingStatus{Open: true, Until: &until})
}

func (s *Server) pairingStatus() pairingStatus {
	until, open := s.driver.PairingWindow()
	status := pairingStatus{Open: open}
	if open {
		status.Until = &until
	}
	return status
}
