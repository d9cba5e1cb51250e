package api

import (
	"net/http"
	"time"
)

// handleSystemStatus reports gateway-wide health in one place:
// version, uptime, radio link and facade counters, registry totals,
// and the WebSocket client count.
func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	linkStats := s.driver.LinkStats()

	wsClients := 0
	if s.hub != nil {
		wsClients = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"gateway_id":     s.gatewayID,
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"radio": map[string]any{
			"connected":        linkStats.Connected,
			"firmware":         linkStats.Firmware,
			"credit_remaining": linkStats.CreditRemaining,
			"link":             linkStats,
		},
		"driver":     s.driver.Stats(),
		"devices":    s.registry.GetStats(),
		"pairing":    s.pairingStatus(),
		"ws_clients": wsClients,
	})
}
