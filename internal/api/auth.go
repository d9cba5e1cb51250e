package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nerrad567/maxcul-core/internal/auth"
)

// tokenRequest is the request body for POST /api/auth/token.
type tokenRequest struct {
	APIKey string `json:"api_key"`
	Actor  string `json:"actor,omitempty"`
}

// tokenResponse is the response body for POST /api/auth/token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleToken exchanges the configured API key for a short-lived JWT.
// The optional actor field names the caller in audit records; it
// defaults to "api".
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if s.secCfg.APIKey.Key == "" {
		writeUnauthorized(w, "token exchange disabled: no api key configured")
		return
	}
	if !auth.VerifyAPIKey(req.APIKey, s.secCfg.APIKey.Key) {
		s.logger.Warn("token exchange with bad api key", "remote", r.RemoteAddr)
		writeUnauthorized(w, "invalid api key")
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	ttl := time.Duration(s.secCfg.JWT.AccessTokenTTL) * time.Minute
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	signed, err := auth.GenerateAccessToken(actor, s.gatewayID, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
	})
}
