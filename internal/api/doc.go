// Package api implements the HTTP REST API and WebSocket server for
// the MAX! gateway.
//
// This package provides:
//   - REST endpoints for device snapshots, setpoint commands, pairing,
//     state history and the audit trail
//   - WebSocket hub streaming decoded radio updates in real time
//   - API-key-to-JWT authentication (see internal/auth)
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support for production deployments
//
// # Architecture
//
// The server sits between HTTP callers (home-automation hosts, admin
// tooling, curl) and the radio driver facade. Commands run through the
// Driver interface and block until the radio acks or fails; radio
// errors map onto HTTP status codes in errors.go. Decoded updates flow
// the other way via a bus subscription that the hub broadcasts to
// connected WebSocket clients.
//
// # Security
//
// POST /api/auth/token exchanges the configured API key for a
// short-lived HS256 JWT; every other /api route requires the token as
// a Bearer header (or token query parameter for WebSocket upgrades).
// GET /healthz is unauthenticated for load balancers and systemd
// watchdogs.
package api
