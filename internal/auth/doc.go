// Package auth secures the HTTP API with a pre-shared key exchanged
// for short-lived JWTs.
//
// The daemon has no user accounts: a single configured API key is
// compared in constant time and traded for an HS256 access token
// (POST /api/auth/token). Tokens are validated by signature and expiry
// alone, so request handling never touches the database.
package auth
