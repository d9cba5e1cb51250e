package auth

import "errors"

var (
	// ErrTokenInvalid is returned when a token fails signature, expiry
	// or claim validation.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrAPIKeyInvalid is returned when the presented API key does not
	// match the configured one.
	ErrAPIKeyInvalid = errors.New("auth: invalid api key")
)
