// Package auth identifies the caller of the HTTP API from a bearer token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identifier maps a bearer token to a stable account identifier.
type Identifier interface {
	Identify(token string) (string, error)
}

// NewIdentifier returns the Identifier for cfg.AuthMode. With AuthModeNone it
// returns nil: requests are anonymous.
func NewIdentifier(cfg config.Config) (Identifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeJWT:
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, errors.New("jwt auth requires a secret")
		}
		return NewJWTIdentifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}

// Authenticate resolves the caller of r. A nil Identifier yields "".
func Authenticate(id Identifier, r *http.Request) (string, error) {
	if id == nil {
		return "", nil
	}
	token, err := BearerToken(r)
	if err != nil {
		return "", err
	}
	return id.Identify(token)
}
