package services

import (
	"context"
	"errors"

	"seedeep/internal/auth"
	"seedeep/internal/middleware"
)

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{
		authenticator: authenticator,
	}
}

// Login authenticates a user and returns a JWT token
func (a *AuthImplementation) Login(ctx context.Context, payload *LoginPayload) (*LoginResult, error) {
	token, expiresAt, err := a.authenticator.Authenticate(payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, unauthorized("Invalid username or password")
		}
		if errors.Is(err, auth.ErrAuthDisabled) {
			return nil, unauthorized("Authentication is disabled")
		}
		return nil, unauthorized("%s", err.Error())
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Status returns the current authentication status
func (a *AuthImplementation) Status(ctx context.Context) (*AuthStatusResult, error) {
	enabled := a.authenticator.IsEnabled()
	authenticated := false
	var username *string

	// Check if user is authenticated via middleware
	claims := middleware.GetUserFromContext(ctx)
	if claims != nil {
		authenticated = true
		username = &claims.Username
	}

	return &AuthStatusResult{
		Enabled:       enabled,
		Authenticated: authenticated,
		Username:      username,
	}, nil
}
