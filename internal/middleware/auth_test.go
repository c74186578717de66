package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedeep/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	authenticator := auth.NewAuthenticator(auth.Options{Enabled: true, Username: "ops", Password: "pw", JWTSecret: "k"})
	token, _, err := authenticator.Authenticate("ops", "pw")
	require.NoError(t, err)

	var seen *auth.Claims
	handler := AuthMiddleware(authenticator, "/", "/health", "/api/v1/auth/")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		method   string
		target   string
		header   string
		want     int
		wantUser bool
	}{
		{name: "bearer token", target: "/api/v1/cameras", header: "Bearer " + token, want: http.StatusOK, wantUser: true},
		{name: "query token", target: "/ws/camera/x?token=" + token, want: http.StatusOK, wantUser: true},
		{name: "missing", target: "/api/v1/cameras", want: http.StatusUnauthorized},
		{name: "bad format", target: "/api/v1/cameras", header: "Token " + token, want: http.StatusUnauthorized},
		{name: "bad token", target: "/api/v1/cameras", header: "Bearer garbage", want: http.StatusUnauthorized},
		{name: "public exact", target: "/health", want: http.StatusOK},
		{name: "public prefix", target: "/api/v1/auth/login", want: http.StatusOK},
		{name: "public root", target: "/", want: http.StatusOK},
		{name: "root is not a prefix", target: "/video/preview/x", want: http.StatusUnauthorized},
		{name: "preflight", method: http.MethodOptions, target: "/api/v1/cameras/x/stream", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			r := httptest.NewRequest(method, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.want, w.Code)
			if tt.wantUser {
				require.NotNil(t, seen)
				assert.Equal(t, "ops", seen.Username)
			}
			if w.Code == http.StatusUnauthorized {
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	t.Parallel()
	authenticator := auth.NewAuthenticator(auth.Options{})
	handler := AuthMiddleware(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestOptionalAuth(t *testing.T) {
	t.Parallel()
	authenticator := auth.NewAuthenticator(auth.Options{Enabled: true, Username: "ops", Password: "pw", JWTSecret: "k"})
	token, _, err := authenticator.Authenticate("ops", "pw")
	require.NoError(t, err)

	var claims *auth.Claims
	handler := OptionalAuth(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = GetUserFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/auth/status", nil))
	assert.Nil(t, claims)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), r)
	require.NotNil(t, claims)
	assert.Equal(t, "ops", claims.Username)

	_, err = RequireAuth(r.Context())
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
