package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/audit"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/auth"
)

const (
	authHeader     = "Authorization"
	operatorHeader = "X-Operator-Key"
)

type tokenRequest struct {
	IdentityID string `json:"identity_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken mints a bearer token for an identity. Only operators
// holding the deployment key may call it.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil || a.operatorKey == "" {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}
	key := r.Header.Get(operatorHeader)
	if subtle.ConstantTimeCompare([]byte(key), []byte(a.operatorKey)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "invalid operator key")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identityID := strings.TrimSpace(req.IdentityID)
	if identityID == "" {
		writeError(w, r, http.StatusBadRequest, "identity_id is required")
		return
	}

	token, expiresAt, err := a.tokens.Generate(identityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"identity_id": identityID,
		"expires_at":  expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// withAuth verifies bearer tokens and binds the caller identity to the
// request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := auth.BearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.tokens.Verify(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics", "/v1/info", "/v1/auth/token":
		return true
	}
	return false
}

// callerID returns the authenticated identity or writes 401.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
		return "", false
	}
	return id, true
}
