package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gatekit.org/internal/auth"
	"gatekit.org/internal/obs"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	sessionHeader = "X-Session-Id"
	csrfHeader    = "X-CSRF-Token"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		creds, mode, err := extractCredentials(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		if a.facade.RateLimited("ip:" + clientIP(r)) {
			obs.RateLimitRejected()
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		principal, err := a.facade.Authenticate(r.Context(), creds)
		if err != nil {
			obs.ObserveAuthAttempt(mode, outcomeFor(err))
			handleAuthError(w, r, err)
			return
		}
		obs.ObserveAuthAttempt(mode, "ok")

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithCredentials(ctx, creds)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// guardMutation enforces the anti-forgery check on state-changing requests
// from session principals. Token principals carry no ambient credential a
// cross-site request could ride on, so they pass through.
func (a *API) guardMutation(w http.ResponseWriter, r *http.Request) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if principal.SessionID == "" {
		return true
	}
	if err := a.facade.GuardMutation(principal, r.Header.Get(csrfHeader)); err != nil {
		obs.CSRFRejected()
		writeError(w, r, http.StatusForbidden, "csrf validation failed")
		return false
	}
	return true
}

// requirePermission resolves the principal and checks the permission through
// the facade.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !a.facade.Authorize(principal, perm) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func extractCredentials(r *http.Request) (auth.Credentials, string, error) {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		token, err := extractBearerToken(header)
		if err != nil {
			return auth.Credentials{}, "token", err
		}
		return auth.Credentials{BearerToken: token}, "token", nil
	}
	if sid := strings.TrimSpace(r.Header.Get(sessionHeader)); sid != "" {
		return auth.Credentials{SessionID: sid}, "session", nil
	}
	return auth.Credentials{}, "none", errors.New("missing credentials")
}

func extractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicRequest(r *http.Request) bool {
	for _, p := range publicPaths {
		if r.URL.Path == p {
			return true
		}
	}
	// Session creation is the login itself; it cannot require a session.
	if r.URL.Path == "/v1/sessions" && r.Method == http.MethodPost {
		return true
	}
	return false
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "expired"
	case errors.Is(err, auth.ErrStorageUnavailable):
		return "error"
	default:
		return "denied"
	}
}
