package httpapi

import (
	"net/http"
	"strings"
	"time"

	"gatekit.org/internal/audit"
	"gatekit.org/internal/auth"
	"gatekit.org/internal/obs"
)

type tokenRequest struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

// handleIssueToken mints a token for the subject and roles named in the
// request body. It performs no identity verification itself, so deployments
// must place it behind an authenticating gateway or an upstream login step
// that has already established who the caller is.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.facade.RateLimited("token_issue:" + clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}

	token, err := a.facade.Tokens().Issue(user, req.Roles, a.tokenTTL)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	expiresAt := time.Unix(token.Claims.ExpiresAt, 0).UTC()
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"roles":      token.Claims.Roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token.Raw,
		ExpiresAt: expiresAt,
	})
}

func (a *API) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.facade.RateLimited("token_refresh:" + clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	token, err := a.facade.Tokens().Refresh(req.Token)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	expiresAt := time.Unix(token.Claims.ExpiresAt, 0).UTC()
	_ = audit.LogEvent(r.Context(), "auth.token.refreshed", map[string]any{
		"user":       token.Claims.Subject,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token.Raw,
		ExpiresAt: expiresAt,
	})
}

type sessionCreateRequest struct {
	UserID   string            `json:"user_id"`
	UserData map[string]string `json:"user_data"`
}

type sessionCreateResponse struct {
	SessionID string       `json:"session_id"`
	CSRF      csrfResponse `json:"csrf"`
}

type csrfResponse struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionSummary struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createSession(w, r)
	case http.MethodGet:
		a.listSessions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	if a.facade.Sessions() == nil {
		writeError(w, r, http.StatusNotImplemented, "session store not configured")
		return
	}
	if a.facade.RateLimited("login:" + clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sessionCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	sessionID, err := a.facade.Sessions().Create(r.Context(), userID, req.UserData)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	csrfToken, err := a.facade.CSRF().IssueToken(sessionID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	obs.SessionOpened()
	_ = audit.LogEvent(r.Context(), "auth.session.created", map[string]any{
		"user_id": userID,
	})

	writeJSON(w, http.StatusCreated, sessionCreateResponse{
		SessionID: sessionID,
		CSRF:      csrfResponse{Value: csrfToken.Value, ExpiresAt: csrfToken.ExpiresAt},
	})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if a.facade.Sessions() == nil {
		writeError(w, r, http.StatusNotImplemented, "session store not configured")
		return
	}
	views, err := a.facade.Sessions().ListActive(r.Context(), principal.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	out := make([]sessionSummary, 0, len(views))
	for _, v := range views {
		out = append(out, sessionSummary{
			ID:             v.ID,
			CreatedAt:      v.CreatedAt,
			LastActivityAt: v.LastActivityAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleCurrentSession destroys the caller's own session on DELETE.
func (a *API) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.SessionID == "" {
		writeError(w, r, http.StatusUnauthorized, "session authentication required")
		return
	}
	if !a.guardMutation(w, r) {
		return
	}
	destroyed, err := a.facade.Sessions().Destroy(r.Context(), principal.SessionID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.facade.CSRF().Revoke(principal.SessionID)
	if destroyed {
		obs.SessionClosed()
	}
	_ = audit.LogEvent(r.Context(), "auth.session.destroyed", map[string]any{
		"destroyed": destroyed,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleCSRF issues an anti-forgery token scoped to the caller.
func (a *API) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	token, err := a.facade.IssueCSRF(principal)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, csrfResponse{Value: token.Value, ExpiresAt: token.ExpiresAt})
}
