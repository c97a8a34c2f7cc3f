package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gatekit.org/internal/auth"
)

type apiFixture struct {
	api      *API
	handler  http.Handler
	tokens   *auth.TokenService
	sessions *auth.MemorySessionStore
	csrf     *auth.CSRFGuard
	registry *auth.Registry
}

func newAPIFixture(t *testing.T, mode auth.Mode) *apiFixture {
	t.Helper()

	signer, err := auth.NewHMACSigner([]byte("httpapi-test-key"))
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	tokens, err := auth.NewTokenService(signer)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	sessions, err := auth.NewMemorySessionStore(30 * time.Minute)
	if err != nil {
		t.Fatalf("NewMemorySessionStore: %v", err)
	}
	t.Cleanup(sessions.Close)
	csrf, err := auth.NewCSRFGuard(10 * time.Minute)
	if err != nil {
		t.Fatalf("NewCSRFGuard: %v", err)
	}
	t.Cleanup(csrf.Close)
	registry := auth.NewRegistry()
	if err := registry.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}

	facade, err := auth.NewFacade(auth.FacadeConfig{
		Mode:     mode,
		Tokens:   tokens,
		Sessions: sessions,
		CSRF:     csrf,
		Registry: registry,
	})
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	api := New(facade, ReadyProbe{}, "test", 15*time.Minute, 1000, 1000)
	return &apiFixture{
		api:      api,
		handler:  api.Handler(),
		tokens:   tokens,
		sessions: sessions,
		csrf:     csrf,
		registry: registry,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.9:5555"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthAndInfoEndpoints(t *testing.T) {
	f := newAPIFixture(t, auth.ModeToken)

	rr := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	var health map[string]any
	decodeBody(t, rr, &health)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health body: %v", health)
	}

	rr = f.do(t, http.MethodGet, "/readyz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/v1/info", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("info status = %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/no-such-path", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandlerEnforcesEdgeRateLimit(t *testing.T) {
	f := newAPIFixture(t, auth.ModeToken)
	limited := New(f.api.facade, ReadyProbe{}, "test", 15*time.Minute, 1, 1).Handler()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the edge budget is spent, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// A zero per-second rate leaves the edge limiter out of the chain.
	open := New(f.api.facade, ReadyProbe{}, "test", 15*time.Minute, 0, 0).Handler()
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 with edge limiter disabled, got %d", rec.Code)
		}
	}
}

func TestIssueTokenEndpoint(t *testing.T) {
	f := newAPIFixture(t, auth.ModeToken)

	rr := f.do(t, http.MethodPost, "/v1/auth/token", map[string]any{
		"user":  "u1",
		"roles": []string{"admin"},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("issue status = %d body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	decodeBody(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("expected token in response")
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", resp.ExpiresAt)
	}

	claims, err := f.tokens.Verify(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/token", map[string]any{"roles": []string{"x"}}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing user, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/v1/auth/token", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", rr.Header().Get("Allow"))
	}
}

func TestRefreshTokenEndpoint(t *testing.T) {
	f := newAPIFixture(t, auth.ModeToken)

	token, err := f.tokens.Issue("u1", []string{"viewer"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/v1/auth/refresh", map[string]any{"token": token.Raw}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decodeBody(t, rr, &resp)
	if _, err := f.tokens.Verify(resp.Token); err != nil {
		t.Fatalf("refreshed token does not verify: %v", err)
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", map[string]any{"token": "not.a.token"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestProtectedEndpointsRequireCredentials(t *testing.T) {
	f := newAPIFixture(t, auth.ModeToken)

	rr := f.do(t, http.MethodGet, "/v1/rbac/permissions", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/v1/rbac/permissions", nil, map[string]string{
		"Authorization": "Basic dXNlcjpwYXNz",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/v1/rbac/permissions", nil, map[string]string{
		"Authorization": "Bearer bad.token.sig",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rr.Code)
	}
}

func TestRBACEndpointsWithAdminToken(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, auth.ModeToken)

	if err := f.registry.DefineRole(ctx, "rbac-admin", []string{auth.PermRBACManage}); err != nil {
		t.Fatalf("DefineRole: %v", err)
	}
	admin, err := f.tokens.Issue("admin-user", []string{"rbac-admin"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	authz := map[string]string{"Authorization": "Bearer " + admin.Raw}

	rr := f.do(t, http.MethodPost, "/v1/rbac/permissions", map[string]any{
		"name": "read_reports", "description": "view reports",
	}, authz)
	if rr.Code != http.StatusCreated {
		t.Fatalf("define permission status = %d body = %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/v1/rbac/roles", map[string]any{
		"name": "reader", "permissions": []string{"read_reports"},
	}, authz)
	if rr.Code != http.StatusCreated {
		t.Fatalf("define role status = %d body = %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/v1/rbac/roles", map[string]any{
		"name": "ghost", "permissions": []string{"no_such_perm"},
	}, authz)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown permission, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/v1/rbac/assignments", map[string]any{
		"user_id": "u1", "role": "reader",
	}, authz)
	if rr.Code != http.StatusOK {
		t.Fatalf("assign status = %d body = %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/v1/rbac/users/u1/permissions", nil, authz)
	if rr.Code != http.StatusOK {
		t.Fatalf("user permissions status = %d", rr.Code)
	}
	var perms struct {
		UserID      string   `json:"user_id"`
		Permissions []string `json:"permissions"`
	}
	decodeBody(t, rr, &perms)
	if perms.UserID != "u1" || len(perms.Permissions) != 1 || perms.Permissions[0] != "read_reports" {
		t.Fatalf("unexpected user permissions: %+v", perms)
	}

	rr = f.do(t, http.MethodDelete, "/v1/rbac/assignments", map[string]any{
		"user_id": "u1", "role": "reader",
	}, authz)
	if rr.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/v1/rbac/users/u1/roles", nil, authz)
	if rr.Code != http.StatusOK {
		t.Fatalf("user roles status = %d", rr.Code)
	}
	var roles struct {
		Roles []string `json:"roles"`
	}
	decodeBody(t, rr, &roles)
	if len(roles.Roles) != 0 {
		t.Fatalf("expected no roles after removal, got %v", roles.Roles)
	}
}

func TestRBACEndpointsForbiddenWithoutGrant(t *testing.T) {
	f := newAPIFixture(t, auth.ModeToken)

	plain, err := f.tokens.Issue("plain-user", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rr := f.do(t, http.MethodGet, "/v1/rbac/permissions", nil, map[string]string{
		"Authorization": "Bearer " + plain.Raw,
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without rbac.manage, got %d", rr.Code)
	}
}
