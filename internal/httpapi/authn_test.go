package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"gatekit.org/internal/auth"
)

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, auth.ModeSession)

	// Login is public; it returns the session id and a bound CSRF token.
	rr := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"user_id":   "alice",
		"user_data": map[string]string{"device": "cli"},
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session status = %d body = %s", rr.Code, rr.Body.String())
	}
	var created struct {
		SessionID string `json:"session_id"`
		CSRF      struct {
			Value string `json:"value"`
		} `json:"csrf"`
	}
	decodeBody(t, rr, &created)
	if created.SessionID == "" || created.CSRF.Value == "" {
		t.Fatalf("incomplete create response: %+v", created)
	}

	withSession := map[string]string{sessionHeader: created.SessionID}

	rr = f.do(t, http.MethodGet, "/v1/sessions", nil, withSession)
	if rr.Code != http.StatusOK {
		t.Fatalf("list sessions status = %d body = %s", rr.Code, rr.Body.String())
	}
	var listed struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	decodeBody(t, rr, &listed)
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != created.SessionID {
		t.Fatalf("unexpected session list: %+v", listed)
	}

	// Logout is a mutation: it needs the CSRF token issued at login.
	rr = f.do(t, http.MethodDelete, "/v1/sessions/current", nil, withSession)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodDelete, "/v1/sessions/current", nil, map[string]string{
		sessionHeader: created.SessionID,
		csrfHeader:    created.CSRF.Value,
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d body = %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/v1/sessions", nil, withSession)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestCSRFEndpointReissues(t *testing.T) {
	f := newAPIFixture(t, auth.ModeSession)

	rr := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "bob"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session status = %d", rr.Code)
	}
	var created struct {
		SessionID string `json:"session_id"`
		CSRF      struct {
			Value string `json:"value"`
		} `json:"csrf"`
	}
	decodeBody(t, rr, &created)

	rr = f.do(t, http.MethodGet, "/v1/csrf", nil, map[string]string{sessionHeader: created.SessionID})
	if rr.Code != http.StatusOK {
		t.Fatalf("csrf status = %d body = %s", rr.Code, rr.Body.String())
	}
	var reissued struct {
		Value string `json:"value"`
	}
	decodeBody(t, rr, &reissued)
	if reissued.Value == "" || reissued.Value == created.CSRF.Value {
		t.Fatalf("expected a fresh csrf value, got %q", reissued.Value)
	}

	// Re-issuance supersedes the login token for the scope.
	rr = f.do(t, http.MethodDelete, "/v1/sessions/current", nil, map[string]string{
		sessionHeader: created.SessionID,
		csrfHeader:    created.CSRF.Value,
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected superseded token to fail, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodDelete, "/v1/sessions/current", nil, map[string]string{
		sessionHeader: created.SessionID,
		csrfHeader:    reissued.Value,
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout with fresh token status = %d", rr.Code)
	}
}

func TestSessionModeRejectsUnknownSession(t *testing.T) {
	f := newAPIFixture(t, auth.ModeSession)

	rr := f.do(t, http.MethodGet, "/v1/sessions", nil, map[string]string{sessionHeader: "no-such-session"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown session, got %d", rr.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, err := extractBearerToken("Bearer abc.def.ghi")
	if err != nil || token != "abc.def.ghi" {
		t.Fatalf("extractBearerToken = %q, %v", token, err)
	}
	if _, err := extractBearerToken("bearer lower.case.ok"); err != nil {
		t.Fatalf("expected case-insensitive scheme, got %v", err)
	}
	if _, err := extractBearerToken("Basic dXNlcg=="); err == nil {
		t.Fatal("expected error for non-bearer scheme")
	}
	if _, err := extractBearerToken("Bearer "); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestIsPublicRequest(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/healthz", true},
		{http.MethodGet, "/metrics", true},
		{http.MethodPost, "/v1/auth/token", true},
		{http.MethodPost, "/v1/sessions", true},
		{http.MethodGet, "/v1/sessions", false},
		{http.MethodGet, "/v1/rbac/permissions", false},
		{http.MethodDelete, "/v1/sessions/current", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, tc.path, nil)
		if got := isPublicRequest(r); got != tc.want {
			t.Fatalf("isPublicRequest(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestOutcomeFor(t *testing.T) {
	if got := outcomeFor(auth.ErrExpired); got != "expired" {
		t.Fatalf("outcomeFor(ErrExpired) = %q", got)
	}
	if got := outcomeFor(auth.ErrStorageUnavailable); got != "error" {
		t.Fatalf("outcomeFor(ErrStorageUnavailable) = %q", got)
	}
	if got := outcomeFor(auth.ErrInvalidSignature); got != "denied" {
		t.Fatalf("outcomeFor(ErrInvalidSignature) = %q", got)
	}
}
