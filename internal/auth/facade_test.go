package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type facadeFixture struct {
	now      time.Time
	tokens   *TokenService
	sessions *MemorySessionStore
	csrf     *CSRFGuard
	registry *Registry
}

func newFacadeFixture(t *testing.T) *facadeFixture {
	t.Helper()
	f := &facadeFixture{now: time.Unix(1700000000, 0).UTC()}
	clock := func() time.Time { return f.now }

	signer, err := NewHMACSigner([]byte("facade-test-key"))
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	f.tokens, err = NewTokenService(signer, WithTokenClock(clock))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	f.sessions, err = NewMemorySessionStore(30*time.Minute, WithSessionClock(clock))
	if err != nil {
		t.Fatalf("NewMemorySessionStore: %v", err)
	}
	t.Cleanup(f.sessions.Close)
	f.csrf, err = NewCSRFGuard(10*time.Minute, WithCSRFClock(clock))
	if err != nil {
		t.Fatalf("NewCSRFGuard: %v", err)
	}
	f.registry = NewRegistry(WithRegistryClock(clock))
	return f
}

func (f *facadeFixture) facade(t *testing.T, mode Mode, limiter RateLimiter, failClosed bool) *Facade {
	t.Helper()
	facade, err := NewFacade(FacadeConfig{
		Mode:                     mode,
		Tokens:                   f.tokens,
		Sessions:                 f.sessions,
		CSRF:                     f.csrf,
		Registry:                 f.registry,
		Limiter:                  limiter,
		FailClosedOnStorageError: failClosed,
	})
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	return facade
}

func TestFacadeTokenFlow(t *testing.T) {
	ctx := context.Background()
	fx := newFacadeFixture(t)
	facade := fx.facade(t, ModeToken, nil, false)

	if err := fx.registry.DefinePermission(ctx, "admin_panel", ""); err != nil {
		t.Fatalf("DefinePermission: %v", err)
	}
	if err := fx.registry.DefineRole(ctx, "admin", []string{"admin_panel"}); err != nil {
		t.Fatalf("DefineRole: %v", err)
	}

	token, err := fx.tokens.Issue("u1", []string{"admin"}, 60*time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	principal, err := facade.Authenticate(ctx, Credentials{BearerToken: token.Raw})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.UserID != "u1" {
		t.Fatalf("unexpected user: %s", principal.UserID)
	}
	if !principal.HasRole("admin") {
		t.Fatalf("expected admin role, got %v", principal.Roles)
	}
	// Role came embedded in the token, not via a registry assignment; it
	// still grants through the role definition.
	if !facade.Authorize(principal, "admin_panel") {
		t.Fatal("expected admin_panel grant")
	}
	if facade.Authorize(principal, "delete_users") {
		t.Fatal("unexpected delete_users grant")
	}

	fx.now = fx.now.Add(61 * time.Second)
	if _, err := facade.Authenticate(ctx, Credentials{BearerToken: token.Raw}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestFacadeTokenMergesRegistryRoles(t *testing.T) {
	ctx := context.Background()
	fx := newFacadeFixture(t)
	facade := fx.facade(t, ModeToken, nil, false)

	if err := fx.registry.DefinePermission(ctx, "read_reports", ""); err != nil {
		t.Fatalf("DefinePermission: %v", err)
	}
	if err := fx.registry.DefineRole(ctx, "reader", []string{"read_reports"}); err != nil {
		t.Fatalf("DefineRole: %v", err)
	}
	if err := fx.registry.AssignRole(ctx, "u1", "reader"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	token, err := fx.tokens.Issue("u1", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	principal, err := facade.Authenticate(ctx, Credentials{BearerToken: token.Raw})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !principal.HasRole("reader") {
		t.Fatalf("expected registry role merged in, got %v", principal.Roles)
	}
	if !principal.HasPermission("read_reports") {
		t.Fatal("expected read_reports in resolved permissions")
	}
}

func TestFacadeSessionFlow(t *testing.T) {
	ctx := context.Background()
	fx := newFacadeFixture(t)
	facade := fx.facade(t, ModeSession, nil, false)

	if err := fx.registry.DefinePermission(ctx, "read_reports", ""); err != nil {
		t.Fatalf("DefinePermission: %v", err)
	}
	if err := fx.registry.DefineRole(ctx, "reader", []string{"read_reports"}); err != nil {
		t.Fatalf("DefineRole: %v", err)
	}
	if err := fx.registry.AssignRole(ctx, "u2", "reader"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	id, err := fx.sessions.Create(ctx, "u2", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	principal, err := facade.Authenticate(ctx, Credentials{SessionID: id})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.UserID != "u2" || principal.SessionID != id {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if !facade.Authorize(principal, "read_reports") {
		t.Fatal("expected read_reports grant")
	}

	// Authorization is recomputed each call, so a removed role loses its
	// permissions without re-authenticating.
	if err := fx.registry.RemoveRole(ctx, "u2", "reader"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if facade.Authorize(principal, "read_reports") {
		t.Fatal("expected grant gone after role removal")
	}

	if _, err := facade.Authenticate(ctx, Credentials{SessionID: ""}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty session id, got %v", err)
	}
	// A bearer token is ignored in session mode.
	if _, err := facade.Authenticate(ctx, Credentials{BearerToken: "x.y.z"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when only a token is supplied, got %v", err)
	}
}

func TestFacadeGuardMutation(t *testing.T) {
	ctx := context.Background()
	fx := newFacadeFixture(t)
	facade := fx.facade(t, ModeSession, nil, false)

	id, err := fx.sessions.Create(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	principal := Principal{UserID: "u1", SessionID: id}

	token, err := facade.IssueCSRF(principal)
	if err != nil {
		t.Fatalf("IssueCSRF: %v", err)
	}
	if err := facade.GuardMutation(principal, token.Value); err != nil {
		t.Fatalf("GuardMutation: %v", err)
	}
	if err := facade.GuardMutation(principal, "forged"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for forged value, got %v", err)
	}

	// Sessionless principals fall back to the shared anonymous scope.
	anon := Principal{UserID: "u2"}
	anonToken, err := facade.IssueCSRF(anon)
	if err != nil {
		t.Fatalf("IssueCSRF: %v", err)
	}
	if err := facade.GuardMutation(anon, anonToken.Value); err != nil {
		t.Fatalf("GuardMutation anonymous: %v", err)
	}
	if err := facade.GuardMutation(anon, token.Value); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected session-scoped token to fail for anonymous scope, got %v", err)
	}
}

type stubLimiter struct {
	err error
}

func (l *stubLimiter) Check(identifier string) error { return l.err }

func TestFacadeRateLimited(t *testing.T) {
	fx := newFacadeFixture(t)

	if fx.facade(t, ModeToken, nil, true).RateLimited("c1") {
		t.Fatal("nil limiter must never limit")
	}
	if fx.facade(t, ModeToken, &stubLimiter{}, true).RateLimited("c1") {
		t.Fatal("healthy limiter under budget must not limit")
	}
	if !fx.facade(t, ModeToken, &stubLimiter{err: ErrRateLimited}, false).RateLimited("c1") {
		t.Fatal("expected limit to apply")
	}

	storageErr := storageErr(errors.New("redis down"))
	if !fx.facade(t, ModeToken, &stubLimiter{err: storageErr}, true).RateLimited("c1") {
		t.Fatal("fail-closed must deny on storage error")
	}
	if fx.facade(t, ModeToken, &stubLimiter{err: storageErr}, false).RateLimited("c1") {
		t.Fatal("fail-open must allow on storage error")
	}
}

func TestNewFacadeValidatesConfig(t *testing.T) {
	fx := newFacadeFixture(t)

	if _, err := NewFacade(FacadeConfig{Mode: ModeToken, Registry: fx.registry, CSRF: fx.csrf}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without token service, got %v", err)
	}
	if _, err := NewFacade(FacadeConfig{Mode: ModeSession, Registry: fx.registry, CSRF: fx.csrf}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without session store, got %v", err)
	}
	if _, err := NewFacade(FacadeConfig{Mode: ModeToken, Tokens: fx.tokens, CSRF: fx.csrf}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without registry, got %v", err)
	}
	if _, err := NewFacade(FacadeConfig{Mode: ModeToken, Tokens: fx.tokens, Registry: fx.registry}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without csrf guard, got %v", err)
	}
	if _, err := NewFacade(FacadeConfig{Mode: Mode(42), Tokens: fx.tokens, Sessions: fx.sessions, Registry: fx.registry, CSRF: fx.csrf}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown mode, got %v", err)
	}
}
