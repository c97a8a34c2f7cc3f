package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects which credential path Authenticate attempts. Exactly one path
// runs per configured mode.
type Mode int

const (
	// ModeToken authenticates stateless bearer tokens via the TokenService.
	ModeToken Mode = iota
	// ModeSession authenticates opaque session ids via the SessionStore.
	ModeSession
)

// Credentials carries the request-supplied authentication material. The web
// layer extracts these; header and cookie parsing stay outside the core.
type Credentials struct {
	BearerToken string
	SessionID   string
}

// RateLimiter bounds request frequency per identifier.
type RateLimiter interface {
	Check(identifier string) error
}

// Facade is the single entry point external collaborators call. It composes
// the token service, session store, CSRF guard, RBAC registry and rate
// limiter; all dependencies are injected at construction.
type Facade struct {
	mode       Mode
	tokens     *TokenService
	sessions   SessionStore
	csrf       *CSRFGuard
	registry   *Registry
	limiter    RateLimiter
	failClosed bool
}

// FacadeConfig lists the collaborators composed by the facade.
type FacadeConfig struct {
	Mode     Mode
	Tokens   *TokenService
	Sessions SessionStore
	CSRF     *CSRFGuard
	Registry *Registry
	Limiter  RateLimiter

	// FailClosedOnStorageError makes RateLimited deny when the limiter's
	// backing store cannot be read. Recommended for security-sensitive
	// endpoints; fail-open suits general throttling.
	FailClosedOnStorageError bool
}

// NewFacade validates and assembles the composition.
func NewFacade(cfg FacadeConfig) (*Facade, error) {
	switch cfg.Mode {
	case ModeToken:
		if cfg.Tokens == nil {
			return nil, fmt.Errorf("%w: token service is required in token mode", ErrInvalidInput)
		}
	case ModeSession:
		if cfg.Sessions == nil {
			return nil, fmt.Errorf("%w: session store is required in session mode", ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported mode", ErrInvalidInput)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: rbac registry is required", ErrInvalidInput)
	}
	if cfg.CSRF == nil {
		return nil, fmt.Errorf("%w: csrf guard is required", ErrInvalidInput)
	}
	return &Facade{
		mode:       cfg.Mode,
		tokens:     cfg.Tokens,
		sessions:   cfg.Sessions,
		csrf:       cfg.CSRF,
		registry:   cfg.Registry,
		limiter:    cfg.Limiter,
		failClosed: cfg.FailClosedOnStorageError,
	}, nil
}

// Authenticate resolves the supplied credentials into a Principal. Token
// mode merges token-embedded roles with the registry's assignments for the
// subject; session mode resolves roles purely through the registry.
func (f *Facade) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	switch f.mode {
	case ModeToken:
		return f.authenticateToken(creds.BearerToken)
	case ModeSession:
		return f.authenticateSession(ctx, creds.SessionID)
	default:
		return Principal{}, ErrInvalidInput
	}
}

func (f *Facade) authenticateToken(raw string) (Principal, error) {
	claims, err := f.tokens.Verify(raw)
	if err != nil {
		return Principal{}, err
	}
	roles := mergeRoles(claims.Roles, f.registry.UserRoles(claims.Subject))
	return Principal{
		UserID:      claims.Subject,
		Roles:       roles,
		TokenClaims: &claims,
		Permissions: f.resolvePermissions(claims.Subject, roles),
	}, nil
}

func (f *Facade) authenticateSession(ctx context.Context, sessionID string) (Principal, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Principal{}, ErrNotFound
	}
	view, err := f.sessions.Validate(ctx, sessionID)
	if err != nil {
		return Principal{}, err
	}
	roles := f.registry.UserRoles(view.UserID)
	return Principal{
		UserID:      view.UserID,
		Roles:       roles,
		SessionID:   view.ID,
		Permissions: f.resolvePermissions(view.UserID, roles),
	}, nil
}

// Authorize reports whether the principal may exercise the permission. The
// decision is recomputed against the registry on every call, so a removed
// role loses its exclusive permissions immediately.
func (f *Facade) Authorize(principal Principal, permission string) bool {
	if permission == "" || principal.UserID == "" {
		return false
	}
	if f.registry.HasPermission(principal.UserID, permission) {
		return true
	}
	// Token-embedded roles grant through the role definitions even without a
	// registry assignment for the subject.
	if principal.TokenClaims != nil {
		for _, role := range principal.TokenClaims.Roles {
			perms, err := f.registry.RolePermissions(role)
			if err != nil {
				continue
			}
			for _, p := range perms {
				if p == permission {
					return true
				}
			}
		}
	}
	return false
}

// GuardMutation validates the supplied anti-forgery value against the
// principal's scope. Required before any state-changing request proceeds.
func (f *Facade) GuardMutation(principal Principal, suppliedCSRF string) error {
	scope := principal.SessionID
	if scope == "" {
		scope = AnonymousScope
	}
	if !f.csrf.Validate(scope, suppliedCSRF) {
		return ErrUnauthorized
	}
	return nil
}

// IssueCSRF issues an anti-forgery token scoped to the principal's session,
// or to the anonymous scope for sessionless principals.
func (f *Facade) IssueCSRF(principal Principal) (CSRFToken, error) {
	scope := principal.SessionID
	if scope == "" {
		scope = AnonymousScope
	}
	return f.csrf.IssueToken(scope)
}

// RateLimited reports whether the identifier has exhausted its window. On a
// storage failure the configured fail-open/fail-closed policy decides.
func (f *Facade) RateLimited(identifier string) bool {
	if f.limiter == nil {
		return false
	}
	err := f.limiter.Check(identifier)
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRateLimited):
		return true
	case errors.Is(err, ErrStorageUnavailable):
		return f.failClosed
	default:
		return f.failClosed
	}
}

// Tokens exposes the composed token service to the transport layer.
func (f *Facade) Tokens() *TokenService { return f.tokens }

// Sessions exposes the composed session store to the transport layer.
func (f *Facade) Sessions() SessionStore { return f.sessions }

// Registry exposes the composed RBAC registry to the transport layer.
func (f *Facade) Registry() *Registry { return f.registry }

// CSRF exposes the composed guard to the transport layer.
func (f *Facade) CSRF() *CSRFGuard { return f.csrf }

func (f *Facade) resolvePermissions(userID string, roles []string) map[string]struct{} {
	perms := f.registry.PermissionSet(userID)
	for _, role := range roles {
		rolePerms, err := f.registry.RolePermissions(role)
		if err != nil {
			continue
		}
		for _, p := range rolePerms {
			perms[p] = struct{}{}
		}
	}
	return perms
}

func mergeRoles(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return dedupeStrings(merged)
}
