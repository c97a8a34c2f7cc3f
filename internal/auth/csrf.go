package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// AnonymousScope binds CSRF tokens issued outside any session, e.g. for
// login forms.
const AnonymousScope = "anonymous"

const csrfValueBytes = 32

// CSRFGuard issues and validates per-scope anti-forgery tokens following the
// synchronizer-token pattern: the issued value is held server-side and the
// request-supplied copy must match it exactly. Tokens carry their own expiry,
// typically shorter than the session's, forcing re-issuance on long-lived
// pages.
type CSRFGuard struct {
	ttl       time.Duration
	singleUse bool
	now       func() time.Time
	randRead  func([]byte) (int, error)

	mu     sync.Mutex
	tokens map[string]csrfRecord

	sweepStop chan struct{}
	sweepOnce sync.Once
}

type csrfRecord struct {
	value     string
	expiresAt time.Time
}

// CSRFOption configures CSRFGuard behavior.
type CSRFOption func(*CSRFGuard)

// WithCSRFClock overrides the time source (useful for tests).
func WithCSRFClock(fn func() time.Time) CSRFOption {
	return func(g *CSRFGuard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithCSRFRand overrides the random source for token generation.
func WithCSRFRand(fn func([]byte) (int, error)) CSRFOption {
	return func(g *CSRFGuard) {
		if fn != nil {
			g.randRead = fn
		}
	}
}

// WithSingleUse makes every token valid for exactly one successful
// validation. The default keeps tokens reusable within their lifetime, the
// classic synchronizer trade-off.
func WithSingleUse(on bool) CSRFOption {
	return func(g *CSRFGuard) { g.singleUse = on }
}

// NewCSRFGuard constructs a guard whose tokens live for ttl.
func NewCSRFGuard(ttl time.Duration, opts ...CSRFOption) (*CSRFGuard, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: csrf ttl must be greater than zero", ErrInvalidInput)
	}
	g := &CSRFGuard{
		ttl:       ttl,
		now:       time.Now,
		randRead:  rand.Read,
		tokens:    make(map[string]csrfRecord),
		sweepStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// IssueToken generates a fresh token bound to the scope, replacing any token
// previously issued for it.
func (g *CSRFGuard) IssueToken(scope string) (CSRFToken, error) {
	if scope == "" {
		scope = AnonymousScope
	}
	buf := make([]byte, csrfValueBytes)
	if _, err := g.randRead(buf); err != nil {
		return CSRFToken{}, fmt.Errorf("generate csrf token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)
	expiresAt := g.now().UTC().Add(g.ttl)

	g.mu.Lock()
	g.tokens[scope] = csrfRecord{value: value, expiresAt: expiresAt}
	g.mu.Unlock()

	return CSRFToken{Value: value, ExpiresAt: expiresAt}, nil
}

// Validate reports whether a non-expired token was issued for the scope and
// the supplied value matches it exactly. A token issued for one scope never
// validates against another. The comparison is constant-time.
func (g *CSRFGuard) Validate(scope, supplied string) bool {
	if scope == "" {
		scope = AnonymousScope
	}
	if supplied == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.tokens[scope]
	if !ok {
		return false
	}
	if g.now().UTC().After(rec.expiresAt) {
		delete(g.tokens, scope)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(rec.value), []byte(supplied)) != 1 {
		return false
	}
	if g.singleUse {
		delete(g.tokens, scope)
	}
	return true
}

// Revoke drops any token issued for the scope, e.g. on logout.
func (g *CSRFGuard) Revoke(scope string) {
	if scope == "" {
		scope = AnonymousScope
	}
	g.mu.Lock()
	delete(g.tokens, scope)
	g.mu.Unlock()
}

// Sweep removes expired tokens to bound memory growth. Returns the number
// removed.
func (g *CSRFGuard) Sweep() int {
	now := g.now().UTC()
	removed := 0
	g.mu.Lock()
	for scope, rec := range g.tokens {
		if now.After(rec.expiresAt) {
			delete(g.tokens, scope)
			removed++
		}
	}
	g.mu.Unlock()
	return removed
}

// StartSweeper launches the periodic expiry sweep. Call Close to stop.
func (g *CSRFGuard) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Sweep()
			case <-g.sweepStop:
				return
			}
		}
	}()
}

// Close stops the background sweeper. Safe to call more than once.
func (g *CSRFGuard) Close() {
	g.sweepOnce.Do(func() { close(g.sweepStop) })
}
