package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const tokenType = "AUTH"

// Claims is the fixed-shape token payload. Decoding rejects unknown fields,
// so a payload with extra or missing members surfaces as ErrMalformed.
type Claims struct {
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Token is a compact signed claim set. Immutable once issued; refreshing
// produces a new Token, never mutates the original.
type Token struct {
	Raw    string
	Claims Claims
}

// RevocationChecker reports whether a subject's tokens have been invalidated
// out-of-band. Optional; a nil checker means refresh trusts any valid token.
type RevocationChecker func(subject string) bool

// TokenService issues and verifies compact signed tokens. Stateless aside
// from the signer; safe to share across goroutines.
type TokenService struct {
	signer  Signer
	now     func() time.Time
	revoked RevocationChecker
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRevocationChecker installs an out-of-band revocation hook consulted on
// refresh.
func WithRevocationChecker(fn RevocationChecker) TokenOption {
	return func(s *TokenService) { s.revoked = fn }
}

// NewTokenService constructs the service around the given signer.
func NewTokenService(signer Signer, opts ...TokenOption) (*TokenService, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: signer is required", ErrInvalidInput)
	}
	svc := &TokenService{signer: signer, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Issue signs a token for the subject with the given roles and lifetime.
func (s *TokenService) Issue(subject string, roles []string, ttl time.Duration) (Token, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Token{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := s.now().UTC()
	claims := Claims{
		Subject:   subject,
		Roles:     dedupeStrings(roles),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	raw, err := s.encode(claims)
	if err != nil {
		return Token{}, err
	}
	return Token{Raw: raw, Claims: claims}, nil
}

// Verify checks structure, signature and expiry, in that order, and returns
// the claims. Signature comparison is constant-time.
func (s *TokenService) Verify(raw string) (Claims, error) {
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return Claims{}, ErrMalformed
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return Claims{}, ErrMalformed
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return Claims{}, ErrMalformed
	}
	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return Claims{}, ErrMalformed
	}

	var header tokenHeader
	if err := decodeStrict(headerJSON, &header); err != nil {
		return Claims{}, ErrMalformed
	}
	if header.Typ != tokenType || header.Alg != s.signer.ID() {
		return Claims{}, ErrMalformed
	}

	signingString := segments[0] + "." + segments[1]
	if err := s.signer.Verify([]byte(signingString), signature); err != nil {
		return Claims{}, ErrInvalidSignature
	}

	var claims Claims
	if err := decodeStrict(payloadJSON, &claims); err != nil {
		return Claims{}, ErrMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMalformed
	}
	if claims.IssuedAt == 0 || claims.ExpiresAt == 0 || claims.ExpiresAt <= claims.IssuedAt {
		return Claims{}, ErrMalformed
	}
	if s.now().UTC().Unix() >= claims.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

// Refresh verifies the token and issues a new one with the same subject and
// roles under fresh timestamps. The old token's timestamps are discarded;
// callers must not reuse an already-refreshed token. Verification failures
// propagate unchanged: an expired token is never silently extended.
func (s *TokenService) Refresh(raw string) (Token, error) {
	claims, err := s.Verify(raw)
	if err != nil {
		return Token{}, err
	}
	if s.revoked != nil && s.revoked(claims.Subject) {
		return Token{}, ErrUnauthorized
	}
	ttl := time.Duration(claims.ExpiresAt-claims.IssuedAt) * time.Second
	return s.Issue(claims.Subject, claims.Roles, ttl)
}

func (s *TokenService) encode(claims Claims) (string, error) {
	headerJSON, err := json.Marshal(tokenHeader{Alg: s.signer.ID(), Typ: tokenType})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingString := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	sig := s.signer.Sign([]byte(signingString))
	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Trailing content after the JSON document is also malformed.
	if dec.More() {
		return ErrMalformed
	}
	return nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
