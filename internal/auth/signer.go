package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

// Signer produces and verifies a message authentication code over arbitrary
// byte strings. Implementations must be safe for concurrent use.
type Signer interface {
	// ID identifies the algorithm; it is embedded into token headers.
	ID() string
	Sign(msg []byte) []byte
	// Verify reports whether sig authenticates msg. Comparison must be
	// constant-time.
	Verify(msg, sig []byte) error
}

// HMACSigner signs with HMAC-SHA256 under a single secret key.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner constructs a signer from the given secret. The key is copied
// so the caller's slice can be discarded.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, errors.New("auth: signing key is empty")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k}, nil
}

func (s *HMACSigner) ID() string { return "HS256" }

func (s *HMACSigner) Sign(msg []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func (s *HMACSigner) Verify(msg, sig []byte) error {
	expected := s.Sign(msg)
	if !hmac.Equal(sig, expected) {
		return ErrInvalidSignature
	}
	return nil
}
