package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const sessionIDBytes = 32

// SessionStore maintains server-side session records with sliding-window
// expiry. Implementations must be safe for concurrent use and must enforce
// expiry both reactively (on Validate) and proactively (background sweep).
type SessionStore interface {
	// Create inserts a new session for the user and returns its opaque id.
	Create(ctx context.Context, userID string, userData map[string]string) (string, error)

	// Validate checks the session and, on success, renews its activity window.
	// Returns ErrNotFound if absent, ErrInactive if explicitly ended, and
	// ErrExpired (removing the record) if the idle window has lapsed.
	Validate(ctx context.Context, sessionID string) (SessionView, error)

	// Update merges fields into the session's user data and touches activity.
	// Reports false if the session is absent.
	Update(ctx context.Context, sessionID string, userData map[string]string) (bool, error)

	// Destroy marks the session inactive and removes it. Idempotent; the
	// second call reports false.
	Destroy(ctx context.Context, sessionID string) (bool, error)

	// ListActive enumerates non-expired sessions belonging to the user.
	ListActive(ctx context.Context, userID string) ([]SessionView, error)
}

// newSessionID returns an unguessable opaque identifier with 256 bits of
// entropy, base64url-encoded.
func newSessionID(randRead func([]byte) (int, error)) (string, error) {
	if randRead == nil {
		randRead = rand.Read
	}
	buf := make([]byte, sessionIDBytes)
	if _, err := randRead(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Session) view() SessionView {
	data := make(map[string]string, len(s.UserData))
	for k, v := range s.UserData {
		data[k] = v
	}
	return SessionView{
		ID:             s.ID,
		UserID:         s.UserID,
		UserData:       data,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}
