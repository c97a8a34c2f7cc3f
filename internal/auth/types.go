package auth

import "time"

// Role groups permissions under a name. Permission sets are replaced
// atomically when a role is redefined.
type Role struct {
	Name        string
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a fine-grained capability in the catalog.
type Permission struct {
	Name        string
	Description string
	CreatedAt   time.Time
}

// Session is a server-side record of an authenticated interaction. It is
// owned exclusively by a SessionStore and mutated only through it.
type Session struct {
	ID             string
	UserID         string
	UserData       map[string]string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Active         bool
}

// SessionView is the read-only summary returned to callers.
type SessionView struct {
	ID             string
	UserID         string
	UserData       map[string]string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// CSRFToken is an anti-forgery value scoped to one session (or the anonymous
// scope). It confirms same-origin intent; it authorizes nothing by itself.
type CSRFToken struct {
	Value     string
	ExpiresAt time.Time
}

// Principal is the resolved identity produced by Facade.Authenticate.
// Consumed read-only by callers.
type Principal struct {
	UserID      string
	Roles       []string
	SessionID   string
	TokenClaims *Claims
	Permissions map[string]struct{}
}

// HasPermission reports whether the principal carries the named permission.
func (p Principal) HasPermission(name string) bool {
	_, ok := p.Permissions[name]
	return ok
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}
