package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RBACPersister receives write-through copies of registry mutations so role
// definitions and assignments survive restarts. All methods are I/O-bound;
// errors abort the mutation before the in-memory state changes.
type RBACPersister interface {
	SavePermission(ctx context.Context, perm Permission) error
	SaveRole(ctx context.Context, name string, permissions []string) error
	SaveAssignment(ctx context.Context, userID, roleName string) error
	DeleteAssignment(ctx context.Context, userID, roleName string) error
}

// RBACSnapshot is the persisted registry state used to hydrate at boot.
type RBACSnapshot struct {
	Permissions []Permission
	Roles       []Role
	Assignments map[string][]string
}

// Registry maintains role-to-permission and user-to-role mappings. Define
// operations are rare administrative writes; permission checks are frequent
// reads, so reads go through an RWMutex and a per-user permission cache that
// is invalidated by any write touching the user or a role the user holds.
type Registry struct {
	now       func() time.Time
	persister RBACPersister

	mu          sync.RWMutex
	permissions map[string]Permission
	roles       map[string]roleEntry
	assignments map[string]map[string]struct{}
	userCache   map[string]map[string]struct{}
}

type roleEntry struct {
	permissions map[string]struct{}
	createdAt   time.Time
	updatedAt   time.Time
}

// RegistryOption configures Registry behavior.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source (useful for tests).
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithPersister installs a write-through persister for registry mutations.
func WithPersister(p RBACPersister) RegistryOption {
	return func(r *Registry) { r.persister = p }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		now:         time.Now,
		permissions: make(map[string]Permission),
		roles:       make(map[string]roleEntry),
		assignments: make(map[string]map[string]struct{}),
		userCache:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hydrate replaces registry state from a persisted snapshot.
func (r *Registry) Hydrate(snap RBACSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissions = make(map[string]Permission, len(snap.Permissions))
	for _, p := range snap.Permissions {
		r.permissions[p.Name] = p
	}
	r.roles = make(map[string]roleEntry, len(snap.Roles))
	for _, role := range snap.Roles {
		perms := make(map[string]struct{}, len(role.Permissions))
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
		r.roles[role.Name] = roleEntry{
			permissions: perms,
			createdAt:   role.CreatedAt,
			updatedAt:   role.UpdatedAt,
		}
	}
	r.assignments = make(map[string]map[string]struct{}, len(snap.Assignments))
	for userID, roles := range snap.Assignments {
		set := make(map[string]struct{}, len(roles))
		for _, name := range roles {
			set[name] = struct{}{}
		}
		r.assignments[userID] = set
	}
	r.userCache = make(map[string]map[string]struct{})
}

// DefinePermission upserts a permission in the catalog. Idempotent.
func (r *Registry) DefinePermission(ctx context.Context, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	perm := Permission{Name: name, Description: strings.TrimSpace(description), CreatedAt: r.now().UTC()}
	if r.persister != nil {
		if err := r.persister.SavePermission(ctx, perm); err != nil {
			return err
		}
	}
	r.mu.Lock()
	if existing, ok := r.permissions[name]; ok {
		perm.CreatedAt = existing.CreatedAt
	}
	r.permissions[name] = perm
	r.mu.Unlock()
	return nil
}

// DefineRole upserts a role. Redefining replaces the permission set
// atomically: concurrent checks observe either the old set or the new one,
// never a partial mix.
func (r *Registry) DefineRole(ctx context.Context, name string, permissions []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	keys := dedupeStrings(permissions)

	r.mu.RLock()
	for _, key := range keys {
		if _, ok := r.permissions[key]; !ok {
			r.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrUnknownPermission, key)
		}
	}
	r.mu.RUnlock()

	if r.persister != nil {
		if err := r.persister.SaveRole(ctx, name, keys); err != nil {
			return err
		}
	}

	perms := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		perms[key] = struct{}{}
	}
	now := r.now().UTC()

	r.mu.Lock()
	entry := roleEntry{permissions: perms, createdAt: now, updatedAt: now}
	if existing, ok := r.roles[name]; ok {
		entry.createdAt = existing.createdAt
	}
	r.roles[name] = entry
	r.invalidateRoleLocked(name)
	r.mu.Unlock()
	return nil
}

// AssignRole grants the role to the user. Fails with ErrUnknownRole if the
// role has not been defined.
func (r *Registry) AssignRole(ctx context.Context, userID, roleName string) error {
	userID = strings.TrimSpace(userID)
	roleName = strings.TrimSpace(roleName)
	if userID == "" || roleName == "" {
		return fmt.Errorf("%w: user id and role name are required", ErrInvalidInput)
	}

	r.mu.RLock()
	_, known := r.roles[roleName]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownRole, roleName)
	}

	if r.persister != nil {
		if err := r.persister.SaveAssignment(ctx, userID, roleName); err != nil {
			return err
		}
	}

	r.mu.Lock()
	set, ok := r.assignments[userID]
	if !ok {
		set = make(map[string]struct{})
		r.assignments[userID] = set
	}
	set[roleName] = struct{}{}
	delete(r.userCache, userID)
	r.mu.Unlock()
	return nil
}

// RemoveRole revokes the role from the user. No-op if not assigned; the
// role's exclusive permissions disappear from the very next check.
func (r *Registry) RemoveRole(ctx context.Context, userID, roleName string) error {
	userID = strings.TrimSpace(userID)
	roleName = strings.TrimSpace(roleName)
	if userID == "" || roleName == "" {
		return fmt.Errorf("%w: user id and role name are required", ErrInvalidInput)
	}
	if r.persister != nil {
		if err := r.persister.DeleteAssignment(ctx, userID, roleName); err != nil {
			return err
		}
	}
	r.mu.Lock()
	if set, ok := r.assignments[userID]; ok {
		delete(set, roleName)
		if len(set) == 0 {
			delete(r.assignments, userID)
		}
	}
	delete(r.userCache, userID)
	r.mu.Unlock()
	return nil
}

// HasPermission reports whether any of the user's assigned roles grants the
// permission.
func (r *Registry) HasPermission(userID, permission string) bool {
	perms := r.userPermissions(userID)
	_, ok := perms[permission]
	return ok
}

// HasRole reports whether the role is currently assigned to the user.
func (r *Registry) HasRole(userID, roleName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.assignments[userID]
	if !ok {
		return false
	}
	_, ok = set[roleName]
	return ok
}

// UserRoles returns the role names currently assigned to the user, sorted.
func (r *Registry) UserRoles(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.assignments[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UserPermissions returns the union of permissions across the user's roles,
// sorted.
func (r *Registry) UserPermissions(userID string) []string {
	perms := r.userPermissions(userID)
	out := make([]string, 0, len(perms))
	for name := range perms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PermissionSet returns the union of permissions for the user as a set.
func (r *Registry) PermissionSet(userID string) map[string]struct{} {
	src := r.userPermissions(userID)
	out := make(map[string]struct{}, len(src))
	for name := range src {
		out[name] = struct{}{}
	}
	return out
}

// RolePermissions returns the permission set of a defined role, sorted.
func (r *Registry) RolePermissions(roleName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.roles[roleName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, roleName)
	}
	out := make([]string, 0, len(entry.permissions))
	for name := range entry.permissions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Permissions lists the permission catalog, sorted by name.
func (r *Registry) Permissions() []Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Permission, 0, len(r.permissions))
	for _, p := range r.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) userPermissions(userID string) map[string]struct{} {
	r.mu.RLock()
	if cached, ok := r.userCache[userID]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have filled the cache between the two locks.
	if cached, ok := r.userCache[userID]; ok {
		return cached
	}
	perms := make(map[string]struct{})
	for roleName := range r.assignments[userID] {
		entry, ok := r.roles[roleName]
		if !ok {
			continue
		}
		for p := range entry.permissions {
			perms[p] = struct{}{}
		}
	}
	r.userCache[userID] = perms
	return perms
}

// invalidateRoleLocked drops cached permission sets for every user holding
// the role. Caller holds the write lock.
func (r *Registry) invalidateRoleLocked(roleName string) {
	for userID, set := range r.assignments {
		if _, ok := set[roleName]; ok {
			delete(r.userCache, userID)
		}
	}
}
