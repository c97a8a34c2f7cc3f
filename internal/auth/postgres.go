package auth

import (
	"context"
	"database/sql"
)

var _ RBACPersister = (*PGRBACStore)(nil)

// PGRBACStore persists the RBAC registry to PostgreSQL. The registry stays
// the source of truth for reads; this store records mutations write-through
// and rebuilds a snapshot at boot.
type PGRBACStore struct {
	db *sql.DB
}

func NewPGRBACStore(db *sql.DB) *PGRBACStore {
	return &PGRBACStore{db: db}
}

func (s *PGRBACStore) SavePermission(ctx context.Context, perm Permission) error {
	_, err := s.db.ExecContext(ctx,
		`insert into permissions(name, description, created_at) values($1,$2,$3)
		 on conflict (name) do update set description = excluded.description`,
		perm.Name, perm.Description, perm.CreatedAt,
	)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// SaveRole replaces the role's permission set in one transaction so readers
// of the table never observe a partial mix.
func (s *PGRBACStore) SaveRole(ctx context.Context, name string, permissions []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`insert into roles(name, created_at, updated_at) values($1, now(), now())
		 on conflict (name) do update set updated_at = now()`, name); err != nil {
		return storageErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`delete from role_permissions where role_name = $1`, name); err != nil {
		return storageErr(err)
	}
	for _, perm := range permissions {
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_name, permission_name) values($1,$2)`,
			name, perm); err != nil {
			return storageErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *PGRBACStore) SaveAssignment(ctx context.Context, userID, roleName string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into user_roles(user_id, role_name, created_at) values($1,$2, now())
		 on conflict (user_id, role_name) do nothing`,
		userID, roleName,
	)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *PGRBACStore) DeleteAssignment(ctx context.Context, userID, roleName string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from user_roles where user_id = $1 and role_name = $2`,
		userID, roleName,
	)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// Load rebuilds the registry snapshot from the persisted tables.
func (s *PGRBACStore) Load(ctx context.Context) (RBACSnapshot, error) {
	snap := RBACSnapshot{Assignments: make(map[string][]string)}

	rows, err := s.db.QueryContext(ctx,
		`select name, description, created_at from permissions order by name asc`)
	if err != nil {
		return RBACSnapshot{}, storageErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Name, &p.Description, &p.CreatedAt); err != nil {
			return RBACSnapshot{}, storageErr(err)
		}
		snap.Permissions = append(snap.Permissions, p)
	}
	if err := rows.Err(); err != nil {
		return RBACSnapshot{}, storageErr(err)
	}

	roleRows, err := s.db.QueryContext(ctx,
		`select name, created_at, updated_at from roles order by name asc`)
	if err != nil {
		return RBACSnapshot{}, storageErr(err)
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var role Role
		if err := roleRows.Scan(&role.Name, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return RBACSnapshot{}, storageErr(err)
		}
		snap.Roles = append(snap.Roles, role)
	}
	if err := roleRows.Err(); err != nil {
		return RBACSnapshot{}, storageErr(err)
	}

	permRows, err := s.db.QueryContext(ctx,
		`select role_name, permission_name from role_permissions order by role_name asc`)
	if err != nil {
		return RBACSnapshot{}, storageErr(err)
	}
	defer permRows.Close()
	byRole := make(map[string][]string)
	for permRows.Next() {
		var roleName, permName string
		if err := permRows.Scan(&roleName, &permName); err != nil {
			return RBACSnapshot{}, storageErr(err)
		}
		byRole[roleName] = append(byRole[roleName], permName)
	}
	if err := permRows.Err(); err != nil {
		return RBACSnapshot{}, storageErr(err)
	}
	for i := range snap.Roles {
		snap.Roles[i].Permissions = byRole[snap.Roles[i].Name]
	}

	assignRows, err := s.db.QueryContext(ctx,
		`select user_id, role_name from user_roles order by user_id asc`)
	if err != nil {
		return RBACSnapshot{}, storageErr(err)
	}
	defer assignRows.Close()
	for assignRows.Next() {
		var userID, roleName string
		if err := assignRows.Scan(&userID, &roleName); err != nil {
			return RBACSnapshot{}, storageErr(err)
		}
		snap.Assignments[userID] = append(snap.Assignments[userID], roleName)
	}
	if err := assignRows.Err(); err != nil {
		return RBACSnapshot{}, storageErr(err)
	}
	return snap, nil
}
