package auth

import "context"

// Permissions required by the service's own administrative surface.
const (
	PermRBACManage   = "rbac.manage"
	PermSessionsList = "sessions.list"
)

var BuiltinPermissions = []Permission{
	{Name: PermRBACManage, Description: "Manage roles, permissions and assignments"},
	{Name: PermSessionsList, Description: "List active sessions"},
}

// EnsureBuiltins defines the predefined permissions in the registry.
func (r *Registry) EnsureBuiltins(ctx context.Context) error {
	for _, p := range BuiltinPermissions {
		if err := r.DefinePermission(ctx, p.Name, p.Description); err != nil {
			return err
		}
	}
	return nil
}
