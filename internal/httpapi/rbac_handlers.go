package httpapi

import (
	"net/http"
	"strings"

	"gatekit.org/internal/audit"
	"gatekit.org/internal/auth"
)

type definePermissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type defineRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type assignmentRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !a.requirePermission(w, r, auth.PermRBACManage) || !a.guardMutation(w, r) {
			return
		}
		var req definePermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.facade.Registry().DefinePermission(r.Context(), req.Name, req.Description); err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.permission.defined", map[string]any{
			"name": req.Name,
		})
		writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name})
	case http.MethodGet:
		if !a.requirePermission(w, r, auth.PermRBACManage) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"permissions": a.facade.Registry().Permissions(),
		})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requirePermission(w, r, auth.PermRBACManage) || !a.guardMutation(w, r) {
		return
	}
	var req defineRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.facade.Registry().DefineRole(r.Context(), req.Name, req.Permissions); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.defined", map[string]any{
		"name":        req.Name,
		"permissions": req.Permissions,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name})
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	if !a.requirePermission(w, r, auth.PermRBACManage) || !a.guardMutation(w, r) {
		return
	}
	var req assignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		err   error
		event string
	)
	if r.Method == http.MethodPost {
		err = a.facade.Registry().AssignRole(r.Context(), req.UserID, req.Role)
		event = "rbac.role.assigned"
	} else {
		err = a.facade.Registry().RemoveRole(r.Context(), req.UserID, req.Role)
		event = "rbac.role.removed"
	}
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"user_id": req.UserID,
		"role":    req.Role,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"role":    req.Role,
	})
}

// handleUserScoped serves /v1/rbac/users/{id}/permissions and
// /v1/rbac/users/{id}/roles.
func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requirePermission(w, r, auth.PermRBACManage) {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/rbac/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "permissions":
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":     userID,
			"permissions": a.facade.Registry().UserPermissions(userID),
		})
	case "roles":
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"roles":   a.facade.Registry().UserRoles(userID),
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
