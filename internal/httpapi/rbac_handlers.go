package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"aegis.org/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type rolePermissionsRequest struct {
	Actions []string `json:"actions"`
}

type createResourceRequest struct {
	Name string `json:"name"`
	Type string `json:"resource_type"`
}

type grantRoleRequest struct {
	RoleID     string `json:"role_id"`
	ResourceID string `json:"resource_id"`
}

type authorizeRequest struct {
	Action     string `json:"action"`
	ResourceID string `json:"resource_id"`
}

type authorizeResponse struct {
	Allowed    bool   `json:"allowed"`
	Subject    string `json:"subject"`
	Action     string `json:"action"`
	ResourceID string `json:"resource_id,omitempty"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	allowed, err := a.resolver.Authorize(r.Context(), claims.Subject, req.Action, req.ResourceID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{
		Allowed:    allowed,
		Subject:    claims.Subject,
		Action:     strings.TrimSpace(req.Action),
		ResourceID: strings.TrimSpace(req.ResourceID),
	})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.resolver.ListRoles(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.rbac.Apply(r.Context(), &auth.CreateRole{Name: req.Name, Description: req.Description})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", res.Role.ID))
	writeJSON(w, http.StatusCreated, res.Role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.rbac.Apply(r.Context(), &auth.UpdateRole{
		RoleID:      r.PathValue("id"),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if _, err := a.rbac.Apply(r.Context(), &auth.DeleteRole{RoleID: r.PathValue("id")}); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("id")
	actions, err := a.resolver.GetRolePermissions(r.Context(), roleID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if actions == nil {
		actions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"role_id": roleID, "actions": actions})
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roleID := r.PathValue("id")
	res, err := a.rbac.Apply(r.Context(), &auth.SetRolePermissions{RoleID: roleID, Actions: req.Actions})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	actions := res.Actions
	if actions == nil {
		actions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"role_id": roleID, "actions": actions})
}

func (a *API) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := a.resolver.ListResources(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if resources == nil {
		resources = []auth.Resource{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (a *API) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var req createResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.rbac.Apply(r.Context(), &auth.CreateResource{Name: req.Name, Type: req.Type})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Resource)
}

// handleUserRoles lets callers read their own assignments; reading someone
// else's needs rbac.read.
func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	userID := r.PathValue("id")
	if userID != claims.Subject {
		if err := a.resolver.Require(r.Context(), claims.Subject, auth.PermRBACRead, ""); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	assignments, err := a.resolver.GetUserRoles(r.Context(), userID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []auth.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "roles": assignments})
}

func (a *API) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	var req grantRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.rbac.Apply(r.Context(), &auth.GrantRole{
		UserID:     r.PathValue("id"),
		RoleID:     req.RoleID,
		ResourceID: req.ResourceID,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Assignment)
}

// handleRevokeRole takes role_id and optional resource_id as query
// parameters.
func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	_, err := a.rbac.Apply(r.Context(), &auth.RevokeRole{
		UserID:     r.PathValue("id"),
		RoleID:     q.Get("role_id"),
		ResourceID: q.Get("resource_id"),
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
