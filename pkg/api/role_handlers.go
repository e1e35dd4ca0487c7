package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/middleware"
	"github.com/canopyworks/canopy/pkg/rbac"
)

// RoleHandlers handles role and permission administration requests.
type RoleHandlers struct {
	registry *rbac.Registry
}

// NewRoleHandlers creates a new role handlers instance.
func NewRoleHandlers(registry *rbac.Registry) *RoleHandlers {
	return &RoleHandlers{registry: registry}
}

// RegisterRoutes registers role administration routes.
func (h *RoleHandlers) RegisterRoutes(router *mux.Router) {
	roles := router.PathPrefix("/roles").Subrouter()
	roles.Use(middleware.RequirePermission(rbac.PermRoleManage))
	roles.HandleFunc("", h.listRoles).Methods("GET")
	roles.HandleFunc("", h.createRole).Methods("POST")
	roles.HandleFunc("/{id:[0-9]+}", h.getRole).Methods("GET")
	roles.HandleFunc("/{id:[0-9]+}", h.updateRole).Methods("PUT")
	roles.HandleFunc("/{id:[0-9]+}", h.deleteRole).Methods("DELETE")

	perms := router.PathPrefix("/permissions").Subrouter()
	perms.Use(middleware.RequirePermission(rbac.PermRoleManage))
	perms.HandleFunc("", h.listPermissions).Methods("GET")
}

// listRoles handles GET /api/admin/roles
func (h *RoleHandlers) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.registry.Store().ListRoles(r.Context())
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// createRole handles POST /api/admin/roles
func (h *RoleHandlers) createRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string   `json:"name"`
		Description     string   `json:"description"`
		PermissionIDs   []int64  `json:"permission_ids"`
		PermissionCodes []string `json:"permission_codes"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.registry.CreateRole(r.Context(), req.Name, req.Description, rbac.PermissionRefs{
		IDs:   req.PermissionIDs,
		Codes: req.PermissionCodes,
	})
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, role)
}

// getRole handles GET /api/admin/roles/{id}
func (h *RoleHandlers) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.registry.Store().GetRole(r.Context(), roleID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	if role == nil {
		httputil.WriteAPIError(w, apierror.NotFound("ROLE_NOT_FOUND", "Role not found."))
		return
	}

	httputil.WriteSuccess(w, role)
}

// updateRole handles PUT /api/admin/roles/{id}
func (h *RoleHandlers) updateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Name            *string   `json:"name"`
		Description     *string   `json:"description"`
		PermissionIDs   *[]int64  `json:"permission_ids"`
		PermissionCodes *[]string `json:"permission_codes"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	update := rbac.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
	}
	if req.PermissionIDs != nil || req.PermissionCodes != nil {
		refs := rbac.PermissionRefs{}
		if req.PermissionIDs != nil {
			refs.IDs = *req.PermissionIDs
		}
		if req.PermissionCodes != nil {
			refs.Codes = *req.PermissionCodes
		}
		update.Permissions = &refs
	}

	role, err := h.registry.UpdateRole(r.Context(), roleID, update)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, role)
}

// deleteRole handles DELETE /api/admin/roles/{id}
func (h *RoleHandlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.registry.DeleteRole(r.Context(), roleID); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// listPermissions handles GET /api/admin/permissions
func (h *RoleHandlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.registry.Store().ListPermissions(r.Context())
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}
