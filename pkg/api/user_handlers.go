package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/middleware"
	"github.com/canopyworks/canopy/pkg/rbac"
	"github.com/canopyworks/canopy/pkg/users"
)

// UserHandlers handles account administration requests.
type UserHandlers struct {
	users *users.Service
}

// NewUserHandlers creates a new user handlers instance.
func NewUserHandlers(svc *users.Service) *UserHandlers {
	return &UserHandlers{users: svc}
}

// RegisterRoutes registers user administration routes. Role changes on
// an account additionally require ROLE_MANAGE, enforced by the registry.
func (h *UserHandlers) RegisterRoutes(router *mux.Router) {
	guarded := router.PathPrefix("/users").Subrouter()
	guarded.Use(middleware.RequirePermission(rbac.PermUserManage))

	guarded.HandleFunc("", h.listUsers).Methods("GET")
	guarded.HandleFunc("", h.createUser).Methods("POST")
	guarded.HandleFunc("/{id:[0-9]+}", h.getUser).Methods("GET")
	guarded.HandleFunc("/{id:[0-9]+}", h.updateUser).Methods("PUT")
	guarded.HandleFunc("/{id:[0-9]+}/roles", h.assignRoles).Methods("PUT")
}

// listUsers handles GET /api/admin/users
func (h *UserHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.users.Store().List(r.Context())
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, list)
}

// createUser handles POST /api/admin/users
func (h *UserHandlers) createUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Username   string   `json:"username"`
		Password   string   `json:"password"`
		BytesLimit *int64   `json:"bytes_limit"`
		RoleIDs    []int64  `json:"role_ids"`
		RoleNames  []string `json:"role_names"`
		IsActive   *bool    `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	user, err := h.users.Create(r.Context(), actor, users.CreateParams{
		Username:   req.Username,
		Password:   req.Password,
		BytesLimit: req.BytesLimit,
		Roles:      rbac.RoleRefs{IDs: req.RoleIDs, Names: req.RoleNames},
		IsActive:   active,
	})
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, user)
}

// getUser handles GET /api/admin/users/{id}
func (h *UserHandlers) getUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	user, err := h.users.Store().Get(r.Context(), userID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	if user == nil {
		httputil.WriteAPIError(w, apierror.NotFound("USER_NOT_FOUND", "User not found."))
		return
	}

	httputil.WriteSuccess(w, user)
}

// updateUser handles PUT /api/admin/users/{id}
func (h *UserHandlers) updateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Password   *string   `json:"password"`
		IsActive   *bool     `json:"is_active"`
		BytesLimit *int64    `json:"bytes_limit"`
		RoleIDs    *[]int64  `json:"role_ids"`
		RoleNames  *[]string `json:"role_names"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	params := users.UpdateParams{
		Password:   req.Password,
		IsActive:   req.IsActive,
		BytesLimit: req.BytesLimit,
	}
	if req.RoleIDs != nil || req.RoleNames != nil {
		refs := rbac.RoleRefs{}
		if req.RoleIDs != nil {
			refs.IDs = *req.RoleIDs
		}
		if req.RoleNames != nil {
			refs.Names = *req.RoleNames
		}
		params.Roles = &refs
	}

	user, err := h.users.Update(r.Context(), actor, userID, params)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, user)
}

// assignRoles handles PUT /api/admin/users/{id}/roles
func (h *UserHandlers) assignRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		RoleIDs   []int64  `json:"role_ids"`
		RoleNames []string `json:"role_names"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	refs := rbac.RoleRefs{IDs: req.RoleIDs, Names: req.RoleNames}
	user, err := h.users.Update(r.Context(), actor, userID, users.UpdateParams{Roles: &refs})
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, user)
}
