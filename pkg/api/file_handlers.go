package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/audit"
	"github.com/canopyworks/canopy/pkg/files"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/middleware"
	"github.com/canopyworks/canopy/pkg/rbac"
)

// FileHandlers handles workspace tree, share and link requests.
type FileHandlers struct {
	files *files.Service
}

// NewFileHandlers creates a new file handlers instance.
func NewFileHandlers(svc *files.Service) *FileHandlers {
	return &FileHandlers{files: svc}
}

// RegisterRoutes registers the authenticated workspace routes.
func (h *FileHandlers) RegisterRoutes(router *mux.Router) {
	// Tree routes
	router.HandleFunc("/files", h.list).Methods("GET")
	router.HandleFunc("/files/mkdir", h.mkdir).Methods("POST")
	router.HandleFunc("/files/upload", h.upload).Methods("POST")
	router.HandleFunc("/files/shared-with-me", h.sharedWithMe).Methods("GET")
	router.HandleFunc("/files/{id:[0-9]+}/content", h.save).Methods("PUT")
	router.HandleFunc("/files/{id:[0-9]+}/rename", h.rename).Methods("PUT")
	router.HandleFunc("/files/{id:[0-9]+}/move", h.move).Methods("PUT")
	router.HandleFunc("/files/{id:[0-9]+}", h.delete).Methods("DELETE")

	// Internal share routes
	router.HandleFunc("/files/{id:[0-9]+}/shares", h.listShares).Methods("GET")
	router.HandleFunc("/files/{id:[0-9]+}/shares", h.share).Methods("POST")
	router.HandleFunc("/files/{id:[0-9]+}/shares/{grantee_id:[0-9]+}", h.unshare).Methods("DELETE")

	// External link routes
	router.HandleFunc("/files/{id:[0-9]+}/links", h.listLinks).Methods("GET")
	router.HandleFunc("/files/{id:[0-9]+}/links", h.createLink).Methods("POST")
	router.HandleFunc("/links/{id:[0-9]+}", h.deleteLink).Methods("DELETE")
}

// RegisterPublicRoutes registers the anonymous link resolution route.
func (h *FileHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/links/{token:[A-Za-z0-9_-]+}", h.resolveLink).Methods("GET")
}

// list handles GET /api/files?owner_id=&parent_id=
func (h *FileHandlers) list(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}

	ownerID, err := httputil.ParseQueryInt64(r, "owner_id", user.ID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	parentID, ok := parseOptionalQueryID(w, r, "parent_id")
	if !ok {
		return
	}

	nodes, err := h.files.List(r.Context(), user, ownerID, parentID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, nodes)
}

// mkdir handles POST /api/files/mkdir
func (h *FileHandlers) mkdir(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ParentID *int64 `json:"parent_id"`
		Name     string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	node, err := h.files.Mkdir(r.Context(), user, req.ParentID, req.Name)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, node)
}

// upload handles POST /api/files/upload
func (h *FileHandlers) upload(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ParentID  *int64 `json:"parent_id"`
		Name      string `json:"name"`
		SizeBytes int64  `json:"size_bytes"`
		MimeType  string `json:"mime_type"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	node, err := h.files.Upload(r.Context(), user, req.ParentID, req.Name, req.SizeBytes, req.MimeType)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, node)
}

// save handles PUT /api/files/{id}/content, the in-place overwrite a
// document editor performs on save.
func (h *FileHandlers) save(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		SizeBytes int64 `json:"size_bytes"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	node, err := h.files.Overwrite(r.Context(), user, nodeID, req.SizeBytes)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, node)
}

// rename handles PUT /api/files/{id}/rename
func (h *FileHandlers) rename(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	node, err := h.files.Rename(r.Context(), user, nodeID, req.Name)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, node)
}

// move handles PUT /api/files/{id}/move
func (h *FileHandlers) move(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		ParentID *int64 `json:"parent_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	node, err := h.files.Move(r.Context(), user, nodeID, req.ParentID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, node)
}

// delete handles DELETE /api/files/{id}
func (h *FileHandlers) delete(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.files.Delete(r.Context(), user, nodeID); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// sharedWithMe handles GET /api/files/shared-with-me
func (h *FileHandlers) sharedWithMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}

	shared, err := h.files.SharedWithMe(r.Context(), user)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, shared)
}

// listShares handles GET /api/files/{id}/shares
func (h *FileHandlers) listShares(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	shares, err := h.files.ListShares(r.Context(), user, nodeID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, shares)
}

// share handles POST /api/files/{id}/shares
func (h *FileHandlers) share(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		GranteeID int64  `json:"grantee_id"`
		Level     string `json:"level"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	level, ok := rbac.ParseShareLevel(req.Level)
	if !ok {
		httputil.WriteAPIError(w, apierror.Invalid("INVALID_LEVEL", "Share level must be read or write."))
		return
	}

	share, err := h.files.ShareInternal(r.Context(), user, nodeID, req.GranteeID, level)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, share)
}

// unshare handles DELETE /api/files/{id}/shares/{grantee_id}
func (h *FileHandlers) unshare(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	granteeID, ok := httputil.ParsePathInt64OrError(w, r, "grantee_id")
	if !ok {
		return
	}

	if err := h.files.Unshare(r.Context(), user, nodeID, granteeID); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// listLinks handles GET /api/files/{id}/links
func (h *FileHandlers) listLinks(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	links, err := h.files.ListLinks(r.Context(), user, nodeID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, links)
}

// createLink handles POST /api/files/{id}/links
func (h *FileHandlers) createLink(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	nodeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	link, err := h.files.CreateLink(r.Context(), user, nodeID, req.ExpiresAt)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, link)
}

// deleteLink handles DELETE /api/links/{id}
func (h *FileHandlers) deleteLink(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	linkID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.files.DeleteLink(r.Context(), user, linkID); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// resolveLink handles GET /api/links/{token}. The route is anonymous;
// the resolution itself is audited with the caller's address.
func (h *FileHandlers) resolveLink(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	node, err := h.files.ResolveLink(r.Context(), token, audit.Entry{
		ActorIP:   httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, node)
}

// parseOptionalQueryID reads an int64 query parameter that may be
// absent, returning nil when it is.
func parseOptionalQueryID(w http.ResponseWriter, r *http.Request, key string) (*int64, bool) {
	if r.URL.Query().Get(key) == "" {
		return nil, true
	}
	val, err := httputil.ParseQueryInt64(r, key, 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return nil, false
	}
	return &val, true
}
