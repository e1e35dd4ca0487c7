package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/audit"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/middleware"
)

// AuditHandlers handles audit chain inspection requests. The whole
// surface is administrator-only.
type AuditHandlers struct {
	store *audit.Store
}

// NewAuditHandlers creates a new audit handlers instance.
func NewAuditHandlers(store *audit.Store) *AuditHandlers {
	return &AuditHandlers{store: store}
}

// RegisterRoutes registers audit administration routes.
func (h *AuditHandlers) RegisterRoutes(router *mux.Router) {
	guarded := router.PathPrefix("/audit").Subrouter()
	guarded.Use(middleware.RequireAdmin)

	guarded.HandleFunc("", h.search).Methods("GET")
	guarded.HandleFunc("/export", h.export).Methods("GET")
	guarded.HandleFunc("/verify", h.verify).Methods("GET")
	guarded.HandleFunc("/stats", h.stats).Methods("GET")
	guarded.HandleFunc("/{id:[0-9]+}", h.get).Methods("GET")
}

// searchFilter maps the query string onto an audit search.
func searchFilter(r *http.Request) (audit.SearchFilter, error) {
	var filter audit.SearchFilter

	if raw := r.URL.Query().Get("actor_id"); raw != "" {
		actorID, err := httputil.ParseQueryInt64(r, "actor_id", 0)
		if err != nil {
			return filter, err
		}
		filter.ActorUserID = &actorID
	}
	filter.Action = r.URL.Query().Get("action")
	filter.EntityType = r.URL.Query().Get("entity_type")
	filter.EntityID = r.URL.Query().Get("entity_id")
	filter.Severity = audit.Severity(r.URL.Query().Get("severity"))

	for key, dest := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, apierror.Invalid("INVALID_TIMESTAMP", "Timestamps must be RFC 3339.")
		}
		*dest = &ts
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		return filter, err
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	filter.Offset = offset
	return filter, nil
}

// search handles GET /api/admin/audit
func (h *AuditHandlers) search(w http.ResponseWriter, r *http.Request) {
	filter, err := searchFilter(r)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, events)
}

// export handles GET /api/admin/audit/export?format=json|ndjson|csv
func (h *AuditHandlers) export(w http.ResponseWriter, r *http.Request) {
	filter, err := searchFilter(r)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	format := audit.ExportFormat(httputil.ParseQueryString(r, "format", string(audit.FormatJSON)))

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	contentType := "application/json"
	switch format {
	case audit.FormatNDJSON:
		contentType = "application/x-ndjson"
	case audit.FormatCSV:
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.`+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// verify handles GET /api/admin/audit/verify
func (h *AuditHandlers) verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.Verify(r.Context())
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// stats handles GET /api/admin/audit/stats
func (h *AuditHandlers) stats(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"total_events": count})
}

// get handles GET /api/admin/audit/{id}
func (h *AuditHandlers) get(w http.ResponseWriter, r *http.Request) {
	eventID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	event, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	if event == nil {
		httputil.WriteAPIError(w, apierror.NotFound("EVENT_NOT_FOUND", "Audit event not found."))
		return
	}

	httputil.WriteSuccess(w, event)
}
