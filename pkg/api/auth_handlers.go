package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/canopyworks/canopy/pkg/auth"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/middleware"
	"github.com/canopyworks/canopy/pkg/quota"
	"github.com/canopyworks/canopy/pkg/users"
)

// AuthHandlers handles session lifecycle and account-facing requests.
type AuthHandlers struct {
	sessions *auth.Service
	users    *users.Service
	quota    *quota.Tracker
}

// NewAuthHandlers creates a new auth handlers instance.
func NewAuthHandlers(sessions *auth.Service, userSvc *users.Service, tracker *quota.Tracker) *AuthHandlers {
	return &AuthHandlers{
		sessions: sessions,
		users:    userSvc,
		quota:    tracker,
	}
}

// RegisterSessionRoutes registers the tokenless session routes.
func (h *AuthHandlers) RegisterSessionRoutes(router *mux.Router) {
	router.HandleFunc("/login", h.login).Methods("POST")
	router.HandleFunc("/refresh", h.refresh).Methods("POST")
	router.HandleFunc("/logout", h.logout).Methods("POST")
	router.HandleFunc("/register", h.register).Methods("POST")
}

// RegisterAccountRoutes registers the authenticated account routes.
func (h *AuthHandlers) RegisterAccountRoutes(router *mux.Router) {
	router.HandleFunc("/me", h.me).Methods("GET")
	router.HandleFunc("/me/usage", h.usage).Methods("GET")
}

// sessionResponse pairs the tokens with the account they belong to.
type sessionResponse struct {
	User   *users.User     `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
}

func requestInfo(r *http.Request) auth.RequestInfo {
	return auth.RequestInfo{
		IP:        httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// login handles POST /api/auth/login
func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	pair, user, err := h.sessions.Login(r.Context(), req.Username, req.Password, requestInfo(r))
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, sessionResponse{User: user, Tokens: pair})
}

// refresh handles POST /api/auth/refresh
func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	pair, user, err := h.sessions.Refresh(r.Context(), req.RefreshToken, requestInfo(r))
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, sessionResponse{User: user, Tokens: pair})
}

// logout handles POST /api/auth/logout
func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.sessions.Logout(r.Context(), req.RefreshToken, requestInfo(r)); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// register handles POST /api/auth/register
func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, user)
}

// me handles GET /api/me
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, user)
}

// usage handles GET /api/me/usage
func (h *AuthHandlers) usage(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.RequireUser(w, r)
	if !ok {
		return
	}

	bandwidth, err := h.quota.MonthUsage(r.Context(), user.ID)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]int64{
		"bytes_used":            user.BytesUsed,
		"bytes_limit":           user.BytesLimit,
		"bandwidth_month_bytes": bandwidth,
	})
}
