package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/canopyworks/canopy/pkg/audit"
	"github.com/canopyworks/canopy/pkg/auth"
	"github.com/canopyworks/canopy/pkg/files"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/middleware"
	"github.com/canopyworks/canopy/pkg/observability"
	"github.com/canopyworks/canopy/pkg/quota"
	"github.com/canopyworks/canopy/pkg/rbac"
	"github.com/canopyworks/canopy/pkg/users"
)

// Endpoint classes for the rate limiter. Auth routes carry a tighter
// budget than the rest of the API.
const (
	ClassAPI  = "api"
	ClassAuth = "auth"
)

// Deps carries the wired components the server routes to. RateLimit may
// be nil to disable throttling in tests.
type Deps struct {
	Log       *observability.Logger
	Sessions  *auth.Service
	Users     *users.Service
	Registry  *rbac.Registry
	Files     *files.Service
	Audit     *audit.Store
	Quota     *quota.Tracker
	Auth      *middleware.Auth
	RateLimit *middleware.RateLimit

	// MaxBodyBytes caps request bodies; zero uses a 1 MiB default.
	MaxBodyBytes int64
}

// Server is the HTTP API. It owns the router and the middleware chain;
// handlers live in per-domain handler structs.
type Server struct {
	router *mux.Router
	log    *observability.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(d Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		log:    d.Log,
	}
	s.setupRoutes(d)
	return s
}

func (s *Server) setupRoutes(d Deps) {
	maxBody := d.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(d.Log),
		httputil.RecoveryMiddleware(d.Log),
		httputil.MaxBytesMiddleware(maxBody),
	)

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	}).Methods("GET")

	authHandlers := NewAuthHandlers(d.Sessions, d.Users, d.Quota)
	fileHandlers := NewFileHandlers(d.Files)
	userHandlers := NewUserHandlers(d.Users)
	roleHandlers := NewRoleHandlers(d.Registry)
	auditHandlers := NewAuditHandlers(d.Audit)

	limit := func(class string) mux.MiddlewareFunc {
		if d.RateLimit == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return d.RateLimit.Class(class)
	}

	// Session endpoints take no bearer token: login and register are
	// anonymous, refresh and logout authenticate with the refresh token
	// itself so they keep working after the access token expires.
	session := s.router.PathPrefix("/api/auth").Subrouter()
	session.Use(limit(ClassAuth))
	authHandlers.RegisterSessionRoutes(session)

	// Link resolution is the anonymous outside-facing surface.
	public := s.router.PathPrefix("/api").Subrouter()
	public.Use(limit(ClassAPI))
	fileHandlers.RegisterPublicRoutes(public)

	protected := s.router.PathPrefix("/api").Subrouter()
	protected.Use(d.Auth.Handler, limit(ClassAPI))
	authHandlers.RegisterAccountRoutes(protected)
	fileHandlers.RegisterRoutes(protected)

	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(d.Auth.Handler, limit(ClassAPI))
	userHandlers.RegisterRoutes(admin)
	roleHandlers.RegisterRoutes(admin)
	auditHandlers.RegisterRoutes(admin)
}

// Router exposes the underlying router for route registration in tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
