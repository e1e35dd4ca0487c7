package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/auth"
	"github.com/canopyworks/canopy/pkg/contextkeys"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/rbac"
	"github.com/canopyworks/canopy/pkg/users"
)

// Authenticator validates an access token and resolves its user.
// Implemented by auth.Service.
type Authenticator interface {
	Authenticate(ctx context.Context, rawAccess string) (*users.User, *auth.Claims, error)
}

// Auth provides bearer token authentication middleware
type Auth struct {
	authenticator Authenticator
	optional      bool // If true, allow requests without a token
}

// NewAuth creates authentication middleware
func NewAuth(authenticator Authenticator, optional bool) *Auth {
	return &Auth{
		authenticator: authenticator,
		optional:      optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "MISSING_TOKEN", "Authorization header is required.")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.WriteUnauthorized(w, "INVALID_TOKEN", "Authorization header must be a bearer token.")
			return
		}

		user, claims, err := m.authenticator.Authenticate(r.Context(), parts[1])
		if err != nil {
			httputil.WriteAPIError(w, err)
			return
		}

		ctx := contextkeys.WithUser(r.Context(), user)
		ctx = contextkeys.WithSessionID(ctx, claims.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser extracts the authenticated user from the request, writing
// a 401 when the request is anonymous.
func RequireUser(w http.ResponseWriter, r *http.Request) (*users.User, bool) {
	user := contextkeys.GetUser(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "MISSING_TOKEN", "Authentication required.")
		return nil, false
	}
	return user, true
}

// RequirePermission creates middleware that checks for a specific permission
func RequirePermission(code rbac.PermissionCode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := RequireUser(w, r)
			if !ok {
				return
			}
			if !user.Admin() && !user.Can(code) {
				httputil.WriteAPIError(w, apierror.Forbidden("Insufficient permissions."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin creates middleware that restricts a route to administrators
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := RequireUser(w, r)
		if !ok {
			return
		}
		if !user.Admin() {
			httputil.WriteAPIError(w, apierror.Forbidden("Administrator access required."))
			return
		}
		next.ServeHTTP(w, r)
	})
}
