// Package contextkeys provides centralized context key definitions.
//
// All context keys shared across packages live here so that producers
// (middleware) and consumers (handlers) agree on the key and the stored
// type without importing each other.
package contextkeys

import (
	"context"

	"github.com/canopyworks/canopy/pkg/users"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserKey contains the authenticated *users.User.
	// Set by: middleware.Auth after token verification.
	// Required by: all protected API endpoints.
	UserKey Key = "user"

	// SessionIDKey contains the JWT ID of the access token used on this
	// request. Set by middleware.Auth, consumed by audit emission.
	SessionIDKey Key = "session_id"
)

// WithUser stores the authenticated user in the context.
func WithUser(ctx context.Context, user *users.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// GetUser retrieves the authenticated user, or nil when the request is
// anonymous.
func GetUser(ctx context.Context) *users.User {
	if user, ok := ctx.Value(UserKey).(*users.User); ok {
		return user
	}
	return nil
}

// WithSessionID stores the access token's JWT ID in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// GetSessionID retrieves the access token's JWT ID, or "".
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}
