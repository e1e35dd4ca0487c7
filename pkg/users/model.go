// Package users implements workspace account management: the user model,
// persistence, and the admin operations (create, update, quota edits,
// deactivation) layered over it.
package users

import (
	"sort"
	"time"

	"github.com/canopyworks/canopy/pkg/rbac"
)

// User is a workspace account. Roles are loaded alongside the row so a
// user value is self-sufficient for access decisions.
type User struct {
	ID           int64       `json:"id"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"-"`
	IsActive     bool        `json:"is_active"`
	BytesLimit   int64       `json:"bytes_limit"`
	BytesUsed    int64       `json:"bytes_used"`
	CreatedAt    time.Time   `json:"created_at"`
	Roles        []rbac.Role `json:"roles"`
}

// SubjectID implements rbac.Subject.
func (u *User) SubjectID() int64 {
	return u.ID
}

// Admin reports whether the user holds the reserved admin role.
func (u *User) Admin() bool {
	for _, role := range u.Roles {
		if role.Name == rbac.RoleAdmin {
			return true
		}
	}
	return false
}

// Can reports whether any of the user's roles grants the permission.
func (u *User) Can(code rbac.PermissionCode) bool {
	for _, role := range u.Roles {
		if role.HasPermission(code) {
			return true
		}
	}
	return false
}

// HasPermission is an alias kept for call sites that read better with it.
func (u *User) HasPermission(code rbac.PermissionCode) bool {
	return u.Can(code)
}

// PermissionCodes returns the union of role permissions, sorted and
// deduplicated. Used for token claims and the /me payload.
func (u *User) PermissionCodes() []string {
	seen := make(map[string]bool)
	for _, role := range u.Roles {
		for _, p := range role.Permissions {
			seen[string(p.Code)] = true
		}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// RoleNames returns the user's role names in assignment order.
func (u *User) RoleNames() []string {
	names := make([]string, len(u.Roles))
	for i, role := range u.Roles {
		names[i] = role.Name
	}
	return names
}

// QuotaRemaining reports the storage bytes still available.
func (u *User) QuotaRemaining() int64 {
	remaining := u.BytesLimit - u.BytesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
