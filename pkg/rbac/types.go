// Package rbac implements the role/permission model and the access
// decision engine for workspace resources. Permissions form a closed
// catalog; roles bundle permissions and are assigned to users; per-node
// internal shares grant additional access resolved along the ancestor
// chain.
package rbac

import "strings"

// PermissionCode is an atomic capability gating an action class.
// The catalog is closed: codes are fixed at compile time and only the
// bootstrap process materializes them as rows.
type PermissionCode string

const (
	PermFileRead            PermissionCode = "FILE_READ"
	PermFileWrite           PermissionCode = "FILE_WRITE"
	PermFileDelete          PermissionCode = "FILE_DELETE"
	PermShareInternalManage PermissionCode = "SHARE_INTERNAL_MANAGE"
	PermShareExternalManage PermissionCode = "SHARE_EXTERNAL_MANAGE"
	PermShareViewReceived   PermissionCode = "SHARE_VIEW_RECEIVED"
	PermOfficeUse           PermissionCode = "OFFICE_USE"
	PermIDEUse              PermissionCode = "IDE_USE"
	PermMediaView           PermissionCode = "MEDIA_VIEW"
	PermUserManage          PermissionCode = "USER_MANAGE"
	PermRoleManage          PermissionCode = "ROLE_MANAGE"
	PermServerSettings      PermissionCode = "SERVER_SETTINGS"
)

// Catalog returns every permission code in stable order.
func Catalog() []PermissionCode {
	return []PermissionCode{
		PermFileRead,
		PermFileWrite,
		PermFileDelete,
		PermShareInternalManage,
		PermShareExternalManage,
		PermShareViewReceived,
		PermOfficeUse,
		PermIDEUse,
		PermMediaView,
		PermUserManage,
		PermRoleManage,
		PermServerSettings,
	}
}

// Valid reports whether the code is part of the catalog.
func (c PermissionCode) Valid() bool {
	for _, known := range Catalog() {
		if c == known {
			return true
		}
	}
	return false
}

// DisplayName derives the human-readable name from the code
// ("FILE_READ" -> "File Read").
func (c PermissionCode) DisplayName() string {
	words := strings.Split(string(c), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// Action is an operation class performed against a workspace resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// RequiredPermission maps an action to the permission gating it.
// Unknown actions map to nothing and must be denied by callers.
func (a Action) RequiredPermission() (PermissionCode, bool) {
	switch a {
	case ActionRead:
		return PermFileRead, true
	case ActionWrite:
		return PermFileWrite, true
	case ActionDelete:
		return PermFileDelete, true
	}
	return "", false
}

// Reserved role names. Their identity and permission sets are managed by
// bootstrap only and are locked against admin-API edits.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// IsReservedRoleName reports whether name collides with a system role,
// case-insensitively.
func IsReservedRoleName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return lower == RoleAdmin || lower == RoleUser
}

// DefaultUserPermissions is the bootstrap permission set of the reserved
// `user` role.
func DefaultUserPermissions() []PermissionCode {
	return []PermissionCode{
		PermFileRead,
		PermFileWrite,
		PermFileDelete,
		PermShareInternalManage,
		PermShareExternalManage,
		PermShareViewReceived,
		PermOfficeUse,
		PermIDEUse,
		PermMediaView,
	}
}

// Permission is a catalog row.
type Permission struct {
	ID   int64          `json:"id"`
	Code PermissionCode `json:"code"`
	Name string         `json:"name"`
}

// Role is a named bundle of permissions assignable to users.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// Reserved reports whether the role is one of the system roles.
func (r *Role) Reserved() bool {
	return IsReservedRoleName(r.Name)
}

// HasPermission reports whether the role grants the code.
func (r *Role) HasPermission(code PermissionCode) bool {
	for _, p := range r.Permissions {
		if p.Code == code {
			return true
		}
	}
	return false
}

// ShareLevel is the access level of an internal share grant.
type ShareLevel string

const (
	ShareRead  ShareLevel = "read"
	ShareWrite ShareLevel = "write"
)

// ParseShareLevel validates a share level string, defaulting empty input
// to read access.
func ParseShareLevel(s string) (ShareLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ShareRead):
		return ShareRead, true
	case string(ShareWrite):
		return ShareWrite, true
	}
	return "", false
}

// Satisfies reports whether a grant at this level covers the action.
// Write grants cover everything; read grants cover reads only.
func (l ShareLevel) Satisfies(a Action) bool {
	if l == ShareWrite {
		return true
	}
	return l == ShareRead && a == ActionRead
}

// stronger reports whether l outranks other.
func (l ShareLevel) stronger(other ShareLevel) bool {
	return l == ShareWrite && other != ShareWrite
}
