package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/canopyworks/canopy/pkg/apierror"
)

// Registry enforces the role management rules on top of the store:
// reserved-role locking, name validation, in-use protection, and
// all-or-nothing reference resolution.
type Registry struct {
	store *Store
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store *Store) *Registry {
	return &Registry{store: store}
}

// Store exposes the underlying store for collaborators that only read.
func (r *Registry) Store() *Store {
	return r.store
}

// RoleRefs identifies roles by id and/or name. Both lists may be used
// together; every entry must resolve or the whole resolution fails.
type RoleRefs struct {
	IDs   []int64
	Names []string
}

// Empty reports whether no reference was supplied at all.
func (refs RoleRefs) Empty() bool {
	return len(refs.IDs) == 0 && len(refs.Names) == 0
}

// PermissionRefs identifies permissions by id and/or code.
type PermissionRefs struct {
	IDs   []int64
	Codes []string
}

// Empty reports whether no reference was supplied at all.
func (refs PermissionRefs) Empty() bool {
	return len(refs.IDs) == 0 && len(refs.Codes) == 0
}

// ResolveRoles resolves a mixed id/name reference list. Partial matches
// are a hard INVALID_ROLE error, never silently dropped: assigning fewer
// roles than an admin asked for is a privilege surprise.
func (r *Registry) ResolveRoles(ctx context.Context, refs RoleRefs) ([]Role, error) {
	var roles []Role

	if len(refs.IDs) > 0 {
		found, err := r.store.RolesByIDs(ctx, refs.IDs)
		if err != nil {
			return nil, err
		}
		if len(uniqueRoleIDs(found)) != len(uniqueInt64(refs.IDs)) {
			return nil, apierror.Invalid("INVALID_ROLE", "One or more role_ids are invalid.")
		}
		roles = append(roles, found...)
	}

	if len(refs.Names) > 0 {
		found, err := r.store.RolesByNames(ctx, refs.Names)
		if err != nil {
			return nil, err
		}
		if len(uniqueRoleNames(found)) != len(uniqueStrings(refs.Names)) {
			return nil, apierror.Invalid("INVALID_ROLE", "One or more role_names are invalid.")
		}
		roles = append(roles, found...)
	}

	if len(roles) == 0 && !refs.Empty() {
		return nil, apierror.Invalid("INVALID_ROLE", "At least one valid role is required.")
	}

	return dedupeRoles(roles), nil
}

// ResolvePermissions resolves a mixed id/code reference list with the
// same all-or-nothing rule. A nil result means "no permission filter was
// supplied" as opposed to "empty permission set".
func (r *Registry) ResolvePermissions(ctx context.Context, refs PermissionRefs) ([]Permission, error) {
	if refs.Empty() {
		return nil, nil
	}

	var perms []Permission

	if len(refs.IDs) > 0 {
		found, err := r.store.PermissionsByIDs(ctx, refs.IDs)
		if err != nil {
			return nil, err
		}
		if len(found) != len(uniqueInt64(refs.IDs)) {
			return nil, apierror.Invalid("INVALID_PERMISSION", "One or more permission_ids are invalid.")
		}
		perms = append(perms, found...)
	}

	if len(refs.Codes) > 0 {
		found, err := r.store.PermissionsByCodes(ctx, refs.Codes)
		if err != nil {
			return nil, err
		}
		if len(found) != len(uniqueStrings(refs.Codes)) {
			return nil, apierror.Invalid("INVALID_PERMISSION", "One or more permission_codes are invalid.")
		}
		perms = append(perms, found...)
	}

	return dedupePermissions(perms), nil
}

// CreateRole validates and creates a non-reserved role.
func (r *Registry) CreateRole(ctx context.Context, name, description string, permRefs PermissionRefs) (*Role, error) {
	name = strings.TrimSpace(name)
	if len(name) < 3 {
		return nil, apierror.Invalid("INVALID_ROLE_NAME", "Role name must be at least 3 characters.")
	}
	if IsReservedRoleName(name) {
		return nil, apierror.Invalid("INVALID_ROLE_NAME", "Reserved role names cannot be created.")
	}
	taken, err := r.roleNameTaken(ctx, name, 0)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apierror.Conflict("ROLE_EXISTS", "Role name already exists.")
	}

	perms, err := r.ResolvePermissions(ctx, permRefs)
	if err != nil {
		return nil, err
	}

	role := &Role{
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: perms,
	}
	if err := r.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// RoleUpdate carries the optional fields of an update request. Nil means
// "leave unchanged".
type RoleUpdate struct {
	Name        *string
	Description *string
	Permissions *PermissionRefs
}

// UpdateRole applies an update, honoring the reserved-role locks: system
// role names cannot change and their permission sets are bootstrap-owned.
func (r *Registry) UpdateRole(ctx context.Context, roleID int64, update RoleUpdate) (*Role, error) {
	role, err := r.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, apierror.NotFound("ROLE_NOT_FOUND", "Role not found.")
	}

	// Validate the whole request before the first write, so a rejected
	// update never leaves part of itself behind.
	var perms []Permission
	if update.Permissions != nil {
		if role.Reserved() {
			return nil, apierror.Invalid("SYSTEM_ROLE_LOCKED", "System role permissions are managed by bootstrap.")
		}
		perms, err = r.ResolvePermissions(ctx, *update.Permissions)
		if err != nil {
			return nil, err
		}
		if perms == nil {
			perms = []Permission{}
		}
	}

	if update.Name != nil {
		next := strings.TrimSpace(*update.Name)
		if len(next) < 3 {
			return nil, apierror.Invalid("INVALID_ROLE_NAME", "Role name must be at least 3 characters.")
		}
		if role.Reserved() && !strings.EqualFold(next, role.Name) {
			return nil, apierror.Invalid("SYSTEM_ROLE_LOCKED", "System role names cannot be changed.")
		}
		taken, err := r.roleNameTaken(ctx, next, role.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apierror.Conflict("ROLE_EXISTS", "Role name already exists.")
		}
		role.Name = next
	}

	if update.Description != nil {
		role.Description = strings.TrimSpace(*update.Description)
	}

	if err := r.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}

	if update.Permissions != nil {
		if err := r.store.SetRolePermissions(ctx, role.ID, perms); err != nil {
			return nil, err
		}
		role.Permissions = perms
	}

	return role, nil
}

// DeleteRole removes a role unless it is reserved or still assigned.
func (r *Registry) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := r.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role == nil {
		return apierror.NotFound("ROLE_NOT_FOUND", "Role not found.")
	}
	if role.Reserved() {
		return apierror.Invalid("SYSTEM_ROLE_LOCKED", "System roles cannot be deleted.")
	}

	assigned, err := r.store.RoleAssignmentCount(ctx, role.ID)
	if err != nil {
		return err
	}
	if assigned > 0 {
		return apierror.Conflict("ROLE_IN_USE", "Role is still assigned to one or more users.")
	}

	return r.store.DeleteRole(ctx, role.ID)
}

// AssignRoles replaces a user's role set. The actor must hold ROLE_MANAGE
// even when it already has USER_MANAGE: role assignment is a distinct
// privilege from user administration.
func (r *Registry) AssignRoles(ctx context.Context, actor Subject, userID int64, refs RoleRefs) ([]Role, error) {
	if !actor.Can(PermRoleManage) {
		return nil, apierror.Forbidden("Role assignment requires the ROLE_MANAGE permission.")
	}

	var roles []Role
	var err error
	if refs.Empty() {
		// No filter supplied: fall back to the default user role.
		defaultRole, err := r.store.RoleByName(ctx, RoleUser)
		if err != nil {
			return nil, err
		}
		if defaultRole == nil {
			return nil, apierror.Internal("Default user role is missing.")
		}
		roles = []Role{*defaultRole}
	} else {
		roles, err = r.ResolveRoles(ctx, refs)
		if err != nil {
			return nil, err
		}
	}

	ids := make([]int64, len(roles))
	for i, role := range roles {
		ids[i] = role.ID
	}
	if err := r.store.SetUserRoles(ctx, userID, ids); err != nil {
		return nil, err
	}
	return roles, nil
}

func (r *Registry) roleNameTaken(ctx context.Context, name string, excludeID int64) (bool, error) {
	existing, err := r.store.RoleByName(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check role name: %w", err)
	}
	return existing != nil && existing.ID != excludeID, nil
}

func dedupeRoles(roles []Role) []Role {
	seen := make(map[int64]bool, len(roles))
	out := roles[:0]
	for _, role := range roles {
		if seen[role.ID] {
			continue
		}
		seen[role.ID] = true
		out = append(out, role)
	}
	return out
}

func dedupePermissions(perms []Permission) []Permission {
	seen := make(map[int64]bool, len(perms))
	out := perms[:0]
	for _, p := range perms {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}

func uniqueInt64(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func uniqueRoleIDs(roles []Role) []int64 {
	ids := make([]int64, len(roles))
	for i, role := range roles {
		ids[i] = role.ID
	}
	return uniqueInt64(ids)
}

func uniqueRoleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = role.Name
	}
	return uniqueStrings(names)
}
