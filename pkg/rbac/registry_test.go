package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyworks/canopy/pkg/apierror"
)

func newTestRegistry(t *testing.T) (*Registry, *Store) {
	t.Helper()
	store := NewStore(newTestDB(t))
	require.NoError(t, Bootstrap(context.Background(), store))
	return NewRegistry(store), store
}

func TestCreateRoleValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateRole(ctx, "ab", "", PermissionRefs{})
	assert.Equal(t, "INVALID_ROLE_NAME", apierror.CodeOf(err))

	_, err = reg.CreateRole(ctx, "Admin", "", PermissionRefs{})
	assert.Equal(t, "INVALID_ROLE_NAME", apierror.CodeOf(err))

	_, err = reg.CreateRole(ctx, "  USER  ", "", PermissionRefs{})
	assert.Equal(t, "INVALID_ROLE_NAME", apierror.CodeOf(err))

	role, err := reg.CreateRole(ctx, "auditor", "Read-only reviewer", PermissionRefs{
		Codes: []string{"FILE_READ"},
	})
	require.NoError(t, err)
	assert.True(t, role.HasPermission(PermFileRead))

	_, err = reg.CreateRole(ctx, "AUDITOR", "", PermissionRefs{})
	assert.Equal(t, "ROLE_EXISTS", apierror.CodeOf(err))
	assert.Equal(t, 409, apierror.StatusOf(err))
}

func TestCreateRoleRejectsUnknownPermission(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.CreateRole(context.Background(), "broken", "", PermissionRefs{
		Codes: []string{"FILE_READ", "NO_SUCH_PERMISSION"},
	})
	assert.Equal(t, "INVALID_PERMISSION", apierror.CodeOf(err))
}

func TestUpdateRoleSystemLocks(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	admin, err := store.RoleByName(ctx, RoleAdmin)
	require.NoError(t, err)
	require.NotNil(t, admin)

	newName := "superadmin"
	_, err = reg.UpdateRole(ctx, admin.ID, RoleUpdate{Name: &newName})
	assert.Equal(t, "SYSTEM_ROLE_LOCKED", apierror.CodeOf(err))

	_, err = reg.UpdateRole(ctx, admin.ID, RoleUpdate{
		Permissions: &PermissionRefs{Codes: []string{"FILE_READ"}},
	})
	assert.Equal(t, "SYSTEM_ROLE_LOCKED", apierror.CodeOf(err))

	// Description edits on system roles stay allowed.
	desc := "All workspace capabilities"
	updated, err := reg.UpdateRole(ctx, admin.ID, RoleUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
}

func TestUpdateRoleRejectedWholeOnLockedPermissions(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	admin, err := store.RoleByName(ctx, RoleAdmin)
	require.NoError(t, err)

	// A request mixing an allowed description edit with a locked
	// permission change must not apply either part.
	desc := "sneaky"
	_, err = reg.UpdateRole(ctx, admin.ID, RoleUpdate{
		Description: &desc,
		Permissions: &PermissionRefs{Codes: []string{"FILE_READ"}},
	})
	assert.Equal(t, "SYSTEM_ROLE_LOCKED", apierror.CodeOf(err))

	reloaded, err := store.GetRole(ctx, admin.ID)
	require.NoError(t, err)
	assert.NotEqual(t, desc, reloaded.Description)
	assert.Len(t, reloaded.Permissions, len(admin.Permissions))
}

func TestUpdateRoleRejectedWholeOnBadPermissionRef(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	role, err := reg.CreateRole(ctx, "editor", "writers", PermissionRefs{
		Codes: []string{"FILE_READ", "FILE_WRITE"},
	})
	require.NoError(t, err)

	name := "editors"
	_, err = reg.UpdateRole(ctx, role.ID, RoleUpdate{
		Name:        &name,
		Permissions: &PermissionRefs{Codes: []string{"FILE_READ", "NO_SUCH_PERMISSION"}},
	})
	assert.Equal(t, "INVALID_PERMISSION", apierror.CodeOf(err))

	reloaded, err := store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "editor", reloaded.Name)
	assert.Len(t, reloaded.Permissions, 2)
}

func TestUpdateRoleReplacesPermissions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	role, err := reg.CreateRole(ctx, "editor", "", PermissionRefs{
		Codes: []string{"FILE_READ", "FILE_WRITE"},
	})
	require.NoError(t, err)

	updated, err := reg.UpdateRole(ctx, role.ID, RoleUpdate{
		Permissions: &PermissionRefs{Codes: []string{"FILE_READ"}},
	})
	require.NoError(t, err)
	require.Len(t, updated.Permissions, 1)
	assert.Equal(t, PermFileRead, updated.Permissions[0].Code)

	// An explicit empty set clears every permission.
	cleared, err := reg.UpdateRole(ctx, role.ID, RoleUpdate{
		Permissions: &PermissionRefs{},
	})
	require.NoError(t, err)
	assert.Empty(t, cleared.Permissions)
}

func TestDeleteRoleGuards(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	user, err := store.RoleByName(ctx, RoleUser)
	require.NoError(t, err)
	err = reg.DeleteRole(ctx, user.ID)
	assert.Equal(t, "SYSTEM_ROLE_LOCKED", apierror.CodeOf(err))

	role, err := reg.CreateRole(ctx, "temp", "", PermissionRefs{})
	require.NoError(t, err)
	require.NoError(t, store.SetUserRoles(ctx, 7, []int64{role.ID}))

	err = reg.DeleteRole(ctx, role.ID)
	assert.Equal(t, "ROLE_IN_USE", apierror.CodeOf(err))
	assert.Equal(t, 409, apierror.StatusOf(err))

	require.NoError(t, store.SetUserRoles(ctx, 7, nil))
	require.NoError(t, reg.DeleteRole(ctx, role.ID))

	err = reg.DeleteRole(ctx, role.ID)
	assert.Equal(t, "ROLE_NOT_FOUND", apierror.CodeOf(err))
}

func TestResolveRolesAllOrNothing(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	admin, err := store.RoleByName(ctx, RoleAdmin)
	require.NoError(t, err)

	roles, err := reg.ResolveRoles(ctx, RoleRefs{Names: []string{"admin", "user"}})
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	_, err = reg.ResolveRoles(ctx, RoleRefs{Names: []string{"admin", "ghost"}})
	assert.Equal(t, "INVALID_ROLE", apierror.CodeOf(err))

	_, err = reg.ResolveRoles(ctx, RoleRefs{IDs: []int64{admin.ID, 9999}})
	assert.Equal(t, "INVALID_ROLE", apierror.CodeOf(err))

	// Duplicates across id and name collapse to one role.
	roles, err = reg.ResolveRoles(ctx, RoleRefs{IDs: []int64{admin.ID}, Names: []string{"admin"}})
	require.NoError(t, err)
	assert.Len(t, roles, 1)
}

func TestAssignRolesRequiresRoleManage(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	actor := fakeSubject{id: 1, perms: map[PermissionCode]bool{PermUserManage: true}}
	_, err := reg.AssignRoles(ctx, actor, 5, RoleRefs{Names: []string{"user"}})
	assert.Equal(t, 403, apierror.StatusOf(err))

	manager := fakeSubject{id: 1, perms: map[PermissionCode]bool{PermRoleManage: true}}
	roles, err := reg.AssignRoles(ctx, manager, 5, RoleRefs{Names: []string{"admin"}})
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, RoleAdmin, roles[0].Name)

	held, err := store.UserRoles(ctx, 5)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, RoleAdmin, held[0].Name)
}

func TestAssignRolesDefaultsToUserRole(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	manager := fakeSubject{id: 1, perms: map[PermissionCode]bool{PermRoleManage: true}}
	roles, err := reg.AssignRoles(ctx, manager, 8, RoleRefs{})
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, RoleUser, roles[0].Name)

	held, err := store.UserRoles(ctx, 8)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, RoleUser, held[0].Name)
}
