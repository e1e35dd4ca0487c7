package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapCreatesCatalogAndRoles(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, Bootstrap(ctx, store))

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, len(Catalog()))

	admin, err := store.RoleByName(ctx, RoleAdmin)
	require.NoError(t, err)
	require.NotNil(t, admin)
	assert.Len(t, admin.Permissions, len(Catalog()))

	user, err := store.RoleByName(ctx, RoleUser)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Len(t, user.Permissions, len(DefaultUserPermissions()))
	assert.False(t, user.HasPermission(PermUserManage))
	assert.False(t, user.HasPermission(PermRoleManage))
	assert.False(t, user.HasPermission(PermServerSettings))
}

func TestBootstrapIsIdempotent(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, Bootstrap(ctx, store))
	admin, err := store.RoleByName(ctx, RoleAdmin)
	require.NoError(t, err)

	require.NoError(t, Bootstrap(ctx, store))

	again, err := store.RoleByName(ctx, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, again.ID)

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, len(Catalog()))
}

func TestBootstrapReassertsReservedPermissions(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, Bootstrap(ctx, store))
	user, err := store.RoleByName(ctx, RoleUser)
	require.NoError(t, err)

	// Simulate drift: strip the user role down to nothing.
	require.NoError(t, store.SetRolePermissions(ctx, user.ID, nil))

	require.NoError(t, Bootstrap(ctx, store))

	restored, err := store.RoleByName(ctx, RoleUser)
	require.NoError(t, err)
	assert.Len(t, restored.Permissions, len(DefaultUserPermissions()))
}
