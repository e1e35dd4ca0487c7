package users

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/rbac"
)

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) {
	return "hashed:" + password, nil
}

func newTestService(t *testing.T) (*Service, *Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// The pool must stay on one connection or each new conn gets its own
	// empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT
		)`,
		`CREATE TABLE role_permissions (
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			PRIMARY KEY (role_id, permission_id)
		)`,
		`CREATE TABLE user_roles (
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			PRIMARY KEY (user_id, role_id)
		)`,
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			bytes_limit INTEGER NOT NULL DEFAULT 0,
			bytes_used INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	roleStore := rbac.NewStore(db)
	require.NoError(t, rbac.Bootstrap(context.Background(), roleStore))

	store := NewStore(db, roleStore)
	svc := NewService(store, rbac.NewRegistry(roleStore), plainHasher{}, 1<<30)
	return svc, store
}

type adminActor struct{}

func (adminActor) SubjectID() int64             { return 0 }
func (adminActor) Admin() bool                  { return true }
func (adminActor) Can(rbac.PermissionCode) bool { return true }

func TestRegisterAssignsDefaultRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "correct-horse")
	require.NoError(t, err)
	require.NotZero(t, user.ID)
	assert.Equal(t, "hashed:correct-horse", user.PasswordHash)
	assert.Equal(t, int64(1<<30), user.BytesLimit)
	require.Len(t, user.Roles, 1)
	assert.Equal(t, rbac.RoleUser, user.Roles[0].Name)

	assert.True(t, user.Can(rbac.PermFileRead))
	assert.False(t, user.Can(rbac.PermUserManage))
	assert.False(t, user.Admin())
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "ab", "long-enough")
	assert.Equal(t, "INVALID_USERNAME", apierror.CodeOf(err))

	_, err = svc.Register(ctx, "has spaces", "long-enough")
	assert.Equal(t, "INVALID_USERNAME", apierror.CodeOf(err))

	_, err = svc.Register(ctx, "admin", "long-enough")
	assert.Equal(t, "INVALID_USERNAME", apierror.CodeOf(err))

	_, err = svc.Register(ctx, "alice", "short")
	assert.Equal(t, "WEAK_PASSWORD", apierror.CodeOf(err))
}

func TestRegisterDuplicateCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "Alice", "long-enough")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "ALICE", "long-enough")
	assert.Equal(t, "USER_EXISTS", apierror.CodeOf(err))
	assert.Equal(t, 409, apierror.StatusOf(err))
}

func TestCreateRequiresUserManage(t *testing.T) {
	svc, _ := newTestService(t)

	nobody := noPermsActor{}
	_, err := svc.Create(context.Background(), nobody, CreateParams{
		Username: "bob", Password: "long-enough", IsActive: true,
	})
	assert.Equal(t, 403, apierror.StatusOf(err))
}

type noPermsActor struct{}

func (noPermsActor) SubjectID() int64             { return 99 }
func (noPermsActor) Admin() bool                  { return false }
func (noPermsActor) Can(rbac.PermissionCode) bool { return false }

func TestCreateWithExplicitQuotaAndRoles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	limit := int64(2048)
	user, err := svc.Create(ctx, adminActor{}, CreateParams{
		Username:   "bob",
		Password:   "long-enough",
		BytesLimit: &limit,
		Roles:      rbac.RoleRefs{Names: []string{"admin"}},
		IsActive:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), user.BytesLimit)
	assert.True(t, user.Admin())
}

func TestUpdateQuotaBelowUsageRejected(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "carol", "long-enough")
	require.NoError(t, err)
	user.BytesUsed = 5000
	require.NoError(t, store.Update(ctx, user))

	smaller := int64(4000)
	_, err = svc.Update(ctx, adminActor{}, user.ID, UpdateParams{BytesLimit: &smaller})
	assert.Equal(t, "INVALID_QUOTA", apierror.CodeOf(err))

	bigger := int64(6000)
	updated, err := svc.Update(ctx, adminActor{}, user.ID, UpdateParams{BytesLimit: &bigger})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), updated.BytesLimit)
	assert.Equal(t, int64(1000), updated.QuotaRemaining())
}

func TestUpdateLastAdminProtection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	admin, err := svc.EnsureAdmin(ctx, "root", "long-enough")
	require.NoError(t, err)
	require.NotNil(t, admin)

	inactive := false
	_, err = svc.Update(ctx, adminActor{}, admin.ID, UpdateParams{IsActive: &inactive})
	assert.Equal(t, "LAST_ADMIN", apierror.CodeOf(err))

	_, err = svc.Update(ctx, adminActor{}, admin.ID, UpdateParams{
		Roles: &rbac.RoleRefs{Names: []string{"user"}},
	})
	assert.Equal(t, "LAST_ADMIN", apierror.CodeOf(err))

	// With a second admin present, the first may step down.
	_, err = svc.Create(ctx, adminActor{}, CreateParams{
		Username: "backup",
		Password: "long-enough",
		Roles:    rbac.RoleRefs{Names: []string{"admin"}},
		IsActive: true,
	})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, adminActor{}, admin.ID, UpdateParams{
		Roles: &rbac.RoleRefs{Names: []string{"user"}},
	})
	require.NoError(t, err)
	assert.False(t, updated.Admin())
}

func TestEnsureAdminOnlyOnEmptyDatabase(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	admin, err := svc.EnsureAdmin(ctx, "root", "long-enough")
	require.NoError(t, err)
	require.NotNil(t, admin)
	assert.True(t, admin.Admin())

	again, err := svc.EnsureAdmin(ctx, "root2", "long-enough")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestEnsureAdminAcceptsReservedName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// "admin" shadows a system role name, which ordinary account
	// creation refuses. The first-boot account is the exception.
	admin, err := svc.EnsureAdmin(ctx, "admin", "long-enough")
	require.NoError(t, err)
	require.NotNil(t, admin)
	assert.True(t, admin.Admin())

	_, err = svc.Register(ctx, "user", "long-enough")
	require.Error(t, err)
	assert.Equal(t, "INVALID_USERNAME", apierror.CodeOf(err))
}

func TestPermissionCodesSortedUnion(t *testing.T) {
	user := &User{Roles: []rbac.Role{
		{Name: "a", Permissions: []rbac.Permission{
			{ID: 1, Code: rbac.PermFileWrite},
			{ID: 2, Code: rbac.PermFileRead},
		}},
		{Name: "b", Permissions: []rbac.Permission{
			{ID: 2, Code: rbac.PermFileRead},
			{ID: 3, Code: rbac.PermMediaView},
		}},
	}}

	assert.Equal(t, []string{"FILE_READ", "FILE_WRITE", "MEDIA_VIEW"}, user.PermissionCodes())
}
