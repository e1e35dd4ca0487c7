package users

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/rbac"
)

// PasswordHasher abstracts password hashing so this package stays free of
// a dependency on the auth package.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,32}$`)

const minPasswordLength = 8

// Service implements account administration on top of the store. Role
// assignment goes through the rbac registry so its locking rules apply.
type Service struct {
	store             *Store
	registry          *rbac.Registry
	hasher            PasswordHasher
	defaultBytesLimit int64
	now               func() time.Time
}

// NewService creates a user service. defaultBytesLimit applies to new
// accounts created without an explicit quota.
func NewService(store *Store, registry *rbac.Registry, hasher PasswordHasher, defaultBytesLimit int64) *Service {
	return &Service{
		store:             store,
		registry:          registry,
		hasher:            hasher,
		defaultBytesLimit: defaultBytesLimit,
		now:               time.Now,
	}
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() *Store {
	return s.store
}

// CreateParams carries a create request. A nil BytesLimit means "use the
// server default".
type CreateParams struct {
	Username   string
	Password   string
	BytesLimit *int64
	Roles      rbac.RoleRefs
	IsActive   bool
}

// Create validates and creates an account. The actor must hold
// USER_MANAGE; role assignment additionally requires ROLE_MANAGE and is
// enforced by the registry.
func (s *Service) Create(ctx context.Context, actor rbac.Subject, params CreateParams) (*User, error) {
	if !actor.Can(rbac.PermUserManage) {
		return nil, apierror.Forbidden("User administration requires the USER_MANAGE permission.")
	}
	user, err := s.create(ctx, params)
	if err != nil {
		return nil, err
	}
	roles, err := s.registry.AssignRoles(ctx, actor, user.ID, params.Roles)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return user, nil
}

// Register creates a self-service account with the default user role and
// the server default quota. The caller gates on the registration-enabled
// setting before invoking this.
func (s *Service) Register(ctx context.Context, username, password string) (*User, error) {
	user, err := s.create(ctx, CreateParams{
		Username: username,
		Password: password,
		IsActive: true,
	})
	if err != nil {
		return nil, err
	}
	defaultRole, err := s.registry.Store().RoleByName(ctx, rbac.RoleUser)
	if err != nil {
		return nil, err
	}
	if defaultRole == nil {
		return nil, apierror.Internal("Default user role is missing.")
	}
	if err := s.registry.Store().SetUserRoles(ctx, user.ID, []int64{defaultRole.ID}); err != nil {
		return nil, err
	}
	user.Roles = []rbac.Role{*defaultRole}
	return user, nil
}

func (s *Service) create(ctx context.Context, params CreateParams) (*User, error) {
	return s.createAccount(ctx, params, false)
}

func (s *Service) createAccount(ctx context.Context, params CreateParams, allowReserved bool) (*User, error) {
	username := strings.TrimSpace(params.Username)
	if !usernamePattern.MatchString(username) {
		return nil, apierror.Invalid("INVALID_USERNAME",
			"Username must be 3-32 characters of letters, digits, dot, underscore or dash.")
	}
	if !allowReserved && rbac.IsReservedRoleName(username) {
		// Usernames shadowing system role names confuse audit queries.
		return nil, apierror.Invalid("INVALID_USERNAME", "This username is reserved.")
	}
	if len(params.Password) < minPasswordLength {
		return nil, apierror.Invalid("WEAK_PASSWORD", "Password must be at least 8 characters.")
	}

	existing, err := s.store.ByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apierror.Conflict("USER_EXISTS", "Username already taken.")
	}

	hash, err := s.hasher.Hash(params.Password)
	if err != nil {
		return nil, apierror.Internal("Could not hash password.")
	}

	limit := s.defaultBytesLimit
	if params.BytesLimit != nil {
		if *params.BytesLimit < 0 {
			return nil, apierror.Invalid("INVALID_QUOTA", "Quota must not be negative.")
		}
		limit = *params.BytesLimit
	}

	user := &User{
		Username:     username,
		PasswordHash: hash,
		IsActive:     params.IsActive,
		BytesLimit:   limit,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateParams carries the optional fields of an account update. Nil
// means "leave unchanged".
type UpdateParams struct {
	Password   *string
	IsActive   *bool
	BytesLimit *int64
	Roles      *rbac.RoleRefs
}

// Update applies an account update. Quota edits below current usage are
// rejected rather than silently truncating the user's data. Deactivating
// or demoting the last active admin is refused.
func (s *Service) Update(ctx context.Context, actor rbac.Subject, userID int64, params UpdateParams) (*User, error) {
	if !actor.Can(rbac.PermUserManage) {
		return nil, apierror.Forbidden("User administration requires the USER_MANAGE permission.")
	}

	user, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apierror.NotFound("USER_NOT_FOUND", "User not found.")
	}

	if params.Password != nil {
		if len(*params.Password) < minPasswordLength {
			return nil, apierror.Invalid("WEAK_PASSWORD", "Password must be at least 8 characters.")
		}
		hash, err := s.hasher.Hash(*params.Password)
		if err != nil {
			return nil, apierror.Internal("Could not hash password.")
		}
		user.PasswordHash = hash
	}

	if params.BytesLimit != nil {
		if *params.BytesLimit < 0 {
			return nil, apierror.Invalid("INVALID_QUOTA", "Quota must not be negative.")
		}
		if *params.BytesLimit < user.BytesUsed {
			return nil, apierror.Invalid("INVALID_QUOTA", "Quota cannot be set below current usage.")
		}
		user.BytesLimit = *params.BytesLimit
	}

	if params.IsActive != nil && *params.IsActive != user.IsActive {
		if !*params.IsActive && user.Admin() {
			if err := s.guardLastAdmin(ctx); err != nil {
				return nil, err
			}
		}
		user.IsActive = *params.IsActive
	}

	if err := s.store.Update(ctx, user); err != nil {
		return nil, err
	}

	if params.Roles != nil {
		if user.Admin() && user.IsActive {
			keepsAdmin, err := s.refsIncludeAdmin(ctx, *params.Roles)
			if err != nil {
				return nil, err
			}
			if !keepsAdmin {
				if err := s.guardLastAdmin(ctx); err != nil {
					return nil, err
				}
			}
		}
		roles, err := s.registry.AssignRoles(ctx, actor, user.ID, *params.Roles)
		if err != nil {
			return nil, err
		}
		user.Roles = roles
	}

	return user, nil
}

func (s *Service) guardLastAdmin(ctx context.Context) error {
	admins, err := s.store.ActiveAdminCount(ctx)
	if err != nil {
		return err
	}
	if admins <= 1 {
		return apierror.Invalid("LAST_ADMIN", "The last active admin cannot be removed.")
	}
	return nil
}

func (s *Service) refsIncludeAdmin(ctx context.Context, refs rbac.RoleRefs) (bool, error) {
	if refs.Empty() {
		return false, nil
	}
	roles, err := s.registry.ResolveRoles(ctx, refs)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.Name == rbac.RoleAdmin {
			return true, nil
		}
	}
	return false, nil
}

// EnsureAdmin creates the initial admin account on first boot if no
// users exist yet. Returns the created user, or nil if accounts already
// exist.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (*User, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	// The first-boot account is conventionally named after the admin
	// role, so the reserved-name guard does not apply here.
	user, err := s.createAccount(ctx, CreateParams{
		Username: username,
		Password: password,
		IsActive: true,
	}, true)
	if err != nil {
		return nil, err
	}
	adminRole, err := s.registry.Store().RoleByName(ctx, rbac.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if adminRole == nil {
		return nil, apierror.Internal("Admin role is missing.")
	}
	if err := s.registry.Store().SetUserRoles(ctx, user.ID, []int64{adminRole.ID}); err != nil {
		return nil, err
	}
	user.Roles = []rbac.Role{*adminRole}
	return user, nil
}
