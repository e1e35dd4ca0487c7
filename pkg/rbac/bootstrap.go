package rbac

import (
	"context"
	"fmt"
)

// Bootstrap materializes the permission catalog and the reserved roles.
// It runs on every startup and is idempotent: existing rows are reused,
// the reserved roles' permission sets are reasserted, and manual edits to
// non-reserved roles are left alone.
func Bootstrap(ctx context.Context, store *Store) error {
	catalog := make(map[PermissionCode]Permission, len(Catalog()))
	for _, code := range Catalog() {
		perm, err := store.EnsurePermission(ctx, code)
		if err != nil {
			return fmt.Errorf("bootstrap permission %s: %w", code, err)
		}
		catalog[code] = *perm
	}

	if err := ensureReservedRole(ctx, store, RoleAdmin, "Full access", Catalog(), catalog); err != nil {
		return err
	}
	if err := ensureReservedRole(ctx, store, RoleUser, "Standard workspace user", DefaultUserPermissions(), catalog); err != nil {
		return err
	}
	return nil
}

func ensureReservedRole(ctx context.Context, store *Store, name, description string, codes []PermissionCode, catalog map[PermissionCode]Permission) error {
	perms := make([]Permission, 0, len(codes))
	for _, code := range codes {
		perms = append(perms, catalog[code])
	}

	role, err := store.RoleByName(ctx, name)
	if err != nil {
		return fmt.Errorf("bootstrap role %s: %w", name, err)
	}
	if role == nil {
		role = &Role{Name: name, Description: description, Permissions: perms}
		if err := store.CreateRole(ctx, role); err != nil {
			return fmt.Errorf("bootstrap role %s: %w", name, err)
		}
		return nil
	}

	// Reassert the bootstrap-owned permission set on every run.
	if err := store.SetRolePermissions(ctx, role.ID, perms); err != nil {
		return fmt.Errorf("bootstrap role %s permissions: %w", name, err)
	}
	return nil
}
