package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Store handles role and permission persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on top of an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsurePermission inserts the catalog row for code if it is missing and
// returns it. Safe to call repeatedly.
func (s *Store) EnsurePermission(ctx context.Context, code PermissionCode) (*Permission, error) {
	perm, err := s.permissionByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if perm != nil {
		return perm, nil
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO permissions (code, name) VALUES ($1, $2) RETURNING id`,
		string(code), code.DisplayName(),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert permission %s: %w", code, err)
	}
	return &Permission{ID: id, Code: code, Name: code.DisplayName()}, nil
}

func (s *Store) permissionByCode(ctx context.Context, code PermissionCode) (*Permission, error) {
	var perm Permission
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, name FROM permissions WHERE code = $1`,
		string(code),
	).Scan(&perm.ID, &perm.Code, &perm.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select permission %s: %w", code, err)
	}
	return &perm, nil
}

// ListPermissions returns the whole catalog ordered by code.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, name FROM permissions ORDER BY code ASC`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// PermissionsByIDs returns the rows matching ids; missing ids are simply
// absent from the result (the registry turns that into a hard error).
func (s *Store) PermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, code, name FROM permissions WHERE id IN (` + placeholders(len(ids), 1) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("select permissions by id: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// PermissionsByCodes returns the rows matching codes.
func (s *Store) PermissionsByCodes(ctx context.Context, codes []string) ([]Permission, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	query := `SELECT id, code, name FROM permissions WHERE code IN (` + placeholders(len(codes), 1) + `)`
	args := make([]interface{}, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select permissions by code: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// CreateRole inserts a role and its permission links.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create role: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING id`,
		role.Name, nullableString(role.Description),
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("insert role %s: %w", role.Name, err)
	}

	if err := insertRolePermissions(ctx, tx, role.ID, role.Permissions); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRole loads a role with its permissions.
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	var role Role
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM roles WHERE id = $1`, id,
	).Scan(&role.ID, &role.Name, &desc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select role %d: %w", id, err)
	}
	role.Description = desc.String
	if role.Permissions, err = s.rolePermissions(ctx, role.ID); err != nil {
		return nil, err
	}
	return &role, nil
}

// RoleByName finds a role by name, case-insensitively.
func (s *Store) RoleByName(ctx context.Context, name string) (*Role, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM roles WHERE LOWER(name) = LOWER($1)`, name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select role %q: %w", name, err)
	}
	return s.GetRole(ctx, id)
}

// ListRoles returns every role with permissions, ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description FROM roles ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		var desc sql.NullString
		if err := rows.Scan(&role.ID, &role.Name, &desc); err != nil {
			return nil, err
		}
		role.Description = desc.String
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		if roles[i].Permissions, err = s.rolePermissions(ctx, roles[i].ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// RolesByIDs loads roles matching ids (permissions included).
func (s *Store) RolesByIDs(ctx context.Context, ids []int64) ([]Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id FROM roles WHERE id IN (` + placeholders(len(ids), 1) + `)`
	return s.loadRolesByIDQuery(ctx, query, int64Args(ids))
}

// RolesByNames loads roles matching names exactly (permissions included).
func (s *Store) RolesByNames(ctx context.Context, names []string) ([]Role, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query := `SELECT id FROM roles WHERE name IN (` + placeholders(len(names), 1) + `)`
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}
	return s.loadRolesByIDQuery(ctx, query, args)
}

func (s *Store) loadRolesByIDQuery(ctx context.Context, query string, args []interface{}) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select roles: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	roles := make([]Role, 0, len(ids))
	for _, id := range ids {
		role, err := s.GetRole(ctx, id)
		if err != nil {
			return nil, err
		}
		if role != nil {
			roles = append(roles, *role)
		}
	}
	return roles, nil
}

// UpdateRole persists name and description changes.
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE roles SET name = $1, description = $2 WHERE id = $3`,
		role.Name, nullableString(role.Description), role.ID,
	)
	if err != nil {
		return fmt.Errorf("update role %d: %w", role.ID, err)
	}
	return nil
}

// SetRolePermissions replaces the role's permission set.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, perms []Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set role permissions: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("clear role permissions: %w", err)
	}
	if err := insertRolePermissions(ctx, tx, roleID, perms); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRole removes the role; permission links cascade.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
		return fmt.Errorf("delete role permissions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete role %d: %w", id, err)
	}
	return nil
}

// RoleAssignmentCount reports how many users currently hold the role.
func (s *Store) RoleAssignmentCount(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, roleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count role assignments: %w", err)
	}
	return count, nil
}

// UserRoles returns every role held by the user, permissions included.
func (s *Store) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	query := `SELECT role_id FROM user_roles WHERE user_id = $1`
	return s.loadRolesByIDQuery(ctx, query, []interface{}{userID})
}

// SetUserRoles replaces the user's role assignments.
func (s *Store) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set user roles: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`,
			userID, roleID); err != nil {
			return fmt.Errorf("assign role %d: %w", roleID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) rolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.code, p.name
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.code ASC`, roleID)
	if err != nil {
		return nil, fmt.Errorf("select role permissions: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID int64, perms []Permission) error {
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`,
			roleID, p.ID); err != nil {
			return fmt.Errorf("link permission %s: %w", p.Code, err)
		}
	}
	return nil
}

func scanPermissions(rows *sql.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// placeholders renders "$start, $start+1, ..." for IN clauses.
func placeholders(n, start int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullableString(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
