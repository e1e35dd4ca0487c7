package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canopyworks/canopy/pkg/rbac"
)

// Store handles user persistence. Role rows live in the rbac store; this
// store joins them in so loaded users carry their full role set.
type Store struct {
	db    *sql.DB
	roles *rbac.Store
}

// NewStore creates a user store.
func NewStore(db *sql.DB, roles *rbac.Store) *Store {
	return &Store{db: db, roles: roles}
}

const userColumns = `id, username, password_hash, is_active, bytes_limit, bytes_used, created_at`

// Create inserts the user and returns it with the generated id. Username
// uniqueness is checked case-insensitively by the service before calling
// this; the database UNIQUE constraint is the backstop.
func (s *Store) Create(ctx context.Context, user *User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, is_active, bytes_limit, bytes_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		user.Username, user.PasswordHash, user.IsActive,
		user.BytesLimit, user.BytesUsed, user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", user.Username, err)
	}
	return nil
}

// Get loads a user by id, roles included. Returns nil, nil when absent.
func (s *Store) Get(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(ctx, s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// ByUsername loads a user by username, case-insensitively.
func (s *Store) ByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(ctx, s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username))
}

// List returns every user ordered by username, roles included.
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Roles, err = s.roles.UserRoles(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update persists the mutable account fields.
func (s *Store) Update(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET username = $1, password_hash = $2, is_active = $3,
		    bytes_limit = $4, bytes_used = $5
		WHERE id = $6`,
		user.Username, user.PasswordHash, user.IsActive,
		user.BytesLimit, user.BytesUsed, user.ID,
	)
	if err != nil {
		return fmt.Errorf("update user %d: %w", user.ID, err)
	}
	return nil
}

// Count reports the total number of accounts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// ActiveAdminCount reports how many active users hold the admin role.
// Used to keep the last admin from being deactivated or demoted.
func (s *Store) ActiveAdminCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT u.id)
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		JOIN roles r ON r.id = ur.role_id
		WHERE u.is_active AND LOWER(r.name) = $1`,
		rbac.RoleAdmin,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active admins: %w", err)
	}
	return count, nil
}

func (s *Store) scanUser(ctx context.Context, row *sql.Row) (*User, error) {
	var user User
	var created time.Time
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash,
		&user.IsActive, &user.BytesLimit, &user.BytesUsed, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	user.CreatedAt = created
	if user.Roles, err = s.roles.UserRoles(ctx, user.ID); err != nil {
		return nil, err
	}
	return &user, nil
}

func scanUserRow(rows *sql.Rows) (*User, error) {
	var user User
	var created time.Time
	err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash,
		&user.IsActive, &user.BytesLimit, &user.BytesUsed, &created)
	if err != nil {
		return nil, err
	}
	user.CreatedAt = created
	return &user, nil
}
