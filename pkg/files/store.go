package files

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canopyworks/canopy/pkg/rbac"
)

// Store handles node persistence. It also implements the access
// engine's ResourceSource so authorization can walk parent chains.
type Store struct {
	db *sql.DB
}

// NewStore creates a node store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const nodeColumns = `id, owner_id, parent_id, name, is_dir, size_bytes, mime_type, created_at, updated_at`

// Create inserts a node. Callers run inside a transaction when quota is
// involved; tx may be the bare database handle otherwise.
func (s *Store) Create(ctx context.Context, db execer, node *Node) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO nodes (owner_id, parent_id, name, is_dir, size_bytes, mime_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		node.OwnerID, nullableInt64(node.ParentID), node.Name, node.IsDir,
		node.SizeBytes, node.MimeType, node.CreatedAt, node.UpdatedAt,
	).Scan(&node.ID)
	if err != nil {
		return fmt.Errorf("insert node %s: %w", node.Name, err)
	}
	return nil
}

// execer is the subset of database/sql shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Get loads a node by id. Returns nil, nil when absent.
func (s *Store) Get(ctx context.Context, id int64) (*Node, error) {
	return scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
}

// Resource implements rbac.ResourceSource.
func (s *Store) Resource(ctx context.Context, id int64) (*rbac.Resource, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}
	return node.Resource(), nil
}

// ChildByName finds a direct child by name, case-insensitively. A nil
// parentID addresses the owner's root level.
func (s *Store) ChildByName(ctx context.Context, ownerID int64, parentID *int64, name string) (*Node, error) {
	if parentID == nil {
		return scanNode(s.db.QueryRowContext(ctx, `
			SELECT `+nodeColumns+` FROM nodes
			WHERE owner_id = $1 AND parent_id IS NULL AND LOWER(name) = LOWER($2)`,
			ownerID, name))
	}
	return scanNode(s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE parent_id = $1 AND LOWER(name) = LOWER($2)`,
		*parentID, name))
}

// Children lists a folder's direct children, folders first then by name.
func (s *Store) Children(ctx context.Context, ownerID int64, parentID *int64) ([]Node, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parentID == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+nodeColumns+` FROM nodes
			WHERE owner_id = $1 AND parent_id IS NULL
			ORDER BY is_dir DESC, LOWER(name) ASC`, ownerID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+nodeColumns+` FROM nodes
			WHERE parent_id = $1
			ORDER BY is_dir DESC, LOWER(name) ASC`, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Rename updates the node's name and touch time.
func (s *Store) Rename(ctx context.Context, id int64, name string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = $1, updated_at = $2 WHERE id = $3`, name, now, id)
	if err != nil {
		return fmt.Errorf("rename node %d: %w", id, err)
	}
	return nil
}

// SetSize records a node's new content size inside the caller's
// transaction, so the quota adjustment commits with it.
func (s *Store) SetSize(ctx context.Context, tx execer, id, size int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE nodes SET size_bytes = $1, updated_at = $2 WHERE id = $3`, size, now, id)
	if err != nil {
		return fmt.Errorf("resize node %d: %w", id, err)
	}
	return nil
}

// Move reparents the node.
func (s *Store) Move(ctx context.Context, id int64, newParentID *int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET parent_id = $1, updated_at = $2 WHERE id = $3`,
		nullableInt64(newParentID), now, id)
	if err != nil {
		return fmt.Errorf("move node %d: %w", id, err)
	}
	return nil
}

// Subtree collects the node and all its descendants, breadth-first.
func (s *Store) Subtree(ctx context.Context, id int64) ([]Node, error) {
	root, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}

	nodes := []Node{*root}
	frontier := []int64{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]

		rows, err := s.db.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = $1`, next)
		if err != nil {
			return nil, fmt.Errorf("collect subtree of %d: %w", id, err)
		}
		children, err := scanNodes(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			nodes = append(nodes, child)
			if child.IsDir {
				frontier = append(frontier, child.ID)
			}
		}
	}
	return nodes, nil
}

// IsDescendant reports whether candidate sits inside the subtree rooted
// at ancestorID (or is that node itself). Used to refuse cyclic moves.
func (s *Store) IsDescendant(ctx context.Context, ancestorID, candidateID int64) (bool, error) {
	currentID := candidateID
	for {
		if currentID == ancestorID {
			return true, nil
		}
		node, err := s.Get(ctx, currentID)
		if err != nil {
			return false, err
		}
		if node == nil || node.ParentID == nil {
			return false, nil
		}
		currentID = *node.ParentID
	}
}

// DeleteSubtree removes the collected nodes inside the caller's
// transaction. Shares and links on them are removed as well.
func (s *Store) DeleteSubtree(ctx context.Context, tx execer, nodeIDs []int64) error {
	for _, id := range nodeIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM internal_shares WHERE node_id = $1`, id); err != nil {
			return fmt.Errorf("delete shares of node %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM share_links WHERE node_id = $1`, id); err != nil {
			return fmt.Errorf("delete links of node %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete node %d: %w", id, err)
		}
	}
	return nil
}

func scanNode(row *sql.Row) (*Node, error) {
	var node Node
	var parent sql.NullInt64
	var mime sql.NullString
	err := row.Scan(&node.ID, &node.OwnerID, &parent, &node.Name, &node.IsDir,
		&node.SizeBytes, &mime, &node.CreatedAt, &node.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select node: %w", err)
	}
	if parent.Valid {
		id := parent.Int64
		node.ParentID = &id
	}
	node.MimeType = mime.String
	return &node, nil
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		var node Node
		var parent sql.NullInt64
		var mime sql.NullString
		err := rows.Scan(&node.ID, &node.OwnerID, &parent, &node.Name, &node.IsDir,
			&node.SizeBytes, &mime, &node.CreatedAt, &node.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if parent.Valid {
			id := parent.Int64
			node.ParentID = &id
		}
		node.MimeType = mime.String
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
