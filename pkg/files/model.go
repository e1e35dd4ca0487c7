// Package files implements the workspace tree: folders and file
// metadata, internal shares between users, and tokenized external share
// links. Every mutation goes through the access engine and the quota
// tracker and leaves an audit event behind.
package files

import (
	"time"

	"github.com/canopyworks/canopy/pkg/rbac"
)

// Node is a file or folder in the workspace tree. A nil ParentID marks
// a root-level node.
type Node struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	ParentID  *int64    `json:"parent_id"`
	Name      string    `json:"name"`
	IsDir     bool      `json:"is_dir"`
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resource adapts the node for the access engine.
func (n *Node) Resource() *rbac.Resource {
	return &rbac.Resource{ID: n.ID, OwnerID: n.OwnerID, ParentID: n.ParentID}
}

// InternalShare grants another workspace user access to a node. Grants
// on folders apply to the whole subtree.
type InternalShare struct {
	ID        int64           `json:"id"`
	NodeID    int64           `json:"node_id"`
	OwnerID   int64           `json:"owner_id"`
	GranteeID int64           `json:"grantee_id"`
	Level     rbac.ShareLevel `json:"level"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ShareLink is a tokenized external handle to a node. A nil ExpiresAt
// never expires.
type ShareLink struct {
	ID        int64      `json:"id"`
	NodeID    int64      `json:"node_id"`
	Token     string     `json:"token"`
	CreatedBy int64      `json:"created_by"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the link has passed its expiry.
func (l *ShareLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// SharedNode pairs a node visible through a share with the level it was
// granted at, for the shared-with-me listing.
type SharedNode struct {
	Node  Node            `json:"node"`
	Level rbac.ShareLevel `json:"level"`
}
