package files

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/audit"
	"github.com/canopyworks/canopy/pkg/quota"
	"github.com/canopyworks/canopy/pkg/rbac"
	"github.com/canopyworks/canopy/pkg/users"
)

// AuditEmitter records workspace events; failures never bubble up.
type AuditEmitter interface {
	Emit(ctx context.Context, entry audit.Entry) error
}

// Service implements the workspace operations. Every mutation runs the
// access engine first, charges quota where bytes move, and emits an
// audit event.
type Service struct {
	db     *sql.DB
	nodes  *Store
	shares *ShareStore
	links  *LinkStore
	engine *rbac.Engine
	quota  *quota.Tracker
	users  *users.Store
	audits AuditEmitter
	now    func() time.Time
}

// NewService wires the workspace service. audits may be nil in tests.
func NewService(
	db *sql.DB,
	nodes *Store,
	shares *ShareStore,
	links *LinkStore,
	engine *rbac.Engine,
	tracker *quota.Tracker,
	userStore *users.Store,
	audits AuditEmitter,
) *Service {
	return &Service{
		db:     db,
		nodes:  nodes,
		shares: shares,
		links:  links,
		engine: engine,
		quota:  tracker,
		users:  userStore,
		audits: audits,
		now:    time.Now,
	}
}

// Mkdir creates a folder under parentID (nil for the actor's root).
func (s *Service) Mkdir(ctx context.Context, actor rbac.Subject, parentID *int64, name string) (*Node, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	ownerID, err := s.authorizeCreate(ctx, actor, parentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkNameFree(ctx, ownerID, parentID, name); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	node := &Node{
		OwnerID:   ownerID,
		ParentID:  parentID,
		Name:      name,
		IsDir:     true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.nodes.Create(ctx, s.db, node); err != nil {
		return nil, err
	}

	s.emit(ctx, actor, "file.mkdir", node, nil)
	return node, nil
}

// Upload records a file's metadata and charges its size against the
// tree owner's storage quota, atomically: the quota charge and the node
// row commit or roll back together.
func (s *Service) Upload(ctx context.Context, actor rbac.Subject, parentID *int64, name string, size int64, mimeType string) (*Node, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, apierror.Invalid("INVALID_SIZE", "File size must not be negative.")
	}
	ownerID, err := s.authorizeCreate(ctx, actor, parentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkNameFree(ctx, ownerID, parentID, name); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	node := &Node{
		OwnerID:   ownerID,
		ParentID:  parentID,
		Name:      name,
		SizeBytes: size,
		MimeType:  mimeType,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback()

	if err := s.quota.ReserveStorage(ctx, tx, ownerID, size); err != nil {
		return nil, err
	}
	if err := s.nodes.Create(ctx, tx, node); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}

	s.emit(ctx, actor, "file.upload", node, map[string]interface{}{"size_bytes": size})
	return node, nil
}

// Overwrite replaces a file's content in place, as a document save
// does. The owner's quota adjusts by the size delta in the same
// transaction: growth is reserved (and can be rejected), shrinkage is
// released.
func (s *Service) Overwrite(ctx context.Context, actor rbac.Subject, nodeID, size int64) (*Node, error) {
	if size < 0 {
		return nil, apierror.Invalid("INVALID_SIZE", "File size must not be negative.")
	}
	node, err := s.authorizeNode(ctx, actor, nodeID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if node.IsDir {
		return nil, apierror.Invalid("NOT_A_FILE", "Folders have no content to overwrite.")
	}

	now := s.now().UTC()
	delta := size - node.SizeBytes

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin overwrite: %w", err)
	}
	defer tx.Rollback()

	switch {
	case delta > 0:
		if err := s.quota.ReserveStorage(ctx, tx, node.OwnerID, delta); err != nil {
			return nil, err
		}
	case delta < 0:
		if err := s.quota.ReleaseStorage(ctx, tx, node.OwnerID, -delta); err != nil {
			return nil, err
		}
	}
	if err := s.nodes.SetSize(ctx, tx, node.ID, size, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit overwrite: %w", err)
	}
	node.SizeBytes = size
	node.UpdatedAt = now

	s.emit(ctx, actor, "file.save", node, map[string]interface{}{
		"size_bytes":  size,
		"bytes_delta": delta,
	})
	return node, nil
}

// Rename changes a node's name within its folder.
func (s *Service) Rename(ctx context.Context, actor rbac.Subject, nodeID int64, newName string) (*Node, error) {
	newName, err := validateName(newName)
	if err != nil {
		return nil, err
	}
	node, err := s.authorizeNode(ctx, actor, nodeID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(node.Name, newName) {
		if err := s.checkNameFree(ctx, node.OwnerID, node.ParentID, newName); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	if err := s.nodes.Rename(ctx, node.ID, newName, now); err != nil {
		return nil, err
	}
	old := node.Name
	node.Name = newName
	node.UpdatedAt = now

	s.emit(ctx, actor, "file.rename", node, map[string]interface{}{"old_name": old})
	return node, nil
}

// Move reparents a node. The destination must be a folder in the same
// owner's tree, and never inside the moved subtree.
func (s *Service) Move(ctx context.Context, actor rbac.Subject, nodeID int64, newParentID *int64) (*Node, error) {
	node, err := s.authorizeNode(ctx, actor, nodeID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}

	if newParentID != nil {
		parent, err := s.nodes.Get(ctx, *newParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil || !parent.IsDir {
			return nil, apierror.Invalid("INVALID_PARENT", "Destination is not a folder.")
		}
		if parent.OwnerID != node.OwnerID {
			return nil, apierror.Invalid("INVALID_MOVE", "Cannot move across workspaces.")
		}
		if _, err := s.authorizeNode(ctx, actor, parent.ID, rbac.ActionWrite); err != nil {
			return nil, err
		}
		inside, err := s.nodes.IsDescendant(ctx, node.ID, parent.ID)
		if err != nil {
			return nil, err
		}
		if inside {
			return nil, apierror.Invalid("INVALID_MOVE", "Cannot move a folder into itself.")
		}
	}
	if err := s.checkNameFree(ctx, node.OwnerID, newParentID, node.Name); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.nodes.Move(ctx, node.ID, newParentID, now); err != nil {
		return nil, err
	}
	node.ParentID = newParentID
	node.UpdatedAt = now

	s.emit(ctx, actor, "file.move", node, nil)
	return node, nil
}

// Delete removes a node and, for folders, its whole subtree. Freed
// bytes return to the owner's quota in the same transaction.
func (s *Service) Delete(ctx context.Context, actor rbac.Subject, nodeID int64) error {
	node, err := s.authorizeNode(ctx, actor, nodeID, rbac.ActionDelete)
	if err != nil {
		return err
	}

	subtree, err := s.nodes.Subtree(ctx, node.ID)
	if err != nil {
		return err
	}
	var freed int64
	ids := make([]int64, len(subtree))
	// Children before parents so FK references never dangle.
	for i, n := range subtree {
		ids[len(subtree)-1-i] = n.ID
		freed += n.SizeBytes
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if err := s.nodes.DeleteSubtree(ctx, tx, ids); err != nil {
		return err
	}
	if freed > 0 {
		if err := s.quota.ReleaseStorage(ctx, tx, node.OwnerID, freed); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	s.emit(ctx, actor, "file.delete", node, map[string]interface{}{
		"nodes_removed": len(subtree),
		"bytes_freed":   freed,
	})
	return nil
}

// List returns a folder's children (nil parentID for a root listing).
// Listing someone else's folder requires a read grant on it.
func (s *Service) List(ctx context.Context, actor rbac.Subject, ownerID int64, parentID *int64) ([]Node, error) {
	if parentID != nil {
		parent, err := s.authorizeNode(ctx, actor, *parentID, rbac.ActionRead)
		if err != nil {
			return nil, err
		}
		if !parent.IsDir {
			return nil, apierror.Invalid("INVALID_PARENT", "Not a folder.")
		}
		ownerID = parent.OwnerID
	} else {
		switch rbac.ScopeToUser(actor) {
		case rbac.ScopeNone:
			return nil, apierror.Forbidden("Listing files requires the FILE_READ permission.")
		case rbac.ScopeOwner:
			if ownerID != actor.SubjectID() {
				return nil, apierror.Forbidden("Cannot list another user's root.")
			}
		}
	}
	return s.nodes.Children(ctx, ownerID, parentID)
}

// SharedWithMe lists the nodes other users granted to the actor.
func (s *Service) SharedWithMe(ctx context.Context, actor rbac.Subject) ([]SharedNode, error) {
	if !actor.Can(rbac.PermShareViewReceived) {
		return nil, apierror.Forbidden("Viewing received shares requires the SHARE_VIEW_RECEIVED permission.")
	}
	return s.shares.SharedWith(ctx, actor.SubjectID())
}

// ShareInternal grants or adjusts a grant on a node for another user.
func (s *Service) ShareInternal(ctx context.Context, actor rbac.Subject, nodeID, granteeID int64, level rbac.ShareLevel) (*InternalShare, error) {
	if !actor.Can(rbac.PermShareInternalManage) {
		return nil, apierror.Forbidden("Sharing requires the SHARE_INTERNAL_MANAGE permission.")
	}
	node, err := s.ownedNode(ctx, actor, nodeID)
	if err != nil {
		return nil, err
	}
	if granteeID == node.OwnerID {
		return nil, apierror.Invalid("INVALID_SHARE", "Cannot share a file with its owner.")
	}
	grantee, err := s.users.Get(ctx, granteeID)
	if err != nil {
		return nil, err
	}
	if grantee == nil || !grantee.IsActive {
		return nil, apierror.Invalid("INVALID_SHARE", "Grantee does not exist.")
	}

	now := s.now().UTC()
	share := &InternalShare{
		NodeID:    node.ID,
		OwnerID:   node.OwnerID,
		GranteeID: granteeID,
		Level:     level,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.shares.Upsert(ctx, share); err != nil {
		return nil, err
	}
	s.engine.InvalidateCache()

	s.emit(ctx, actor, "share.grant", node, map[string]interface{}{
		"grantee_id": granteeID,
		"level":      string(level),
	})
	return share, nil
}

// Unshare revokes a grant.
func (s *Service) Unshare(ctx context.Context, actor rbac.Subject, nodeID, granteeID int64) error {
	if !actor.Can(rbac.PermShareInternalManage) {
		return apierror.Forbidden("Sharing requires the SHARE_INTERNAL_MANAGE permission.")
	}
	node, err := s.ownedNode(ctx, actor, nodeID)
	if err != nil {
		return err
	}
	existed, err := s.shares.Delete(ctx, node.ID, granteeID)
	if err != nil {
		return err
	}
	if !existed {
		return apierror.NotFound("SHARE_NOT_FOUND", "No such grant.")
	}
	s.engine.InvalidateCache()

	s.emit(ctx, actor, "share.revoke", node, map[string]interface{}{"grantee_id": granteeID})
	return nil
}

// CreateLink mints an external share link for a node.
func (s *Service) CreateLink(ctx context.Context, actor rbac.Subject, nodeID int64, expiresAt *time.Time) (*ShareLink, error) {
	if !actor.Can(rbac.PermShareExternalManage) {
		return nil, apierror.Forbidden("External links require the SHARE_EXTERNAL_MANAGE permission.")
	}
	node, err := s.ownedNode(ctx, actor, nodeID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, apierror.Invalid("INVALID_EXPIRY", "Link expiry must be in the future.")
	}

	link, err := s.links.Create(ctx, node.ID, actor.SubjectID(), expiresAt, now)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, actor, "share.link_create", node, map[string]interface{}{"link_id": link.ID})
	return link, nil
}

// ResolveLink returns the node behind a link token. Unknown tokens are
// 404; expired ones are 410 so clients can distinguish.
func (s *Service) ResolveLink(ctx context.Context, token string, req audit.Entry) (*Node, error) {
	link, err := s.links.ByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, apierror.NotFound("LINK_NOT_FOUND", "No such link.")
	}
	if link.Expired(s.now().UTC()) {
		return nil, apierror.Gone("SHARE_EXPIRED", "This link has expired.")
	}
	node, err := s.nodes.Get(ctx, link.NodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, apierror.NotFound("LINK_NOT_FOUND", "No such link.")
	}

	if s.audits != nil {
		req.Action = "share.link_access"
		req.EntityType = "file"
		req.EntityID = fmt.Sprintf("%d", node.ID)
		req.Success = true
		_ = s.audits.Emit(ctx, req)
	}
	return node, nil
}

// ListShares returns the internal grants on a node the actor owns.
func (s *Service) ListShares(ctx context.Context, actor rbac.Subject, nodeID int64) ([]InternalShare, error) {
	node, err := s.ownedNode(ctx, actor, nodeID)
	if err != nil {
		return nil, err
	}
	return s.shares.ByNode(ctx, node.ID)
}

// ListLinks returns the external links on a node the actor owns.
func (s *Service) ListLinks(ctx context.Context, actor rbac.Subject, nodeID int64) ([]ShareLink, error) {
	node, err := s.ownedNode(ctx, actor, nodeID)
	if err != nil {
		return nil, err
	}
	return s.links.ByNode(ctx, node.ID)
}

// DeleteLink revokes a link.
func (s *Service) DeleteLink(ctx context.Context, actor rbac.Subject, linkID int64) error {
	if !actor.Can(rbac.PermShareExternalManage) {
		return apierror.Forbidden("External links require the SHARE_EXTERNAL_MANAGE permission.")
	}

	links, err := s.linkByID(ctx, linkID)
	if err != nil {
		return err
	}
	node, err := s.ownedNode(ctx, actor, links.NodeID)
	if err != nil {
		return err
	}
	if _, err := s.links.Delete(ctx, linkID); err != nil {
		return err
	}

	s.emit(ctx, actor, "share.link_delete", node, map[string]interface{}{"link_id": linkID})
	return nil
}

func (s *Service) linkByID(ctx context.Context, linkID int64) (*ShareLink, error) {
	var link ShareLink
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, token, created_by, expires_at, created_at
		FROM share_links WHERE id = $1`, linkID,
	).Scan(&link.ID, &link.NodeID, &link.Token, &link.CreatedBy, &expires, &link.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierror.NotFound("LINK_NOT_FOUND", "No such link.")
	}
	if err != nil {
		return nil, fmt.Errorf("select share link %d: %w", linkID, err)
	}
	if expires.Valid {
		t := expires.Time
		link.ExpiresAt = &t
	}
	return &link, nil
}

// authorizeCreate resolves the owner of a new node under parentID and
// checks write access. New nodes belong to the tree owner, not the
// writer: uploads into a shared folder land in, and are billed to, the
// folder owner's workspace.
func (s *Service) authorizeCreate(ctx context.Context, actor rbac.Subject, parentID *int64) (int64, error) {
	if parentID == nil {
		required, _ := rbac.ActionWrite.RequiredPermission()
		if !actor.Can(required) {
			return 0, apierror.Forbidden("Writing files requires the FILE_WRITE permission.")
		}
		return actor.SubjectID(), nil
	}

	parent, err := s.nodes.Get(ctx, *parentID)
	if err != nil {
		return 0, err
	}
	if parent == nil || !parent.IsDir {
		return 0, apierror.Invalid("INVALID_PARENT", "Destination is not a folder.")
	}
	allowed, err := s.engine.Authorize(ctx, actor, parent.Resource(), rbac.ActionWrite)
	if err != nil {
		return 0, err
	}
	if !allowed {
		return 0, apierror.Forbidden("No write access to this folder.")
	}
	return parent.OwnerID, nil
}

func (s *Service) authorizeNode(ctx context.Context, actor rbac.Subject, nodeID int64, action rbac.Action) (*Node, error) {
	node, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, apierror.NotFound("NODE_NOT_FOUND", "File or folder not found.")
	}
	allowed, err := s.engine.Authorize(ctx, actor, node.Resource(), action)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apierror.Forbidden("Access denied.")
	}
	return node, nil
}

// ownedNode loads a node that the actor owns (or administers). Share
// management stays with the owner; a write grant is not enough to
// re-share someone else's files.
func (s *Service) ownedNode(ctx context.Context, actor rbac.Subject, nodeID int64) (*Node, error) {
	node, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, apierror.NotFound("NODE_NOT_FOUND", "File or folder not found.")
	}
	if node.OwnerID != actor.SubjectID() && !actor.Admin() {
		return nil, apierror.Forbidden("Only the owner can manage shares on this file.")
	}
	return node, nil
}

func (s *Service) checkNameFree(ctx context.Context, ownerID int64, parentID *int64, name string) error {
	existing, err := s.nodes.ChildByName(ctx, ownerID, parentID, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return apierror.Conflict("FILE_EXISTS", "A file or folder with this name already exists here.")
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 255 {
		return "", apierror.Invalid("INVALID_NAME", "Name must be 1-255 characters.")
	}
	if strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return "", apierror.Invalid("INVALID_NAME", "Name contains forbidden characters.")
	}
	return name, nil
}

func (s *Service) emit(ctx context.Context, actor rbac.Subject, action string, node *Node, metadata map[string]interface{}) {
	if s.audits == nil {
		return
	}
	actorID := actor.SubjectID()
	entityType := "file"
	if node.IsDir {
		entityType = "folder"
	}
	_ = s.audits.Emit(ctx, audit.Entry{
		ActorUserID: &actorID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    fmt.Sprintf("%d", node.ID),
		Metadata:    metadata,
		Success:     true,
	})
}
