package rbac

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Subject is the authenticated principal an access decision is made for.
// *users.User implements it; tests use lightweight fakes.
type Subject interface {
	SubjectID() int64
	Admin() bool
	Can(code PermissionCode) bool
}

// Resource is the minimal view of a workspace node the engine needs:
// identity, owner, and the parent pointer for the ancestor walk.
type Resource struct {
	ID       int64
	OwnerID  int64
	ParentID *int64
}

// ResourceSource resolves nodes by id for the ancestor walk. The walk is
// id-based on purpose: resources carry stable parent ids, not in-memory
// back references.
type ResourceSource interface {
	Resource(ctx context.Context, id int64) (*Resource, error)
}

// GrantSource looks up the internal share granted to a user on a
// specific resource, if any.
type GrantSource interface {
	Grant(ctx context.Context, resourceID, userID int64) (ShareLevel, bool, error)
}

// QueryScope restricts bulk listings for a subject.
type QueryScope int

const (
	// ScopeNone yields an empty result set (no read permission at all).
	ScopeNone QueryScope = iota
	// ScopeOwner restricts the listing to resources the subject owns.
	ScopeOwner
	// ScopeAll leaves the listing unrestricted (admin with read).
	ScopeAll
)

// DecisionRecorder receives every allow/deny outcome; the metrics layer
// implements it. A nil recorder is fine.
type DecisionRecorder interface {
	RecordDecision(action Action, allowed bool)
}

// Engine combines role permissions, ownership, admin status and internal
// share grants into allow/deny decisions.
type Engine struct {
	nodes    ResourceSource
	grants   GrantSource
	cache    *lru.LRU[string, bool]
	recorder DecisionRecorder
}

// EngineOption configures optional engine behavior.
type EngineOption func(*Engine)

// WithDecisionCache enables a TTL-bounded LRU cache of decisions. The
// TTL bounds how long a revoked share can linger; keep it short.
func WithDecisionCache(size int, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.cache = lru.NewLRU[string, bool](size, nil, ttl)
	}
}

// WithDecisionRecorder attaches a decision recorder.
func WithDecisionRecorder(r DecisionRecorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

// NewEngine creates an access decision engine.
func NewEngine(nodes ResourceSource, grants GrantSource, opts ...EngineOption) *Engine {
	e := &Engine{nodes: nodes, grants: grants}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides whether sub may perform action on res.
//
// The permission mapped from the action is a necessary gate: without it
// the answer is no, regardless of ownership or shares. Past the gate,
// ownership and admin status allow immediately; otherwise the resource's
// ancestor chain is walked and the strongest internal share granted to
// the subject anywhere on the chain decides. A WRITE grant on any
// ancestor wins over a READ grant closer to the resource.
func (e *Engine) Authorize(ctx context.Context, sub Subject, res *Resource, action Action) (bool, error) {
	allowed, err := e.decide(ctx, sub, res, action)
	if err != nil {
		return false, err
	}
	if e.recorder != nil {
		e.recorder.RecordDecision(action, allowed)
	}
	return allowed, nil
}

func (e *Engine) decide(ctx context.Context, sub Subject, res *Resource, action Action) (bool, error) {
	required, ok := action.RequiredPermission()
	if !ok {
		return false, nil
	}
	if !sub.Can(required) {
		return false, nil
	}

	if res.OwnerID == sub.SubjectID() {
		return true, nil
	}
	if sub.Admin() {
		return true, nil
	}

	cacheKey := ""
	if e.cache != nil {
		cacheKey = fmt.Sprintf("%d:%d:%s", sub.SubjectID(), res.ID, action)
		if allowed, ok := e.cache.Get(cacheKey); ok {
			return allowed, nil
		}
	}

	level, found, err := e.strongestGrant(ctx, sub.SubjectID(), res)
	if err != nil {
		return false, err
	}

	allowed := found && level.Satisfies(action)
	if e.cache != nil {
		e.cache.Add(cacheKey, allowed)
	}
	return allowed, nil
}

// strongestGrant walks the ancestor chain (resource included) and keeps
// the most permissive grant found. The walk stops early on a WRITE grant
// since nothing outranks it.
func (e *Engine) strongestGrant(ctx context.Context, userID int64, res *Resource) (ShareLevel, bool, error) {
	var best ShareLevel
	found := false

	current := res
	for current != nil {
		level, ok, err := e.grants.Grant(ctx, current.ID, userID)
		if err != nil {
			return "", false, fmt.Errorf("resolve grant for node %d: %w", current.ID, err)
		}
		if ok {
			if !found || level.stronger(best) {
				best = level
				found = true
			}
			if best == ShareWrite {
				return best, true, nil
			}
		}

		if current.ParentID == nil {
			break
		}
		parent, err := e.nodes.Resource(ctx, *current.ParentID)
		if err != nil {
			return "", false, fmt.Errorf("resolve parent %d: %w", *current.ParentID, err)
		}
		current = parent
	}

	return best, found, nil
}

// InvalidateCache drops all cached decisions. Called after share or role
// mutations; the cache has no per-user index so a full purge is the
// simple correct move.
func (e *Engine) InvalidateCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

// ScopeToUser restricts a bulk listing for the subject. Share-visible
// resources are surfaced through the explicit shared-with-me query, not
// merged into the default listing.
func ScopeToUser(sub Subject) QueryScope {
	if !sub.Can(PermFileRead) {
		return ScopeNone
	}
	if sub.Admin() {
		return ScopeAll
	}
	return ScopeOwner
}
