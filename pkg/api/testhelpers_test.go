package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/canopyworks/canopy/pkg/audit"
	"github.com/canopyworks/canopy/pkg/auth"
	"github.com/canopyworks/canopy/pkg/files"
	"github.com/canopyworks/canopy/pkg/middleware"
	"github.com/canopyworks/canopy/pkg/observability"
	"github.com/canopyworks/canopy/pkg/quota"
	"github.com/canopyworks/canopy/pkg/ratelimit"
	"github.com/canopyworks/canopy/pkg/rbac"
	"github.com/canopyworks/canopy/pkg/users"
)

// testEnv is a full stack over an in-memory database: real services,
// real tokens, no rate limiting.
type testEnv struct {
	db       *sql.DB
	server   *Server
	users    *users.Service
	sessions *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
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
		`CREATE TABLE nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			parent_id INTEGER,
			name TEXT NOT NULL,
			is_dir BOOLEAN NOT NULL DEFAULT FALSE,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE internal_shares (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id INTEGER NOT NULL,
			owner_id INTEGER NOT NULL,
			grantee_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (node_id, grantee_id)
		)`,
		`CREATE TABLE share_links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id INTEGER NOT NULL,
			token TEXT NOT NULL UNIQUE,
			created_by INTEGER NOT NULL,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			actor_user_id INTEGER,
			actor_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			severity TEXT NOT NULL DEFAULT 'info',
			success BOOLEAN NOT NULL DEFAULT FALSE,
			prev_hash TEXT NOT NULL,
			event_hash TEXT NOT NULL
		)`,
		`CREATE TABLE bandwidth_usage (
			user_id INTEGER NOT NULL,
			month TEXT NOT NULL,
			bytes_used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, month)
		)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	ctx := context.Background()
	roleStore := rbac.NewStore(db)
	require.NoError(t, rbac.Bootstrap(ctx, roleStore))
	registry := rbac.NewRegistry(roleStore)

	hasher := auth.NewPasswordHasher(auth.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1,
		SaltLength: 16, KeyLength: 32,
	})
	userStore := users.NewStore(db, roleStore)
	userSvc := users.NewService(userStore, registry, hasher, 1<<20)

	tokens := auth.NewTokenManager(
		[]byte("test-secret-at-least-32-bytes-ok"), "canopy",
		15*time.Minute, 7*24*time.Hour)
	bus := audit.NewBus(db, nil, nil)
	sessions := auth.NewService(userStore, hasher, tokens,
		auth.NewReplayRegistry(), ratelimit.NewLoginLimiter(5, 15*time.Minute),
		bus, nil, nil)

	nodes := files.NewStore(db)
	shares := files.NewShareStore(db)
	links := files.NewLinkStore(db)
	engine := rbac.NewEngine(nodes, shares)
	tracker := quota.NewTracker(db, nil, 0)
	fileSvc := files.NewService(db, nodes, shares, links, engine, tracker, userStore, bus)

	server := NewServer(Deps{
		Log:      observability.NewLogger(observability.ParseLogLevel("error"), io.Discard),
		Sessions: sessions,
		Users:    userSvc,
		Registry: registry,
		Files:    fileSvc,
		Audit:    audit.NewStore(db),
		Quota:    tracker,
		Auth:     middleware.NewAuth(sessions, false),
	})

	return &testEnv{db: db, server: server, users: userSvc, sessions: sessions}
}

// do runs a request through the full middleware chain. body may be nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:52000"
	req.Header.Set("User-Agent", "go-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, w, &envelope)
	return envelope.Error.Code
}

// registerAndLogin creates an account through the public endpoints and
// returns its access token and user id.
func (e *testEnv) registerAndLogin(t *testing.T, username, password string) (string, int64) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	return e.login(t, username, password)
}

func (e *testEnv) login(t *testing.T, username, password string) (string, int64) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.Tokens.AccessToken)
	return resp.Tokens.AccessToken, resp.User.ID
}

// adminToken bootstraps the initial admin account and logs it in. Must
// run before any other account exists.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	_, err := e.users.EnsureAdmin(context.Background(), "admin", "admin-password-1")
	require.NoError(t, err)
	token, _ := e.login(t, "admin", "admin-password-1")
	return token
}
