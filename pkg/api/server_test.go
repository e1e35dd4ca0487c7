package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRegisterLoginAndMe(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	decodeBody(t, w, &me)
	assert.Equal(t, userID, me.ID)
	assert.Equal(t, "alice", me.Username)
}

func TestMeWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_TOKEN", errorCode(t, w))
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, w))
}

func TestRegisterDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "another-password",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "USER_EXISTS", errorCode(t, w))
}

func TestRefreshRotationAndReuse(t *testing.T) {
	env := newTestEnv(t)
	env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "correct-horse-battery",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var loginResp struct {
		Tokens struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	decodeBody(t, w, &loginResp)

	w = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{
		"refresh_token": loginResp.Tokens.RefreshToken,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The rotated-out token is burned; replaying it is treated as theft.
	w = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{
		"refresh_token": loginResp.Tokens.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "TOKEN_REUSED", errorCode(t, w))
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "correct-horse-battery",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var loginResp struct {
		Tokens struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	decodeBody(t, w, &loginResp)

	w = env.do(t, http.MethodPost, "/api/auth/logout", "", map[string]string{
		"refresh_token": loginResp.Tokens.RefreshToken,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{
		"refresh_token": loginResp.Tokens.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodPost, "/api/files/upload", token, map[string]interface{}{
		"name": "report.pdf", "size_bytes": 2048, "mime_type": "application/pdf",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/me/usage", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var usage struct {
		BytesUsed  int64 `json:"bytes_used"`
		BytesLimit int64 `json:"bytes_limit"`
	}
	decodeBody(t, w, &usage)
	assert.Equal(t, int64(2048), usage.BytesUsed)
	assert.Equal(t, int64(1<<20), usage.BytesLimit)
}

func TestAdminRoutesRequirePermission(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.adminToken(t)
	userTok, _ := env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodGet, "/api/admin/users", userTok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	w = env.do(t, http.MethodGet, "/api/admin/users", adminTok, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUserAdministration(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.adminToken(t)

	limit := int64(4096)
	w := env.do(t, http.MethodPost, "/api/admin/users", adminTok, map[string]interface{}{
		"username":    "bob",
		"password":    "a-long-password",
		"bytes_limit": limit,
		"role_names":  []string{"user"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID         int64 `json:"id"`
		BytesLimit int64 `json:"bytes_limit"`
	}
	decodeBody(t, w, &created)
	assert.Equal(t, limit, created.BytesLimit)

	inactive := false
	w = env.do(t, http.MethodPut, "/api/admin/users/2", adminTok, map[string]interface{}{
		"is_active": &inactive,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated struct {
		IsActive bool `json:"is_active"`
	}
	decodeBody(t, w, &updated)
	assert.False(t, updated.IsActive)

	// Deactivated accounts cannot log in.
	w = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "bob", "password": "a-long-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoleAdministration(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.adminToken(t)

	w := env.do(t, http.MethodGet, "/api/admin/permissions", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var perms []struct {
		Code string `json:"code"`
	}
	decodeBody(t, w, &perms)
	assert.NotEmpty(t, perms)

	w = env.do(t, http.MethodPost, "/api/admin/roles", adminTok, map[string]interface{}{
		"name":             "auditor",
		"description":      "Read-only workspace access",
		"permission_codes": []string{"FILE_READ", "SHARE_VIEW_RECEIVED"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var role struct {
		ID          int64 `json:"id"`
		Permissions []struct {
			Code string `json:"code"`
		} `json:"permissions"`
	}
	decodeBody(t, w, &role)
	assert.Len(t, role.Permissions, 2)

	userTok, userID := env.registerAndLogin(t, "carol", "correct-horse-battery")
	_ = userTok

	w = env.do(t, http.MethodPut, "/api/admin/users/"+itoa(userID)+"/roles", adminTok,
		map[string]interface{}{"role_names": []string{"auditor"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var carol struct {
		Roles []struct {
			Name string `json:"name"`
		} `json:"roles"`
	}
	decodeBody(t, w, &carol)
	require.Len(t, carol.Roles, 1)
	assert.Equal(t, "auditor", carol.Roles[0].Name)

	// An assigned role cannot be deleted out from under its holders.
	w = env.do(t, http.MethodDelete, "/api/admin/roles/"+itoa(role.ID), adminTok, nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "ROLE_IN_USE", errorCode(t, w))
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.adminToken(t)
	token, _ := env.registerAndLogin(t, "alice", "correct-horse-battery")

	w := env.do(t, http.MethodPost, "/api/files/upload", token, map[string]interface{}{
		"name": "a.txt", "size_bytes": 10, "mime_type": "text/plain",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/audit?action=file.upload", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var events []struct {
		Action    string `json:"action"`
		EventHash string `json:"event_hash"`
	}
	decodeBody(t, w, &events)
	require.NotEmpty(t, events)
	assert.Equal(t, "file.upload", events[0].Action)
	assert.Len(t, events[0].EventHash, 64)

	w = env.do(t, http.MethodGet, "/api/admin/audit/verify", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result struct {
		Checked int64 `json:"checked"`
		Valid   bool  `json:"valid"`
	}
	decodeBody(t, w, &result)
	assert.True(t, result.Valid)
	assert.Greater(t, result.Checked, int64(0))

	w = env.do(t, http.MethodGet, "/api/admin/audit/export?format=ndjson", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"action":"file.upload"`)

	w = env.do(t, http.MethodGet, "/api/admin/audit/stats", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		TotalEvents int64 `json:"total_events"`
	}
	decodeBody(t, w, &stats)
	assert.Greater(t, stats.TotalEvents, int64(0))

	// Plain users never see the audit chain.
	w = env.do(t, http.MethodGet, "/api/admin/audit", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuditSearchRejectsBadTimestamp(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.adminToken(t)

	w := env.do(t, http.MethodGet, "/api/admin/audit?since=yesterday", adminTok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_TIMESTAMP", errorCode(t, w))
}
