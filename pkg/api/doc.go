// Package api exposes the HTTP surface: session lifecycle, workspace
// tree operations, share and link management, and the administrator
// endpoints for users, roles and the audit chain.
//
// Routes are grouped by trust level. /api/auth carries the tokenless
// session routes under the tighter auth rate budget, /api/links/{token}
// is the anonymous link resolver, and everything else requires a bearer
// token. Administrator routes additionally pass a permission guard
// before reaching their handler; the services enforce the same checks a
// second time so no caller can bypass them.
package api
