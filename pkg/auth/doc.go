// Package auth implements the session lifecycle: argon2id password
// hashing, HMAC-signed JWT access/refresh pairs, refresh rotation with
// replay detection, and login throttling hooks.
//
// Sessions are stateless on the access side. An access token carries the
// user's roles and permission codes and is validated purely from its
// signature; the database is only consulted to confirm the account is
// still active. Refresh tokens rotate on every redemption: the old
// token's jti is marked spent in the ReplayRegistry, and a second
// redemption of the same jti is treated as token theft, audited at
// critical severity.
//
//	tokens := auth.NewTokenManager(secret, "canopy", 15*time.Minute, 7*24*time.Hour)
//	svc := auth.NewService(users, hasher, tokens, auth.NewReplayRegistry(),
//		limiter, auditBus, log, metrics)
//
//	pair, user, err := svc.Login(ctx, "alice", password, auth.RequestInfo{IP: ip})
//	pair, user, err = svc.Refresh(ctx, pair.RefreshToken, req)
package auth
