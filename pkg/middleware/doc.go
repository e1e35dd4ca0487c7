// Package middleware provides the request gates that run before any
// handler: bearer token authentication, permission guards, and the
// per-endpoint-class rate limiter.
//
// # Authentication
//
//	authMW := middleware.NewAuth(sessionService, false)
//	router.Use(authMW.Handler)
//
// The authenticated user lands in the request context under
// contextkeys.UserKey; handlers read it back with contextkeys.GetUser
// or middleware.RequireUser.
//
// # Guards
//
//	router.Handle("/admin/users",
//		middleware.RequirePermission(rbac.PermUserManage)(handler))
//	router.Handle("/admin/audit", middleware.RequireAdmin(handler))
//
// # Rate limiting
//
//	rl := middleware.NewRateLimit(log, metrics)
//	rl.Register("api", ratelimit.Limit{Count: 600, Window: time.Minute})
//	router.Use(rl.Class("api"))
//
// Keys combine the class, the client IP, the authenticated user and the
// route. Multi-node deployments swap a class to redis with
// RegisterDistributed.
package middleware
