// Package middleware resolves the acting principal of a request and limits
// request rates.
//
// Authenticate reads the principal id from a header set by the fronting
// proxy, loads the account, and stores a contextkeys.Actor in the request
// context. Accounts that are disabled, deleted or pending verification are
// refused with 401.
//
//	router.Use(middleware.Authenticate(usersStore, middleware.AuthOptions{
//		Header: "X-Authenticated-User",
//	}))
//
// RateLimit keys requests by actor id when one is present and by client IP
// otherwise. MemoryLimiter keeps per-key token buckets in process;
// RedisLimiter shares a fixed window across instances.
//
//	router.Use(middleware.RateLimit(middleware.NewMemoryLimiter(cfg), logger))
package middleware
