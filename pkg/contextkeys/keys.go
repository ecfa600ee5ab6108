// Package contextkeys provides the context keys shared across packages.
//
// Every request-scoped value bastion stores in a context.Context is keyed here
// so producers (middleware) and consumers (services, audit) agree on types.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorKey contains Actor
	// Set by: middleware.Authenticate
	// Required by: every handler performing an authorized mutation
	ActorKey Key = "actor"

	// RequestIDKey contains the request id string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, error responses
	RequestIDKey Key = "request_id"

	// RequestInfoKey contains audit.RequestInfo
	// Set by: audit.RequestContextMiddleware
	// Used by: audit.Writer
	RequestInfoKey Key = "request_info"
)

// Actor is the authenticated principal performing a request.
type Actor struct {
	ID    int64
	Name  string
	Email string
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// GetActor returns the authenticated principal, if any.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(Actor)
	return actor, ok
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
