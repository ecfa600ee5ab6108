package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// DefaultActorHeader is the header read when AuthOptions.Header is empty.
const DefaultActorHeader = "X-Authenticated-User"

// ActorLoader resolves a principal id to an actor snapshot. It returns an
// error wrapping errdefs.ErrUnauthenticated for accounts that may not act.
type ActorLoader interface {
	LoadActor(ctx context.Context, id int64) (contextkeys.Actor, error)
}

// AuthOptions configures Authenticate
type AuthOptions struct {
	// Header carries the principal id. The fronting proxy must strip it from client requests.
	Header string
	// DevActorID, when non-zero, is used for requests without the header.
	DevActorID int64
	// Optional lets requests without an actor through unauthenticated.
	Optional bool
	Logger   *observability.Logger
}

// Authenticate stores the acting principal in the request context.
func Authenticate(loader ActorLoader, opts AuthOptions) func(http.Handler) http.Handler {
	header := opts.Header
	if header == "" {
		header = DefaultActorHeader
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := actorIDFrom(r, header, opts.DevActorID)
			if err != nil {
				httputil.WriteErrorFor(w, r, err)
				return
			}
			if id == 0 {
				if opts.Optional {
					next.ServeHTTP(w, r)
					return
				}
				httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
				return
			}

			actor, err := loader.LoadActor(r.Context(), id)
			if err != nil {
				observability.FromContext(r.Context(), logger).
					WithField("actor_id", id).
					WithError(err).
					Debug("actor rejected")
				httputil.WriteErrorFor(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextkeys.WithActor(r.Context(), actor)))
		})
	}
}

// actorIDFrom returns 0 when neither the header nor a dev actor is present.
func actorIDFrom(r *http.Request, header string, devActor int64) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(header))
	if raw == "" {
		return devActor, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errdefs.ErrUnauthenticated
	}
	return id, nil
}
