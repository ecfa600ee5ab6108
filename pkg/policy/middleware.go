package policy

import (
	"net/http"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

// RequirePermission rejects requests whose actor may not exercise permission.
// Missing actors get 401, denials 403 with the reason in the body.
func (e *Evaluator) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := contextkeys.GetActor(r.Context())
			if !ok {
				httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
				return
			}
			if err := e.AuthorizePermission(r.Context(), actor.ID, permission); err != nil {
				httputil.WriteErrorFor(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireActor rejects requests without an authenticated actor.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := contextkeys.GetActor(r.Context()); !ok {
			httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}
