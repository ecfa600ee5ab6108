package notify

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

// Handlers exposes the acting principal's own notifications.
type Handlers struct {
	store *Store
}

// NewHandlers creates notification handlers
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers notification routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/notifications", h.list).Methods("GET")
	router.HandleFunc("/notifications/{id:[0-9]+}/read", h.markRead).Methods("POST")
}

// list handles GET /notifications?unread=true&limit=20
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	items, err := h.store.List(r.Context(), actor.ID, r.URL.Query().Get("unread") == "true", limit)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, items)
}

// markRead handles POST /notifications/{id}/read
func (h *Handlers) markRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.MarkRead(r.Context(), actor.ID, id); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
