package users

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/directory"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

// Handlers provides HTTP handlers for accounts
type Handlers struct {
	service   *Service
	directory directory.Directory
}

// NewHandlers creates new user handlers. dir may be nil, which disables the
// employee lookup route.
func NewHandlers(service *Service, dir directory.Directory) *Handlers {
	return &Handlers{service: service, directory: dir}
}

// RegisterPublicRoutes registers routes that need no authenticated actor
func (h *Handlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/register", h.register).Methods("POST")
	if h.directory != nil {
		router.HandleFunc("/employees", h.searchEmployees).Methods("GET")
	}
}

// RegisterRoutes registers account management routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users", h.list).Methods("GET")
	router.HandleFunc("/users", h.create).Methods("POST")
	router.HandleFunc("/users/batch/delete", h.batch(h.service.BatchDelete)).Methods("POST")
	router.HandleFunc("/users/batch/disable", h.batch(h.service.BatchDisable)).Methods("POST")
	router.HandleFunc("/users/batch/restore", h.batch(h.service.BatchRestore)).Methods("POST")
	router.HandleFunc("/users/{id:[0-9]+}", h.get).Methods("GET")
	router.HandleFunc("/users/{id:[0-9]+}", h.update).Methods("PUT", "PATCH")
	router.HandleFunc("/users/{id:[0-9]+}", h.lifecycle(h.service.Delete)).Methods("DELETE")
	router.HandleFunc("/users/{id:[0-9]+}/force", h.lifecycle(h.service.ForceDelete)).Methods("DELETE")
	router.HandleFunc("/users/{id:[0-9]+}/disable", h.lifecycle(h.service.Disable)).Methods("POST")
	router.HandleFunc("/users/{id:[0-9]+}/enable", h.lifecycle(h.service.Enable)).Methods("POST")
	router.HandleFunc("/users/{id:[0-9]+}/restore", h.lifecycle(h.service.Restore)).Methods("POST")
	router.HandleFunc("/users/{id:[0-9]+}/verify", h.lifecycle(h.service.Verify)).Methods("POST")
}

func actorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return 0, false
	}
	return actor.ID, true
}

// register handles POST /register
func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	u, err := h.service.Register(r.Context(), in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, u)
}

// searchEmployees handles GET /employees?id_card=V-12
func (h *Handlers) searchEmployees(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("id_card")
	if prefix == "" {
		httputil.WriteBadRequest(w, "id_card is required")
		return
	}
	employees, err := h.directory.FindByPartialIDCard(r.Context(), prefix)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, employees)
}

// list handles GET /users?status=&search=&page=&per_page=
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	perPage, err := httputil.ParseQueryInt(r, "per_page", 15)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	result, err := h.service.List(r.Context(), actor, ListFilter{
		Status:  q.Get("status"),
		Search:  q.Get("search"),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// create handles POST /users
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var in CreateInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	u, err := h.service.Create(r.Context(), actor, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, u)
}

// get handles GET /users/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, d)
}

// update handles PUT /users/{id}
func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var in UpdateInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	u, err := h.service.Update(r.Context(), actor, id, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, u)
}

type lifecycleFunc func(ctx context.Context, actorID, id int64) error

// lifecycle adapts a single-account action to a handler answering 204.
func (h *Handlers) lifecycle(fn lifecycleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(w, r)
		if !ok {
			return
		}
		id, ok := httputil.ParsePathInt64OrError(w, r, "id")
		if !ok {
			return
		}
		if err := fn(r.Context(), actor, id); err != nil {
			httputil.WriteErrorFor(w, r, err)
			return
		}
		httputil.WriteNoContent(w)
	}
}

// BatchRequest is the body of the batch routes.
type BatchRequest struct {
	IDs []int64 `json:"ids"`
}

// BatchResponse carries the per-item result and its one-line summary.
type BatchResponse struct {
	*errdefs.BatchResult
	Message string `json:"message"`
}

type batchFunc func(ctx context.Context, actorID int64, ids []int64) *errdefs.BatchResult

// batch adapts a batch action. Partial failures still answer 200.
func (h *Handlers) batch(fn batchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(w, r)
		if !ok {
			return
		}
		var req BatchRequest
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
		if len(req.IDs) == 0 {
			httputil.WriteErrorFor(w, r, errdefs.ValidationErrors{"ids": "select at least one user"})
			return
		}
		result := fn(r.Context(), actor, req.IDs)
		_ = httputil.WriteSuccess(w, BatchResponse{BatchResult: result, Message: result.Summary()})
	}
}
