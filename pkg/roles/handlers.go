package roles

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

// Handlers provides HTTP handlers for roles and permissions
type Handlers struct {
	service *Service
}

// NewHandlers creates new role handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers role and permission routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/roles", h.listRoles).Methods("GET")
	router.HandleFunc("/roles", h.createRole).Methods("POST")
	router.HandleFunc("/roles/{id:[0-9]+}", h.getRole).Methods("GET")
	router.HandleFunc("/roles/{id:[0-9]+}", h.updateRole).Methods("PUT")
	router.HandleFunc("/roles/{id:[0-9]+}", h.deleteRole).Methods("DELETE")

	router.HandleFunc("/permissions", h.listPermissions).Methods("GET")
	router.HandleFunc("/permissions", h.createPermission).Methods("POST")
	router.HandleFunc("/permissions/{id:[0-9]+}", h.getPermission).Methods("GET")
	router.HandleFunc("/permissions/{id:[0-9]+}", h.updatePermission).Methods("PUT")
	router.HandleFunc("/permissions/{id:[0-9]+}", h.deletePermission).Methods("DELETE")
}

func actorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return 0, false
	}
	return actor.ID, true
}

// actorAndID resolves the actor and the {id} path parameter.
func actorAndID(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	actor, ok := actorID(w, r)
	if !ok {
		return 0, 0, false
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return 0, 0, false
	}
	return actor, id, true
}

// listRoles handles GET /roles
func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	roles, err := h.service.ListRoles(r.Context(), actor)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

// createRole handles POST /roles
func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var in RoleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), actor, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, role)
}

// getRole handles GET /roles/{id}
func (h *Handlers) getRole(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), actor, id)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// updateRole handles PUT /roles/{id}
func (h *Handlers) updateRole(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var in RoleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), actor, id, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// deleteRole handles DELETE /roles/{id}
func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), actor, id); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// listPermissions handles GET /permissions
func (h *Handlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	perms, err := h.service.ListPermissions(r.Context(), actor)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

// createPermission handles POST /permissions
func (h *Handlers) createPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var in PermissionInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	p, err := h.service.CreatePermission(r.Context(), actor, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, p)
}

// getPermission handles GET /permissions/{id}
func (h *Handlers) getPermission(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPermission(r.Context(), actor, id)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, p)
}

// updatePermission handles PUT /permissions/{id}
func (h *Handlers) updatePermission(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var in PermissionInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	p, err := h.service.UpdatePermission(r.Context(), actor, id, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, p)
}

// deletePermission handles DELETE /permissions/{id}
func (h *Handlers) deletePermission(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePermission(r.Context(), actor, id); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
