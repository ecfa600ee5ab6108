package policy

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

// Handlers exposes the evaluator over HTTP
type Handlers struct {
	evaluator *Evaluator
}

func NewHandlers(evaluator *Evaluator) *Handlers {
	return &Handlers{evaluator: evaluator}
}

// RegisterRoutes registers the policy routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/policy/evaluate", h.Evaluate).Methods("POST")
	router.HandleFunc("/policy/me", h.Me).Methods("GET")
}

type evaluateRequest struct {
	Action     string `json:"action,omitempty"`
	TargetID   int64  `json:"target_id,omitempty"`
	Permission string `json:"permission,omitempty"`
}

// Evaluate answers "may I?" for the calling actor without performing anything.
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return
	}

	var req evaluateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var (
		decision Decision
		err      error
	)
	switch {
	case req.Action != "":
		action, perr := ParseAction(req.Action)
		if perr != nil {
			httputil.WriteErrorFor(w, r, perr)
			return
		}
		if req.TargetID <= 0 {
			httputil.WriteErrorFor(w, r, errdefs.ValidationErrors{"target_id": "is required"})
			return
		}
		decision, err = h.evaluator.Evaluate(r.Context(), actor.ID, action, req.TargetID)
	case req.Permission != "":
		decision, err = h.evaluator.EvaluatePermission(r.Context(), actor.ID, req.Permission)
	default:
		httputil.WriteErrorFor(w, r, errdefs.ValidationErrors{"action": "either action or permission is required"})
		return
	}
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, decision)
}

type permissionsResponse struct {
	UserID      int64    `json:"user_id"`
	Root        bool     `json:"root"`
	RoleIDs     []int64  `json:"role_ids"`
	Permissions []string `json:"permissions"`
}

// Me lists the calling actor's resolved permissions.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return
	}
	set, err := h.evaluator.checker.PermissionSet(r.Context(), actor.ID)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, permissionsResponse{
		UserID:      set.UserID,
		Root:        set.Root,
		RoleIDs:     set.RoleIDs,
		Permissions: set.Names(),
	})
}
