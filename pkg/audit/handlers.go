package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

// Authorizer decides whether an actor holds a permission.
type Authorizer interface {
	AuthorizePermission(ctx context.Context, actorID int64, permission string) error
}

// Handlers provides HTTP handlers for the activity log API
type Handlers struct {
	store      Store
	authorizer Authorizer
}

// NewHandlers creates new activity log handlers
func NewHandlers(store Store, authorizer Authorizer) *Handlers {
	return &Handlers{store: store, authorizer: authorizer}
}

// RegisterRoutes registers activity log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/activity-logs", h.listEntries).Methods("GET")
	router.HandleFunc("/activity-logs/export", h.exportEntries).Methods("GET")
	router.HandleFunc("/activity-logs/stats", h.getStats).Methods("GET")
	router.HandleFunc("/activity-logs/{id:[0-9]+}", h.getEntry).Methods("GET")
}

func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, permission string) bool {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return false
	}
	if err := h.authorizer.AuthorizePermission(r.Context(), actor.ID, permission); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return false
	}
	return true
}

// listEntries handles GET /activity-logs
func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.PermReadActivityLogs) {
		return
	}
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	page, err := h.store.Query(r.Context(), filter)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, page)
}

// getEntry handles GET /activity-logs/{id}
func (h *Handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.PermReadActivityLogs) {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, entry)
}

var exportContentTypes = map[ExportFormat]string{
	ExportFormatJSON:   "application/json",
	ExportFormatNDJSON: "application/x-ndjson",
	ExportFormatCSV:    "text/csv",
}

// exportEntries handles GET /activity-logs/export?format=csv
func (h *Handlers) exportEntries(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.PermExportActivityLogs) {
		return
	}
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}
	contentType, ok := exportContentTypes[format]
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ValidationErrors{"format": "must be json, ndjson or csv"})
		return
	}

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}

	filename := "activity-log-" + time.Now().UTC().Format("20060102-150405") + "." + string(format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// getStats handles GET /activity-logs/stats?from=2024-01-01&to=2024-02-01
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.PermReadActivityLogs) {
		return
	}
	var from, to *time.Time
	errs := errdefs.ValidationErrors{}
	for key, dst := range map[string]**time.Time{"from": &from, "to": &to} {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			continue
		}
		t, err := time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			errs.Add(key, "must be YYYY-MM-DD")
			continue
		}
		*dst = &t
	}
	if err := errs.Err(); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}

	stats, err := h.store.Stats(r.Context(), from, to)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}
