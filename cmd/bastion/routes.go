package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/directory"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/orgs"
	"github.com/platinummonkey/bastion/pkg/policy"
	"github.com/platinummonkey/bastion/pkg/roles"
	"github.com/platinummonkey/bastion/pkg/users"
)

// app holds the wired services behind the HTTP API.
type app struct {
	db          *sql.DB
	logger      *observability.Logger
	metrics     *observability.Metrics
	metricsPath string

	evaluator *policy.Evaluator
	auditLog  audit.Store
	notes     *notify.Store
	directory directory.Directory
	users     *users.Service
	roles     *roles.Service
	orgs      *orgs.Service

	auth    middleware.AuthOptions
	limiter middleware.Limiter // nil disables rate limiting
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tmpl
}

// newRouter mounts every package's routes under /api. Public routes skip
// authentication; everything else requires an actor.
func newRouter(a *app) *mux.Router {
	r := mux.NewRouter()
	r.Use(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(a.logger),
		httputil.LoggingMiddleware(a.logger),
		a.metrics.HTTPMiddleware(routeTemplate),
		audit.RequestContextMiddleware,
	)

	r.HandleFunc("/healthz", a.health).Methods("GET")
	if a.metrics != nil && a.metricsPath != "" {
		r.Handle(a.metricsPath, a.metrics.Handler()).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	usersHandlers := users.NewHandlers(a.users, a.directory)

	public := api.NewRoute().Subrouter()
	if a.limiter != nil {
		public.Use(middleware.RateLimit(a.limiter, a.logger))
	}
	usersHandlers.RegisterPublicRoutes(public)

	private := api.NewRoute().Subrouter()
	private.Use(middleware.Authenticate(a.users.Store(), a.auth))
	if a.limiter != nil {
		private.Use(middleware.RateLimit(a.limiter, a.logger))
	}
	usersHandlers.RegisterRoutes(private)
	roles.NewHandlers(a.roles).RegisterRoutes(private)
	orgs.NewHandlers(a.orgs).RegisterRoutes(private)
	audit.NewHandlers(a.auditLog, a.evaluator).RegisterRoutes(private)
	policy.NewHandlers(a.evaluator).RegisterRoutes(private)
	notify.NewHandlers(a.notes).RegisterRoutes(private)

	return r
}

// health handles GET /healthz
func (a *app) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	_ = httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}
