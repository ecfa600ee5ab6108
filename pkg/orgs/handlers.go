package orgs

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

// maxLogoSize bounds multipart uploads.
const maxLogoSize = 2 << 20

// Handlers provides HTTP handlers for organizations and units
type Handlers struct {
	service *Service
}

// NewHandlers creates new organization handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers organization and unit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/organizations", h.listOrganizations).Methods("GET")
	router.HandleFunc("/organizations", h.createOrganization).Methods("POST")
	router.HandleFunc("/organizations/{id:[0-9]+}", h.getOrganization).Methods("GET")
	router.HandleFunc("/organizations/{id:[0-9]+}", h.updateOrganization).Methods("PUT", "POST")
	router.HandleFunc("/organizations/{id:[0-9]+}", h.deleteOrganization).Methods("DELETE")
	router.HandleFunc("/organizations/{id:[0-9]+}/activate", h.activateOrganization).Methods("POST")
	router.HandleFunc("/organizations/{id:[0-9]+}/tree", h.getTree).Methods("GET")

	router.HandleFunc("/organizational-units/tree", h.getTree).Methods("GET")
	router.HandleFunc("/organizational-units", h.createUnit).Methods("POST")
	router.HandleFunc("/organizational-units", h.batchDeleteUnits).Methods("DELETE")
	router.HandleFunc("/organizational-units/{unit:[0-9]+}", h.updateUnit).Methods("PUT")
	router.HandleFunc("/organizational-units/{unit:[0-9]+}", h.deleteUnit).Methods("DELETE")
	router.HandleFunc("/organizational-units/{unit:[0-9]+}/members", h.listMembers).Methods("GET")
	router.HandleFunc("/organizational-units/{unit:[0-9]+}/members/{user:[0-9]+}/disable", h.disableMember).Methods("POST")
	router.HandleFunc("/organizational-units/{unit:[0-9]+}/members/{user:[0-9]+}/enable", h.enableMember).Methods("POST")
}

func actorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actor, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteErrorFor(w, r, errdefs.ErrUnauthenticated)
		return 0, false
	}
	return actor.ID, true
}

// readOrganizationForm accepts multipart/form-data (with an optional "logo"
// file) or a JSON body.
func readOrganizationForm(r *http.Request) (name, rif *string, logo *Upload, err error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var body struct {
			Name *string `json:"name"`
			RIF  *string `json:"rif"`
		}
		if err := httputil.ParseJSON(r, &body); err != nil {
			return nil, nil, nil, errdefs.ValidationErrors{"body": err.Error()}
		}
		return body.Name, body.RIF, nil, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxLogoSize+1<<16)
	if err := r.ParseMultipartForm(maxLogoSize); err != nil {
		return nil, nil, nil, errdefs.ValidationErrors{"logo": "upload is too large or malformed"}
	}
	if vs, ok := r.MultipartForm.Value["name"]; ok && len(vs) > 0 {
		name = &vs[0]
	}
	if vs, ok := r.MultipartForm.Value["rif"]; ok && len(vs) > 0 {
		rif = &vs[0]
	}
	file, header, ferr := r.FormFile("logo")
	if ferr == nil {
		logo = &Upload{Filename: header.Filename, ContentType: header.Header.Get("Content-Type"), Body: file}
	} else if ferr != http.ErrMissingFile {
		return nil, nil, nil, errdefs.ValidationErrors{"logo": "could not read upload"}
	}
	return name, rif, logo, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// listOrganizations handles GET /organizations
func (h *Handlers) listOrganizations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	orgs, err := h.service.ListOrganizations(r.Context(), actor)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, orgs)
}

// createOrganization handles POST /organizations
func (h *Handlers) createOrganization(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	name, rif, logo, err := readOrganizationForm(r)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	org, err := h.service.CreateOrganization(r.Context(), actor, CreateOrganizationInput{
		Name: deref(name), RIF: deref(rif), Logo: logo,
	})
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, org)
}

// getOrganization handles GET /organizations/{id}
func (h *Handlers) getOrganization(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	org, err := h.service.GetOrganization(r.Context(), actor, id)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, org)
}

// updateOrganization handles PUT /organizations/{id}
func (h *Handlers) updateOrganization(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	name, rif, logo, err := readOrganizationForm(r)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	org, err := h.service.UpdateOrganization(r.Context(), actor, id, UpdateOrganizationInput{Name: name, RIF: rif, Logo: logo})
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, org)
}

// activateOrganization handles POST /organizations/{id}/activate
func (h *Handlers) activateOrganization(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	org, err := h.service.ActivateOrganization(r.Context(), actor, id)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, org)
}

// deleteOrganization handles DELETE /organizations/{id}
func (h *Handlers) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteOrganization(r.Context(), actor, id); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// getTree handles GET /organizations/{id}/tree and GET /organizational-units/tree
func (h *Handlers) getTree(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var orgID int64
	if raw, found := mux.Vars(r)["id"]; found {
		orgID, _ = strconv.ParseInt(raw, 10, 64)
	}
	tree, err := h.service.Tree(r.Context(), actor, orgID)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, tree.Nested())
}

// createUnit handles POST /organizational-units
func (h *Handlers) createUnit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var in UnitInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	unit, err := h.service.CreateUnit(r.Context(), actor, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, unit)
}

// updateUnit handles PUT /organizational-units/{unit}
func (h *Handlers) updateUnit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "unit")
	if !ok {
		return
	}
	var in UnitInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	unit, err := h.service.UpdateUnit(r.Context(), actor, id, in)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, unit)
}

// deleteUnit handles DELETE /organizational-units/{unit}
func (h *Handlers) deleteUnit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "unit")
	if !ok {
		return
	}
	if err := h.service.DeleteUnit(r.Context(), actor, id); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// batchDeleteUnits handles DELETE /organizational-units?ids=1,2,3
func (h *Handlers) batchDeleteUnits(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	ids, err := httputil.ParseIDList(r.URL.Query().Get("ids"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	result, err := h.service.BatchDeleteUnits(r.Context(), actor, ids)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// listMembers handles GET /organizational-units/{unit}/members
func (h *Handlers) listMembers(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "unit")
	if !ok {
		return
	}
	members, err := h.service.Members(r.Context(), actor, id)
	if err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, members)
}

func (h *Handlers) disableMember(w http.ResponseWriter, r *http.Request) { h.setMember(w, r, true) }
func (h *Handlers) enableMember(w http.ResponseWriter, r *http.Request)  { h.setMember(w, r, false) }

func (h *Handlers) setMember(w http.ResponseWriter, r *http.Request, disabled bool) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	unitID, ok := httputil.ParsePathInt64OrError(w, r, "unit")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}
	if err := h.service.SetMembershipDisabled(r.Context(), actor, unitID, userID, disabled); err != nil {
		httputil.WriteErrorFor(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
