package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/storage"
)

var tracer = observability.Tracer("orgs")

// Authorizer decides whether an actor holds a permission.
type Authorizer interface {
	AuthorizePermission(ctx context.Context, actorID int64, permission string) error
}

// HolderLister resolves the active principals holding a permission.
type HolderLister interface {
	ActiveHolders(ctx context.Context, name string) ([]int64, error)
}

// Deps are the collaborators of a Service. Files, Notifier, Holders and Logger may be nil.
type Deps struct {
	DB         *sql.DB
	Audit      *audit.Writer
	Authorizer Authorizer
	Files      storage.FileStore
	Notifier   notify.Dispatcher
	Holders    HolderLister
	Logger     *observability.Logger
}

// Service manages the organization record and its unit tree.
type Service struct {
	db       *sql.DB
	store    *Store
	audit    *audit.Writer
	authz    Authorizer
	files    storage.FileStore
	notifier notify.Dispatcher
	holders  HolderLister
	logger   *observability.Logger
}

// NewService creates an organization service
func NewService(d Deps) *Service {
	s := &Service{
		db:       d.DB,
		store:    NewStore(d.DB),
		audit:    d.Audit,
		authz:    d.Authorizer,
		files:    d.Files,
		notifier: d.Notifier,
		holders:  d.Holders,
		logger:   d.Logger,
	}
	if s.notifier == nil {
		s.notifier = notify.NopDispatcher{}
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	return s
}

// Store exposes the underlying store for read-only callers.
func (s *Service) Store() *Store { return s.store }

func (s *Service) authorize(ctx context.Context, actorID int64, permission string) error {
	return s.authz.AuthorizePermission(ctx, actorID, permission)
}

// inTx runs fn with a store and audit writer bound to one transaction.
func (s *Service) inTx(ctx context.Context, fn func(store *Store, w *audit.Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Storage("failed to begin transaction", err)
	}
	if err := fn(s.store.WithTx(tx), s.audit.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Storage("failed to commit transaction", err)
	}
	return nil
}

func validateOrganization(name, rif string) error {
	v := errdefs.ValidationErrors{}
	switch {
	case strings.TrimSpace(name) == "":
		v.Add("name", "is required")
	case utf8.RuneCountInString(name) > 255:
		v.Add("name", "must be at most 255 characters")
	}
	switch {
	case strings.TrimSpace(rif) == "":
		v.Add("rif", "is required")
	case utf8.RuneCountInString(rif) > 20:
		v.Add("rif", "must be at most 20 characters")
	}
	return v.Err()
}

// putLogo stores an upload and returns its key, or nil when there is no upload.
func (s *Service) putLogo(ctx context.Context, up *Upload) (*string, error) {
	if up == nil {
		return nil, nil
	}
	if s.files == nil {
		return nil, errdefs.ValidationErrors{"logo": "logo uploads are not configured"}
	}
	if !strings.HasPrefix(up.ContentType, "image/") {
		return nil, errdefs.ValidationErrors{"logo": "must be an image"}
	}
	key := storage.LogoKey(up.Filename)
	if err := s.files.Put(ctx, key, up.Body, up.ContentType); err != nil {
		return nil, errdefs.Storage("failed to store logo", err)
	}
	return &key, nil
}

func (s *Service) dropLogo(ctx context.Context, key *string) {
	if key == nil || s.files == nil {
		return
	}
	if err := s.files.Delete(ctx, *key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		observability.FromContext(ctx, s.logger).WithError(err).WithField("key", *key).Warn("failed to delete logo")
	}
}

// CreateOrganization creates the new active organization. Every previously
// active organization is disabled in the same transaction; nothing is deleted.
// An uploaded logo is removed again when the transaction fails.
func (s *Service) CreateOrganization(ctx context.Context, actorID int64, in CreateOrganizationInput) (org *Organization, err error) {
	ctx, span := tracer.Start(ctx, "orgs.CreateOrganization")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.authorize(ctx, actorID, rbac.PermCreateOrganizations); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.RIF = strings.ToUpper(strings.TrimSpace(in.RIF))
	if err := validateOrganization(in.Name, in.RIF); err != nil {
		return nil, err
	}

	logo, err := s.putLogo(ctx, in.Logo)
	if err != nil {
		return nil, err
	}

	org = &Organization{Name: in.Name, RIF: in.RIF, Logo: logo}
	err = s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		disabled, err := store.DisableActive(ctx, 0)
		if err != nil {
			return err
		}
		for i := range disabled {
			o := disabled[i]
			if err := w.RecordBestEffort(ctx, audit.Lifecycle(audit.LogOrganizations, audit.EventDisabled,
				audit.OrganizationRef(o.ID, o.Name))); err != nil {
				return err
			}
		}
		if err := store.CreateOrganization(ctx, org); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Created(audit.LogOrganizations,
			audit.OrganizationRef(org.ID, org.Name), org.AuditAttributes()))
	})
	if err != nil {
		s.dropLogo(ctx, logo)
		return nil, err
	}

	s.notifyAdmins(ctx, actorID, notify.Event{
		Kind: notify.KindOrganizationCreated,
		Data: map[string]interface{}{"organization_id": org.ID, "name": org.Name, "rif": org.RIF},
	})
	return org, nil
}

// UpdateOrganization edits an organization. A replaced logo is deleted from
// the file store only after the update commits.
func (s *Service) UpdateOrganization(ctx context.Context, actorID, id int64, in UpdateOrganizationInput) (*Organization, error) {
	if err := s.authorize(ctx, actorID, rbac.PermUpdateOrganizations); err != nil {
		return nil, err
	}
	current, err := s.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *current
	if in.Name != nil {
		next.Name = strings.TrimSpace(*in.Name)
	}
	if in.RIF != nil {
		next.RIF = strings.ToUpper(strings.TrimSpace(*in.RIF))
	}
	if err := validateOrganization(next.Name, next.RIF); err != nil {
		return nil, err
	}

	logo, err := s.putLogo(ctx, in.Logo)
	if err != nil {
		return nil, err
	}
	if logo != nil {
		next.Logo = logo
	}

	entry, changed := audit.Updated(audit.LogOrganizations, audit.OrganizationRef(next.ID, next.Name),
		current.AuditAttributes(), next.AuditAttributes())
	if !changed {
		return current, nil
	}
	err = s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		if err := store.UpdateOrganization(ctx, &next); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, entry)
	})
	if err != nil {
		s.dropLogo(ctx, logo)
		return nil, err
	}
	if logo != nil {
		s.dropLogo(ctx, current.Logo)
	}
	return &next, nil
}

// ActivateOrganization makes a historical organization the active one again.
func (s *Service) ActivateOrganization(ctx context.Context, actorID, id int64) (*Organization, error) {
	if err := s.authorize(ctx, actorID, rbac.PermUpdateOrganizations); err != nil {
		return nil, err
	}
	org, err := s.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	if org.Active() {
		return org, nil
	}
	err = s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		disabled, err := store.DisableActive(ctx, id)
		if err != nil {
			return err
		}
		for i := range disabled {
			if err := w.RecordBestEffort(ctx, audit.Lifecycle(audit.LogOrganizations, audit.EventDisabled,
				audit.OrganizationRef(disabled[i].ID, disabled[i].Name))); err != nil {
				return err
			}
		}
		if err := store.SetOrganizationDisabled(ctx, id, false); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Lifecycle(audit.LogOrganizations, audit.EventEnabled,
			audit.OrganizationRef(org.ID, org.Name)))
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetOrganization(ctx, id)
}

// DeleteOrganization removes a historical organization. The active
// organization and organizations that still own units cannot be deleted.
func (s *Service) DeleteOrganization(ctx context.Context, actorID, id int64) error {
	if err := s.authorize(ctx, actorID, rbac.PermDeleteOrganizations); err != nil {
		return err
	}
	org, err := s.store.GetOrganization(ctx, id)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		if err := store.DeleteOrganization(ctx, id); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Lifecycle(audit.LogOrganizations, audit.EventDeleted,
			audit.OrganizationRef(org.ID, org.Name)))
	})
	if err != nil {
		return err
	}
	s.dropLogo(ctx, org.Logo)
	return nil
}

// GetOrganization returns one organization.
func (s *Service) GetOrganization(ctx context.Context, actorID, id int64) (*Organization, error) {
	if err := s.authorize(ctx, actorID, rbac.PermReadOrganizations); err != nil {
		return nil, err
	}
	return s.store.GetOrganization(ctx, id)
}

// ListOrganizations returns the active organization and its history.
func (s *Service) ListOrganizations(ctx context.Context, actorID int64) ([]Organization, error) {
	if err := s.authorize(ctx, actorID, rbac.PermReadOrganizations); err != nil {
		return nil, err
	}
	return s.store.ListOrganizations(ctx)
}

// Units

func validateUnit(in UnitInput) error {
	v := errdefs.ValidationErrors{}
	switch {
	case strings.TrimSpace(in.Name) == "":
		v.Add("name", "is required")
	case utf8.RuneCountInString(in.Name) > 255:
		v.Add("name", "must be at most 255 characters")
	}
	if utf8.RuneCountInString(in.Code) > 50 {
		v.Add("code", "must be at most 50 characters")
	}
	return v.Err()
}

// resolveOrganization defaults to the active organization.
func (s *Service) resolveOrganization(ctx context.Context, id int64) (int64, error) {
	if id != 0 {
		if _, err := s.store.GetOrganization(ctx, id); errors.Is(err, errdefs.ErrNotFound) {
			return 0, errdefs.ValidationErrors{"organization_id": "unknown organization"}
		} else if err != nil {
			return 0, err
		}
		return id, nil
	}
	active, err := s.store.ActiveOrganization(ctx)
	if err != nil {
		return 0, err
	}
	if active == nil {
		return 0, errdefs.Constraint("there is no active organization")
	}
	return active.ID, nil
}

// CreateUnit adds a unit under an optional parent of the same organization.
func (s *Service) CreateUnit(ctx context.Context, actorID int64, in UnitInput) (*Unit, error) {
	if err := s.authorize(ctx, actorID, rbac.PermCreateUnits); err != nil {
		return nil, err
	}
	if err := validateUnit(in); err != nil {
		return nil, err
	}
	orgID, err := s.resolveOrganization(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}
	if in.ParentID != nil {
		parent, err := s.store.GetUnit(ctx, *in.ParentID)
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil, errdefs.ValidationErrors{"parent_id": "unknown organizational unit"}
		}
		if err != nil {
			return nil, err
		}
		if parent.OrganizationID != orgID {
			return nil, errdefs.ValidationErrors{"parent_id": "belongs to another organization"}
		}
	}

	unit := &Unit{OrganizationID: orgID, ParentID: in.ParentID, Name: in.Name, Code: strings.TrimSpace(in.Code)}
	err = s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		if err := store.CreateUnit(ctx, unit); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Created(audit.LogUnits, audit.UnitRef(unit.ID, unit.Name), unit.AuditAttributes()))
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// UpdateUnit renames or moves a unit. A move below one of its own
// descendants is rejected.
func (s *Service) UpdateUnit(ctx context.Context, actorID, id int64, in UnitInput) (*Unit, error) {
	if err := s.authorize(ctx, actorID, rbac.PermUpdateUnits); err != nil {
		return nil, err
	}
	if err := validateUnit(in); err != nil {
		return nil, err
	}
	current, err := s.store.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.OrganizationID != 0 && in.OrganizationID != current.OrganizationID {
		return nil, errdefs.ValidationErrors{"organization_id": "units cannot move between organizations"}
	}

	units, err := s.store.ListUnits(ctx, current.OrganizationID)
	if err != nil {
		return nil, err
	}
	tree, err := BuildTree(units)
	if err != nil {
		return nil, err
	}
	if err := tree.CanMove(id, in.ParentID); err != nil {
		return nil, err
	}

	next := *current
	next.ParentID = in.ParentID
	next.Name = strings.TrimSpace(in.Name)
	next.Code = strings.TrimSpace(in.Code)
	entry, changed := audit.Updated(audit.LogUnits, audit.UnitRef(next.ID, next.Name),
		current.AuditAttributes(), next.AuditAttributes())
	if !changed {
		return current, nil
	}
	err = s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		if err := store.UpdateUnit(ctx, &next); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// DeleteUnit removes a unit that has no child units and no members.
func (s *Service) DeleteUnit(ctx context.Context, actorID, id int64) error {
	if err := s.authorize(ctx, actorID, rbac.PermDeleteUnits); err != nil {
		return err
	}
	unit, err := s.store.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		if err := store.DeleteUnit(ctx, id); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Lifecycle(audit.LogUnits, audit.EventDeleted, audit.UnitRef(unit.ID, unit.Name)))
	})
}

// BatchDeleteUnits deletes each unit independently and reports per-item failures.
func (s *Service) BatchDeleteUnits(ctx context.Context, actorID int64, ids []int64) (*errdefs.BatchResult, error) {
	if err := s.authorize(ctx, actorID, rbac.PermDeleteUnits); err != nil {
		return nil, err
	}
	result := errdefs.NewBatchResult()
	for _, id := range ids {
		if err := s.DeleteUnit(ctx, actorID, id); err != nil {
			if errors.Is(err, errdefs.ErrStorage) {
				observability.FromContext(ctx, s.logger).WithError(err).WithField("unit_id", id).Warn("batch unit delete failed")
			}
			result.Fail(id, failureReason(err))
			continue
		}
		result.Ok(id)
	}
	return result, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return "not found"
	case errors.Is(err, errdefs.ErrStorage):
		return "storage failure"
	}
	return err.Error()
}

// Tree returns the unit tree of an organization, the active one when id is 0.
func (s *Service) Tree(ctx context.Context, actorID, organizationID int64) (*Tree, error) {
	if err := s.authorize(ctx, actorID, rbac.PermReadOrganizations); err != nil {
		return nil, err
	}
	orgID, err := s.resolveOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	units, err := s.store.ListUnits(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return BuildTree(units)
}

// Members lists the principals attached to a unit.
func (s *Service) Members(ctx context.Context, actorID, unitID int64) ([]Membership, error) {
	if err := s.authorize(ctx, actorID, rbac.PermReadOrganizations); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUnit(ctx, unitID); err != nil {
		return nil, err
	}
	return s.store.Members(ctx, unitID)
}

// SetMembershipDisabled suspends or reinstates a principal within one unit
// without touching their global status.
func (s *Service) SetMembershipDisabled(ctx context.Context, actorID, unitID, userID int64, disabled bool) error {
	if err := s.authorize(ctx, actorID, rbac.PermUpdateUnits); err != nil {
		return err
	}
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	event := audit.EventEnabled
	if disabled {
		event = audit.EventDisabled
	}
	return s.inTx(ctx, func(store *Store, w *audit.Writer) error {
		changed, err := store.SetMemberDisabled(ctx, unitID, userID, disabled)
		if err != nil || !changed {
			return err
		}
		e := audit.Lifecycle(audit.LogUnits, event, audit.UnitRef(unit.ID, unit.Name))
		e.Description = fmt.Sprintf(":causer %s user #%d in :subject", event, userID)
		e.Extra = map[string]interface{}{"user_id": userID}
		return w.RecordBestEffort(ctx, e)
	})
}

func (s *Service) notifyAdmins(ctx context.Context, actorID int64, e notify.Event) {
	if s.holders == nil {
		return
	}
	ids, err := s.holders.ActiveHolders(ctx, rbac.PermCreateOrganizations)
	if err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("failed to resolve notification recipients")
		return
	}
	recipients := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != actorID {
			recipients = append(recipients, id)
		}
	}
	if actor, ok := contextkeys.GetActor(ctx); ok && e.Data != nil {
		e.Data["by"] = actor.Name
	}
	s.notifier.NotifyMany(ctx, recipients, e)
}
