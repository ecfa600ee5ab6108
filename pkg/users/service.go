package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/directory"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/orgs"
	"github.com/platinummonkey/bastion/pkg/policy"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

var tracer = observability.Tracer("users")

// Evaluator is the subset of *policy.Evaluator the service needs.
type Evaluator interface {
	Evaluate(ctx context.Context, actorID int64, action policy.Action, targetID int64) (policy.Decision, error)
	Authorize(ctx context.Context, actorID int64, action policy.Action, targetID int64) error
	AuthorizePermission(ctx context.Context, actorID int64, permission string) error
}

// Deps are the collaborators of a Service. Directory, Notifier, Logger and
// Metrics may be nil.
type Deps struct {
	DB        *sql.DB
	Audit     *audit.Writer
	Evaluator Evaluator
	Checker   rbac.Checker
	Directory directory.Directory
	Notifier  notify.Dispatcher
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Service implements the principal lifecycle.
type Service struct {
	db        *sql.DB
	store     *Store
	graph     *rbac.Store
	units     *orgs.Store
	audit     *audit.Writer
	eval      Evaluator
	checker   rbac.Checker
	directory directory.Directory
	notifier  notify.Dispatcher
	logger    *observability.Logger
	metrics   *observability.Metrics
	cost      int
}

// NewService creates a user service
func NewService(d Deps) *Service {
	s := &Service{
		db:        d.DB,
		store:     NewStore(d.DB),
		graph:     rbac.NewStore(d.DB),
		units:     orgs.NewStore(d.DB),
		audit:     d.Audit,
		eval:      d.Evaluator,
		checker:   d.Checker,
		directory: d.Directory,
		notifier:  d.Notifier,
		logger:    d.Logger,
		metrics:   d.Metrics,
		cost:      d.BcryptCost,
	}
	if s.notifier == nil {
		s.notifier = notify.NopDispatcher{}
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	return s
}

// Store exposes the account store, e.g. for actor authentication.
func (s *Service) Store() *Store { return s.store }

// txStores are the stores and writer bound to one transaction.
type txStores struct {
	users *Store
	graph *rbac.Store
	units *orgs.Store
	audit *audit.Writer
}

func (s *Service) inTx(ctx context.Context, fn func(tx txStores) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Storage("failed to begin transaction", err)
	}
	stores := txStores{
		users: s.store.WithTx(tx),
		graph: s.graph.WithTx(tx),
		units: s.units.WithTx(tx),
		audit: s.audit.WithTx(tx),
	}
	if err := fn(stores); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Storage("failed to commit transaction", err)
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches the account's hash.
func CheckPassword(u *User, password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func validateEmail(v errdefs.ValidationErrors, email string) {
	if email == "" {
		v.Add("email", "is required")
		return
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		v.Add("email", "must be a valid email address")
	}
	if utf8.RuneCountInString(email) > 255 {
		v.Add("email", "must be at most 255 characters")
	}
}

func validatePassword(v errdefs.ValidationErrors, password string) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		v.Add("password", fmt.Sprintf("must be at least %d characters", MinPasswordLength))
	}
	if len(password) > 72 {
		v.Add("password", "must be at most 72 bytes")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailTaken adds a validation failure when another account uses email.
func (s *Service) emailTaken(ctx context.Context, v errdefs.ValidationErrors, email string, exceptID int64) error {
	if _, bad := v["email"]; bad {
		return nil
	}
	u, err := s.store.GetByEmail(ctx, email)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.ID != exceptID {
		v.Add("email", "has already been taken")
	}
	return nil
}

// lookupEmployee resolves an id card in the employee directory.
func (s *Service) lookupEmployee(ctx context.Context, v errdefs.ValidationErrors, idCard string) (*directory.Employee, error) {
	if s.directory == nil {
		v.Add("id_card", "the employee directory is not configured")
		return nil, nil
	}
	emp, err := s.directory.Find(ctx, idCard)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		v.Add("id_card", "is not registered in the employee directory")
	}
	return emp, nil
}

func personFrom(emp *directory.Employee) *Person {
	return &Person{IDCard: emp.IDCard, Names: emp.Names, Surnames: emp.Surnames, Position: emp.Position}
}

// Register creates an account for an employee found in the directory. The
// new account is its own causer in the activity log.
func (s *Service) Register(ctx context.Context, in RegisterInput) (u *User, err error) {
	ctx, span := tracer.Start(ctx, "users.Register")
	defer func() { observability.EndSpan(span, err) }()

	in.IDCard = directory.NormalizeIDCard(in.IDCard)
	v := errdefs.ValidationErrors{}
	if in.IDCard == "" {
		v.Add("id_card", "is required")
	}
	validatePassword(v, in.Password)

	var emp *directory.Employee
	if in.IDCard != "" {
		if emp, err = s.lookupEmployee(ctx, v, in.IDCard); err != nil {
			return nil, err
		}
	}
	if in.Email == "" && emp != nil {
		in.Email = emp.Email
	}
	in.Email = normalizeEmail(in.Email)
	validateEmail(v, in.Email)
	if err := s.emailTaken(ctx, v, in.Email, 0); err != nil {
		return nil, err
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}
	person := personFrom(emp)
	u = &User{Name: person.FullName(), Email: in.Email, PasswordHash: hash, IsActive: true, Person: person}

	err = s.inTx(ctx, func(tx txStores) error {
		if err := s.linkPerson(ctx, tx, u, person); err != nil {
			return err
		}
		if err := tx.users.Create(ctx, u); err != nil {
			return err
		}
		return tx.audit.RecordBestEffort(ctx, audit.Entry{
			LogName:     audit.LogAuth,
			Event:       audit.EventRegistered,
			Description: ":causer registered",
			Subject:     refPtr(audit.UserRef(u.ID, u.Name)),
			Causer:      &audit.CauserSnapshot{ID: u.ID, Name: u.Name, Email: u.Email},
			Attributes:  u.AuditAttributes(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifyAdmins(ctx, notify.Event{
		Kind: notify.KindUserRegistered,
		Data: map[string]interface{}{"user_id": u.ID, "name": u.Name, "email": u.Email},
	}, u.ID)
	return u, nil
}

// linkPerson attaches person to u, refusing identities already used by another account.
func (s *Service) linkPerson(ctx context.Context, tx txStores, u *User, person *Person) error {
	if err := tx.users.EnsurePerson(ctx, person); err != nil {
		return err
	}
	used, err := tx.users.PersonInUse(ctx, person.ID, u.ID)
	if err != nil {
		return err
	}
	if used {
		return errdefs.ValidationErrors{"id_card": "already belongs to another account"}
	}
	u.PersonID = &person.ID
	u.Person = person
	return nil
}

func refPtr(r audit.Ref) *audit.Ref { return &r }

// requireRootForRootRole denies attaching or detaching the root role unless
// the actor holds it.
func (s *Service) requireRootForRootRole(ctx context.Context, actorID int64, diff rbac.SyncResult) error {
	touches := false
	for _, id := range append(append([]int64(nil), diff.Attached...), diff.Detached...) {
		if id == rbac.RootRoleID {
			touches = true
		}
	}
	if !touches {
		return nil
	}
	set, err := s.checker.PermissionSet(ctx, actorID)
	if err != nil {
		return err
	}
	if !set.Root {
		return &policy.AuthorizationDenied{
			Action: "assign root role",
			Reason: "only a root holder may grant or revoke the root role",
			Guard:  policy.GuardRootProtection,
		}
	}
	return nil
}

// Create adds an account on behalf of an administrator.
func (s *Service) Create(ctx context.Context, actorID int64, in CreateInput) (u *User, err error) {
	ctx, span := tracer.Start(ctx, "users.Create")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.eval.AuthorizePermission(ctx, actorID, rbac.PermCreateUsers); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	in.IDCard = directory.NormalizeIDCard(in.IDCard)

	v := errdefs.ValidationErrors{}
	var emp *directory.Employee
	if in.IDCard != "" {
		if emp, err = s.lookupEmployee(ctx, v, in.IDCard); err != nil {
			return nil, err
		}
	}
	if in.Name == "" && emp != nil {
		in.Name = emp.FullName()
	}
	switch {
	case in.Name == "":
		v.Add("name", "is required")
	case utf8.RuneCountInString(in.Name) > 255:
		v.Add("name", "must be at most 255 characters")
	}
	validateEmail(v, in.Email)
	if in.Password != "" {
		validatePassword(v, in.Password)
	}
	if err := s.emailTaken(ctx, v, in.Email, 0); err != nil {
		return nil, err
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	if err := s.requireRootForRootRole(ctx, actorID, rbac.DiffIDs(nil, in.RoleIDs)); err != nil {
		return nil, err
	}

	u = &User{Name: in.Name, Email: in.Email, IsActive: in.Password != ""}
	if in.Password != "" {
		if u.PasswordHash, err = s.hash(in.Password); err != nil {
			return nil, err
		}
	}

	err = s.inTx(ctx, func(tx txStores) error {
		if emp != nil {
			if err := s.linkPerson(ctx, tx, u, personFrom(emp)); err != nil {
				return err
			}
		}
		if err := tx.users.Create(ctx, u); err != nil {
			return err
		}
		if err := tx.audit.RecordBestEffort(ctx, audit.Created(audit.LogUsers, audit.UserRef(u.ID, u.Name), u.AuditAttributes())); err != nil {
			return err
		}
		return s.syncGraph(ctx, tx, u, in.RoleIDs, in.PermissionIDs, in.UnitIDs, true)
	})
	if err != nil {
		return nil, err
	}
	s.checker.Invalidate(ctx, u.ID)

	s.notifyAdmins(ctx, notify.Event{
		Kind: notify.KindUserCreated,
		Data: map[string]interface{}{"user_id": u.ID, "name": u.Name, "email": u.Email},
	}, actorID, u.ID)
	return u, nil
}

// syncGraph replaces the roles, permissions and units of u, recording one
// authorized entry per attached or detached edge. Nil sets are left alone
// unless all is set.
func (s *Service) syncGraph(ctx context.Context, tx txStores, u *User, roleIDs, permissionIDs, unitIDs []int64, all bool) error {
	holder := audit.UserRef(u.ID, u.Name)

	if roleIDs != nil || all {
		diff, err := tx.graph.SyncUserRoles(ctx, u.ID, roleIDs)
		if err != nil {
			return err
		}
		if err := s.recordEdges(ctx, tx, holder, diff, func(id int64) (audit.Ref, error) {
			r, err := tx.graph.GetRole(ctx, id)
			if err != nil {
				return audit.Ref{}, err
			}
			return audit.RoleRef(r.ID, r.Name), nil
		}); err != nil {
			return err
		}
	}

	if permissionIDs != nil || all {
		diff, err := tx.graph.SyncUserPermissions(ctx, u.ID, permissionIDs)
		if err != nil {
			return err
		}
		if err := s.recordEdges(ctx, tx, holder, diff, func(id int64) (audit.Ref, error) {
			p, err := tx.graph.GetPermission(ctx, id)
			if err != nil {
				return audit.Ref{}, err
			}
			return audit.PermissionRef(p.ID, p.Name), nil
		}); err != nil {
			return err
		}
	}

	if unitIDs != nil || all {
		diff, err := tx.units.SyncUserUnits(ctx, u.ID, unitIDs)
		if err != nil {
			return err
		}
		if err := s.recordEdges(ctx, tx, holder, diff, func(id int64) (audit.Ref, error) {
			unit, err := tx.units.GetUnit(ctx, id)
			if err != nil {
				return audit.Ref{}, err
			}
			return audit.UnitRef(unit.ID, unit.Name), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordEdges(ctx context.Context, tx txStores, holder audit.Ref, diff rbac.SyncResult, ref func(int64) (audit.Ref, error)) error {
	for _, id := range diff.Attached {
		obj, err := ref(id)
		if err != nil {
			return err
		}
		if err := tx.audit.RecordBestEffort(ctx, audit.Granted(audit.LogUsers, obj, holder)); err != nil {
			return err
		}
	}
	for _, id := range diff.Detached {
		obj, err := ref(id)
		if err != nil {
			return err
		}
		if err := tx.audit.RecordBestEffort(ctx, audit.Revoked(audit.LogUsers, obj, holder)); err != nil {
			return err
		}
	}
	return nil
}

// getLive returns an account that is not soft-deleted.
func (s *Service) getLive(ctx context.Context, id int64) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Deleted() {
		return nil, errdefs.NotFound("user", id)
	}
	return u, nil
}

// Update changes scalar fields and replaces role, permission and unit sets in
// one transaction. Nothing is recorded for fields that did not change.
func (s *Service) Update(ctx context.Context, actorID, id int64, in UpdateInput) (u *User, err error) {
	ctx, span := tracer.Start(ctx, "users.Update")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.eval.Authorize(ctx, actorID, policy.ActionUpdate, id); err != nil {
		return nil, err
	}
	current, err := s.getLive(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	v := errdefs.ValidationErrors{}
	if in.Name != nil {
		next.Name = strings.TrimSpace(*in.Name)
		switch {
		case next.Name == "":
			v.Add("name", "is required")
		case utf8.RuneCountInString(next.Name) > 255:
			v.Add("name", "must be at most 255 characters")
		}
	}
	if in.Email != nil {
		next.Email = normalizeEmail(*in.Email)
		validateEmail(v, next.Email)
		if err := s.emailTaken(ctx, v, next.Email, id); err != nil {
			return nil, err
		}
	}
	if in.Password != nil {
		validatePassword(v, *in.Password)
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	if in.Password != nil {
		if next.PasswordHash, err = s.hash(*in.Password); err != nil {
			return nil, err
		}
	}

	var roleIDs, permissionIDs, unitIDs []int64
	if in.RoleIDs != nil {
		roleIDs = nonNil(*in.RoleIDs)
		have, err := s.graph.UserRoleIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.requireRootForRootRole(ctx, actorID, rbac.DiffIDs(have, roleIDs)); err != nil {
			return nil, err
		}
	}
	if in.PermissionIDs != nil {
		permissionIDs = nonNil(*in.PermissionIDs)
	}
	if in.UnitIDs != nil {
		unitIDs = nonNil(*in.UnitIDs)
	}

	entry, changed := audit.Updated(audit.LogUsers, audit.UserRef(next.ID, next.Name),
		current.AuditAttributes(), next.AuditAttributes())
	if !changed && next.PasswordHash != current.PasswordHash {
		// Only the password changed; the hash itself is never logged.
		entry = audit.Entry{
			LogName:     audit.LogUsers,
			Event:       audit.EventUpdated,
			Description: ":causer changed the password of :subject",
			Subject:     refPtr(audit.UserRef(next.ID, next.Name)),
		}
		changed = true
	}
	err = s.inTx(ctx, func(tx txStores) error {
		if changed {
			if err := tx.users.Update(ctx, &next); err != nil {
				return err
			}
			if err := tx.audit.RecordBestEffort(ctx, entry); err != nil {
				return err
			}
		}
		return s.syncGraph(ctx, tx, &next, roleIDs, permissionIDs, unitIDs, false)
	})
	if err != nil {
		return nil, err
	}
	s.checker.Invalidate(ctx, id)

	if in.RoleIDs != nil && id != actorID {
		s.notifier.Notify(ctx, id, notify.Event{
			Kind: notify.KindRoleChanged,
			Data: map[string]interface{}{"user_id": id, "roles": roleIDs},
		})
	}
	return &next, nil
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// Disable suspends an account.
func (s *Service) Disable(ctx context.Context, actorID, id int64) error {
	return s.transition(ctx, actorID, id, policy.ActionDisable)
}

// Enable reinstates a suspended account.
func (s *Service) Enable(ctx context.Context, actorID, id int64) error {
	return s.transition(ctx, actorID, id, policy.ActionEnable)
}

// Delete soft-deletes an account.
func (s *Service) Delete(ctx context.Context, actorID, id int64) error {
	return s.transition(ctx, actorID, id, policy.ActionDelete)
}

// Restore undoes a soft delete.
func (s *Service) Restore(ctx context.Context, actorID, id int64) error {
	return s.transition(ctx, actorID, id, policy.ActionRestore)
}

// ForceDelete removes an account permanently. Its activity log entries remain.
func (s *Service) ForceDelete(ctx context.Context, actorID, id int64) error {
	return s.transition(ctx, actorID, id, policy.ActionForceDelete)
}

func (s *Service) transition(ctx context.Context, actorID, id int64, action policy.Action) (err error) {
	ctx, span := tracer.Start(ctx, "users."+string(action))
	defer func() { observability.EndSpan(span, err) }()

	if err := s.eval.Authorize(ctx, actorID, action, id); err != nil {
		return err
	}
	return s.apply(ctx, actorID, id, action)
}

// apply performs an already authorized lifecycle action.
func (s *Service) apply(ctx context.Context, actorID, id int64, action policy.Action) error {
	var u *User
	var err error
	if action == policy.ActionRestore || action == policy.ActionForceDelete {
		u, err = s.store.Get(ctx, id)
	} else {
		u, err = s.getLive(ctx, id)
	}
	if err != nil {
		return err
	}
	if action == policy.ActionRestore && !u.Deleted() {
		return errdefs.Constraint("user %q is not deleted", u.Name)
	}

	ref := audit.UserRef(u.ID, u.Name)
	var event string
	err = s.inTx(ctx, func(tx txStores) error {
		var changed bool
		var err error
		switch action {
		case policy.ActionDisable:
			event = audit.EventDisabled
			changed, err = tx.users.SetDisabled(ctx, id, true)
		case policy.ActionEnable:
			event = audit.EventEnabled
			changed, err = tx.users.SetDisabled(ctx, id, false)
		case policy.ActionDelete:
			event = audit.EventDeleted
			changed, err = tx.users.SetDeleted(ctx, id, true)
		case policy.ActionRestore:
			event = audit.EventRestored
			changed, err = tx.users.SetDeleted(ctx, id, false)
		case policy.ActionForceDelete:
			event = audit.EventForceDeleted
			changed, err = true, tx.users.Purge(ctx, id)
		default:
			return fmt.Errorf("unsupported lifecycle action %q", action)
		}
		if err != nil || !changed {
			event = ""
			return err
		}
		return tx.audit.RecordBestEffort(ctx, audit.Lifecycle(audit.LogUsers, event, ref))
	})
	if err != nil {
		return err
	}
	s.checker.Invalidate(ctx, id)

	switch event {
	case audit.EventDeleted, audit.EventForceDeleted:
		s.notifyAdmins(ctx, notify.Event{
			Kind: notify.KindUserDeleted,
			Data: map[string]interface{}{"user_id": u.ID, "name": u.Name, "permanent": event == audit.EventForceDeleted},
		}, actorID, u.ID)
	case audit.EventDisabled:
		s.notifyAdmins(ctx, notify.Event{
			Kind: notify.KindUserDisabled,
			Data: map[string]interface{}{"user_id": u.ID, "name": u.Name},
		}, actorID, u.ID)
	}
	return nil
}

// Verify activates a pending account.
func (s *Service) Verify(ctx context.Context, actorID, id int64) error {
	if err := s.eval.Authorize(ctx, actorID, policy.ActionUpdate, id); err != nil {
		return err
	}
	u, err := s.getLive(ctx, id)
	if err != nil {
		return err
	}
	if u.IsActive {
		return nil
	}
	u.IsActive = true
	return s.inTx(ctx, func(tx txStores) error {
		if err := tx.users.Update(ctx, u); err != nil {
			return err
		}
		return tx.audit.RecordBestEffort(ctx, audit.Lifecycle(audit.LogUsers, audit.EventVerified, audit.UserRef(u.ID, u.Name)))
	})
}

// Get returns an account with its roles, permissions and units. Actors may
// always read their own account.
func (s *Service) Get(ctx context.Context, actorID, id int64) (*Details, error) {
	if actorID != id {
		if err := s.eval.AuthorizePermission(ctx, actorID, rbac.PermReadUsers); err != nil {
			return nil, err
		}
	}
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Details{User: *u, Status: u.Status()}
	if d.RoleIDs, err = s.graph.UserRoleIDs(ctx, id); err != nil {
		return nil, err
	}
	if d.PermissionIDs, err = s.graph.UserPermissionIDs(ctx, id); err != nil {
		return nil, err
	}
	if d.UnitIDs, err = s.units.UserUnitIDs(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

// List returns a page of accounts.
func (s *Service) List(ctx context.Context, actorID int64, f ListFilter) (*ListPage, error) {
	if err := s.eval.AuthorizePermission(ctx, actorID, rbac.PermReadUsers); err != nil {
		return nil, err
	}
	switch f.Status {
	case "", StatusActive, StatusDisabled, StatusDeleted, StatusPending, StatusAll:
	default:
		return nil, errdefs.ValidationErrors{"status": fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PerPage <= 0:
		f.PerPage = 15
	case f.PerPage > 100:
		f.PerPage = 100
	}
	items, total, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	last := (total + f.PerPage - 1) / f.PerPage
	if last < 1 {
		last = 1
	}
	return &ListPage{Items: items, Total: total, Page: f.Page, PerPage: f.PerPage, LastPage: last}, nil
}

// BatchDelete soft-deletes each principal independently.
func (s *Service) BatchDelete(ctx context.Context, actorID int64, ids []int64) *errdefs.BatchResult {
	return s.batch(ctx, actorID, ids, policy.ActionDelete)
}

// BatchDisable suspends each principal independently.
func (s *Service) BatchDisable(ctx context.Context, actorID int64, ids []int64) *errdefs.BatchResult {
	return s.batch(ctx, actorID, ids, policy.ActionDisable)
}

// BatchRestore restores each principal independently.
func (s *Service) BatchRestore(ctx context.Context, actorID int64, ids []int64) *errdefs.BatchResult {
	return s.batch(ctx, actorID, ids, policy.ActionRestore)
}

// batch runs the same guards as the single-item path for every id. A failing
// item never stops the others.
func (s *Service) batch(ctx context.Context, actorID int64, ids []int64, action policy.Action) *errdefs.BatchResult {
	ctx, span := tracer.Start(ctx, "users.batch."+string(action))
	defer span.End()

	result := errdefs.NewBatchResult()
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		d, err := s.eval.Evaluate(ctx, actorID, action, id)
		if err != nil {
			observability.FromContext(ctx, s.logger).WithError(err).WithField("user_id", id).Warn("batch authorization failed")
			result.Fail(id, "authorization could not be evaluated")
			continue
		}
		if !d.Allowed() {
			result.Fail(id, BatchReason(action, d))
			continue
		}
		if err := s.apply(ctx, actorID, id, action); err != nil {
			result.Fail(id, itemReason(err))
			continue
		}
		result.Ok(id)
	}
	s.metrics.RecordBatch(string(action), result.SucceededCount(), result.FailedCount())
	return result
}

// BatchReason is the per-item failure text of a denied batch action. Self
// actions read "cannot delete self" or "cannot disable self".
func BatchReason(action policy.Action, d policy.Decision) string {
	if d.Guard == policy.GuardSelfAction {
		switch action {
		case policy.ActionDelete, policy.ActionForceDelete:
			return "cannot delete self"
		case policy.ActionDisable:
			return "cannot disable self"
		}
	}
	return d.Reason
}

func itemReason(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return "not found"
	case errors.Is(err, errdefs.ErrStorage):
		return "storage failure"
	}
	return err.Error()
}

// notifyAdmins tells the active principals able to create users, except the
// excluded ones (the actor and the account concerned).
func (s *Service) notifyAdmins(ctx context.Context, e notify.Event, exclude ...int64) {
	ids, err := s.checker.ActiveHolders(ctx, rbac.PermCreateUsers)
	if err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("failed to resolve notification recipients")
		return
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	recipients := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			recipients = append(recipients, id)
		}
	}
	s.notifier.NotifyMany(ctx, recipients, e)
}
