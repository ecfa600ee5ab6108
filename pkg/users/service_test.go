package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/orgs"
	"github.com/platinummonkey/bastion/pkg/policy"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

func TestBatchDelete_SelfIsSkipped(t *testing.T) {
	f, _ := setup(t)
	carla := f.insertUser(t, "Carla", "carla@example.com")

	result := f.service.BatchDelete(f.ctx(f.ana), f.ana.ID, []int64{f.ana.ID, f.bruno.ID})

	assert.Equal(t, 1, result.SucceededCount())
	assert.Equal(t, 1, result.FailedCount())
	assert.Equal(t, []int64{f.bruno.ID}, result.Succeeded)
	assert.Equal(t, errdefs.BatchFailure{ID: f.ana.ID, Reason: "cannot delete self"}, result.Failures[0])

	bruno, err := f.service.Store().Get(context.Background(), f.bruno.ID)
	require.NoError(t, err)
	assert.True(t, bruno.Deleted())

	ana, err := f.service.Store().Get(context.Background(), f.ana.ID)
	require.NoError(t, err)
	assert.False(t, ana.Deleted(), "the actor stays untouched")

	c, err := f.service.Store().Get(context.Background(), carla.ID)
	require.NoError(t, err)
	assert.False(t, c.Deleted(), "unselected users stay untouched")

	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'deleted'"))
}

func TestBatchDisable_Reasons(t *testing.T) {
	f, _ := setup(t)

	result := f.service.BatchDisable(f.ctx(f.ana), f.ana.ID, []int64{f.ana.ID, f.root.ID, f.bruno.ID, f.bruno.ID, 999})

	assert.Equal(t, []int64{f.bruno.ID}, result.Succeeded)
	require.Len(t, result.Failures, 3)
	assert.Equal(t, "cannot disable self", result.Failures[0].Reason)
	assert.Equal(t, policy.ReasonRootProtection, result.Failures[1].Reason)
	assert.Equal(t, "not found", result.Failures[2].Reason)
	assert.Contains(t, result.Summary(), "1 succeeded, 3 failed")
}

func TestBatchDelete_SoleGrantor(t *testing.T) {
	f, _ := setup(t)
	ctx := context.Background()

	// Take the root account out of service so Ana is the only user creator.
	_, err := f.service.Store().SetDisabled(ctx, f.root.ID, true)
	require.NoError(t, err)

	deleter := &rbac.Role{Name: "Deleter"}
	require.NoError(t, f.graph.CreateRole(ctx, deleter))
	_, err = f.graph.GrantToRole(ctx, deleter.ID, f.perms[rbac.PermDeleteUsers])
	require.NoError(t, err)
	dora := f.insertUser(t, "Dora", "dora@example.com", deleter.ID)

	result := f.service.BatchDelete(f.ctx(dora), dora.ID, []int64{f.ana.ID, f.bruno.ID})
	assert.Equal(t, []int64{f.bruno.ID}, result.Succeeded)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, policy.ReasonSoleGrantor, result.Failures[0].Reason)
}

func TestLifecycle(t *testing.T) {
	f, rec := setup(t)
	ctx := f.ctx(f.ana)

	require.NoError(t, f.service.Disable(ctx, f.ana.ID, f.bruno.ID))
	require.NoError(t, f.service.Disable(ctx, f.ana.ID, f.bruno.ID), "disabling twice is a no-op")
	require.NoError(t, f.service.Enable(ctx, f.ana.ID, f.bruno.ID))
	require.NoError(t, f.service.Delete(ctx, f.ana.ID, f.bruno.ID))

	err := f.service.Disable(ctx, f.ana.ID, f.bruno.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound, "deleted users cannot be disabled")

	require.NoError(t, f.service.Restore(ctx, f.ana.ID, f.bruno.ID))
	err = f.service.Restore(ctx, f.ana.ID, f.bruno.ID)
	assert.ErrorIs(t, err, errdefs.ErrConstraintViolation)

	require.NoError(t, f.service.ForceDelete(ctx, f.ana.ID, f.bruno.ID))
	_, err = f.service.Store().Get(context.Background(), f.bruno.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	for event, want := range map[string]int{"disabled": 1, "enabled": 1, "deleted": 1, "restored": 1, "force_deleted": 1} {
		assert.Equal(t, want, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = $1 AND subject_id = $2", event, f.bruno.ID), event)
	}

	kinds := map[string]int{}
	for _, n := range rec.sent {
		kinds[n.kind]++
		assert.NotContains(t, n.userIDs, f.ana.ID, "the actor is not notified")
	}
	assert.Equal(t, 1, kinds[notify.KindUserDisabled])
	assert.Equal(t, 2, kinds[notify.KindUserDeleted])
}

func TestLifecycle_Guards(t *testing.T) {
	f, _ := setup(t)

	err := f.service.Delete(f.ctx(f.ana), f.ana.ID, f.ana.ID)
	reason, ok := policy.DenialReason(err)
	require.True(t, ok)
	assert.Equal(t, policy.ReasonSelfAction, reason)

	err = f.service.Disable(f.ctx(f.ana), f.ana.ID, f.root.ID)
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	err = f.service.Delete(f.ctx(f.bruno), f.bruno.ID, f.ana.ID)
	assert.ErrorIs(t, err, errdefs.ErrForbidden, "bruno lacks delete users")

	require.NoError(t, f.service.Disable(f.ctx(f.root), f.root.ID, f.ana.ID), "root may act on anyone but itself")
	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'deleted'"))
}

func TestRegister(t *testing.T) {
	f, rec := setup(t)
	ctx := context.Background()

	u, err := f.service.Register(ctx, RegisterInput{IDCard: "V-12.345.678", Password: "s3cretpass"})
	require.NoError(t, err)
	assert.Equal(t, "José Pérez", u.Name)
	assert.Equal(t, "jose@example.com", u.Email)
	assert.True(t, u.IsActive)
	require.NotNil(t, u.Person)
	assert.Equal(t, "V12345678", u.Person.IDCard)
	assert.True(t, CheckPassword(u, "s3cretpass"))

	var causer int64
	require.NoError(t, f.db.QueryRow("SELECT causer_id FROM activity_log WHERE event = 'registered'").Scan(&causer))
	assert.Equal(t, u.ID, causer)

	require.Len(t, rec.sent, 1)
	assert.Equal(t, notify.KindUserRegistered, rec.sent[0].kind)
	assert.ElementsMatch(t, []int64{f.root.ID, f.ana.ID}, rec.sent[0].userIDs)

	_, err = f.service.Register(ctx, RegisterInput{IDCard: "V12345678", Email: "other@example.com", Password: "s3cretpass"})
	var fields errdefs.ValidationErrors
	require.ErrorAs(t, err, &fields)
	assert.Contains(t, fields, "id_card", "one account per person")

	_, err = f.service.Register(ctx, RegisterInput{IDCard: "E-1", Email: "x@example.com", Password: "short"})
	require.ErrorAs(t, err, &fields)
	assert.Contains(t, fields, "id_card")
	assert.Contains(t, fields, "password")

	_, err = f.service.Register(ctx, RegisterInput{IDCard: "V87654321", Email: "ANA@example.com", Password: "s3cretpass"})
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "has already been taken", fields["email"])
}

func TestCreate(t *testing.T) {
	f, rec := setup(t)
	ctx := f.ctx(f.ana)

	u, err := f.service.Create(ctx, f.ana.ID, CreateInput{
		Name:          "Carla",
		Email:         "Carla@Example.com",
		RoleIDs:       []int64{f.admin.ID},
		PermissionIDs: []int64{f.perms[rbac.PermReadUsers]},
	})
	require.NoError(t, err)
	assert.Equal(t, "carla@example.com", u.Email)
	assert.False(t, u.IsActive, "accounts without a password wait for verification")

	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'created' AND subject_id = $1", u.ID))
	assert.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'authorized' AND subject_id = $1", u.ID))

	ok, err := f.service.checker.HasPermission(context.Background(), u.ID, rbac.PermDeleteUsers)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.service.Verify(ctx, f.ana.ID, u.ID))
	got, err := f.service.Store().Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'verified'"))

	require.NotEmpty(t, rec.sent)
	assert.Equal(t, notify.KindUserCreated, rec.sent[0].kind)
	assert.Equal(t, []int64{f.root.ID}, rec.sent[0].userIDs)

	t.Run("root role needs a root actor", func(t *testing.T) {
		_, err := f.service.Create(ctx, f.ana.ID, CreateInput{Name: "Eve", Email: "eve@example.com", RoleIDs: []int64{rbac.RootRoleID}})
		assert.ErrorIs(t, err, errdefs.ErrForbidden)

		_, err = f.service.Create(f.ctx(f.root), f.root.ID, CreateInput{Name: "Eve", Email: "eve@example.com", RoleIDs: []int64{rbac.RootRoleID}})
		assert.NoError(t, err)
	})

	t.Run("unknown role rolls back", func(t *testing.T) {
		before := f.count(t, "SELECT COUNT(*) FROM users")
		_, err := f.service.Create(ctx, f.ana.ID, CreateInput{Name: "Fay", Email: "fay@example.com", RoleIDs: []int64{999}})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
		assert.Equal(t, before, f.count(t, "SELECT COUNT(*) FROM users"))
		assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE description LIKE '%Fay%'"))
	})

	t.Run("forbidden without create users", func(t *testing.T) {
		_, err := f.service.Create(f.ctx(f.bruno), f.bruno.ID, CreateInput{Name: "Gus", Email: "gus@example.com"})
		assert.ErrorIs(t, err, errdefs.ErrForbidden)
	})
}

func TestUpdate_OneEntryPerChange(t *testing.T) {
	f, rec := setup(t)
	ctx := f.ctx(f.ana)

	orgStore := orgs.NewStore(f.db)
	org := &orgs.Organization{Name: "A", RIF: "J-0"}
	require.NoError(t, orgStore.CreateOrganization(context.Background(), org))
	unit := &orgs.Unit{OrganizationID: org.ID, Name: "Finance"}
	require.NoError(t, orgStore.CreateUnit(context.Background(), unit))

	viewer := &rbac.Role{Name: "Viewer"}
	require.NoError(t, f.graph.CreateRole(context.Background(), viewer))

	roles := []int64{f.admin.ID, viewer.ID}
	units := []int64{unit.ID}
	_, err := f.service.Update(ctx, f.ana.ID, f.bruno.ID, UpdateInput{Name: ptr("Bruno"), RoleIDs: &roles, UnitIDs: &units})
	require.NoError(t, err)

	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'updated'"), "unchanged name writes nothing")
	assert.Equal(t, 3, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'authorized' AND subject_id = $1", f.bruno.ID))

	ok, err := f.service.checker.HasPermission(context.Background(), f.bruno.ID, rbac.PermReadUsers)
	require.NoError(t, err)
	assert.True(t, ok)

	roles = []int64{viewer.ID}
	_, err = f.service.Update(ctx, f.ana.ID, f.bruno.ID, UpdateInput{Name: ptr("Bruno Díaz"), RoleIDs: &roles})
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'updated'"))
	assert.Equal(t, 4, f.count(t, "SELECT COUNT(*) FROM activity_log WHERE event = 'authorized' AND subject_id = $1", f.bruno.ID))

	ok, err = f.service.checker.HasPermission(context.Background(), f.bruno.ID, rbac.PermReadUsers)
	require.NoError(t, err)
	assert.False(t, ok, "the cache is invalidated after the update")

	_, err = f.service.Update(ctx, f.ana.ID, f.bruno.ID, UpdateInput{Password: ptr("n3w-password")})
	require.NoError(t, err)
	var props string
	require.NoError(t, f.db.QueryRow("SELECT properties FROM activity_log WHERE event = 'updated' ORDER BY id DESC LIMIT 1").Scan(&props))
	assert.NotContains(t, props, "password_hash")

	_, err = f.service.Update(ctx, f.ana.ID, f.bruno.ID, UpdateInput{Email: ptr("ana@example.com")})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	roleChanged := 0
	for _, n := range rec.sent {
		if n.kind == notify.KindRoleChanged {
			roleChanged++
			assert.Equal(t, []int64{f.bruno.ID}, n.userIDs)
		}
	}
	assert.Equal(t, 2, roleChanged)
}

func TestGetAndList(t *testing.T) {
	f, _ := setup(t)

	d, err := f.service.Get(f.ctx(f.bruno), f.bruno.ID, f.bruno.ID)
	require.NoError(t, err, "users may read their own account")
	assert.Equal(t, StatusActive, d.Status)

	_, err = f.service.Get(f.ctx(f.bruno), f.bruno.ID, f.ana.ID)
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	d, err = f.service.Get(f.ctx(f.ana), f.ana.ID, f.ana.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.admin.ID}, d.RoleIDs)

	require.NoError(t, f.service.Delete(f.ctx(f.ana), f.ana.ID, f.bruno.ID))

	page, err := f.service.List(f.ctx(f.ana), f.ana.ID, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, "Ana", page.Items[0].Name)

	page, err = f.service.List(f.ctx(f.ana), f.ana.ID, ListFilter{Status: StatusDeleted})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, f.bruno.ID, page.Items[0].ID)

	page, err = f.service.List(f.ctx(f.ana), f.ana.ID, ListFilter{Status: StatusAll, Search: "ROOT", PerPage: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 1, page.LastPage)

	_, err = f.service.List(f.ctx(f.ana), f.ana.ID, ListFilter{Status: "bogus"})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func ptr[T any](v T) *T { return &v }
