package orgs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/schema/schematest"
)

func TestCreateOrganization_DisablesPrevious(t *testing.T) {
	f := setupService(t)

	first, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "Alcaldía", RIF: "J-0"})
	require.NoError(t, err)
	second, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "Gobernación", RIF: "j-1"})
	require.NoError(t, err)
	assert.Equal(t, "J-1", second.RIF)

	active, err := f.service.Store().ActiveOrganization(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	old, err := f.service.Store().GetOrganization(f.ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, old.DisabledAt)

	assert.Equal(t, 2, countRows(t, f.db, "SELECT COUNT(*) FROM organizations"))
	assert.Equal(t, 2, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE log_name = 'organizations' AND event = 'created'"))
	assert.Equal(t, 1, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE log_name = 'organizations' AND event = 'disabled'"))
}

func TestCreateOrganization_Validation(t *testing.T) {
	f := setupService(t)

	_, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: " ", RIF: ""})
	var fields errdefs.ValidationErrors
	require.ErrorAs(t, err, &fields)
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "rif")

	_, err = f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{
		Name: "Alcaldía", RIF: "J-0",
		Logo: &Upload{Filename: "logo.txt", ContentType: "text/plain"},
	})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Equal(t, 0, countRows(t, f.db, "SELECT COUNT(*) FROM organizations"))
}

func TestCreateOrganization_Forbidden(t *testing.T) {
	db := schematest.NewDB(t)
	svc := NewService(Deps{DB: db, Authorizer: permissive{deny: map[string]bool{rbac.PermCreateOrganizations: true}}})

	_, err := svc.CreateOrganization(context.Background(), 1, CreateOrganizationInput{Name: "A", RIF: "J-0"})
	assert.ErrorIs(t, err, errdefs.ErrForbidden)
}

func TestCreateOrganization_LogoRemovedWhenTransactionFails(t *testing.T) {
	f := setupService(t)
	_, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "Alcaldía", RIF: "J-0"})
	require.NoError(t, err)

	schematest.MustExec(t, f.db, `
		CREATE TRIGGER organizations_reject_insert BEFORE INSERT ON organizations
		BEGIN SELECT RAISE(ABORT, 'disk full'); END;
	`)

	_, err = f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "Gobernación", RIF: "J-1", Logo: png("logo.png")})
	require.Error(t, err)

	require.Len(t, f.files.deleted, 1)
	assert.False(t, f.files.has(f.files.deleted[0]), "the uploaded logo must be removed")

	active, err := f.service.Store().ActiveOrganization(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, active, "the previous organization stays active")
	assert.Equal(t, "J-0", active.RIF)
	assert.Equal(t, 1, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE log_name = 'organizations'"))
}

func TestUpdateOrganization(t *testing.T) {
	f := setupService(t)
	org, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "Alcaldía", RIF: "J-0", Logo: png("a.png")})
	require.NoError(t, err)
	require.NotNil(t, org.Logo)
	oldLogo := *org.Logo

	t.Run("no-op writes nothing", func(t *testing.T) {
		_, err := f.service.UpdateOrganization(f.ctx, 1, org.ID, UpdateOrganizationInput{Name: ptr("Alcaldía")})
		require.NoError(t, err)
		assert.Equal(t, 0, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE event = 'updated'"))
	})

	t.Run("replacing the logo deletes the old file", func(t *testing.T) {
		updated, err := f.service.UpdateOrganization(f.ctx, 1, org.ID, UpdateOrganizationInput{Name: ptr("Alcaldía Mayor"), Logo: png("b.png")})
		require.NoError(t, err)
		assert.Equal(t, "Alcaldía Mayor", updated.Name)
		require.NotNil(t, updated.Logo)
		assert.NotEqual(t, oldLogo, *updated.Logo)
		assert.True(t, f.files.has(*updated.Logo))
		assert.False(t, f.files.has(oldLogo))
		assert.Equal(t, 1, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE event = 'updated'"))
	})

	t.Run("unknown organization", func(t *testing.T) {
		_, err := f.service.UpdateOrganization(f.ctx, 1, 999, UpdateOrganizationInput{Name: ptr("x")})
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}

func TestActivateAndDeleteOrganization(t *testing.T) {
	f := setupService(t)
	first, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "A", RIF: "J-0"})
	require.NoError(t, err)
	second, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "B", RIF: "J-1"})
	require.NoError(t, err)

	err = f.service.DeleteOrganization(f.ctx, 1, second.ID)
	assert.ErrorIs(t, err, errdefs.ErrConstraintViolation, "the active organization cannot be deleted")

	reactivated, err := f.service.ActivateOrganization(f.ctx, 1, first.ID)
	require.NoError(t, err)
	assert.True(t, reactivated.Active())

	b, err := f.service.Store().GetOrganization(f.ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, b.Active())

	_, err = f.service.CreateUnit(f.ctx, 1, UnitInput{OrganizationID: second.ID, Name: "Finance"})
	require.NoError(t, err)
	err = f.service.DeleteOrganization(f.ctx, 1, second.ID)
	assert.ErrorIs(t, err, errdefs.ErrConstraintViolation, "organizations with units cannot be deleted")

	orgs, err := f.service.ListOrganizations(f.ctx, 1)
	require.NoError(t, err)
	assert.Len(t, orgs, 2)
}

func TestUnits(t *testing.T) {
	f := setupService(t)

	_, err := f.service.CreateUnit(f.ctx, 1, UnitInput{Name: "Orphan"})
	assert.ErrorIs(t, err, errdefs.ErrConstraintViolation, "there is no active organization yet")

	org, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "A", RIF: "J-0"})
	require.NoError(t, err)

	admin, err := f.service.CreateUnit(f.ctx, 1, UnitInput{Name: "Administration", Code: "ADM"})
	require.NoError(t, err)
	assert.Equal(t, org.ID, admin.OrganizationID)

	finance, err := f.service.CreateUnit(f.ctx, 1, UnitInput{Name: "Finance", ParentID: &admin.ID})
	require.NoError(t, err)

	t.Run("unknown parent", func(t *testing.T) {
		_, err := f.service.CreateUnit(f.ctx, 1, UnitInput{Name: "Lost", ParentID: ptr(int64(999))})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})

	t.Run("move below a descendant", func(t *testing.T) {
		_, err := f.service.UpdateUnit(f.ctx, 1, admin.ID, UnitInput{Name: admin.Name, ParentID: &finance.ID})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})

	t.Run("tree", func(t *testing.T) {
		tree, err := f.service.Tree(f.ctx, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{admin.ID}, unitIDs(tree.Roots()))
		assert.Equal(t, []int64{finance.ID}, unitIDs(tree.Children(admin.ID)))
	})

	t.Run("delete is blocked by children and members", func(t *testing.T) {
		err := f.service.DeleteUnit(f.ctx, 1, admin.ID)
		assert.ErrorIs(t, err, errdefs.ErrConstraintViolation)

		userID := createTestUser(t, f.db, "luis@example.com")
		_, err = f.service.Store().AddMember(f.ctx, finance.ID, userID)
		require.NoError(t, err)

		result, err := f.service.BatchDeleteUnits(f.ctx, 1, []int64{finance.ID, 999})
		require.NoError(t, err)
		assert.Equal(t, 0, result.SucceededCount())
		assert.Equal(t, 2, result.FailedCount())
		assert.Equal(t, "not found", result.Failures[1].Reason)

		_, err = f.service.Store().RemoveMember(f.ctx, finance.ID, userID)
		require.NoError(t, err)
		result, err = f.service.BatchDeleteUnits(f.ctx, 1, []int64{finance.ID, admin.ID})
		require.NoError(t, err)
		assert.Equal(t, []int64{finance.ID, admin.ID}, result.Succeeded)
	})

	assert.Equal(t, 2, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE log_name = 'organizational_units' AND event = 'created'"))
	assert.Equal(t, 2, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE log_name = 'organizational_units' AND event = 'deleted'"))
}

func TestBatchDeleteUnits_ReportsEveryItem(t *testing.T) {
	f := setupService(t)

	result, err := f.service.BatchDeleteUnits(f.ctx, 1, nil)
	require.NoError(t, err)
	body, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"succeeded":[],"failures":[]}`, string(body))

	_, err = f.db.Exec("ALTER TABLE organizational_units RENAME TO organizational_units_gone")
	require.NoError(t, err)

	result, err = f.service.BatchDeleteUnits(f.ctx, 1, []int64{7, 8})
	require.NoError(t, err, "storage failures are reported per item")
	assert.Empty(t, result.Succeeded)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, errdefs.BatchFailure{ID: 7, Reason: "storage failure"}, result.Failures[0])
	assert.Equal(t, errdefs.BatchFailure{ID: 8, Reason: "storage failure"}, result.Failures[1])
}

func TestSetMembershipDisabled(t *testing.T) {
	f := setupService(t)
	_, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "A", RIF: "J-0"})
	require.NoError(t, err)
	unit, err := f.service.CreateUnit(f.ctx, 1, UnitInput{Name: "Finance"})
	require.NoError(t, err)
	userID := createTestUser(t, f.db, "luis@example.com")
	_, err = f.service.Store().AddMember(f.ctx, unit.ID, userID)
	require.NoError(t, err)

	require.NoError(t, f.service.SetMembershipDisabled(f.ctx, 1, unit.ID, userID, true))
	require.NoError(t, f.service.SetMembershipDisabled(f.ctx, 1, unit.ID, userID, true))

	members, err := f.service.Members(f.ctx, 1, unit.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.False(t, members[0].Active())

	var active int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM users WHERE id = $1 AND disabled_at IS NULL", userID).Scan(&active))
	assert.Equal(t, 1, active, "suspension within a unit leaves the account enabled")

	require.NoError(t, f.service.SetMembershipDisabled(f.ctx, 1, unit.ID, userID, false))
	assert.Equal(t, 1, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE log_name = 'organizational_units' AND event = 'disabled'"))
	assert.Equal(t, 1, countRows(t, f.db, "SELECT COUNT(*) FROM activity_log WHERE log_name = 'organizational_units' AND event = 'enabled'"))

	err = f.service.SetMembershipDisabled(f.ctx, 1, unit.ID, 999, true)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
