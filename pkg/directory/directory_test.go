package directory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/schema/schematest"
)

var staff = []Employee{
	{IDCard: "V12345678", Names: "Ana María", Surnames: "Pérez", Position: "Analista", Email: "ana@example.com"},
	{IDCard: "V12349999", Names: "Luis", Surnames: "Rojas"},
	{IDCard: "E80000001", Names: "Jean", Surnames: "Dupont", Position: "Consultor"},
}

func directories(t *testing.T) map[string]Directory {
	t.Helper()
	db := schematest.NewDB(t)
	for _, e := range staff {
		schematest.MustExec(t, db,
			"INSERT INTO employees (id_card, names, surnames, position, email) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))",
			e.IDCard, e.Names, e.Surnames, e.Position, e.Email)
	}
	sqlDir, err := NewSQLDirectory(db, "employees")
	require.NoError(t, err)

	return map[string]Directory{
		"sql":    sqlDir,
		"memory": NewMemoryDirectory(staff...),
	}
}

func TestDirectory_Find(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			e, err := dir.Find(ctx, "v-12.345.678")
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, "Ana María Pérez", e.FullName())
			assert.Equal(t, "Analista", e.Position)

			e, err = dir.Find(ctx, "V00000000")
			assert.NoError(t, err)
			assert.Nil(t, e)

			e, err = dir.Find(ctx, "  ")
			assert.NoError(t, err)
			assert.Nil(t, e)
		})
	}
}

func TestDirectory_FindByPartialIDCard(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			matches, err := dir.FindByPartialIDCard(ctx, "V1234")
			require.NoError(t, err)
			require.Len(t, matches, 2)
			assert.Equal(t, "V12345678", matches[0].IDCard)
			assert.Equal(t, "V12349999", matches[1].IDCard)
			assert.Empty(t, matches[1].Position)

			matches, err = dir.FindByPartialIDCard(ctx, "X")
			require.NoError(t, err)
			assert.NotNil(t, matches)
			assert.Empty(t, matches)

			matches, err = dir.FindByPartialIDCard(ctx, "V%")
			require.NoError(t, err)
			assert.Empty(t, matches)
		})
	}
}

func TestMemoryDirectory_LimitsMatches(t *testing.T) {
	dir := NewMemoryDirectory()
	for i := 0; i < MaxMatches+5; i++ {
		dir.Add(Employee{IDCard: fmt.Sprintf("V%08d", i), Names: "N", Surnames: "S"})
	}
	matches, err := dir.FindByPartialIDCard(context.Background(), "V")
	require.NoError(t, err)
	assert.Len(t, matches, MaxMatches)
	assert.Equal(t, "V00000000", matches[0].IDCard)
}

func TestNewSQLDirectory_RejectsUnsafeTable(t *testing.T) {
	_, err := NewSQLDirectory(nil, "employees; DROP TABLE users")
	assert.Error(t, err)

	_, err = NewSQLDirectory(nil, "hr.employees")
	assert.NoError(t, err)
}
