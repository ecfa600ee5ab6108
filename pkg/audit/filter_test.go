package audit

import (
	"net/url"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/schema"
)

func TestParseFilter(t *testing.T) {
	q, err := url.ParseQuery("search=+Ana+&events=deleted,updated&events=created&modules=users" +
		"&date_from=2024-03-01&date_to=2024-03-31&time_from=08:00&time_to=17:30&sort=event&order=ASC&page=3&per_page=25")
	require.NoError(t, err)

	f, err := ParseFilter(q)
	require.NoError(t, err)
	assert.Equal(t, "Ana", f.Search)
	assert.Equal(t, []string{"deleted", "updated", "created"}, f.Events)
	assert.Equal(t, []string{"users"}, f.Modules)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), f.DateFrom)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), f.DateTo)
	assert.Equal(t, "08:00", f.TimeFrom)
	assert.Equal(t, "17:30", f.TimeTo)
	assert.Equal(t, "event", f.SortBy)
	assert.Equal(t, "asc", f.SortOrder)
	assert.Equal(t, 3, f.Page)
	assert.Equal(t, 25, f.PerPage)
}

func TestParseFilter_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		query string
		field string
	}{
		{"bad date", "date=10/03/2024", "date"},
		{"bad page", "page=two", "page"},
		{"bad time", "time_from=8am", "time_from"},
		{"unsortable column", "sort=description", "sort"},
		{"bad order", "order=sideways", "order"},
		{"inverted range", "date_from=2024-03-10&date_to=2024-03-01", "date_to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			_, err = ParseFilter(q)
			require.ErrorIs(t, err, errdefs.ErrValidation)
			var fields errdefs.ValidationErrors
			require.ErrorAs(t, err, &fields)
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestFilter_EncodeRoundTrip(t *testing.T) {
	f := Filter{
		Search:    "Ana",
		Date:      time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		Events:    []string{"updated", "deleted"},
		Causers:   []string{"Ana"},
		TimeFrom:  "08:00",
		SortOrder: "asc",
		Page:      4,
		PerPage:   50,
	}

	encoded := f.Encode()
	assert.NotContains(t, encoded, "page=4")
	assert.Contains(t, encoded, "events=deleted&events=updated")

	q, err := url.ParseQuery(encoded)
	require.NoError(t, err)
	parsed, err := ParseFilter(q)
	require.NoError(t, err)

	f.Page = 0
	f.Events = []string{"deleted", "updated"}
	assert.Equal(t, f, parsed)
}

func TestNormalizeSearch(t *testing.T) {
	assert.Equal(t, "arbol nandu", NormalizeSearch(" Árbol Ñandú "))
	assert.Equal(t, "jose perez", NormalizeSearch("JOSÉ Pérez"))
	assert.Equal(t, "", NormalizeSearch("   "))
}

func TestBuildWhere(t *testing.T) {
	f := Filter{
		Search:   "50%_off",
		Date:     time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC),
		Events:   []string{"deleted", "updated"},
		TimeFrom: "08:00",
	}
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	t.Run("sqlite", func(t *testing.T) {
		where, args := buildWhere(f, schema.SQLite)
		assert.Equal(t,
			` WHERE search_text LIKE $1 ESCAPE '\' AND created_at >= $2 AND created_at < $3`+
				` AND event IN ($4, $5) AND time(created_at) >= $6`, where)
		assert.Equal(t, []interface{}{`%50\%\_off%`, day, day.Add(24 * time.Hour), "deleted", "updated", "08:00:00"}, args)
	})

	t.Run("postgres", func(t *testing.T) {
		where, args := buildWhere(f, schema.Postgres)
		assert.Equal(t,
			` WHERE search_text LIKE $1 ESCAPE '\' AND created_at >= $2 AND created_at < $3`+
				` AND event = ANY($4) AND (created_at AT TIME ZONE 'UTC')::time >= $5`, where)
		require.Len(t, args, 5)
		assert.Equal(t, pq.Array([]string{"deleted", "updated"}), args[3])
	})

	t.Run("empty", func(t *testing.T) {
		where, args := buildWhere(Filter{}, schema.SQLite)
		assert.Empty(t, where)
		assert.Empty(t, args)
	})
}

func TestOrderBy(t *testing.T) {
	assert.Equal(t, " ORDER BY created_at DESC, id DESC", orderBy(Filter{}))
	assert.Equal(t, " ORDER BY event ASC, id ASC", orderBy(Filter{SortBy: "event", SortOrder: "asc"}))
	assert.Equal(t, " ORDER BY id DESC", orderBy(Filter{SortBy: "id"}))
	assert.Equal(t, " ORDER BY created_at DESC, id DESC", orderBy(Filter{SortBy: "description; DROP TABLE x"}))
}
