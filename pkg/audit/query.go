package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/bastion/pkg/schema"
)

// Page is one page of query results. QueryString re-encodes the filter so
// links to other pages carry it along.
type Page struct {
	Items       []LogEntry `json:"items"`
	Total       int64      `json:"total"`
	Page        int        `json:"page"`
	PerPage     int        `json:"per_page"`
	LastPage    int        `json:"last_page"`
	QueryString string     `json:"query_string"`
}

// PageURL returns the query string of page n of the same result set.
func (p *Page) PageURL(n int) string {
	if p.QueryString == "" {
		return fmt.Sprintf("page=%d", n)
	}
	return fmt.Sprintf("%s&page=%d", p.QueryString, n)
}

func lastPage(total int64, perPage int) int {
	if total == 0 {
		return 1
	}
	return int((total + int64(perPage) - 1) / int64(perPage))
}

// queryBuilder accumulates a WHERE clause with positional arguments.
type queryBuilder struct {
	dialect    schema.Dialect
	conditions []string
	args       []interface{}
}

func (b *queryBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) where(format string, values ...interface{}) {
	placeholders := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = b.arg(v)
	}
	b.conditions = append(b.conditions, fmt.Sprintf(format, placeholders...))
}

// in adds "column matches any of values". Postgres binds one array, SQLite
// expands a placeholder list.
func (b *queryBuilder) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	if b.dialect == schema.Postgres {
		b.conditions = append(b.conditions, fmt.Sprintf("%s = ANY(%s)", column, b.arg(pq.Array(values))))
		return
	}
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = b.arg(v)
	}
	b.conditions = append(b.conditions, fmt.Sprintf("%s IN (%s)", column, strings.Join(ph, ", ")))
}

func (b *queryBuilder) timeOfDay() string {
	if b.dialect == schema.SQLite {
		return "time(created_at)"
	}
	// created_at is TIMESTAMPTZ; pin the conversion to UTC instead of the session zone.
	return "(created_at AT TIME ZONE 'UTC')::time"
}

func (b *queryBuilder) clause() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conditions, " AND ")
}

// escapeLike escapes the LIKE wildcards in s using backslash.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// buildWhere translates a filter into a WHERE clause for the activity_log table.
func buildWhere(f Filter, dialect schema.Dialect) (string, []interface{}) {
	b := &queryBuilder{dialect: dialect}

	if term := NormalizeSearch(f.Search); term != "" {
		b.where(`search_text LIKE %s ESCAPE '\'`, "%"+escapeLike(term)+"%")
	}
	if !f.Date.IsZero() {
		day := f.Date.UTC().Truncate(24 * time.Hour)
		b.where("created_at >= %s AND created_at < %s", day, day.Add(24*time.Hour))
	}
	if !f.DateFrom.IsZero() {
		b.where("created_at >= %s", f.DateFrom.UTC().Truncate(24*time.Hour))
	}
	if !f.DateTo.IsZero() {
		b.where("created_at < %s", f.DateTo.UTC().Truncate(24*time.Hour).Add(24*time.Hour))
	}
	b.in("causer_name", f.Causers)
	b.in("event", f.Events)
	b.in("log_name", f.Modules)
	b.in("subject_type", f.SubjectTypes)
	if f.TimeFrom != "" {
		b.where(b.timeOfDay()+" >= %s", f.TimeFrom+":00")
	}
	if f.TimeTo != "" {
		b.where(b.timeOfDay()+" <= %s", f.TimeTo+":59")
	}

	return b.clause(), b.args
}

// orderBy returns a whitelisted ORDER BY clause, newest first by default.
func orderBy(f Filter) string {
	column := "created_at"
	if sortColumns[f.SortBy] {
		column = f.SortBy
	}
	direction := "DESC"
	if f.SortOrder == "asc" {
		direction = "ASC"
	}
	if column == "id" {
		return fmt.Sprintf(" ORDER BY id %s", direction)
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", column, direction, direction)
}
