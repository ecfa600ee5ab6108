package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/schema"
)

// Store reads the activity log. It has no update or delete operations.
type Store interface {
	// Get retrieves a single entry
	Get(ctx context.Context, id int64) (*LogEntry, error)

	// Query returns one page of entries matching filter
	Query(ctx context.Context, filter Filter) (*Page, error)

	// Stats counts entries in [from, to)
	Stats(ctx context.Context, from, to *time.Time) (*Stats, error)

	// Export renders every entry matching filter, up to the export limit
	Export(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error)
}

// PageConfig bounds page sizes.
type PageConfig struct {
	DefaultPerPage int
	MaxPerPage     int
	MaxExport      int
}

// DefaultPageConfig returns the stock page sizes.
func DefaultPageConfig() PageConfig {
	return PageConfig{DefaultPerPage: 15, MaxPerPage: 100, MaxExport: 10000}
}

// DBStore implements Store over the activity_log table
type DBStore struct {
	db      DBTX
	dialect schema.Dialect
	pages   PageConfig
	metrics *observability.Metrics
}

// NewDBStore creates a new database-backed activity log store
func NewDBStore(db DBTX, dialect schema.Dialect, pages PageConfig, metrics *observability.Metrics) *DBStore {
	defaults := DefaultPageConfig()
	if pages.DefaultPerPage <= 0 {
		pages.DefaultPerPage = defaults.DefaultPerPage
	}
	if pages.MaxPerPage <= 0 {
		pages.MaxPerPage = defaults.MaxPerPage
	}
	if pages.MaxExport <= 0 {
		pages.MaxExport = defaults.MaxExport
	}
	return &DBStore{db: db, dialect: dialect, pages: pages, metrics: metrics}
}

const entryColumns = `id, log_name, description, event, subject_type, subject_id,
	causer_type, causer_id, causer_name, properties, created_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (*LogEntry, error) {
	var (
		e                       LogEntry
		subjectType, causerType sql.NullString
		causerName              sql.NullString
		subjectID, causerID     sql.NullInt64
		props                   []byte
	)
	err := row.Scan(&e.ID, &e.LogName, &e.Description, &e.Event,
		&subjectType, &subjectID, &causerType, &causerID, &causerName,
		&props, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if subjectType.Valid && subjectID.Valid {
		e.Subject = &Ref{Kind: ParseSubjectKind(subjectType.String), ID: subjectID.Int64}
	}
	if causerType.Valid && causerID.Valid {
		e.Causer = &Ref{Kind: ParseSubjectKind(causerType.String), ID: causerID.Int64, Name: causerName.String}
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of entry %d: %w", e.ID, err)
		}
	}
	if e.Subject != nil && e.Properties.Attributes != nil {
		if name, ok := e.Properties.Attributes["name"].(string); ok {
			e.Subject.Name = name
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// Get retrieves one entry by id
func (s *DBStore) Get(ctx context.Context, id int64) (*LogEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM activity_log WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("activity log entry", id)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get activity log entry", err)
	}
	return e, nil
}

// Query returns one page of entries matching filter, newest first unless the
// filter asks otherwise.
func (s *DBStore) Query(ctx context.Context, filter Filter) (page *Page, err error) {
	ctx, span := tracer.Start(ctx, "audit.Query")
	start := time.Now()
	defer func() {
		s.metrics.ObserveAuditQuery(time.Since(start))
		observability.EndSpan(span, err)
	}()

	if err := filter.Validate(); err != nil {
		return nil, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = s.pages.DefaultPerPage
	}
	if perPage > s.pages.MaxPerPage {
		perPage = s.pages.MaxPerPage
	}
	pageNum := filter.Page
	if pageNum <= 0 {
		pageNum = 1
	}

	where, args := buildWhere(filter, s.dialect)

	page = &Page{Page: pageNum, PerPage: perPage, Items: []LogEntry{}}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_log"+where, args...).Scan(&page.Total); err != nil {
		return nil, errdefs.Storage("failed to count activity log entries", err)
	}
	page.LastPage = lastPage(page.Total, perPage)

	filter.PerPage = perPage
	if perPage == s.pages.DefaultPerPage {
		filter.PerPage = 0
	}
	page.QueryString = filter.Encode()

	if page.Total == 0 {
		return page, nil
	}

	items, err := s.list(ctx, where, args, orderBy(filter), perPage, (pageNum-1)*perPage)
	if err != nil {
		return nil, err
	}
	page.Items = items
	return page, nil
}

func (s *DBStore) list(ctx context.Context, where string, args []interface{}, order string, limit, offset int) ([]LogEntry, error) {
	n := len(args)
	query := fmt.Sprintf("SELECT %s FROM activity_log%s%s LIMIT $%d OFFSET $%d",
		entryColumns, where, order, n+1, n+2)
	args = append(append([]interface{}{}, args...), limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Storage("failed to query activity log", err)
	}
	defer rows.Close()

	items := []LogEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errdefs.Storage("failed to scan activity log entry", err)
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Storage("error iterating activity log", err)
	}
	return items, nil
}

// Stats counts entries by event, module and causer
func (s *DBStore) Stats(ctx context.Context, from, to *time.Time) (*Stats, error) {
	stats := &Stats{
		ByEvent:  map[string]int64{},
		ByModule: map[string]int64{},
		ByCauser: map[string]int64{},
		From:     from,
		To:       to,
	}

	b := &queryBuilder{dialect: s.dialect}
	if from != nil {
		b.where("created_at >= %s", from.UTC())
	}
	if to != nil {
		b.where("created_at < %s", to.UTC())
	}
	where := b.clause()

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_log"+where, b.args...).Scan(&stats.Total); err != nil {
		return nil, errdefs.Storage("failed to count activity log entries", err)
	}

	groups := []struct {
		column string
		into   map[string]int64
	}{
		{"event", stats.ByEvent},
		{"log_name", stats.ByModule},
		{"COALESCE(causer_name, 'System')", stats.ByCauser},
	}
	for _, g := range groups {
		if err := s.groupCount(ctx, g.column, where, b.args, g.into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *DBStore) groupCount(ctx context.Context, column, where string, args []interface{}, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM activity_log%s GROUP BY %s", column, where, column), args...)
	if err != nil {
		return errdefs.Storage("failed to group activity log", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return errdefs.Storage("failed to scan activity log group", err)
		}
		into[key] = count
	}
	return rows.Err()
}

// Export renders the entries matching filter in the requested format.
func (s *DBStore) Export(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args := buildWhere(filter, s.dialect)
	entries, err := s.list(ctx, where, args, orderBy(filter), s.pages.MaxExport, 0)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatJSON, "":
		return exportJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	default:
		return nil, errdefs.ValidationErrors{"format": fmt.Sprintf("unsupported export format %q", format)}
	}
}
