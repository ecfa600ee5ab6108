package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/observability"
)

var tracer = observability.Tracer("audit")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const savepoint = "bastion_audit_entry"

// Writer appends entries to the activity log.
//
// Bound to a transaction (WithTx), entries commit or roll back with the
// caller's mutation. RecordBestEffort wraps the insert in a savepoint so a
// failed entry never aborts that transaction, unless the writer is strict.
type Writer struct {
	db      DBTX
	inTx    bool
	strict  bool
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewWriter creates a writer over db. logger and metrics may be nil.
func NewWriter(db DBTX, logger *observability.Logger, metrics *observability.Metrics) *Writer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Writer{
		db:      db,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a writer whose entries belong to tx.
func (w *Writer) WithTx(tx *sql.Tx) *Writer {
	cp := *w
	cp.db = tx
	cp.inTx = true
	return &cp
}

// WithStrict returns a writer whose best-effort writes propagate failures.
func (w *Writer) WithStrict(strict bool) *Writer {
	cp := *w
	cp.strict = strict
	return &cp
}

// Record appends e and returns the stored entry. Failures are returned.
func (w *Writer) Record(ctx context.Context, e Entry) (entry *LogEntry, err error) {
	ctx, span := tracer.Start(ctx, "audit.Record")
	span.SetAttributes(
		attribute.String("audit.log_name", e.LogName),
		attribute.String("audit.event", e.Event),
	)
	defer func() {
		w.metrics.RecordAuditWrite(e.LogName, err)
		observability.EndSpan(span, err)
	}()

	entry, err = w.build(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := w.insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordBestEffort records e, logging instead of returning failures unless
// the writer is strict. Inside a transaction a failed insert is rolled back to
// a savepoint so the transaction stays usable.
func (w *Writer) RecordBestEffort(ctx context.Context, e Entry) error {
	if !w.inTx {
		_, err := w.Record(ctx, e)
		return w.swallow(ctx, e, err)
	}

	if _, err := w.db.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return w.swallow(ctx, e, errdefs.Storage("failed to open audit savepoint", err))
	}
	if _, err := w.Record(ctx, e); err != nil {
		if _, rbErr := w.db.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return w.swallow(ctx, e, err)
	}
	if _, err := w.db.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return w.swallow(ctx, e, errdefs.Storage("failed to release audit savepoint", err))
	}
	return nil
}

func (w *Writer) swallow(ctx context.Context, e Entry, err error) error {
	if err == nil {
		return nil
	}
	if w.strict {
		return err
	}
	observability.FromContext(ctx, w.logger).WithError(err).WithFields(map[string]interface{}{
		"log_name": e.LogName,
		"event":    e.Event,
	}).Warn("activity log write failed")
	return nil
}

func (w *Writer) build(ctx context.Context, e Entry) (*LogEntry, error) {
	errs := errdefs.ValidationErrors{}
	if strings.TrimSpace(e.LogName) == "" {
		errs.Add("log_name", "is required")
	}
	if strings.TrimSpace(e.Event) == "" {
		errs.Add("event", "is required")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	causer := e.Causer
	if causer == nil && !e.System {
		if actor, ok := contextkeys.GetActor(ctx); ok {
			causer = &CauserSnapshot{ID: actor.ID, Name: actor.Name, Email: actor.Email}
		}
	}

	entry := &LogEntry{
		LogName: e.LogName,
		Event:   e.Event,
		Subject: e.Subject,
		Properties: Properties{
			Request: RequestInfoFromContext(ctx),
			Causer:  causer,
			Extra:   e.Extra,
		},
		CreatedAt: w.now(),
	}
	if len(e.Attributes) > 0 {
		entry.Properties.Attributes = Snapshot(e.Attributes)
	}
	if len(e.Old) > 0 {
		entry.Properties.Old = Snapshot(e.Old)
	}
	if causer != nil {
		entry.Causer = &Ref{Kind: SubjectUser, ID: causer.ID, Name: causer.Name}
	}
	entry.Description = resolveDescription(e.Description, causer, e.Subject)
	return entry, nil
}

func resolveDescription(desc string, causer *CauserSnapshot, subject *Ref) string {
	causerName := "System"
	if causer != nil {
		causerName = causer.Name
	}
	subjectName := ""
	if subject != nil {
		subjectName = subject.Display()
	}
	return strings.NewReplacer(":causer", causerName, ":subject", subjectName).Replace(desc)
}

func (w *Writer) insert(ctx context.Context, entry *LogEntry) error {
	props, err := json.Marshal(entry.Properties)
	if err != nil {
		return errdefs.Storage("failed to encode activity properties", err)
	}

	var subjectType, causerType, causerName sql.NullString
	var subjectID, causerID sql.NullInt64
	if entry.Subject != nil {
		subjectType = sql.NullString{String: entry.Subject.Kind.String(), Valid: true}
		subjectID = sql.NullInt64{Int64: entry.Subject.ID, Valid: true}
	}
	if entry.Causer != nil {
		causerType = sql.NullString{String: entry.Causer.Kind.String(), Valid: true}
		causerID = sql.NullInt64{Int64: entry.Causer.ID, Valid: true}
		causerName = sql.NullString{String: entry.Causer.Name, Valid: true}
	}

	err = w.db.QueryRowContext(ctx, `
		INSERT INTO activity_log (
			log_name, description, event,
			subject_type, subject_id,
			causer_type, causer_id, causer_name,
			properties, search_text, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		entry.LogName, entry.Description, entry.Event,
		subjectType, subjectID,
		causerType, causerID, causerName,
		string(props), NormalizeSearch(entry.Description), entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return errdefs.Storage("failed to append activity log entry", err)
	}
	return nil
}
