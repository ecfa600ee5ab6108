package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/schema"
	"github.com/platinummonkey/bastion/pkg/schema/schematest"
)

var baseTime = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// clock hands out deterministic, strictly increasing timestamps.
type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func setupWriter(t *testing.T) (*sql.DB, *Writer, *clock) {
	t.Helper()
	db := schematest.NewDB(t)
	c := &clock{t: baseTime}
	w := NewWriter(db, nil, nil)
	w.now = c.now
	return db, w, c
}

func setupStore(db *sql.DB) *DBStore {
	return NewDBStore(db, schema.SQLite, PageConfig{DefaultPerPage: 2}, nil)
}

func actorCtx(id int64, name string) context.Context {
	return contextkeys.WithActor(context.Background(), contextkeys.Actor{ID: id, Name: name, Email: name + "@example.com"})
}

func mustRecord(t *testing.T, ctx context.Context, w *Writer, e Entry) *LogEntry {
	t.Helper()
	entry, err := w.Record(ctx, e)
	require.NoError(t, err)
	return entry
}
