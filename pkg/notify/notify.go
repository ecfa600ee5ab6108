// Package notify stores in-app notifications for principals and delivers them
// off the request path. Notifications are not audit records: they can be lost
// and are purged after a retention period.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/bastion/pkg/errdefs"
)

// Notification kinds emitted by bastion services.
const (
	KindUserCreated         = "user_created"
	KindUserRegistered      = "user_registered"
	KindUserDeleted         = "user_deleted"
	KindUserDisabled        = "user_disabled"
	KindRoleChanged         = "role_changed"
	KindOrganizationCreated = "organization_created"
)

// Event is what a service wants recipients to learn about.
type Event struct {
	Kind string                 `json:"kind"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Notification is one stored message for one principal.
type Notification struct {
	ID        int64                  `json:"id"`
	UserID    int64                  `json:"user_id"`
	Kind      string                 `json:"kind"`
	Data      map[string]interface{} `json:"data"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store persists notifications.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a notification store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Insert stores a notification for userID.
func (s *Store) Insert(ctx context.Context, userID int64, e Event) (*Notification, error) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification data: %w", err)
	}

	n := &Notification{UserID: userID, Kind: e.Kind, Data: data, CreatedAt: s.now()}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, kind, data, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, userID, e.Kind, string(raw), n.CreatedAt).Scan(&n.ID)
	if err != nil {
		return nil, errdefs.Storage("failed to insert notification", err)
	}
	return n, nil
}

// List returns the newest notifications of userID, at most limit.
func (s *Store) List(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := "SELECT id, user_id, kind, data, read_at, created_at FROM notifications WHERE user_id = $1"
	if unreadOnly {
		query += " AND read_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $2"

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, errdefs.Storage("failed to list notifications", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		var raw []byte
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &raw, &readAt, &n.CreatedAt); err != nil {
			return nil, errdefs.Storage("failed to scan notification", err)
		}
		if err := json.Unmarshal(raw, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to decode notification %d: %w", n.ID, err)
		}
		if readAt.Valid {
			t := readAt.Time.UTC()
			n.ReadAt = &t
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead marks one notification of userID as read. Marking twice is a no-op.
func (s *Store) MarkRead(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read_at = COALESCE(read_at, $1) WHERE id = $2 AND user_id = $3",
		s.now(), id, userID)
	if err != nil {
		return errdefs.Storage("failed to mark notification read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("notification", id)
	}
	return nil
}

// PurgeOlderThan deletes notifications created before cutoff and reports how many.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE created_at < $1", cutoff.UTC())
	if err != nil {
		return 0, errdefs.Storage("failed to purge notifications", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errdefs.Storage("failed to count purged notifications", err)
	}
	return n, nil
}
