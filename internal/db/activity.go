package db

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"

	"github.com/patrakosh/patrakosh/internal/model"
)

type dbActivity struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	Action       string    `db:"action"`
	ResourceType string    `db:"resource_type"`
	ResourceID   int64     `db:"resource_id"`
	Details      string    `db:"details"`
	CreatedAt    time.Time `db:"created_at"`
}

type activityPage struct {
	UserID int64 `db:"user_id"`
	Limit  int   `db:"limit"`
}

// ActivityStore is the durable activity log.
type ActivityStore struct {
	table   *Table[dbActivity]
	forUser *sqlair.Statement
}

// NewActivityStore prepares the activity statements.
func NewActivityStore(d *DB) (*ActivityStore, error) {
	table, err := NewTable(d, TableSpec[dbActivity]{
		Name:   "activity",
		Noun:   "activity entry",
		Insert: []string{"user_id", "action", "resource_type", "resource_id", "details", "created_at"},
		WithID: func(id int64) dbActivity { return dbActivity{ID: id} },
	})
	if err != nil {
		return nil, err
	}
	forUser, err := sqlair.Prepare(`
SELECT &dbActivity.* FROM activity
WHERE  user_id = $activityPage.user_id
ORDER  BY created_at DESC, id DESC
LIMIT  $activityPage.limit`, dbActivity{}, activityPage{})
	if err != nil {
		return nil, fmt.Errorf("prepare activity for user: %w", err)
	}
	return &ActivityStore{table: table, forUser: forUser}, nil
}

// Append records one activity entry and returns its id.
func (s *ActivityStore) Append(ctx context.Context, e model.ActivityEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.table.Insert(ctx, dbActivity{
		UserID:       e.UserID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		CreatedAt:    e.CreatedAt.UTC(),
	})
}

// ForUser returns at most limit entries of userID, newest first.
func (s *ActivityStore) ForUser(ctx context.Context, userID int64, limit int) ([]model.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.table.Select(ctx, s.forUser, activityPage{UserID: userID, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]model.ActivityEntry, len(rows))
	for i, r := range rows {
		out[i] = model.ActivityEntry{
			ID:           r.ID,
			UserID:       r.UserID,
			Action:       r.Action,
			ResourceType: r.ResourceType,
			ResourceID:   r.ResourceID,
			Details:      r.Details,
			CreatedAt:    r.CreatedAt,
		}
	}
	return out, nil
}
