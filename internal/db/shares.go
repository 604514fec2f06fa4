package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canonical/sqlair"

	"github.com/patrakosh/patrakosh/internal/model"
)

type dbShare struct {
	ID         int64        `db:"id"`
	FileID     int64        `db:"file_id"`
	SharedBy   int64        `db:"shared_by"`
	SharedWith int64        `db:"shared_with"`
	Public     bool         `db:"public"`
	Token      string       `db:"token"`
	ExpiresAt  sql.NullTime `db:"expires_at"`
	CreatedAt  time.Time    `db:"created_at"`
}

func (s dbShare) toModel() model.Share {
	out := model.Share{
		ID:         s.ID,
		FileID:     s.FileID,
		SharedBy:   s.SharedBy,
		SharedWith: s.SharedWith,
		Public:     s.Public,
		Token:      s.Token,
		CreatedAt:  s.CreatedAt,
	}
	if s.ExpiresAt.Valid {
		t := s.ExpiresAt.Time
		out.ExpiresAt = &t
	}
	return out
}

func fromShareModel(s model.Share) dbShare {
	out := dbShare{
		ID:         s.ID,
		FileID:     s.FileID,
		SharedBy:   s.SharedBy,
		SharedWith: s.SharedWith,
		Public:     s.Public,
		Token:      s.Token,
		CreatedAt:  s.CreatedAt.UTC(),
	}
	if s.ExpiresAt != nil {
		out.ExpiresAt = sql.NullTime{Time: s.ExpiresAt.UTC(), Valid: true}
	}
	return out
}

// ShareStore persists file shares.
type ShareStore struct {
	table   *Table[dbShare]
	byToken *sqlair.Statement
	forUser *sqlair.Statement
	forFile *sqlair.Statement
}

// NewShareStore prepares the share statements.
func NewShareStore(d *DB) (*ShareStore, error) {
	table, err := NewTable(d, TableSpec[dbShare]{
		Name:   "share",
		Noun:   "share",
		Insert: []string{"file_id", "shared_by", "shared_with", "public", "token", "expires_at", "created_at"},
		WithID: func(id int64) dbShare { return dbShare{ID: id} },
	})
	if err != nil {
		return nil, err
	}
	s := &ShareStore{table: table}
	if s.byToken, err = sqlair.Prepare(`
SELECT &dbShare.* FROM share
WHERE  token = $dbShare.token AND public = TRUE`, dbShare{}); err != nil {
		return nil, fmt.Errorf("prepare share by token: %w", err)
	}
	if s.forUser, err = sqlair.Prepare(`
SELECT &dbShare.* FROM share
WHERE  shared_with = $dbShare.shared_with
ORDER  BY created_at DESC, id DESC`, dbShare{}); err != nil {
		return nil, fmt.Errorf("prepare shares for user: %w", err)
	}
	if s.forFile, err = sqlair.Prepare(`
SELECT &dbShare.* FROM share
WHERE  file_id = $dbShare.file_id
ORDER  BY id`, dbShare{}); err != nil {
		return nil, fmt.Errorf("prepare shares for file: %w", err)
	}
	return s, nil
}

// Insert writes a share and returns its id.
func (s *ShareStore) Insert(ctx context.Context, share model.Share) (int64, error) {
	return s.table.Insert(ctx, fromShareModel(share))
}

// FindByID returns the share with the given id.
func (s *ShareStore) FindByID(ctx context.Context, id int64) (model.Share, error) {
	row, err := s.table.FindByID(ctx, id)
	if err != nil {
		return model.Share{}, err
	}
	return row.toModel(), nil
}

// FindByToken returns the public share issued with token.
func (s *ShareStore) FindByToken(ctx context.Context, token string) (model.Share, error) {
	row, err := s.table.SelectOne(ctx, token, s.byToken, dbShare{Token: token})
	if err != nil {
		return model.Share{}, err
	}
	return row.toModel(), nil
}

// ForUser returns the shares granted to userID, newest first.
func (s *ShareStore) ForUser(ctx context.Context, userID int64) ([]model.Share, error) {
	return s.list(ctx, s.forUser, dbShare{SharedWith: userID})
}

// ForFile returns the shares of fileID.
func (s *ShareStore) ForFile(ctx context.Context, fileID int64) ([]model.Share, error) {
	return s.list(ctx, s.forFile, dbShare{FileID: fileID})
}

// Delete removes a share and reports whether it existed.
func (s *ShareStore) Delete(ctx context.Context, id int64) (bool, error) {
	return s.table.Delete(ctx, id)
}

func (s *ShareStore) list(ctx context.Context, stmt *sqlair.Statement, key dbShare) ([]model.Share, error) {
	rows, err := s.table.Select(ctx, stmt, key)
	if err != nil {
		return nil, err
	}
	out := make([]model.Share, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
