package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/sqlair"

	"github.com/patrakosh/patrakosh/internal/model"
)

type dbFile struct {
	ID          int64     `db:"id"`
	OwnerID     int64     `db:"owner_id"`
	LineageID   int64     `db:"lineage_id"`
	Version     int       `db:"version"`
	Name        string    `db:"name"`
	Locator     string    `db:"locator"`
	Size        int64     `db:"size"`
	Fingerprint string    `db:"fingerprint"`
	ContentType string    `db:"content_type"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (f dbFile) toModel() model.FileRecord {
	return model.FileRecord{
		ID:          f.ID,
		OwnerID:     f.OwnerID,
		LineageID:   f.LineageID,
		Version:     f.Version,
		Name:        f.Name,
		Locator:     f.Locator,
		Size:        f.Size,
		Fingerprint: f.Fingerprint,
		ContentType: f.ContentType,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func fromFileModel(r model.FileRecord) dbFile {
	return dbFile{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		LineageID:   r.LineageID,
		Version:     r.Version,
		Name:        r.Name,
		Locator:     r.Locator,
		Size:        r.Size,
		Fingerprint: r.Fingerprint,
		ContentType: r.ContentType,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

type fileSearch struct {
	OwnerID int64  `db:"owner_id"`
	Pattern string `db:"pattern"`
}

type lineageVersion struct {
	LineageID int64 `db:"lineage_id"`
	Version   int   `db:"version"`
}

type fingerprintCount struct {
	Fingerprint string `db:"fingerprint"`
	Count       int    `db:"count"`
}

// FileStore persists file records.
type FileStore struct {
	table          *Table[dbFile]
	byOwner        *sqlair.Statement
	search         *sqlair.Statement
	lineage        *sqlair.Statement
	setLineage     *sqlair.Statement
	maxVersion     *sqlair.Statement
	byFingerprint  *sqlair.Statement
	allFingerprint *sqlair.Statement
}

// NewFileStore prepares the file record statements.
func NewFileStore(d *DB) (*FileStore, error) {
	table, err := NewTable(d, TableSpec[dbFile]{
		Name: "file",
		Noun: "file",
		Insert: []string{"owner_id", "lineage_id", "version", "name", "locator", "size",
			"fingerprint", "content_type", "created_at", "updated_at"},
		Mutable: []string{"name", "updated_at"},
		WithID:  func(id int64) dbFile { return dbFile{ID: id} },
	})
	if err != nil {
		return nil, err
	}

	s := &FileStore{table: table}
	stmts := []struct {
		dst   **sqlair.Statement
		query string
		types []any
	}{
		{&s.byOwner, `
SELECT &dbFile.* FROM file
WHERE  owner_id = $dbFile.owner_id
ORDER  BY updated_at DESC, id DESC`, []any{dbFile{}}},
		{&s.search, `
SELECT &dbFile.* FROM file
WHERE  owner_id = $fileSearch.owner_id
AND    name LIKE $fileSearch.pattern ESCAPE '!'
ORDER  BY updated_at DESC, id DESC`, []any{dbFile{}, fileSearch{}}},
		{&s.lineage, `
SELECT &dbFile.* FROM file
WHERE  lineage_id = $dbFile.lineage_id
ORDER  BY version`, []any{dbFile{}}},
		{&s.setLineage, `
UPDATE file SET lineage_id = $dbFile.lineage_id WHERE id = $dbFile.id`, []any{dbFile{}}},
		{&s.maxVersion, `
SELECT COALESCE(MAX(version), 0) AS &lineageVersion.version
FROM   file
WHERE  lineage_id = $lineageVersion.lineage_id`, []any{lineageVersion{}}},
		{&s.byFingerprint, `
SELECT COUNT(*) AS &fingerprintCount.count
FROM   file
WHERE  fingerprint = $fingerprintCount.fingerprint`, []any{fingerprintCount{}}},
		{&s.allFingerprint, `
SELECT &fingerprintCount.fingerprint FROM file GROUP BY fingerprint`, []any{fingerprintCount{}}},
	}
	for _, st := range stmts {
		if *st.dst, err = sqlair.Prepare(st.query, st.types...); err != nil {
			return nil, fmt.Errorf("prepare file query: %w", err)
		}
	}
	return s, nil
}

// FindByID returns the record with the given id.
func (s *FileStore) FindByID(ctx context.Context, id int64) (model.FileRecord, error) {
	row, err := s.table.FindByID(ctx, id)
	if err != nil {
		return model.FileRecord{}, err
	}
	return row.toModel(), nil
}

// FindByOwner returns all records owned by ownerID, most recently updated first.
func (s *FileStore) FindByOwner(ctx context.Context, ownerID int64) ([]model.FileRecord, error) {
	rows, err := s.table.Select(ctx, s.byOwner, dbFile{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// Search returns the records of ownerID whose name contains term (case-insensitive).
func (s *FileStore) Search(ctx context.Context, ownerID int64, term string) ([]model.FileRecord, error) {
	rows, err := s.table.Select(ctx, s.search, fileSearch{OwnerID: ownerID, Pattern: "%" + escapeLike(term) + "%"})
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// FindLineage returns every version of a file, oldest first.
func (s *FileStore) FindLineage(ctx context.Context, lineageID int64) ([]model.FileRecord, error) {
	rows, err := s.table.Select(ctx, s.lineage, dbFile{LineageID: lineageID})
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// NextVersion returns the version number the next record of the lineage must use.
func (s *FileStore) NextVersion(ctx context.Context, lineageID int64) (int, error) {
	lv := lineageVersion{LineageID: lineageID}
	if err := s.table.db.query(ctx, s.maxVersion, lv).Get(&lv); err != nil {
		return 0, fmt.Errorf("select max version of lineage %d: %w", lineageID, err)
	}
	return lv.Version + 1, nil
}

// Insert writes a new record and returns its id. A record without a lineage
// starts a new one rooted at itself.
func (s *FileStore) Insert(ctx context.Context, rec model.FileRecord) (int64, error) {
	id, err := s.table.Insert(ctx, fromFileModel(rec))
	if err != nil {
		return 0, err
	}
	if rec.LineageID == 0 {
		if err := s.table.db.query(ctx, s.setLineage, dbFile{ID: id, LineageID: id}).Run(); err != nil {
			return 0, fmt.Errorf("set lineage of file %d: %w", id, err)
		}
	}
	return id, nil
}

// Update writes the mutable fields of rec (name and update time).
func (s *FileStore) Update(ctx context.Context, rec model.FileRecord) error {
	return s.table.Update(ctx, rec.ID, fromFileModel(rec))
}

// Delete removes a record and reports whether it existed.
func (s *FileStore) Delete(ctx context.Context, id int64) (bool, error) {
	return s.table.Delete(ctx, id)
}

// CountByFingerprint returns how many records reference the fingerprint.
func (s *FileStore) CountByFingerprint(ctx context.Context, fingerprint string) (int, error) {
	fc := fingerprintCount{Fingerprint: fingerprint}
	if err := s.table.db.query(ctx, s.byFingerprint, fc).Get(&fc); err != nil {
		return 0, fmt.Errorf("count fingerprint: %w", err)
	}
	return fc.Count, nil
}

// Fingerprints returns every distinct fingerprint stored.
func (s *FileStore) Fingerprints(ctx context.Context) ([]string, error) {
	var rows []fingerprintCount
	if err := s.table.db.query(ctx, s.allFingerprint).GetAll(&rows); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select fingerprints: %w", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Fingerprint
	}
	return out, nil
}

func toModels(rows []dbFile) []model.FileRecord {
	out := make([]model.FileRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}

var likeEscaper = strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
