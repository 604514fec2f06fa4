package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/canonical/sqlair"

	"github.com/patrakosh/patrakosh/internal/errs"
)

// TableSpec describes how a row type maps onto a table.
// The row type must carry `db` tags, including one for "id".
type TableSpec[T any] struct {
	Name    string            // Table name
	Insert  []string          // Columns written on insert (id excluded)
	Mutable []string          // Columns written on update
	WithID  func(id int64) T  // Builds a key row for id lookups
	Noun    string            // Resource name used in not-found errors
}

// Table is a generic repository over one row type. The per-table SQL is
// generated from its TableSpec; type-specific queries live on the concrete stores.
type Table[T any] struct {
	db       *DB
	spec     TableSpec[T]
	findByID *sqlair.Statement
	insert   *sqlair.Statement
	update   *sqlair.Statement
	remove   *sqlair.Statement
}

// NewTable prepares the CRUD statements for spec.
func NewTable[T any](d *DB, spec TableSpec[T]) (*Table[T], error) {
	var sample T
	typ := reflect.TypeOf(sample).Name()
	if typ == "" {
		return nil, fmt.Errorf("table %s: row type must be a named struct", spec.Name)
	}
	if spec.Noun == "" {
		spec.Noun = spec.Name
	}

	inputs := func(cols []string) []string {
		out := make([]string, len(cols))
		for i, c := range cols {
			out[i] = "$" + typ + "." + c
		}
		return out
	}
	assignments := make([]string, len(spec.Mutable))
	for i, c := range spec.Mutable {
		assignments[i] = c + " = $" + typ + "." + c
	}

	t := &Table[T]{db: d, spec: spec}
	var err error
	if t.findByID, err = sqlair.Prepare(
		fmt.Sprintf("SELECT &%s.* FROM %s WHERE id = $%s.id", typ, spec.Name, typ), sample); err != nil {
		return nil, fmt.Errorf("prepare %s select: %w", spec.Name, err)
	}
	if t.insert, err = sqlair.Prepare(
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", spec.Name,
			strings.Join(spec.Insert, ", "), strings.Join(inputs(spec.Insert), ", ")), sample); err != nil {
		return nil, fmt.Errorf("prepare %s insert: %w", spec.Name, err)
	}
	if len(spec.Mutable) > 0 {
		if t.update, err = sqlair.Prepare(
			fmt.Sprintf("UPDATE %s SET %s WHERE id = $%s.id", spec.Name,
				strings.Join(assignments, ", "), typ), sample); err != nil {
			return nil, fmt.Errorf("prepare %s update: %w", spec.Name, err)
		}
	}
	if t.remove, err = sqlair.Prepare(
		fmt.Sprintf("DELETE FROM %s WHERE id = $%s.id", spec.Name, typ), sample); err != nil {
		return nil, fmt.Errorf("prepare %s delete: %w", spec.Name, err)
	}
	return t, nil
}

// FindByID returns the row with the given id, or a NotFound error.
func (t *Table[T]) FindByID(ctx context.Context, id int64) (T, error) {
	row := t.spec.WithID(id)
	if err := t.db.query(ctx, t.findByID, row).Get(&row); err != nil {
		var zero T
		if errors.Is(err, sqlair.ErrNoRows) {
			return zero, errs.NotFound(t.spec.Noun, id)
		}
		return zero, fmt.Errorf("select %s %d: %w", t.spec.Name, id, err)
	}
	return row, nil
}

// Insert writes row and returns the generated id.
func (t *Table[T]) Insert(ctx context.Context, row T) (int64, error) {
	var outcome sqlair.Outcome
	if err := t.db.query(ctx, t.insert, row).Get(&outcome); err != nil {
		return 0, fmt.Errorf("insert %s: %w", t.spec.Name, err)
	}
	id, err := outcome.Result().LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s: last insert id: %w", t.spec.Name, err)
	}
	return id, nil
}

// Update writes the mutable columns of row. A missing row is a NotFound error.
func (t *Table[T]) Update(ctx context.Context, id int64, row T) error {
	if t.update == nil {
		return fmt.Errorf("table %s has no mutable columns", t.spec.Name)
	}
	var outcome sqlair.Outcome
	if err := t.db.query(ctx, t.update, row).Get(&outcome); err != nil {
		return fmt.Errorf("update %s %d: %w", t.spec.Name, id, err)
	}
	if n, err := outcome.Result().RowsAffected(); err == nil && n == 0 {
		return errs.NotFound(t.spec.Noun, id)
	}
	return nil
}

// Delete removes the row with the given id and reports whether it existed.
func (t *Table[T]) Delete(ctx context.Context, id int64) (bool, error) {
	var outcome sqlair.Outcome
	if err := t.db.query(ctx, t.remove, t.spec.WithID(id)).Get(&outcome); err != nil {
		return false, fmt.Errorf("delete %s %d: %w", t.spec.Name, id, err)
	}
	n, err := outcome.Result().RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s %d: rows affected: %w", t.spec.Name, id, err)
	}
	return n > 0, nil
}

// Select runs a prepared query returning rows of T. No rows is not an error.
func (t *Table[T]) Select(ctx context.Context, stmt *sqlair.Statement, args ...any) ([]T, error) {
	var rows []T
	if err := t.db.query(ctx, stmt, args...).GetAll(&rows); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select %s: %w", t.spec.Name, err)
	}
	return rows, nil
}

// SelectOne runs a prepared query returning a single row of T, or NotFound.
func (t *Table[T]) SelectOne(ctx context.Context, key any, stmt *sqlair.Statement, args ...any) (T, error) {
	var row T
	if err := t.db.query(ctx, stmt, args...).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return row, errs.NotFound(t.spec.Noun, key)
		}
		return row, fmt.Errorf("select %s: %w", t.spec.Name, err)
	}
	return row, nil
}
