package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canonical/sqlair"

	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
)

type dbAccount struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	QuotaLimit int64     `db:"quota_limit"`
	BytesUsed  int64     `db:"bytes_used"`
	CreatedAt  time.Time `db:"created_at"`
}

func (a dbAccount) toModel() model.Account {
	return model.Account{
		ID:         a.ID,
		Name:       a.Name,
		QuotaLimit: a.QuotaLimit,
		BytesUsed:  a.BytesUsed,
		CreatedAt:  a.CreatedAt,
	}
}

type usageDelta struct {
	ID    int64 `db:"id"`
	Delta int64 `db:"delta"`
}

// AccountStore persists user accounts and their committed usage.
type AccountStore struct {
	table  *Table[dbAccount]
	byName *sqlair.Statement
	all    *sqlair.Statement
	adjust *sqlair.Statement
}

// NewAccountStore prepares the account statements.
func NewAccountStore(d *DB) (*AccountStore, error) {
	table, err := NewTable(d, TableSpec[dbAccount]{
		Name:    "account",
		Noun:    "account",
		Insert:  []string{"name", "quota_limit", "bytes_used", "created_at"},
		Mutable: []string{"quota_limit"},
		WithID:  func(id int64) dbAccount { return dbAccount{ID: id} },
	})
	if err != nil {
		return nil, err
	}
	s := &AccountStore{table: table}
	if s.byName, err = sqlair.Prepare(
		`SELECT &dbAccount.* FROM account WHERE name = $dbAccount.name`, dbAccount{}); err != nil {
		return nil, fmt.Errorf("prepare account by name: %w", err)
	}
	if s.all, err = sqlair.Prepare(
		`SELECT &dbAccount.* FROM account ORDER BY id`, dbAccount{}); err != nil {
		return nil, fmt.Errorf("prepare account list: %w", err)
	}
	if s.adjust, err = sqlair.Prepare(`
UPDATE account
SET    bytes_used = MAX(0, bytes_used + $usageDelta.delta)
WHERE  id = $usageDelta.id`, usageDelta{}); err != nil {
		return nil, fmt.Errorf("prepare usage adjust: %w", err)
	}
	return s, nil
}

// Create provisions an account with the given quota and returns it.
func (s *AccountStore) Create(ctx context.Context, name string, quota int64) (model.Account, error) {
	if name == "" {
		return model.Account{}, errs.InvalidInput("account name must not be empty")
	}
	if quota < 0 {
		return model.Account{}, errs.InvalidInput("quota must not be negative: %d", quota)
	}
	row := dbAccount{Name: name, QuotaLimit: quota, CreatedAt: time.Now().UTC()}
	id, err := s.table.Insert(ctx, row)
	if err != nil {
		return model.Account{}, err
	}
	row.ID = id
	return row.toModel(), nil
}

// Load returns the quota limit and committed usage of userID.
func (s *AccountStore) Load(ctx context.Context, userID int64) (limit, used int64, err error) {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return acct.QuotaLimit, acct.BytesUsed, nil
}

// Get returns the account with the given id.
func (s *AccountStore) Get(ctx context.Context, userID int64) (model.Account, error) {
	row, err := s.table.FindByID(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Account{}, errs.AccountNotFound(userID)
	}
	if err != nil {
		return model.Account{}, err
	}
	return row.toModel(), nil
}

// GetByName returns the account with the given name.
func (s *AccountStore) GetByName(ctx context.Context, name string) (model.Account, error) {
	row, err := s.table.SelectOne(ctx, name, s.byName, dbAccount{Name: name})
	if err != nil {
		return model.Account{}, err
	}
	return row.toModel(), nil
}

// List returns every account ordered by id.
func (s *AccountStore) List(ctx context.Context) ([]model.Account, error) {
	rows, err := s.table.Select(ctx, s.all)
	if err != nil {
		return nil, err
	}
	out := make([]model.Account, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// AdjustUsage adds delta to the committed usage of userID, flooring at zero.
func (s *AccountStore) AdjustUsage(ctx context.Context, userID, delta int64) error {
	var outcome sqlair.Outcome
	if err := s.table.db.query(ctx, s.adjust, usageDelta{ID: userID, Delta: delta}).Get(&outcome); err != nil {
		return fmt.Errorf("adjust usage of account %d: %w", userID, err)
	}
	if n, err := outcome.Result().RowsAffected(); err == nil && n == 0 {
		return errs.AccountNotFound(userID)
	}
	return nil
}

// SetQuota changes the quota limit of userID.
func (s *AccountStore) SetQuota(ctx context.Context, userID, quota int64) error {
	if quota < 0 {
		return errs.InvalidInput("quota must not be negative: %d", quota)
	}
	err := s.table.Update(ctx, userID, dbAccount{ID: userID, QuotaLimit: quota})
	if errors.Is(err, errs.ErrNotFound) {
		return errs.AccountNotFound(userID)
	}
	return err
}
