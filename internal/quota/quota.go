// Package quota tracks per-user storage usage against quota limits.
package quota

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/patrakosh/patrakosh/internal/errs"
)

// ApproachingThreshold is the usage percentage above which a user is
// considered close to their limit.
const ApproachingThreshold = 90.0

// AccountStore loads the durable quota record of a user.
type AccountStore interface {
	Load(ctx context.Context, userID int64) (limit, used int64, err error)
}

type account struct {
	limit    int64
	used     int64 // committed usage
	reserved int64 // reservations whose transaction has not finished
	freeing  int64 // committed bytes being deleted
	version  uint64
}

// busy reports whether the account has work in flight, during which the
// store and the cached usage may legitimately disagree.
func (a *account) busy() bool {
	return a.reserved > 0 || a.freeing > 0
}

// usage is what a reservation is checked against.
func (a *account) usage() int64 {
	return a.used + a.reserved
}

// Ledger caches account usage and enforces quotas.
//
// One mutex guards every account so that check-and-reserve is a single atomic
// step across all users. It is never held while loading from the store.
//
// A reservation stays pending until Commit or Release. Cached usage of an
// account with pending work is never replaced from the store: the store does
// not see reservations, and it changes before the ledger hears about a
// committed transaction.
type Ledger struct {
	store  AccountStore
	logger zerolog.Logger

	mu       sync.Mutex
	accounts map[int64]*account
	epoch    uint64 // bumped by ClearCache
}

// NewLedger creates a ledger backed by store. Accounts are loaded on first touch.
func NewLedger(store AccountStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		logger:   logger.With().Str("component", "quota").Logger(),
		accounts: make(map[int64]*account),
	}
}

// load makes sure userID is cached. The store is read without holding the
// lock; a value installed by a concurrent caller in the meantime wins, and a
// read that overlapped ClearCache is repeated.
func (l *Ledger) load(ctx context.Context, userID int64) error {
	for {
		l.mu.Lock()
		_, ok := l.accounts[userID]
		epoch := l.epoch
		l.mu.Unlock()
		if ok {
			return nil
		}

		limit, used, err := l.loadStore(ctx, userID)
		if err != nil {
			return err
		}

		l.mu.Lock()
		if _, ok := l.accounts[userID]; ok {
			l.mu.Unlock()
			return nil
		}
		if l.epoch != epoch {
			l.mu.Unlock()
			continue
		}
		l.accounts[userID] = &account{limit: limit, used: used}
		l.mu.Unlock()
		l.logger.Debug().Int64("user_id", userID).Int64("limit", limit).Int64("used", used).Msg("Account loaded")
		return nil
	}
}

// loadStore reads the durable account. Every failure is reported as
// AccountNotFound, keeping the cause.
func (l *Ledger) loadStore(ctx context.Context, userID int64) (limit, used int64, err error) {
	limit, used, err = l.store.Load(ctx, userID)
	if err != nil && !errors.Is(err, errs.ErrAccountNotFound) {
		err = errs.AccountLoadFailed(userID, err)
	}
	return limit, used, err
}

// cached returns the account of userID; the caller holds l.mu.
func (l *Ledger) cached(userID int64) (*account, bool) {
	acct, ok := l.accounts[userID]
	return acct, ok
}

// ReserveAndCheck reserves delta bytes for userID, or returns a QuotaExceeded
// error without changing anything when usage plus pending reservations would
// exceed the quota. The reservation must be settled with Commit or Release.
func (l *Ledger) ReserveAndCheck(ctx context.Context, userID, delta int64) error {
	if delta < 0 {
		return errs.InvalidInput("reservation must not be negative: %d", delta)
	}
	if err := l.load(ctx, userID); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.cached(userID)
	if !ok {
		// Evicted by a concurrent ClearCache between load and lock.
		return errs.AccountNotFound(userID)
	}
	if acct.usage()+delta > acct.limit {
		l.logger.Debug().Int64("user_id", userID).Int64("used", acct.usage()).
			Int64("quota", acct.limit).Int64("requested", delta).Msg("Reservation rejected")
		return errs.QuotaExceeded(userID, acct.usage(), acct.limit, delta)
	}
	acct.reserved += delta
	acct.version++
	return nil
}

// Commit turns delta reserved bytes of userID into committed usage once the
// transaction that persisted them has committed.
func (l *Ledger) Commit(userID, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.cached(userID)
	if !ok {
		return
	}
	moved := min(delta, acct.reserved)
	acct.reserved -= moved
	acct.used += moved
	acct.version++
}

// Release gives back delta bytes of userID: pending reservations first, then
// committed usage, flooring at zero. Releasing for a user that is not cached
// is a no-op: the next load reads the committed usage from the store.
func (l *Ledger) Release(userID, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.cached(userID)
	if !ok {
		return
	}
	fromReserved := min(delta, acct.reserved)
	acct.reserved -= fromReserved
	acct.used -= delta - fromReserved
	if acct.used < 0 {
		l.logger.Warn().Int64("user_id", userID).Int64("delta", delta).Msg("Usage released below zero, clamped")
		acct.used = 0
	}
	acct.version++
}

// BeginFree marks delta committed bytes of userID as about to be deleted.
// They keep counting against the quota until EndFree.
func (l *Ledger) BeginFree(ctx context.Context, userID, delta int64) error {
	if delta < 0 {
		return errs.InvalidInput("freed size must not be negative: %d", delta)
	}
	if err := l.load(ctx, userID); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.cached(userID)
	if !ok {
		return errs.AccountNotFound(userID)
	}
	acct.freeing += delta
	acct.version++
	return nil
}

// EndFree settles a BeginFree. When the deletion committed the bytes leave
// the usage of userID; otherwise they stay.
func (l *Ledger) EndFree(userID, delta int64, committed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.cached(userID)
	if !ok {
		return
	}
	acct.freeing = max(acct.freeing-delta, 0)
	if committed {
		acct.used = max(acct.used-delta, 0)
	}
	acct.version++
}

// Usage returns the bytes used by userID.
// Pending reservations are included.
func (l *Ledger) Usage(ctx context.Context, userID int64) (int64, error) {
	acct, err := l.snapshot(ctx, userID)
	return acct.usage(), err
}

// Limit returns the quota of userID.
func (l *Ledger) Limit(ctx context.Context, userID int64) (int64, error) {
	acct, err := l.snapshot(ctx, userID)
	return acct.limit, err
}

// UsagePercentage returns used/limit as a percentage. A zero quota reports
// 100% once anything is stored and 0% otherwise.
func (l *Ledger) UsagePercentage(ctx context.Context, userID int64) (float64, error) {
	acct, err := l.snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return percent(acct.usage(), acct.limit), nil
}

// IsApproachingLimit reports whether userID has used more than 90% of their quota.
func (l *Ledger) IsApproachingLimit(ctx context.Context, userID int64) (bool, error) {
	p, err := l.UsagePercentage(ctx, userID)
	return p > ApproachingThreshold, err
}

// RefreshQuota reloads the account of userID from the store. The quota limit
// is always taken from the store. The cached usage is replaced only when the
// account had no work in flight while the store was read.
func (l *Ledger) RefreshQuota(ctx context.Context, userID int64) error {
	l.mu.Lock()
	before, cached := l.cached(userID)
	var version uint64
	if cached {
		version = before.version
	}
	l.mu.Unlock()
	if !cached {
		return l.load(ctx, userID)
	}

	limit, used, err := l.loadStore(ctx, userID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.cached(userID)
	if !ok {
		// Evicted meanwhile; the next touch loads it again.
		return nil
	}
	acct.limit = limit
	if acct == before && acct.version == version && !acct.busy() {
		acct.used = used
	} else {
		l.logger.Debug().Int64("user_id", userID).Msg("Kept cached usage of busy account")
	}
	return nil
}

// ClearCache drops every cached account without work in flight.
func (l *Ledger) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, acct := range l.accounts {
		if !acct.busy() {
			delete(l.accounts, id)
		}
	}
	l.epoch++
}

// Stats describes the ledger's cached state.
type Stats struct {
	CachedUsers   int   `json:"cached_users"`
	TotalUsed     int64 `json:"total_used"` // committed plus reserved
	TotalReserved int64 `json:"total_reserved"`
	TotalQuota    int64 `json:"total_quota"`
}

// Stats returns current ledger statistics.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{CachedUsers: len(l.accounts)}
	for _, a := range l.accounts {
		s.TotalUsed += a.usage()
		s.TotalReserved += a.reserved
		s.TotalQuota += a.limit
	}
	return s
}

func (l *Ledger) snapshot(ctx context.Context, userID int64) (account, error) {
	if err := l.load(ctx, userID); err != nil {
		return account{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[userID]
	if !ok {
		return account{}, errs.AccountNotFound(userID)
	}
	return *acct, nil
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return float64(used) / float64(limit) * 100
}
