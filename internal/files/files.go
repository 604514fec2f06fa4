// Package files implements the file operations of the storage control plane:
// upload, versioning, download, rename, delete, search, sharing and sessions.
//
// Every mutation follows the same discipline. Physical bytes are written
// first, then quota is reserved in the ledger, then metadata, committed usage
// and the activity entry are written in one transaction. Any failure after the
// reservation releases it again, and caches are only updated after commit.
package files

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrakosh/patrakosh/internal/blob"
	"github.com/patrakosh/patrakosh/internal/cache"
	"github.com/patrakosh/patrakosh/internal/logging/audit"
	"github.com/patrakosh/patrakosh/internal/metrics"
	"github.com/patrakosh/patrakosh/internal/model"
	"github.com/patrakosh/patrakosh/internal/quota"
	"github.com/patrakosh/patrakosh/internal/sched"
	"github.com/patrakosh/patrakosh/internal/txn"
)

// FileStore persists file records. Implementations use the transaction
// carried by ctx when there is one.
type FileStore interface {
	FindByID(ctx context.Context, id int64) (model.FileRecord, error)
	FindByOwner(ctx context.Context, ownerID int64) ([]model.FileRecord, error)
	Search(ctx context.Context, ownerID int64, term string) ([]model.FileRecord, error)
	FindLineage(ctx context.Context, lineageID int64) ([]model.FileRecord, error)
	NextVersion(ctx context.Context, lineageID int64) (int, error)
	Insert(ctx context.Context, rec model.FileRecord) (int64, error)
	Update(ctx context.Context, rec model.FileRecord) error
	Delete(ctx context.Context, id int64) (bool, error)
	CountByFingerprint(ctx context.Context, fingerprint string) (int, error)
}

// AccountStore persists committed account usage.
type AccountStore interface {
	Get(ctx context.Context, userID int64) (model.Account, error)
	AdjustUsage(ctx context.Context, userID, delta int64) error
}

// ShareStore persists file shares.
type ShareStore interface {
	Insert(ctx context.Context, share model.Share) (int64, error)
	FindByID(ctx context.Context, id int64) (model.Share, error)
	FindByToken(ctx context.Context, token string) (model.Share, error)
	ForUser(ctx context.Context, userID int64) ([]model.Share, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// ActivityReader reads the durable activity log.
type ActivityReader interface {
	ForUser(ctx context.Context, userID int64, limit int) ([]model.ActivityEntry, error)
}

// Config holds the collaborators of a Service. Metrics may be nil.
type Config struct {
	Runner       *txn.Runner
	Files        FileStore
	Accounts     AccountStore
	Shares       ShareStore
	Activity     ActivityReader
	Blobs        blob.Store
	Ledger       *quota.Ledger
	Records      *cache.RecordCache
	Sessions     *cache.SessionCache
	Fingerprints *cache.FingerprintIndex
	Scheduler    *sched.Scheduler
	Audit        *audit.Logger
	Metrics      *metrics.Metrics

	// RejectDuplicates refuses uploads whose content is already stored.
	RejectDuplicates bool

	Logger zerolog.Logger
}

// Service runs file operations.
type Service struct {
	runner       *txn.Runner
	files        FileStore
	accounts     AccountStore
	shares       ShareStore
	activity     ActivityReader
	blobs        blob.Store
	ledger       *quota.Ledger
	records      *cache.RecordCache
	sessions     *cache.SessionCache
	fingerprints *cache.FingerprintIndex
	scheduler    *sched.Scheduler
	audit        *audit.Logger
	metrics      *metrics.Metrics

	rejectDuplicates bool
	logger           zerolog.Logger
	now              func() time.Time

	keysMu      sync.Mutex
	pendingKeys map[string]struct{}
}

// New creates a Service from cfg.
func New(cfg Config) (*Service, error) {
	required := []struct {
		name    string
		missing bool
	}{
		{"Runner", cfg.Runner == nil},
		{"Files", cfg.Files == nil},
		{"Accounts", cfg.Accounts == nil},
		{"Shares", cfg.Shares == nil},
		{"Activity", cfg.Activity == nil},
		{"Blobs", cfg.Blobs == nil},
		{"Ledger", cfg.Ledger == nil},
		{"Records", cfg.Records == nil},
		{"Sessions", cfg.Sessions == nil},
		{"Fingerprints", cfg.Fingerprints == nil},
		{"Scheduler", cfg.Scheduler == nil},
		{"Audit", cfg.Audit == nil},
	}
	for _, r := range required {
		if r.missing {
			return nil, fmt.Errorf("files: %s is required", r.name)
		}
	}

	return &Service{
		runner:           cfg.Runner,
		files:            cfg.Files,
		accounts:         cfg.Accounts,
		shares:           cfg.Shares,
		activity:         cfg.Activity,
		blobs:            cfg.Blobs,
		ledger:           cfg.Ledger,
		records:          cfg.Records,
		sessions:         cfg.Sessions,
		fingerprints:     cfg.Fingerprints,
		scheduler:        cfg.Scheduler,
		audit:            cfg.Audit,
		metrics:          cfg.Metrics,
		rejectDuplicates: cfg.RejectDuplicates,
		logger:           cfg.Logger.With().Str("component", "files").Logger(),
		now:              func() time.Time { return time.Now().UTC() },
		pendingKeys:      make(map[string]struct{}),
	}, nil
}

// observe starts timing operation; the returned func records the outcome
// held in *err. Use as: defer s.observe("upload", &err)().
func (s *Service) observe(operation string, err *error) func() {
	start := time.Now()
	return func() {
		s.metrics.RecordOperation(operation, *err, time.Since(start))
		if *err != nil {
			s.logger.Debug().Err(*err).Str("operation", operation).Msg("Operation failed")
		}
	}
}

// lookup returns a record from the cache, falling back to the store.
func (s *Service) lookup(ctx context.Context, fileID int64) (model.FileRecord, error) {
	if rec, ok := s.records.Get(fileID); ok {
		return rec, nil
	}
	epoch := s.records.Epoch()
	rec, err := s.files.FindByID(ctx, fileID)
	if err != nil {
		return model.FileRecord{}, err
	}
	s.records.Fill(epoch, rec)
	return rec, nil
}

// joinContext returns a context that carries the values of task and is
// cancelled when either task or caller is done.
func joinContext(task, caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(task)
	if caller.Err() != nil {
		cancel(context.Cause(caller))
	}
	stop := context.AfterFunc(caller, func() { cancel(context.Cause(caller)) })
	return ctx, func() {
		stop()
		cancel(errors.New("task finished"))
	}
}
