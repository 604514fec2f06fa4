// Package app builds a patrakosh process from its configuration and owns the
// lifecycle of every component: the metadata database, the blob store, the
// ledger, the caches, the scheduler and the admin endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/patrakosh/patrakosh/internal/admin"
	"github.com/patrakosh/patrakosh/internal/blob"
	"github.com/patrakosh/patrakosh/internal/cache"
	"github.com/patrakosh/patrakosh/internal/config"
	"github.com/patrakosh/patrakosh/internal/db"
	"github.com/patrakosh/patrakosh/internal/files"
	"github.com/patrakosh/patrakosh/internal/logging/audit"
	"github.com/patrakosh/patrakosh/internal/metrics"
	"github.com/patrakosh/patrakosh/internal/model"
	"github.com/patrakosh/patrakosh/internal/quota"
	"github.com/patrakosh/patrakosh/internal/sched"
	"github.com/patrakosh/patrakosh/internal/tracing"
	"github.com/patrakosh/patrakosh/internal/txn"
)

// ErrClosed is returned by operations on an App after Close.
var ErrClosed = errors.New("app: closed")

// Options overrides process-wide collaborators. The zero value uses the
// global metrics registry, the wall clock and no S3 client override.
type Options struct {
	Registry prometheus.Registerer
	Clock    clock.Clock
	Logger   zerolog.Logger
	// S3 replaces the client built from the configuration.
	S3 blob.S3API
}

// App is a fully wired patrakosh instance.
type App struct {
	Files     *files.Service
	Accounts  *db.AccountStore
	Scheduler *sched.Scheduler
	Ledger    *quota.Ledger
	Metrics   *metrics.Metrics

	cfg          *config.Config
	db           *db.DB
	fileStore    *db.FileStore
	fingerprints *cache.FingerprintIndex
	collector    *metrics.Collector
	refresh      *sched.Timer
	admin        *admin.AdminServer
	trace        *tracing.Recorder
	audit        *audit.Logger
	logger       zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New validates cfg and constructs every component.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	grace, err := cfg.ShutdownGrace()
	if err != nil {
		return nil, err
	}
	refresh, err := cfg.RefreshInterval()
	if err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = metrics.Registry
	}
	logger := opts.Logger

	metaDB, err := db.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = metaDB.Close()
		}
	}()

	fileStore, err := db.NewFileStore(metaDB)
	if err != nil {
		return nil, err
	}
	accounts, err := db.NewAccountStore(metaDB)
	if err != nil {
		return nil, err
	}
	shares, err := db.NewShareStore(metaDB)
	if err != nil {
		return nil, err
	}
	activity, err := db.NewActivityStore(metaDB)
	if err != nil {
		return nil, err
	}

	blobs, err := openBlobs(ctx, cfg, opts.S3)
	if err != nil {
		return nil, err
	}

	records, err := cache.NewRecordCache(cfg.Cache.Records)
	if err != nil {
		return nil, err
	}
	sessions, err := cache.NewSessionCache(cfg.Cache.Sessions)
	if err != nil {
		return nil, err
	}
	fingerprints, err := cache.NewFingerprintIndex(cfg.FingerprintCapacity())
	if err != nil {
		return nil, err
	}

	m := metrics.New(opts.Registry)
	ledger := quota.NewLedger(accounts, logger)
	auditLog := audit.NewLogger(logger, activity)
	scheduler := sched.New(sched.Config{
		UploadWorkers:    cfg.Scheduler.UploadWorkers,
		DownloadWorkers:  cfg.Scheduler.DownloadWorkers,
		ScheduledWorkers: cfg.Scheduler.ScheduledWorkers,
		Clock:            opts.Clock,
		Logger:           logger,
	})
	defer func() {
		if err != nil {
			scheduler.Shutdown(grace)
		}
	}()

	svc, err := files.New(files.Config{
		Runner:           txn.NewRunner(metaDB.SQLair(), logger),
		Files:            fileStore,
		Accounts:         accounts,
		Shares:           shares,
		Activity:         activity,
		Blobs:            blobs,
		Ledger:           ledger,
		Records:          records,
		Sessions:         sessions,
		Fingerprints:     fingerprints,
		Scheduler:        scheduler,
		Audit:            auditLog,
		Metrics:          m,
		RejectDuplicates: cfg.Quota.RejectDuplicates,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Files:        svc,
		Accounts:     accounts,
		Scheduler:    scheduler,
		Ledger:       ledger,
		Metrics:      m,
		cfg:          cfg,
		db:           metaDB,
		fileStore:    fileStore,
		fingerprints: fingerprints,
		audit:        auditLog,
		logger:       logger.With().Str("component", "app").Logger(),
	}
	a.collector = metrics.NewCollector(m, metrics.CollectorConfig{
		Scheduler: scheduler,
		Ledger:    ledger,
		Caches: map[string]metrics.CacheStats{
			"records":      records,
			"sessions":     sessions,
			"fingerprints": fingerprints,
		},
	})

	if cfg.Quota.RejectDuplicates {
		if err := a.warmFingerprints(ctx); err != nil {
			return nil, err
		}
	}

	a.refresh = scheduler.Every(0, refresh, "collect metrics", a.collector.CollectTask)

	a.logger.Info().
		Str("database", cfg.Database).
		Str("blob_backend", cfg.Blob.Backend).
		Bool("reject_duplicates", cfg.Quota.RejectDuplicates).
		Msg("Storage control plane ready")
	return a, nil
}

// openBlobs builds the configured physical store. client, when non-nil,
// is used for the s3 backend instead of one built from the configuration.
func openBlobs(ctx context.Context, cfg *config.Config, client blob.S3API) (blob.Store, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	codec := blob.NewCodec(cfg.Blob.Compress, key)

	switch cfg.Blob.Backend {
	case config.BackendMemory:
		return blob.NewMemoryStore(codec), nil
	case config.BackendLocal:
		return blob.NewLocalStore(cfg.Blob.Dir, codec)
	case config.BackendS3:
		if client == nil {
			c, err := blob.NewS3Client(ctx, cfg.Blob.S3)
			if err != nil {
				return nil, err
			}
			client = c
		}
		return blob.NewS3Store(client, cfg.Blob.S3.Bucket, cfg.Blob.S3.Prefix, codec)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// warmFingerprints loads the fingerprints of stored files into the index
// until it is full.
func (a *App) warmFingerprints(ctx context.Context) error {
	fps, err := a.fileStore.Fingerprints(ctx)
	if err != nil {
		return fmt.Errorf("warm fingerprint index: %w", err)
	}
	capacity := a.cfg.FingerprintCapacity()
	for i, fp := range fps {
		if capacity > 0 && i >= capacity {
			break
		}
		a.fingerprints.Add(fp)
	}
	a.logger.Debug().Int("fingerprints", a.fingerprints.Count()).Msg("Fingerprint index warmed")
	return nil
}

// CreateAccount provisions a user with the given quota in bytes. A negative
// quota selects the configured default.
func (a *App) CreateAccount(ctx context.Context, name string, quotaBytes int64) (model.Account, error) {
	if quotaBytes < 0 {
		quotaBytes = a.cfg.Quota.Default.Bytes()
	}
	acct, err := a.Accounts.Create(ctx, name, quotaBytes)
	if err != nil {
		return model.Account{}, err
	}
	a.audit.Append(ctx, acct.ID, model.ActionCreateAccount, model.ResourceAccount, acct.ID, name)
	return acct, nil
}

// SetQuota changes the quota of userID and reloads the ledger entry.
func (a *App) SetQuota(ctx context.Context, userID, quotaBytes int64) error {
	if err := a.Accounts.SetQuota(ctx, userID, quotaBytes); err != nil {
		return err
	}
	a.audit.Append(ctx, userID, model.ActionSetQuota, model.ResourceAccount, userID, fmt.Sprintf("%d", quotaBytes))
	return a.Ledger.RefreshQuota(ctx, userID)
}

// ServeAdmin starts the admin endpoint on the configured metrics address.
// It returns the bound address, or "" when no address is configured.
func (a *App) ServeAdmin() (string, error) {
	if a.cfg.Metrics.Listen == "" {
		return "", nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrClosed
	}
	if a.admin != nil {
		return a.admin.Addr(), nil
	}
	srv := admin.NewAdminServer(a.Healthy, a.logger)
	var rec *tracing.Recorder
	if a.cfg.Metrics.Trace {
		rec = tracing.NewRecorder(a.cfg.Metrics.TraceBuffer.Bytes())
		if err := rec.Start(); err != nil {
			return "", fmt.Errorf("start trace recorder: %w", err)
		}
		srv.EnableTrace(rec)
	}
	if err := srv.Start(a.cfg.Metrics.Listen); err != nil {
		if rec != nil {
			rec.Stop()
		}
		return "", fmt.Errorf("start admin server: %w", err)
	}
	a.admin = srv
	a.trace = rec
	return srv.Addr(), nil
}

// Healthy reports whether the app accepts work and the database answers.
func (a *App) Healthy(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := a.Accounts.List(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// CollectMetrics refreshes the component gauges immediately.
func (a *App) CollectMetrics() {
	a.collector.Collect()
}

// Close stops the admin endpoint and the periodic tasks, drains the
// scheduler within the configured grace period and closes the database.
// Calling Close more than once is a no-op.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	srv := a.admin
	rec := a.trace
	a.mu.Unlock()

	grace, err := a.cfg.ShutdownGrace()
	if err != nil {
		grace = sched.DefaultShutdownGrace
	}
	a.refresh.Stop()

	var g errgroup.Group
	g.Go(func() error {
		if srv == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Stop(ctx)
		if rec != nil {
			rec.Stop()
		}
		if err != nil {
			return fmt.Errorf("stop admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		report := a.Scheduler.Shutdown(grace)
		if !report.Graceful {
			a.logger.Warn().
				Strs("cancelled", report.Cancelled).
				Strs("interrupted", report.Interrupted).
				Msg("Shutdown abandoned tasks")
		}
		return nil
	})
	err = g.Wait()

	if cerr := a.db.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close database: %w", cerr))
	}
	a.logger.Info().Msg("Storage control plane stopped")
	return err
}
