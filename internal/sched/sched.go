// Package sched runs asynchronous work on bounded worker pools.
//
// Each pool has a fixed number of workers and an unbounded FIFO queue, so
// Submit never blocks the caller. Results are delivered through typed
// futures. Delayed and periodic work fires on the scheduled pool.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned for work submitted after Shutdown began.
	ErrClosed = errors.New("scheduler closed")
	// ErrCancelled is returned for queued work dropped by a forced shutdown.
	ErrCancelled = errors.New("task cancelled")
)

// Class selects the pool a task runs on.
type Class int

const (
	Upload Class = iota
	Download
	Scheduled
)

var classNames = [...]string{"upload", "download", "scheduled"}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// Default pool sizes and shutdown grace period.
const (
	DefaultUploadWorkers    = 5
	DefaultDownloadWorkers  = 10
	DefaultScheduledWorkers = 2
	DefaultShutdownGrace    = 60 * time.Second
)

// Config configures a Scheduler. Zero values select the defaults.
type Config struct {
	UploadWorkers    int
	DownloadWorkers  int
	ScheduledWorkers int
	Clock            clock.Clock
	Logger           zerolog.Logger
}

// Scheduler owns the worker pools and the timers.
type Scheduler struct {
	pools  [len(classNames)]*pool
	clock  clock.Clock
	logger zerolog.Logger

	// ctx is the parent of every task context; cancelled by a forced shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	timers map[*Timer]struct{}
}

// New starts a scheduler with the configured pools.
func New(cfg Config) *Scheduler {
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = DefaultUploadWorkers
	}
	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = DefaultDownloadWorkers
	}
	if cfg.ScheduledWorkers <= 0 {
		cfg.ScheduledWorkers = DefaultScheduledWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:  cfg.Clock,
		logger: cfg.Logger.With().Str("component", "sched").Logger(),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*Timer]struct{}),
	}
	sizes := [len(classNames)]int{cfg.UploadWorkers, cfg.DownloadWorkers, cfg.ScheduledWorkers}
	for i, n := range sizes {
		s.pools[i] = newPool(Class(i), n, s.logger)
		s.pools[i].start(ctx)
	}
	s.logger.Debug().
		Int("upload", cfg.UploadWorkers).
		Int("download", cfg.DownloadWorkers).
		Int("scheduled", cfg.ScheduledWorkers).
		Msg("Scheduler started")
	return s
}

// Future is the pending result of a submitted task.
type Future[T any] struct {
	id   string
	name string
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any](name string) *Future[T] {
	return &Future[T]{id: uuid.NewString(), name: name, done: make(chan struct{})}
}

// ID returns the task id, as used in shutdown reports.
func (f *Future[T]) ID() string { return f.id }

// Name returns the task name given at submission.
func (f *Future[T]) Name() string { return f.name }

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) complete(val T, err error) {
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
	})
}

// Submit queues task on the pool of the given class and returns immediately.
// A panic inside task is recovered and reported as the future's error.
func Submit[T any](s *Scheduler, class Class, name string, task func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T](name)
	if class < 0 || int(class) >= len(s.pools) {
		var zero T
		f.complete(zero, fmt.Errorf("submit %s: unknown pool %v", name, class))
		return f
	}

	t := &job{
		id:   f.id,
		name: name,
		run: func(ctx context.Context) error {
			val, err := protect(name, func() (T, error) { return task(ctx) })
			f.complete(val, err)
			return err
		},
		fail: func(err error) {
			var zero T
			f.complete(zero, err)
		},
	}
	if !s.pools[class].enqueue(t) {
		t.fail(ErrClosed)
	}
	return f
}

// protect runs fn, turning a panic into an error.
func protect[T any](name string, fn func() (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			val = zero
			err = fmt.Errorf("task %s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	return fn()
}

// PoolStats describes one pool.
type PoolStats struct {
	Class     string `json:"class"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Stats returns a snapshot of every pool, in class order.
func (s *Scheduler) Stats() []PoolStats {
	out := make([]PoolStats, len(s.pools))
	for i, p := range s.pools {
		out[i] = p.stats()
	}
	return out
}

// ShutdownReport lists the work a forced shutdown did not let finish.
type ShutdownReport struct {
	Graceful    bool     // all queued and running work drained within the grace period
	Cancelled   []string // ids of queued tasks that never started
	Interrupted []string // ids of running tasks whose context was cancelled
}

// Shutdown stops accepting work and waits up to grace for queued and running
// tasks to finish. When the grace period runs out the remaining queued tasks
// are dropped, running tasks have their context cancelled, and the affected
// task ids are reported. Calling Shutdown more than once is safe; later calls
// return an empty graceful report.
func (s *Scheduler) Shutdown(grace time.Duration) ShutdownReport {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ShutdownReport{Graceful: true}
	}
	s.closed = true
	timers := make([]*Timer, 0, len(s.timers))
	for t := range s.timers {
		timers = append(timers, t)
	}
	s.timers = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, p := range s.pools {
		p.close()
	}

	if s.waitTimeout(grace) {
		s.cancel()
		s.logger.Debug().Msg("Scheduler drained")
		return ShutdownReport{Graceful: true}
	}

	var report ShutdownReport
	for _, p := range s.pools {
		queued, running := p.abandon()
		for _, t := range queued {
			t.fail(ErrCancelled)
			report.Cancelled = append(report.Cancelled, t.id)
		}
		report.Interrupted = append(report.Interrupted, running...)
	}
	s.cancel()

	s.logger.Warn().
		Dur("grace", grace).
		Int("cancelled", len(report.Cancelled)).
		Int("interrupted", len(report.Interrupted)).
		Msg("Scheduler shutdown timed out, remaining work cancelled")

	if !s.waitTimeout(grace) {
		s.logger.Error().Msg("Workers still running after cancellation")
	}
	return report
}

func (s *Scheduler) waitWorkers() {
	for _, p := range s.pools {
		p.wg.Wait()
	}
}

// waitTimeout waits for the workers and reports whether they returned within
// d on the scheduler's clock.
func (s *Scheduler) waitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.waitWorkers()
		close(done)
	}()
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.Chan():
		return false
	}
}
