package sched

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type job struct {
	id   string
	name string
	run  func(ctx context.Context) error
	fail func(err error)
}

// pool is a fixed set of workers draining an unbounded FIFO queue.
type pool struct {
	class   Class
	workers int
	logger  zerolog.Logger
	wg      sync.WaitGroup

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*job
	running   map[string]*job
	closed    bool
	abandoned bool
	completed uint64
	failed    uint64
}

func newPool(class Class, workers int, logger zerolog.Logger) *pool {
	p := &pool{
		class:   class,
		workers: workers,
		logger:  logger.With().Str("pool", class.String()).Logger(),
		running: make(map[string]*job),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pool) start(ctx context.Context) {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.work(ctx)
	}
}

// enqueue appends j to the queue. It returns false once the pool is closed.
func (p *pool) enqueue(j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, j)
	p.cond.Signal()
	return true
}

func (p *pool) next() (*job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 || p.abandoned {
		return nil, false
	}
	j := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.running[j.id] = j
	return j, true
}

func (p *pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		j, ok := p.next()
		if !ok {
			return
		}
		err := j.run(ctx)

		p.mu.Lock()
		delete(p.running, j.id)
		if err != nil {
			p.failed++
		} else {
			p.completed++
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Debug().Err(err).Str("task", j.name).Str("task_id", j.id).Msg("Task failed")
		}
	}
}

// close stops accepting work. Workers keep draining the queue.
func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// abandon empties the queue and returns the dropped jobs together with the
// ids of the jobs still running.
func (p *pool) abandon() ([]*job, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	queued := p.queue
	p.queue = nil
	p.abandoned = true
	running := make([]string, 0, len(p.running))
	for id := range p.running {
		running = append(running, id)
	}
	p.cond.Broadcast()
	return queued, running
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Class:     p.class.String(),
		Workers:   p.workers,
		Active:    len(p.running),
		Queued:    len(p.queue),
		Completed: p.completed,
		Failed:    p.failed,
	}
}
