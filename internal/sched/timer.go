package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Timer is a handle on delayed or periodic work.
type Timer struct {
	s      *Scheduler
	name   string
	period time.Duration // 0 for one-shot timers
	fn     func(ctx context.Context) error

	mu      sync.Mutex
	stopped bool
	timer   clock.Timer
}

// After runs fn once on the scheduled pool after delay.
func (s *Scheduler) After(delay time.Duration, name string, fn func(ctx context.Context) error) *Timer {
	return s.schedule(delay, 0, name, fn)
}

// Every runs fn on the scheduled pool after initial and then repeatedly,
// waiting period between the end of one run and the start of the next.
func (s *Scheduler) Every(initial, period time.Duration, name string, fn func(ctx context.Context) error) *Timer {
	if period <= 0 {
		period = time.Second
	}
	return s.schedule(initial, period, name, fn)
}

func (s *Scheduler) schedule(delay, period time.Duration, name string, fn func(ctx context.Context) error) *Timer {
	t := &Timer{s: s, name: name, period: period, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.stopped = true
		return t
	}
	s.timers[t] = struct{}{}
	t.arm(delay)
	return t
}

func (t *Timer) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = t.s.clock.AfterFunc(d, t.fire)
}

func (t *Timer) fire() {
	f := Submit(t.s, Scheduled, t.name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.fn(ctx)
	})
	if t.period == 0 {
		t.s.forget(t)
		return
	}
	go func() {
		if _, err := f.Wait(context.Background()); errors.Is(err, ErrClosed) || errors.Is(err, ErrCancelled) {
			return
		}
		t.arm(t.period)
	}()
}

// Stop cancels future runs. A run already submitted is not affected.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (s *Scheduler) forget(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, t)
}
