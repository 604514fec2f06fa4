package metrics

import (
	"context"

	"github.com/patrakosh/patrakosh/internal/cache"
	"github.com/patrakosh/patrakosh/internal/quota"
	"github.com/patrakosh/patrakosh/internal/sched"
)

// SchedulerStats reports worker pool state.
type SchedulerStats interface {
	Stats() []sched.PoolStats
}

// CacheStats reports the state of one cache.
type CacheStats interface {
	Stats() cache.Stats
}

// LedgerStats reports the quota ledger state.
type LedgerStats interface {
	Stats() quota.Stats
}

// CollectorConfig lists the components a Collector samples. Nil fields are skipped.
type CollectorConfig struct {
	Scheduler SchedulerStats
	Ledger    LedgerStats
	Caches    map[string]CacheStats // keyed by cache label
}

// Collector copies component statistics into gauges.
type Collector struct {
	metrics *Metrics
	config  CollectorConfig
}

// NewCollector creates a collector updating m.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	return &Collector{metrics: m, config: cfg}
}

// Collect samples every configured component once.
func (c *Collector) Collect() {
	if c.metrics == nil {
		return
	}
	c.collectSchedulerStats()
	c.collectLedgerStats()
	c.collectCacheStats()
}

// CollectTask adapts Collect to the scheduler's periodic task signature.
func (c *Collector) CollectTask(context.Context) error {
	c.Collect()
	return nil
}

func (c *Collector) collectSchedulerStats() {
	if c.config.Scheduler == nil {
		return
	}
	for _, p := range c.config.Scheduler.Stats() {
		c.metrics.PoolActive.WithLabelValues(p.Class).Set(float64(p.Active))
		c.metrics.PoolQueued.WithLabelValues(p.Class).Set(float64(p.Queued))
		c.metrics.PoolCompleted.WithLabelValues(p.Class).Set(float64(p.Completed))
		c.metrics.PoolFailed.WithLabelValues(p.Class).Set(float64(p.Failed))
	}
}

func (c *Collector) collectLedgerStats() {
	if c.config.Ledger == nil {
		return
	}
	s := c.config.Ledger.Stats()
	c.metrics.LedgerCachedUsers.Set(float64(s.CachedUsers))
	c.metrics.LedgerUsedBytes.Set(float64(s.TotalUsed))
}

func (c *Collector) collectCacheStats() {
	for name, src := range c.config.Caches {
		s := src.Stats()
		c.metrics.CacheEntries.WithLabelValues(name).Set(float64(s.Size))
		c.metrics.CacheHits.WithLabelValues(name).Set(float64(s.Hits))
		c.metrics.CacheMisses.WithLabelValues(name).Set(float64(s.Misses))
		c.metrics.CacheEvictions.WithLabelValues(name).Set(float64(s.Evictions))
	}
}
