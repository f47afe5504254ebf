package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CacheSizer reports the number of entries a cache holds in memory.
type CacheSizer interface {
	Len() int
}

// Collector periodically samples gauges that cannot be updated inline:
// goroutines, the database pool, persisted run counts and cache sizes.
type Collector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	logger   *zap.Logger
	caches   map[string]CacheSizer

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCollector creates a collector. db may be nil.
func NewCollector(db *gorm.DB, interval time.Duration, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		logger:   logger,
		caches:   make(map[string]CacheSizer),
		stopCh:   make(chan struct{}),
	}
}

// WatchCache registers a cache whose size is sampled under name. Call
// before Start.
func (c *Collector) WatchCache(name string, cache CacheSizer) {
	c.caches[name] = cache
}

// Start begins periodic collection until ctx ends or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		c.collectAll()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectAll()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collectAll() {
	c.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
	for name, cache := range c.caches {
		c.metrics.UpdateCacheSize(name, cache.Len())
	}
	c.collectDatabaseMetrics()
	c.collectRunMetrics()
}

func (c *Collector) collectDatabaseMetrics() {
	if c.db == nil {
		return
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	c.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	c.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}

// collectRunMetrics counts persisted run records by outcome.
func (c *Collector) collectRunMetrics() {
	if c.db == nil {
		return
	}

	type outcomeCount struct {
		Outcome string
		Count   int64
	}

	start := time.Now()
	var counts []outcomeCount
	err := c.db.Table("run_records").
		Select("outcome, count(*) as count").
		Where("deleted_at IS NULL").
		Group("outcome").
		Scan(&counts).Error
	c.metrics.RecordDBQuery("count", "run_records", time.Since(start), err)
	if err != nil {
		c.logger.Warn("failed to count run records", zap.Error(err))
		return
	}

	for _, oc := range counts {
		c.metrics.RunsRecorded.WithLabelValues(sanitizeLabel(oc.Outcome, "unknown")).Set(float64(oc.Count))
	}
}
