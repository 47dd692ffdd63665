package metrics

import (
	"context"
	"time"
)

// StatsSource supplies the entity counts the collector polls. The engine
// implements it; an interface here avoids a dependency cycle.
type StatsSource interface {
	TaskCounts(ctx context.Context) (map[string]int, error)
	ReadyCount(ctx context.Context) (int, error)
	RunCounts(ctx context.Context) (map[string]int, error)
	WorkerCounts(ctx context.Context) (map[string]int, error)
	ActiveClaimCount(ctx context.Context) (int, error)
	LearningCount(ctx context.Context) (int, error)
}

// Collector refreshes the gauge metrics from a StatsSource on a fixed
// interval
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once. Failures leave the previous values
// in place.
func (c *Collector) Collect(ctx context.Context) {
	if counts, err := c.source.TaskCounts(ctx); err == nil {
		for status, n := range counts {
			TasksTotal.WithLabelValues(status).Set(float64(n))
		}
	}

	if n, err := c.source.ReadyCount(ctx); err == nil {
		TasksReady.Set(float64(n))
	}

	if counts, err := c.source.RunCounts(ctx); err == nil {
		for status, n := range counts {
			RunsTotal.WithLabelValues(status).Set(float64(n))
		}
	}

	if counts, err := c.source.WorkerCounts(ctx); err == nil {
		for status, n := range counts {
			WorkersTotal.WithLabelValues(status).Set(float64(n))
		}
	}

	if n, err := c.source.ActiveClaimCount(ctx); err == nil {
		ClaimsActive.Set(float64(n))
	}

	if n, err := c.source.LearningCount(ctx); err == nil {
		LearningsTotal.Set(float64(n))
	}
}
