package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

const statsSubject = "scheduler.stats"

// ExecutionSource exposes the engine state the collector samples
type ExecutionSource interface {
	RunningCount() int
	Stats(ctx context.Context, window time.Duration) ([]model.ExecutionStat, error)
}

// StatsCollector periodically samples scheduler and host metrics and
// publishes a snapshot for operational visibility. Snapshots are never used
// for control decisions.
type StatsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   ExecutionSource
	interval time.Duration
	window   time.Duration
	stop     chan struct{}
}

// NewStatsCollector creates a stats collector. js may be nil; snapshots are
// then only logged.
func NewStatsCollector(logger *zap.Logger, js nats.JetStreamContext, source ExecutionSource, interval, window time.Duration) *StatsCollector {
	return &StatsCollector{
		logger:   logger.Named("stats-collector"),
		js:       js,
		source:   source,
		interval: interval,
		window:   window,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *StatsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting stats collector",
		zap.Duration("interval", c.interval),
		zap.Duration("window", c.window))
	go c.collectLoop(ctx)
}

// Stop stops the collection loop
func (c *StatsCollector) Stop() {
	close(c.stop)
}

func (c *StatsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *StatsCollector) collect(ctx context.Context) {
	snapshot := model.SchedulerStats{
		RunningExecutions: c.source.RunningCount(),
		CollectedAt:       time.Now(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snapshot.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snapshot.MemoryUsage = vm.UsedPercent
	}

	stats, err := c.source.Stats(ctx, c.window)
	if err != nil {
		c.logger.Error("Failed to collect execution stats", zap.Error(err))
	} else {
		snapshot.Executions = stats
	}

	c.logger.Info("Collected scheduler stats",
		zap.Int("running", snapshot.RunningExecutions),
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage))

	if c.js == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal stats snapshot", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(statsSubject, data); err != nil {
		c.logger.Error("Failed to publish stats snapshot", zap.Error(err))
	}
}
