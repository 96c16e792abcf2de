package metrics

import (
	"context"
	"time"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/types"
)

// QueueStatsSource reports queue occupancy
type QueueStatsSource interface {
	Stats(ctx context.Context) (types.QueueStats, error)
}

// ClusterSource reports device state
type ClusterSource interface {
	GetClusterStatus() types.ClusterStatus
	ListDevices() []types.DeviceSnapshot
}

// Collector periodically samples gauges from the queue manager and distributor
type Collector struct {
	queue    QueueStatsSource
	cluster  ClusterSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(queue QueueStatsSource, cluster ClusterSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		queue:    queue,
		cluster:  cluster,
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

// Collect samples every source once
func (c *Collector) Collect(ctx context.Context) {
	if c.queue != nil {
		c.collectQueueMetrics(ctx)
	}
	if c.cluster != nil {
		c.collectDeviceMetrics()
	}
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	stats, err := c.queue.Stats(ctx)
	ReportError("queue", err)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Error().Err(err).Msg("failed to collect queue stats")
		return
	}

	for _, p := range types.Priorities {
		QueueDepth.WithLabelValues(p.String()).Set(float64(stats.Queued[p]))
	}
	JobsScheduled.Set(float64(stats.Scheduled))
	JobsRunning.Set(float64(stats.Running))
}

func (c *Collector) collectDeviceMetrics() {
	status := c.cluster.GetClusterStatus()

	DevicesTotal.Reset()
	for s, count := range status.DevicesByStatus {
		DevicesTotal.WithLabelValues(string(s)).Set(float64(count))
	}
	ClusterLoadStdDev.Set(status.LoadStdDev)

	DeviceLoad.Reset()
	for _, device := range c.cluster.ListDevices() {
		DeviceLoad.WithLabelValues(device.State.DeviceID).Set(device.State.CurrentLoad)
	}
	UpdateComponent("distributor", true, "")
}
