package metrics

import (
	"sync"
	"time"
)

// StatsSource provides point-in-time mesh statistics for gauge collection.
type StatsSource interface {
	KnownDeviceCount() int
	ConnectedPeerCount() int
	InboundClientCount() int
	PendingRequestCount() int
}

// Collector updates mesh gauges periodically from a stats source.
type Collector struct {
	metrics *Metrics
	source  StatsSource
	ticker  *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics, source StatsSource) *Collector {
	return &Collector{
		metrics: metrics,
		source:  source,
	}
}

// Start starts the metrics collector.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(15 * time.Second)

	go c.collectLoop()
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

// collectLoop periodically collects gauges.
func (c *Collector) collectLoop() {
	c.collect()

	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			c.collect()
		}
	}
}

// collect updates every gauge from the source.
func (c *Collector) collect() {
	c.metrics.KnownDevices.Set(float64(c.source.KnownDeviceCount()))
	c.metrics.ConnectedPeers.Set(float64(c.source.ConnectedPeerCount()))
	c.metrics.InboundClients.Set(float64(c.source.InboundClientCount()))
	c.metrics.RequestsInFlight.Set(float64(c.source.PendingRequestCount()))
}
