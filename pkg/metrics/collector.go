package metrics

import "time"

// DepthSource reports the current count of contribution spec rows in each
// state for a database. Implemented by pkg/queue.Queue.
type DepthSource interface {
	CountByState(database string) (available, locked, done int, err error)
}

// Collector periodically samples queue depth and publishes it as gauges.
type Collector struct {
	source   DepthSource
	database string
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector that samples source every interval.
func NewCollector(source DepthSource, database string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		database: database,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	available, locked, done, err := c.source.CountByState(c.database)
	if err != nil {
		return
	}
	QueueDepth.WithLabelValues(c.database, "available").Set(float64(available))
	QueueDepth.WithLabelValues(c.database, "locked").Set(float64(locked))
	QueueDepth.WithLabelValues(c.database, "done").Set(float64(done))
}
