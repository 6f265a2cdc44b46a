package metrics

import "time"

// ActiveCounter is satisfied by the scheduler: it reports how many
// live (non-terminal) transactions currently exist, grouped by type.
type ActiveCounter interface {
	ActiveCountsByType() map[string]int
}

// Collector periodically refreshes the gauges that aren't naturally
// updated inline by the scheduler's own event path; ActiveTransactions
// only needs a snapshot, not per-mutation accounting.
type Collector struct {
	source ActiveCounter
	stopCh chan struct{}
}

// NewCollector creates a metrics collector reading from source.
func NewCollector(source ActiveCounter) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	counts := c.source.ActiveCountsByType()
	for txnType, count := range counts {
		ActiveTransactions.WithLabelValues(txnType).Set(float64(count))
	}
}
