package metrics

import (
	"time"

	"github.com/ravend/raven/pkg/manager"
)

// Collector periodically samples *manager.Manager's live state into the
// gauges registered in metrics.go. Counters (activations, failures,
// restarts) are not sampled here; they are incremented directly where
// the event occurs (pkg/manager's sink and job-engine callbacks), since
// a polling loop cannot recover a count of events that happened between
// polls.
type Collector struct {
	manager *manager.Manager
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(mgr *manager.Manager) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
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
	c.collectUnitMetrics()
	c.collectJobMetrics()
	c.collectSupervisorMetrics()
}

func (c *Collector) collectUnitMetrics() {
	UnitsLoadedTotal.Set(float64(c.manager.LoadedUnitCount()))

	for state, count := range c.manager.UnitCounts() {
		UnitsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectJobMetrics() {
	JobQueueDepth.Set(float64(c.manager.JobQueueDepth()))
}

func (c *Collector) collectSupervisorMetrics() {
	SupervisedProcesses.Set(float64(c.manager.SupervisedProcessCount()))
}
