package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"blockstore/index"
)

const namespace = "blockstore"

// Metrics holds the runtime-recorded instruments an Engine updates as it
// works: durations and throttling delays (spec.md §5, §8 invariant 8).
// Live gauges derived from the engine's current state (dirty-entry counts
// by workflow state, journal free fraction, allocator free blocks) are
// reported separately by Collector, grounded on the teacher's
// metrics.TurnstoneCollector pull-at-scrape pattern rather than pushed
// counters, since those numbers are cheap to recompute and otherwise drift
// out of sync with the dirty index.
type Metrics struct {
	flushDuration  prometheus.Histogram
	syncDuration   prometheus.Histogram
	throttleDelay  prometheus.Histogram
	flushedObjects prometheus.Counter
	walkedParked   prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "flush", Name: "wave_duration_seconds",
			Help: "Duration of one flush wave draining STABLE dirty entries into the clean area.",
			Buckets: prometheus.DefBuckets,
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "duration_seconds",
			Help: "Duration of one SYNC pass, from the first fsync to checkpoint persistence.",
			Buckets: prometheus.DefBuckets,
		}),
		throttleDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "write", Name: "throttle_delay_seconds",
			Help: "Artificial delay applied to a SMALL_WRITE completion by the throttling formula.",
			Buckets: prometheus.DefBuckets,
		}),
		flushedObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "entries_total",
			Help: "Dirty entries moved from STABLE into the clean area.",
		}),
		walkedParked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "write", Name: "parked_retries_total",
			Help: "Parked submissions retried after a flush wave freed space.",
		}),
	}
}

// Collector returns a prometheus.Collector reporting e's live state
// alongside the runtime instruments in e's Metrics, for a caller to
// register with its own registry. The engine itself never starts an HTTP
// server (SPEC_FULL.md §3 non-goal: no metrics publish endpoint here).
func (e *Engine) Collector() prometheus.Collector {
	return &engineCollector{e: e}
}

type engineCollector struct {
	e *Engine

	dirtyByState   *prometheus.Desc
	journalFree    *prometheus.Desc
	allocFree      *prometheus.Desc
	journalUsedPos *prometheus.Desc
}

func (c *engineCollector) descs() {
	if c.dirtyByState != nil {
		return
	}
	c.dirtyByState = prometheus.NewDesc(prometheus.BuildFQName(namespace, "dirty", "entries"),
		"Dirty entries currently in each workflow state.", []string{"state"}, nil)
	c.journalFree = prometheus.NewDesc(prometheus.BuildFQName(namespace, "journal", "free_fraction"),
		"Fraction of the journal ring not currently reserved by a live entry.", nil, nil)
	c.allocFree = prometheus.NewDesc(prometheus.BuildFQName(namespace, "alloc", "free_blocks"),
		"Data blocks not currently allocated to any object.", nil, nil)
	c.journalUsedPos = prometheus.NewDesc(prometheus.BuildFQName(namespace, "journal", "position_bytes"),
		"Journal ring byte offsets.", []string{"pointer"}, nil)
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	c.descs()
	ch <- c.dirtyByState
	ch <- c.journalFree
	ch <- c.allocFree
	ch <- c.journalUsedPos
	c.e.metrics.flushDuration.Describe(ch)
	c.e.metrics.syncDuration.Describe(ch)
	c.e.metrics.throttleDelay.Describe(ch)
	c.e.metrics.flushedObjects.Describe(ch)
	c.e.metrics.walkedParked.Describe(ch)
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	c.descs()
	e := c.e

	counts := map[index.WorkflowState]int{}
	for _, s := range []index.WorkflowState{
		index.WaitDel, index.WaitBig, index.InFlight, index.Submitted,
		index.Written, index.Synced, index.Stable,
	} {
		e.dirty.ForEachState(s, func(*index.DirtyEntry) bool {
			counts[s]++
			return true
		})
	}
	for s, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.dirtyByState, prometheus.GaugeValue, float64(n), s.String())
	}

	ch <- prometheus.MustNewConstMetric(c.journalFree, prometheus.GaugeValue, e.journal.FreeFraction())
	ch <- prometheus.MustNewConstMetric(c.allocFree, prometheus.GaugeValue, float64(e.alloc.FreeBlocks()))
	ch <- prometheus.MustNewConstMetric(c.journalUsedPos, prometheus.GaugeValue, float64(e.journal.UsedStart()), "used_start")
	ch <- prometheus.MustNewConstMetric(c.journalUsedPos, prometheus.GaugeValue, float64(e.journal.NextFree()), "next_free")

	e.metrics.flushDuration.Collect(ch)
	e.metrics.syncDuration.Collect(ch)
	e.metrics.throttleDelay.Collect(ch)
	e.metrics.flushedObjects.Collect(ch)
	e.metrics.walkedParked.Collect(ch)
}
