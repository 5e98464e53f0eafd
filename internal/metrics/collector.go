// Package metrics aggregates the experiment's measurement state: the
// end-to-end and LB-overhead latency histograms, per-worker histograms,
// deadline-miss counters and the on-disk export formats, plus a Prometheus
// mirror for live scraping.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Ricardo3319/Microsec/internal/hist"
	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Collector owns the histograms and counters for one node. Counters use
// relaxed atomics; each histogram has a single writer, so recording is
// serialised by giving every recording path its own histogram or by
// confining records to one goroutine (the LB and client record only from
// their I/O threads; workers record from the compute pool under mu).
type Collector struct {
	mu sync.Mutex

	e2e        *hist.Histogram
	lbOverhead *hist.Histogram
	queueTime  *hist.Histogram
	perWorker  [types.MaxWorkers]*hist.Histogram

	totalRequests  atomic.Uint64
	deadlineMisses atomic.Uint64
	orphans        atomic.Uint64

	// prom, when set, mirrors every record onto the node's Prometheus
	// metrics. Installed once at startup, before traffic.
	prom *Prom
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	c := &Collector{
		e2e:        hist.New(),
		lbOverhead: hist.New(),
		queueTime:  hist.New(),
	}
	for i := range c.perWorker {
		c.perWorker[i] = hist.New()
	}
	return c
}

// SetProm installs the Prometheus mirror. Call before the node starts
// taking traffic; the record paths read the field unsynchronised.
func (c *Collector) SetProm(p *Prom) {
	c.prom = p
}

// RecordTrace records one completed request from its full timestamp chain.
func (c *Collector) RecordTrace(tr *types.Trace) {
	c.mu.Lock()
	c.e2e.Record(int64(tr.E2ELatency()))
	c.lbOverhead.Record(int64(tr.LBOverhead()))
	if tr.QueueTime > 0 {
		c.queueTime.Record(int64(tr.QueueTime))
	}
	if int(tr.WorkerID) < types.MaxWorkers {
		c.perWorker[tr.WorkerID].Record(int64(tr.E2ELatency()))
	}
	c.mu.Unlock()

	c.totalRequests.Add(1)
	missed := tr.DeadlineMissed()
	if missed {
		c.deadlineMisses.Add(1)
	}
	if c.prom != nil {
		c.prom.RequestsTotal.Inc()
		c.prom.LatencySeconds.Observe(float64(tr.E2ELatency()) / 1e9)
		if missed {
			c.prom.DeadlineMisses.Inc()
		}
	}
}

// RecordLatency records one end-to-end latency without a full trace.
func (c *Collector) RecordLatency(latencyNS int64) {
	c.mu.Lock()
	c.e2e.Record(latencyNS)
	c.mu.Unlock()
	c.totalRequests.Add(1)
	if c.prom != nil {
		c.prom.RequestsTotal.Inc()
		c.prom.LatencySeconds.Observe(float64(latencyNS) / 1e9)
	}
}

// RecordDeadlineMiss counts one missed deadline.
func (c *Collector) RecordDeadlineMiss() {
	c.deadlineMisses.Add(1)
	if c.prom != nil {
		c.prom.DeadlineMisses.Inc()
	}
}

// RecordOrphan counts a response with no matching pending record.
func (c *Collector) RecordOrphan() {
	c.orphans.Add(1)
	if c.prom != nil {
		c.prom.Orphans.Inc()
	}
}

// TotalRequests returns the number of recorded completions.
func (c *Collector) TotalRequests() uint64 { return c.totalRequests.Load() }

// DeadlineMisses returns the number of recorded misses.
func (c *Collector) DeadlineMisses() uint64 { return c.deadlineMisses.Load() }

// Orphans returns the number of orphaned responses seen.
func (c *Collector) Orphans() uint64 { return c.orphans.Load() }

// DeadlineMissRate is misses over max(total, 1).
func (c *Collector) DeadlineMissRate() float64 {
	total := c.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(c.deadlineMisses.Load()) / float64(total)
}

// QueueTimePercentile queries the worker queue-time histogram.
func (c *Collector) QueueTimePercentile(p float64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueTime.Percentile(p)
}

// Percentile queries the end-to-end histogram.
func (c *Collector) Percentile(p float64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.e2e.Percentile(p)
}

// Reset clears all histograms and counters. Called at the warm-up boundary
// so steady-state numbers are not polluted by start-up transients.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.e2e.Reset()
	c.lbOverhead.Reset()
	c.queueTime.Reset()
	for i := range c.perWorker {
		c.perWorker[i].Reset()
	}
	c.mu.Unlock()
	c.totalRequests.Store(0)
	c.deadlineMisses.Store(0)
	c.orphans.Store(0)
}

// Summary is a point-in-time digest of the collector.
type Summary struct {
	TotalRequests    uint64
	DeadlineMisses   uint64
	DeadlineMissRate float64
	P50US            float64
	P99US            float64
	P999US           float64
	P9999US          float64
}

// Snapshot builds a Summary.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		TotalRequests:    c.totalRequests.Load(),
		DeadlineMisses:   c.deadlineMisses.Load(),
		DeadlineMissRate: c.DeadlineMissRate(),
		P50US:            float64(c.e2e.Percentile(50)) / 1000.0,
		P99US:            float64(c.e2e.Percentile(99)) / 1000.0,
		P999US:           float64(c.e2e.Percentile(99.9)) / 1000.0,
		P9999US:          float64(c.e2e.Percentile(99.99)) / 1000.0,
	}
}

// ExportAll writes the standard output set under dir: histogram text
// dumps, the 10 001-row CDF tables, per-worker CDFs and summary.txt.
func (c *Collector) ExportAll(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("metrics: create output dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := exportHist(c.e2e, "E2E Latency", filepath.Join(dir, "e2e_latency.hdr")); err != nil {
		return err
	}
	if err := exportCDF(c.e2e, filepath.Join(dir, "e2e_latency_cdf.csv")); err != nil {
		return err
	}
	if err := exportHist(c.lbOverhead, "LB Overhead", filepath.Join(dir, "lb_overhead.hdr")); err != nil {
		return err
	}
	if c.queueTime.Count() > 0 {
		if err := exportHist(c.queueTime, "Worker Queue Time", filepath.Join(dir, "queue_time.hdr")); err != nil {
			return err
		}
	}
	for i, h := range c.perWorker {
		if h.Count() == 0 {
			continue
		}
		name := filepath.Join(dir, fmt.Sprintf("worker_%d_latency_cdf.csv", i))
		if err := exportCDF(h, name); err != nil {
			return err
		}
	}

	f, err := os.Create(filepath.Join(dir, "summary.txt"))
	if err != nil {
		return fmt.Errorf("metrics: create summary: %w", err)
	}
	defer f.Close()
	total := c.totalRequests.Load()
	misses := c.deadlineMisses.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(misses) / float64(total)
	}
	fmt.Fprintf(f, "Total Requests: %d\n", total)
	fmt.Fprintf(f, "Deadline Misses: %d\n", misses)
	fmt.Fprintf(f, "Deadline Miss Rate: %g%%\n", rate*100)
	fmt.Fprintf(f, "P50 Latency (us): %g\n", float64(c.e2e.Percentile(50))/1000.0)
	fmt.Fprintf(f, "P99 Latency (us): %g\n", float64(c.e2e.Percentile(99))/1000.0)
	fmt.Fprintf(f, "P99.9 Latency (us): %g\n", float64(c.e2e.Percentile(99.9))/1000.0)
	fmt.Fprintf(f, "P99.99 Latency (us): %g\n", float64(c.e2e.Percentile(99.99))/1000.0)
	return nil
}

// ExportNamedHist writes one extra histogram (e.g. the LB's scheduling
// latency) as a text dump under dir.
func ExportNamedHist(h *hist.Histogram, name, path string) error {
	return exportHist(h, name, path)
}

func exportHist(h *hist.Histogram, name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: create %s: %w", path, err)
	}
	defer f.Close()
	return h.ExportTextSummary(name, f)
}

func exportCDF(h *hist.Histogram, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: create %s: %w", path, err)
	}
	defer f.Close()
	return h.ExportCSVCDF(f)
}
