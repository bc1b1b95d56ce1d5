// Package metrics instruments a merge run for the "thin_merge stats"
// subcommand (spec section 10.6): counters and a latency histogram
// registered against a private prometheus registry, plus an in-process
// sparkline of each emitted range's length over the run. None of this
// feeds back into merge correctness; it is pure observability layered on
// top of a RangeSource via the decorator below.
package metrics

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/guptarohit/asciigraph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/dm-thin/thin-merge-go/internal/merge"
)

// Collector accumulates counters and latencies for one merge run. It is
// safe for concurrent use; the restore pipeline's producer goroutine is
// the only caller in practice, but nothing here assumes that.
type Collector struct {
	reg *prometheus.Registry

	rangesEmitted prometheus.Counter

	mu         sync.Mutex
	latencies  *hdrhistogram.Histogram
	batchSizes []float64 // range lengths, in emission order, for the sparkline
}

// NewCollector registers a fresh set of metrics against a private
// registry, so multiple merges (or repeated test runs) never collide on
// prometheus's global default registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		rangesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thin_merge_ranges_emitted_total",
			Help: "Number of merged ranges the restore pipeline has emitted.",
		}),
		// 1 microsecond to 10 seconds, 3 significant figures — generous
		// enough for the occasional batch that has to wait on IO.
		latencies: hdrhistogram.New(1, 10_000_000, 3),
	}
	reg.MustRegister(c.rangesEmitted)
	return c
}

// Wrap decorates source so every NextRange call is timed and its range's
// length recorded, without the pipeline itself knowing metrics exist.
func (c *Collector) Wrap(source merge.RangeSource) merge.RangeSource {
	return &instrumentedSource{Collector: c, inner: source}
}

func (c *Collector) observe(start time.Time, r *merge.Range) {
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.latencies.RecordValue(elapsed.Microseconds()); err != nil {
		// out-of-range sample; hdrhistogram already clamps internally for
		// most cases, so this only fires on pathological latencies.
		_ = err
	}
	if r != nil {
		c.batchSizes = append(c.batchSizes, float64(r.Len))
	}
	if r != nil {
		c.rangesEmitted.Inc()
	}
}

type instrumentedSource struct {
	*Collector
	inner merge.RangeSource
}

func (s *instrumentedSource) NextRange() (*merge.Range, error) {
	start := time.Now()
	r, err := s.inner.NextRange()
	if err != nil {
		return nil, err
	}
	s.observe(start, r)
	return r, nil
}

// DumpText writes the prometheus counters in text exposition format,
// followed by an hdrhistogram percentile summary and an asciigraph
// sparkline of the range lengths seen, in that order.
func (c *Collector) DumpText(w io.Writer) error {
	families, err := c.reg.Gather()
	if err != nil {
		return errors.Wrap(err, "metrics: gathering prometheus families")
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return errors.Wrap(err, "metrics: encoding prometheus family")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(w, "\nbatch latency (microseconds):\n")
	fmt.Fprintf(w, "  p50=%d p95=%d p99=%d max=%d\n",
		c.latencies.ValueAtQuantile(50),
		c.latencies.ValueAtQuantile(95),
		c.latencies.ValueAtQuantile(99),
		c.latencies.Max(),
	)

	if len(c.batchSizes) > 1 {
		fmt.Fprintf(w, "\nrange lengths over the run:\n")
		graph := asciigraph.Plot(c.batchSizes, asciigraph.Height(10), asciigraph.Width(60))
		fmt.Fprintln(w, graph)
	}

	return nil
}
