package output

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/outcome"
)

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	collector *metrics.Collector
	activeVUs func() int
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
}

// NewProgressReporter creates a progress reporter that updates at the given
// interval. activeVUs may be nil.
func NewProgressReporter(collector *metrics.Collector, activeVUs func() int, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		activeVUs: activeVUs,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return
	}
	go p.run()
}

// Stop halts progress updates and terminates the line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer)
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, p.line())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line() string {
	elapsed := p.collector.Elapsed()
	s := p.collector.Summary(elapsed)

	var failures int64
	for _, proto := range []outcome.Protocol{outcome.ProtocolHTTP, outcome.ProtocolGRPC, outcome.ProtocolSSE} {
		if r, ok := s.Rate(metrics.FailedMetric(proto)); ok {
			failures += r.Hits
		}
	}
	total := s.Requests()
	rps := 0.0
	if elapsed > 0 {
		rps = float64(total) / elapsed.Seconds()
	}

	line := fmt.Sprintf("\rRequests: %d | Failures: %d | RPS: %.1f", total, failures, rps)
	if p.activeVUs != nil {
		line += fmt.Sprintf(" | VUs: %d", p.activeVUs())
	}
	if ep, ok := topEndpoint(s); ok && total > 0 {
		share := float64(ep.Requests) / float64(total) * 100
		line += fmt.Sprintf(" | Top Endpoint: %s (%.0f%%, P99 %.1fms)", ep.Endpoint, share, ep.P99Ms)
	}
	return line
}

func topEndpoint(s metrics.Summary) (metrics.EndpointStats, bool) {
	if len(s.Endpoints) == 0 {
		return metrics.EndpointStats{}, false
	}
	eps := append([]metrics.EndpointStats(nil), s.Endpoints...)
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Requests > eps[j].Requests })
	return eps[0], true
}
