package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/configcat/proxyload/internal/outcome"
)

const numShards = 32

// Sink observes outcomes as they are recorded, e.g. to expose live metrics.
type Sink interface {
	Observe(o outcome.Outcome)
}

// Collector aggregates outcomes in a thread-safe manner. Record is the only
// mutation; each VU writes to its own shard and shards are merged on read.
type Collector struct {
	shards  [numShards]*shard
	sinks   []Sink
	ceiling int64

	mu    sync.Mutex
	start time.Time
}

type shard struct {
	mu     sync.Mutex
	bucket *bucket
}

type endpointKey struct {
	protocol outcome.Protocol
	endpoint string
}

type bucket struct {
	ceiling   int64 // highest trackable latency in µs
	trends    map[string]*trend
	counters  map[string]int64
	rates     map[string]*rate
	endpoints map[endpointKey]*endpointBucket
	errors    map[outcome.Kind]int64
	errTypes  map[string]int64
	statuses  map[statusKey]int64
}

type endpointBucket struct {
	trend    *trend
	failures int64
}

type rate struct {
	hits  int64
	total int64
}

func newBucket(ceiling int64) *bucket {
	return &bucket{
		ceiling:   ceiling,
		trends:    make(map[string]*trend),
		counters:  make(map[string]int64),
		rates:     make(map[string]*rate),
		endpoints: make(map[endpointKey]*endpointBucket),
		errors:    make(map[outcome.Kind]int64),
		errTypes:  make(map[string]int64),
		statuses:  make(map[statusKey]int64),
	}
}

// DefaultLatencyCeiling is the highest latency a trend tracks exactly unless the
// collector is sized for a longer run.
const DefaultLatencyCeiling = time.Minute

// trend tracks a latency distribution from 1µs up to a ceiling with 3
// significant figures. Larger samples are recorded at the ceiling; min, max
// and avg stay exact.
type trend struct {
	hist  *hdrhistogram.Histogram
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func newTrend(ceiling int64) *trend {
	return &trend{hist: hdrhistogram.New(1, ceiling, 3)}
}

func (t *trend) add(latency time.Duration) {
	us := latency.Microseconds()
	if us < t.hist.LowestTrackableValue() {
		us = t.hist.LowestTrackableValue()
	}
	if us > t.hist.HighestTrackableValue() {
		us = t.hist.HighestTrackableValue()
	}
	_ = t.hist.RecordValue(us)
	if t.count == 0 || latency < t.min {
		t.min = latency
	}
	if latency > t.max {
		t.max = latency
	}
	t.count++
	t.sum += latency
}

func (t *trend) merge(o *trend) {
	if o.count == 0 {
		return
	}
	t.hist.Merge(o.hist)
	if t.count == 0 || o.min < t.min {
		t.min = o.min
	}
	if o.max > t.max {
		t.max = o.max
	}
	t.count += o.count
	t.sum += o.sum
}

func (t *trend) quantile(p float64) time.Duration {
	if t.count == 0 {
		return 0
	}
	if p <= 0 {
		return t.min
	}
	if p >= 100 {
		return t.max
	}
	v := time.Duration(t.hist.ValueAtQuantile(p)) * time.Microsecond
	// hdr values are bucket edges; keep them inside the observed range.
	if v < t.min {
		v = t.min
	}
	if v > t.max {
		v = t.max
	}
	return v
}

// NewCollector returns a collector with the default latency ceiling.
func NewCollector(sinks ...Sink) *Collector {
	return NewRunCollector(0, sinks...)
}

// NewRunCollector sizes the latency trends for a run of the given length, so
// a stream held open for the whole run is still tracked exactly. Runs shorter
// than DefaultLatencyCeiling use the default.
func NewRunCollector(runLength time.Duration, sinks ...Sink) *Collector {
	ceiling := max(runLength, DefaultLatencyCeiling).Microseconds()
	c := &Collector{sinks: sinks, start: time.Now(), ceiling: ceiling}
	for i := range c.shards {
		c.shards[i] = &shard{bucket: newBucket(ceiling)}
	}
	return c
}

// Start marks the start of the measured run.
func (c *Collector) Start() {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()
}

// Elapsed returns the time since Start.
func (c *Collector) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.start)
}

// Record aggregates one outcome.
func (c *Collector) Record(o outcome.Outcome) {
	s := c.shards[shardIndex(o.VU)]
	s.mu.Lock()
	s.bucket.record(o)
	s.mu.Unlock()

	for _, sink := range c.sinks {
		sink.Observe(o)
	}
}

func shardIndex(vu int) int {
	if vu < 0 {
		vu = -vu
	}
	return vu % numShards
}

func (b *bucket) record(o outcome.Outcome) {
	if o.Protocol == outcome.ProtocolIteration {
		switch o.Kind {
		case outcome.KindDropped:
			b.counters[MetricDropped]++
		case outcome.KindCancelled:
			b.counters[MetricInterrupted]++
		default:
			b.counters[MetricIterations]++
			b.trend(MetricIterationDuration).add(o.Latency)
		}
		return
	}

	if o.Kind == outcome.KindCancelled {
		b.counters[MetricCancelled]++
		b.errors[outcome.KindCancelled]++
		return
	}

	b.counters[ReqsMetric(o.Protocol)]++
	b.trend(DurationMetric(o.Protocol)).add(o.Latency)
	b.trend(MetricReqDuration).add(o.Latency)

	failed := b.rate(FailedMetric(o.Protocol))
	failed.total++

	key := endpointKey{protocol: o.Protocol, endpoint: o.Endpoint}
	ep, ok := b.endpoints[key]
	if !ok {
		ep = &endpointBucket{trend: newTrend(b.ceiling)}
		b.endpoints[key] = ep
	}
	ep.trend.add(o.Latency)

	if o.Failed() {
		failed.hits++
		ep.failures++
		b.errors[o.Kind]++
		b.errTypes[errorType(o.Err)]++
		b.statuses[statusKeyOf(o)]++
	}

	if o.Protocol == outcome.ProtocolSSE {
		b.counters[MetricSSEEvents] += int64(o.Events)
	}
	if n := o.ChecksPassed + o.ChecksFailed; n > 0 {
		checks := b.rate(MetricChecks)
		checks.hits += int64(o.ChecksPassed)
		checks.total += int64(n)
	}
}

func (b *bucket) trend(name string) *trend {
	t, ok := b.trends[name]
	if !ok {
		t = newTrend(b.ceiling)
		b.trends[name] = t
	}
	return t
}

func (b *bucket) rate(name string) *rate {
	r, ok := b.rates[name]
	if !ok {
		r = &rate{}
		b.rates[name] = r
	}
	return r
}

// merged folds every shard into a fresh bucket.
func (c *Collector) merged() *bucket {
	out := newBucket(c.ceiling)
	for _, s := range c.shards {
		s.mu.Lock()
		b := s.bucket
		for name, t := range b.trends {
			out.trend(name).merge(t)
		}
		for name, n := range b.counters {
			out.counters[name] += n
		}
		for name, r := range b.rates {
			dst := out.rate(name)
			dst.hits += r.hits
			dst.total += r.total
		}
		for key, ep := range b.endpoints {
			dst, ok := out.endpoints[key]
			if !ok {
				dst = &endpointBucket{trend: newTrend(out.ceiling)}
				out.endpoints[key] = dst
			}
			dst.trend.merge(ep.trend)
			dst.failures += ep.failures
		}
		for kind, n := range b.errors {
			out.errors[kind] += n
		}
		for name, n := range b.errTypes {
			out.errTypes[name] += n
		}
		for key, n := range b.statuses {
			out.statuses[key] += n
		}
		s.mu.Unlock()
	}
	return out
}

// Summary computes aggregated statistics over everything recorded so far.
func (c *Collector) Summary(elapsed time.Duration) Summary {
	b := c.merged()
	sum := Summary{
		Duration:   elapsed,
		DurationMs: toMs(elapsed),
		Trends:     make(map[string]TrendStats, len(b.trends)),
		Counters:   make(map[string]CounterStats, len(b.counters)),
		Rates:      make(map[string]RateStats, len(b.rates)),
		trends:     b.trends,
	}
	for name, t := range b.trends {
		sum.Trends[name] = newTrendStats(t)
	}
	for name, n := range b.counters {
		cs := CounterStats{Count: n}
		if elapsed > 0 {
			cs.Rate = float64(n) / elapsed.Seconds()
		}
		sum.Counters[name] = cs
	}
	for name, r := range b.rates {
		rs := RateStats{Hits: r.hits, Total: r.total}
		if r.total > 0 {
			rs.Rate = float64(r.hits) / float64(r.total)
		}
		sum.Rates[name] = rs
	}
	for key, ep := range b.endpoints {
		sum.Endpoints = append(sum.Endpoints, EndpointStats{
			Protocol:   string(key.protocol),
			Endpoint:   key.endpoint,
			Requests:   ep.trend.count,
			Failures:   ep.failures,
			TrendStats: newTrendStats(ep.trend),
		})
	}
	sort.Slice(sum.Endpoints, func(i, j int) bool {
		if sum.Endpoints[i].Protocol == sum.Endpoints[j].Protocol {
			return sum.Endpoints[i].Endpoint < sum.Endpoints[j].Endpoint
		}
		return sum.Endpoints[i].Protocol < sum.Endpoints[j].Protocol
	})
	if len(b.errors) > 0 {
		sum.Errors = make(map[string]int64, len(b.errors))
		for kind, n := range b.errors {
			sum.Errors[string(kind)] = n
		}
	}
	if len(b.errTypes) > 0 {
		sum.ErrorTypes = b.errTypes
	}
	sum.StatusCodes = statusBuckets(b.statuses)
	return sum
}
