package metrics

import "time"

// Summary is a point-in-time aggregate of a Collector.
type Summary struct {
	Duration   time.Duration `json:"-" yaml:"-"`
	DurationMs float64       `json:"duration_ms" yaml:"duration_ms"`

	Trends      map[string]TrendStats   `json:"trends" yaml:"trends"`
	Counters    map[string]CounterStats `json:"counters" yaml:"counters"`
	Rates       map[string]RateStats    `json:"rates" yaml:"rates"`
	Endpoints   []EndpointStats         `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Errors      map[string]int64        `json:"errors,omitempty" yaml:"errors,omitempty"`
	ErrorTypes  map[string]int64        `json:"error_types,omitempty" yaml:"error_types,omitempty"`
	StatusCodes []StatusBucket          `json:"status_codes,omitempty" yaml:"status_codes,omitempty"`

	trends map[string]*trend
}

// TrendStats summarizes a latency distribution.
type TrendStats struct {
	Count int64         `json:"count" yaml:"count"`
	Min   time.Duration `json:"-" yaml:"-"`
	Max   time.Duration `json:"-" yaml:"-"`
	Avg   time.Duration `json:"-" yaml:"-"`
	Med   time.Duration `json:"-" yaml:"-"`
	P90   time.Duration `json:"-" yaml:"-"`
	P95   time.Duration `json:"-" yaml:"-"`
	P99   time.Duration `json:"-" yaml:"-"`

	// JSON-friendly millisecond fields.
	MinMs float64 `json:"min_ms" yaml:"min_ms"`
	MaxMs float64 `json:"max_ms" yaml:"max_ms"`
	AvgMs float64 `json:"avg_ms" yaml:"avg_ms"`
	MedMs float64 `json:"med_ms" yaml:"med_ms"`
	P90Ms float64 `json:"p90_ms" yaml:"p90_ms"`
	P95Ms float64 `json:"p95_ms" yaml:"p95_ms"`
	P99Ms float64 `json:"p99_ms" yaml:"p99_ms"`
}

// CounterStats is a monotonic count and its average per-second rate.
type CounterStats struct {
	Count int64   `json:"count" yaml:"count"`
	Rate  float64 `json:"rate" yaml:"rate"`
}

// RateStats is the share of hits among all samples, e.g. failed requests or
// passed checks.
type RateStats struct {
	Hits  int64   `json:"hits" yaml:"hits"`
	Total int64   `json:"total" yaml:"total"`
	Rate  float64 `json:"rate" yaml:"rate"`
}

// EndpointStats breaks a protocol's requests down by endpoint.
type EndpointStats struct {
	Protocol string `json:"protocol" yaml:"protocol"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Requests int64  `json:"requests" yaml:"requests"`
	Failures int64  `json:"failures" yaml:"failures"`
	TrendStats `json:",inline" yaml:",inline"`
}

func newTrendStats(t *trend) TrendStats {
	ts := TrendStats{
		Count: t.count,
		Min:   t.min,
		Max:   t.max,
		Med:   t.quantile(50),
		P90:   t.quantile(90),
		P95:   t.quantile(95),
		P99:   t.quantile(99),
	}
	if t.count > 0 {
		ts.Avg = time.Duration(int64(t.sum) / t.count)
	}
	ts.MinMs = toMs(ts.Min)
	ts.MaxMs = toMs(ts.Max)
	ts.AvgMs = toMs(ts.Avg)
	ts.MedMs = toMs(ts.Med)
	ts.P90Ms = toMs(ts.P90)
	ts.P95Ms = toMs(ts.P95)
	ts.P99Ms = toMs(ts.P99)
	return ts
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Percentile returns the p-th percentile (0-100) of a trend metric. The
// result is non-decreasing in p. ok is false when the metric has no samples.
func (s Summary) Percentile(metric string, p float64) (time.Duration, bool) {
	t, ok := s.trends[metric]
	if !ok || t.count == 0 {
		return 0, false
	}
	return t.quantile(p), true
}

// Trend returns the stats of a trend metric.
func (s Summary) Trend(metric string) (TrendStats, bool) {
	ts, ok := s.Trends[metric]
	return ts, ok
}

// Counter returns the stats of a counter metric.
func (s Summary) Counter(metric string) (CounterStats, bool) {
	cs, ok := s.Counters[metric]
	return cs, ok
}

// Rate returns the stats of a rate metric.
func (s Summary) Rate(metric string) (RateStats, bool) {
	rs, ok := s.Rates[metric]
	return rs, ok
}

// Requests is the total number of completed requests over all protocols.
func (s Summary) Requests() int64 {
	if ts, ok := s.Trends[MetricReqDuration]; ok {
		return ts.Count
	}
	return 0
}
