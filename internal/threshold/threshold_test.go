package threshold

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/outcome"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		metric string
		expr   string
		want   Threshold
	}{
		{
			name:   "percentile",
			metric: "http_req_duration",
			expr:   "p(99)<1500",
			want:   Threshold{Metric: "http_req_duration", Aggregate: "p", Percentile: 99, Operator: "<", Value: 1500, Raw: "p(99)<1500"},
		},
		{
			name:   "fractional percentile with spaces",
			metric: "grpc_req_duration",
			expr:   "p( 99.9 ) <= 2000",
			want:   Threshold{Metric: "grpc_req_duration", Aggregate: "p", Percentile: 99.9, Operator: "<=", Value: 2000, Raw: "p( 99.9 ) <= 2000"},
		},
		{
			name:   "failure rate",
			metric: "http_req_failed",
			expr:   "rate<0.01",
			want:   Threshold{Metric: "http_req_failed", Aggregate: "rate", Operator: "<", Value: 0.01, Raw: "rate<0.01"},
		},
		{
			name:   "counter not equal",
			metric: "dropped_iterations",
			expr:   "count != 3",
			want:   Threshold{Metric: "dropped_iterations", Aggregate: "count", Operator: "!=", Value: 3, Raw: "count != 3"},
		},
		{
			name:   "median",
			metric: "req_duration",
			expr:   "med>=1e2",
			want:   Threshold{Metric: "req_duration", Aggregate: "med", Operator: ">=", Value: 100, Raw: "med>=1e2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.metric, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		metric string
		expr   string
	}{
		{"http_req_duration", ""},
		{"", "avg<1"},
		{"http_req_duration", "p95 < 500"},
		{"http_req_duration", "p(101)<1"},
		{"http_req_duration", "avg => 1"},
		{"http_req_duration", "rate<0.1"},
		{"http_req_failed", "p(99)<1"},
		{"http_reqs", "avg>1"},
		{"http_req_duration", "avg < abc"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.metric, tt.expr)
		assert.Error(t, err, "%s: %s", tt.metric, tt.expr)
	}
}

func TestParseAllOrdersAndCollectsErrors(t *testing.T) {
	got, err := ParseAll(map[string][]string{
		"http_req_failed":   {"rate<0.01"},
		"http_req_duration": {"p(99)<1500", "avg<200"},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "http_req_duration", got[0].Metric)
	assert.Equal(t, "avg<200", got[1].Raw)
	assert.Equal(t, "http_req_failed", got[2].Metric)

	_, err = ParseAll(map[string][]string{"http_req_duration": {"p(99)<1500", "bogus"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds.http_req_duration[1]")

	got, err = ParseAll(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func summaryWithLatency(latency time.Duration, n int) metrics.Summary {
	c := metrics.NewCollector()
	for i := 0; i < n; i++ {
		c.Record(outcome.Outcome{
			Protocol: outcome.ProtocolHTTP,
			Endpoint: "GET /",
			VU:       i,
			Latency:  latency,
			Kind:     outcome.KindOK,
		})
	}
	return c.Summary(time.Second)
}

func TestP99ThresholdVerdict(t *testing.T) {
	thresholds, err := ParseAll(map[string][]string{"http_req_duration": {"p(99)<1500"}})
	require.NoError(t, err)
	eval := NewEvaluator(thresholds)

	pass := eval.Evaluate(summaryWithLatency(100*time.Millisecond, 50))
	assert.True(t, pass.Pass)
	require.Len(t, pass.Results, 1)
	assert.InDelta(t, 100, pass.Results[0].Actual, 0.1)
	assert.Empty(t, pass.Failed())

	fail := eval.Evaluate(summaryWithLatency(2000*time.Millisecond, 50))
	assert.False(t, fail.Pass)
	require.Len(t, fail.Failed(), 1)
	assert.InDelta(t, 2000, fail.Results[0].Actual, 1)
	assert.Contains(t, fail.Results[0].Message, "✗")
}

func TestEvaluateRatesAndCounters(t *testing.T) {
	c := metrics.NewCollector()
	for i := 0; i < 99; i++ {
		c.Record(outcome.Outcome{Protocol: outcome.ProtocolHTTP, Kind: outcome.KindOK, Latency: time.Millisecond})
	}
	c.Record(outcome.Outcome{Protocol: outcome.ProtocolHTTP, Kind: outcome.KindHTTPStatus, StatusCode: 500, Latency: time.Millisecond})
	c.Record(outcome.Dropped("spike", time.Now()))
	summary := c.Summary(10 * time.Second)

	thresholds, err := ParseAll(map[string][]string{
		"http_req_failed":    {"rate<=0.01", "count==1"},
		"http_reqs":          {"count>=100", "rate==10"},
		"dropped_iterations": {"count<1"},
	})
	require.NoError(t, err)
	report := NewEvaluator(thresholds).Evaluate(summary)

	assert.False(t, report.Pass)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "dropped_iterations", failed[0].Metric)
	assert.Len(t, report.Results, 5)
}

func TestEvaluateWithoutSamples(t *testing.T) {
	thresholds, err := ParseAll(map[string][]string{
		"grpc_req_duration":  {"p(95)<500"},
		"checks":             {"rate>0.99"},
		"grpc_reqs":          {"count>0"},
		"dropped_iterations": {"count<1"},
	})
	require.NoError(t, err)
	report := NewEvaluator(thresholds).Evaluate(metrics.NewCollector().Summary(time.Second))

	byMetric := map[string]Result{}
	for _, res := range report.Results {
		byMetric[res.Metric] = res
	}
	require.Len(t, byMetric, 4)

	for _, metric := range []string{"grpc_req_duration", "checks"} {
		res := byMetric[metric]
		assert.True(t, res.Pass, metric)
		assert.Contains(t, res.Message, "✓")
		assert.Contains(t, res.Message, "(no samples)")
	}

	// Counters never incremented are zero, not missing.
	assert.False(t, byMetric["grpc_reqs"].Pass)
	assert.NotContains(t, byMetric["grpc_reqs"].Message, "no samples")
	assert.True(t, byMetric["dropped_iterations"].Pass)
	assert.False(t, report.Pass)
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		actual   float64
		operator string
		expected float64
		want     bool
	}{
		{100, "<", 200, true},
		{200, "<", 200, false},
		{200, "<=", 200, true},
		{0.1 + 0.2, "==", 0.3, true},
		{300, ">", 200, true},
		{200, ">=", 200, true},
		{1, "!=", 2, true},
		{2, "!=", 2, false},
		{1, "=~", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareValues(tt.actual, tt.operator, tt.expected), "%v %s %v", tt.actual, tt.operator, tt.expected)
	}
}
