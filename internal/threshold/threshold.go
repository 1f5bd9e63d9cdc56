package threshold

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/configcat/proxyload/internal/metrics"
)

// Threshold represents a performance assertion that can pass or fail.
type Threshold struct {
	Metric     string  // e.g., "http_req_duration", "http_req_failed"
	Aggregate  string  // "p", "avg", "min", "max", "med", "count", "rate"
	Percentile float64 // N of p(N)
	Operator   string  // "<", "<=", ">", ">=", "==", "!="
	Value      float64 // The threshold value to compare against
	Raw        string  // Original expression for display
}

// String renders the threshold as metric{expression}.
func (t Threshold) String() string {
	return fmt.Sprintf("%s: %s", t.Metric, t.Raw)
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold `json:"-" yaml:"-"`
	Metric    string    `json:"metric" yaml:"metric"`
	Expr      string    `json:"expr" yaml:"expr"`
	Actual    float64   `json:"actual" yaml:"actual"`
	Pass      bool      `json:"pass" yaml:"pass"`
	Message   string    `json:"message" yaml:"message"`
}

// Report is the end-of-run verdict.
type Report struct {
	Results []Result `json:"results" yaml:"results"`
	Pass    bool     `json:"pass" yaml:"pass"`
}

// Failed returns the results that did not pass.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Pass {
			out = append(out, res)
		}
	}
	return out
}

// Evaluator evaluates thresholds against collected metrics.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds against the summary. The report passes only
// when every threshold passes.
func (e *Evaluator) Evaluate(summary metrics.Summary) Report {
	report := Report{Pass: true}
	for _, t := range e.thresholds {
		res := evaluateOne(t, summary)
		if !res.Pass {
			report.Pass = false
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func evaluateOne(t Threshold, summary metrics.Summary) Result {
	actual, sampled := extractMetricValue(t, summary)
	pass := !sampled || compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}

	message := fmt.Sprintf("%s %s %s: %s", status, t.Metric, t.Raw, formatValue(t, actual))
	if !sampled {
		message += " (no samples)"
	}
	return Result{
		Threshold: t,
		Metric:    t.Metric,
		Expr:      t.Raw,
		Actual:    actual,
		Pass:      pass,
		Message:   message,
	}
}

func formatValue(t Threshold, v float64) string {
	if metricKind(t.Metric) == kindTrend && t.Aggregate != "count" {
		return fmt.Sprintf("%.2fms", v)
	}
	if t.Aggregate == "count" {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return fmt.Sprintf("%.4f", v)
}

var exprPattern = regexp.MustCompile(`^(p\(\s*([0-9]+(?:\.[0-9]+)?)\s*\)|avg|min|max|med|count|rate)\s*(<=|>=|==|!=|<|>)\s*(-?[0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?)$`)

// Parse parses an expression bound to metric. Supported aggregates:
//   - trends (*_duration): p(N), avg, min, max, med, count; latencies in ms
//   - rates (*_req_failed, checks): rate, count
//   - counters (*_reqs, iterations, dropped_iterations, ...): count, rate (per second)
func Parse(metric, expr string) (Threshold, error) {
	metric = strings.TrimSpace(metric)
	expr = strings.TrimSpace(expr)
	if metric == "" {
		return Threshold{}, fmt.Errorf("empty metric name")
	}
	if expr == "" {
		return Threshold{}, fmt.Errorf("empty threshold expression")
	}

	matches := exprPattern.FindStringSubmatch(expr)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected aggregate operator value, e.g. 'p(95)<500')", expr)
	}

	aggregate := matches[1]
	var pct float64
	if matches[2] != "" {
		aggregate = "p"
		v, err := strconv.ParseFloat(matches[2], 64)
		if err != nil || v < 0 || v > 100 {
			return Threshold{}, fmt.Errorf("invalid percentile in %q: must be within 0..100", expr)
		}
		pct = v
	}

	value, err := strconv.ParseFloat(matches[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", matches[4], err)
	}

	if !supportsAggregate(metricKind(metric), aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s metric %q", aggregate, metricKind(metric), metric)
	}

	return Threshold{
		Metric:     metric,
		Aggregate:  aggregate,
		Percentile: pct,
		Operator:   matches[3],
		Value:      value,
		Raw:        expr,
	}, nil
}

// ParseAll parses a metric -> expressions map. Thresholds are ordered by
// metric name, then by position.
func ParseAll(thresholds map[string][]string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(thresholds))
	for name := range thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		result []Threshold
		errs   []string
	)
	for _, name := range names {
		for i, expr := range thresholds[name] {
			t, err := Parse(name, expr)
			if err != nil {
				errs = append(errs, fmt.Sprintf("thresholds.%s[%d]: %v", name, i, err))
				continue
			}
			result = append(result, t)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}
	return result, nil
}

type kind string

const (
	kindTrend   kind = "trend"
	kindRate    kind = "rate"
	kindCounter kind = "counter"
)

func metricKind(metric string) kind {
	switch {
	case strings.HasSuffix(metric, "_duration"):
		return kindTrend
	case strings.HasSuffix(metric, "_failed"), metric == metrics.MetricChecks:
		return kindRate
	default:
		return kindCounter
	}
}

func supportsAggregate(k kind, aggregate string) bool {
	switch k {
	case kindTrend:
		switch aggregate {
		case "p", "avg", "min", "max", "med", "count":
			return true
		}
	case kindRate, kindCounter:
		return aggregate == "rate" || aggregate == "count"
	}
	return false
}

// extractMetricValue resolves the aggregate. A trend or rate without samples
// has no value: it resolves to zero with sampled=false and its threshold
// passes. A counter nothing was added to is a real zero.
func extractMetricValue(t Threshold, summary metrics.Summary) (float64, bool) {
	switch metricKind(t.Metric) {
	case kindTrend:
		ts, ok := summary.Trend(t.Metric)
		if !ok || ts.Count == 0 {
			return 0, false
		}
		switch t.Aggregate {
		case "p":
			d, _ := summary.Percentile(t.Metric, t.Percentile)
			return ms(d), true
		case "avg":
			return ts.AvgMs, true
		case "min":
			return ts.MinMs, true
		case "max":
			return ts.MaxMs, true
		case "med":
			return ts.MedMs, true
		case "count":
			return float64(ts.Count), true
		}
	case kindRate:
		rs, ok := summary.Rate(t.Metric)
		if !ok || rs.Total == 0 {
			return 0, false
		}
		if t.Aggregate == "count" {
			return float64(rs.Hits), true
		}
		return rs.Rate, true
	case kindCounter:
		cs, ok := summary.Counter(t.Metric)
		if !ok {
			return 0, true
		}
		if t.Aggregate == "rate" {
			return cs.Rate, true
		}
		return float64(cs.Count), true
	}
	return 0, false
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	case "!=":
		return math.Abs(actual-expected) >= epsilon
	default:
		return false
	}
}
