package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/runner"
	"github.com/configcat/proxyload/internal/threshold"
)

// Report is everything printed or exported at the end of a run.
type Report struct {
	RunID      string           `json:"run_id" yaml:"run_id"`
	Source     string           `json:"source,omitempty" yaml:"source,omitempty"`
	StartedAt  time.Time        `json:"started_at" yaml:"started_at"`
	Scenarios  []ScenarioResult `json:"scenarios" yaml:"scenarios"`
	Metrics    metrics.Summary  `json:"metrics" yaml:"metrics"`
	Thresholds threshold.Report `json:"thresholds" yaml:"thresholds"`
}

// ScenarioResult is the scheduler's view of one scenario.
type ScenarioResult struct {
	Name        string  `json:"name" yaml:"name"`
	Iterations  int64   `json:"iterations" yaml:"iterations"`
	Interrupted int64   `json:"interrupted" yaml:"interrupted"`
	Dropped     int64   `json:"dropped" yaml:"dropped"`
	Cancelled   int64   `json:"cancelled" yaml:"cancelled"`
	DurationMs  float64 `json:"duration_ms" yaml:"duration_ms"`
}

// NewRunID returns a lexically sortable identifier for a run started at t.
func NewRunID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// NewReport assembles a report. An empty runID is generated from startedAt.
func NewReport(runID, source string, startedAt time.Time, results []runner.Result, summary metrics.Summary, thresholds threshold.Report) Report {
	if runID == "" {
		runID = NewRunID(startedAt)
	}
	r := Report{
		RunID:      runID,
		Source:     source,
		StartedAt:  startedAt.UTC(),
		Metrics:    summary,
		Thresholds: thresholds,
	}
	for _, res := range results {
		r.Scenarios = append(r.Scenarios, ScenarioResult{
			Name:        res.Scenario,
			Iterations:  res.Iterations,
			Interrupted: res.Interrupted,
			Dropped:     res.Dropped,
			Cancelled:   res.Cancelled,
			DurationMs:  float64(res.Duration) / float64(time.Millisecond),
		})
	}
	return r
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, r Report) {
	s := r.Metrics
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	fmt.Fprintf(w, "Run:               %s\n", r.RunID)
	if r.Source != "" {
		fmt.Fprintf(w, "Scenario file:     %s\n", r.Source)
	}
	fmt.Fprintf(w, "Duration:          %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Total Requests:    %d\n", s.Requests())

	if len(r.Scenarios) > 0 {
		fmt.Fprintln(w, "\nScenarios:")
		for _, sc := range r.Scenarios {
			fmt.Fprintf(w, "  - %s: iterations=%d, interrupted=%d, dropped=%d, cancelled=%d, duration=%s\n",
				sc.Name, sc.Iterations, sc.Interrupted, sc.Dropped, sc.Cancelled,
				time.Duration(sc.DurationMs*float64(time.Millisecond)).Round(time.Millisecond))
		}
	}

	fmt.Fprintln(w, "\nMetrics:")
	for _, name := range metricNames(s) {
		fmt.Fprintf(w, "  %s %s\n", dotted(name, 28), formatMetric(s, name))
	}

	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors by kind:")
		writeCounts(w, s.Errors, "  ")
	}
	if len(s.ErrorTypes) > 0 {
		fmt.Fprintln(w, "\nError types:")
		writeCounts(w, s.ErrorTypes, "  ")
	}
	if len(s.StatusCodes) > 0 {
		fmt.Fprintln(w, "\nStatus Buckets:")
		writeStatusBuckets(w, s.StatusCodes, "  ")
	}

	if len(s.Endpoints) > 0 {
		fmt.Fprintln(w, "\nEndpoint Breakdown:")
		endpoints := append([]metrics.EndpointStats(nil), s.Endpoints...)
		sort.SliceStable(endpoints, func(i, j int) bool {
			return endpoints[i].Requests > endpoints[j].Requests
		})
		total := s.Requests()
		for _, ep := range endpoints {
			share := 0.0
			if total > 0 {
				share = float64(ep.Requests) / float64(total) * 100
			}
			fmt.Fprintf(w, "  - [%s] %s: total=%d (%.1f%%), failures=%d, avg=%s, p99=%s\n",
				ep.Protocol, ep.Endpoint, ep.Requests, share, ep.Failures,
				formatLatency(ep.Avg), formatLatency(ep.P99))
		}
	}

	if len(r.Thresholds.Results) > 0 {
		fmt.Fprintln(w, "\nThresholds:")
		for _, res := range r.Thresholds.Results {
			fmt.Fprintf(w, "  %s\n", res.Message)
		}
		if r.Thresholds.Pass {
			fmt.Fprintln(w, "\nAll thresholds passed.")
		} else {
			fmt.Fprintf(w, "\n%d of %d thresholds failed.\n", len(r.Thresholds.Failed()), len(r.Thresholds.Results))
		}
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// PrintYAMLReport outputs a YAML-formatted report.
func PrintYAMLReport(w io.Writer, r Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

func metricNames(s metrics.Summary) []string {
	names := make([]string, 0, len(s.Trends)+len(s.Counters)+len(s.Rates))
	for name := range s.Trends {
		names = append(names, name)
	}
	for name := range s.Counters {
		names = append(names, name)
	}
	for name := range s.Rates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatMetric(s metrics.Summary, name string) string {
	if t, ok := s.Trends[name]; ok {
		return fmt.Sprintf("avg=%s min=%s med=%s max=%s p(90)=%s p(95)=%s p(99)=%s",
			formatLatency(t.Avg), formatLatency(t.Min), formatLatency(t.Med), formatLatency(t.Max),
			formatLatency(t.P90), formatLatency(t.P95), formatLatency(t.P99))
	}
	if r, ok := s.Rates[name]; ok {
		return fmt.Sprintf("%.2f%% (%d of %d)", r.Rate*100, r.Hits, r.Total)
	}
	c := s.Counters[name]
	return fmt.Sprintf("%d (%.2f/s)", c.Count, c.Rate)
}

func formatLatency(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	}
}

func dotted(name string, width int) string {
	if len(name) >= width {
		return name + ":"
	}
	return name + strings.Repeat(".", width-len(name)) + ":"
}

func writeCounts(w io.Writer, counts map[string]int64, indent string) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] == counts[keys[j]] {
			return keys[i] < keys[j]
		}
		return counts[keys[i]] > counts[keys[j]]
	})
	for _, k := range keys {
		fmt.Fprintf(w, "%s%s: %d\n", indent, k, counts[k])
	}
}

func writeStatusBuckets(w io.Writer, rows []metrics.StatusBucket, indent string) {
	for _, row := range rows {
		fmt.Fprintf(w, "%s%s %s: %d\n", indent, strings.ToUpper(row.Protocol), row.Code, row.Count)
	}
}
