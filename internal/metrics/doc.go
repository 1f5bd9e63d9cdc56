// Package metrics aggregates request outcomes into load test statistics.
//
// # Collector
//
// The central [Collector] type is fed by the scheduler through
// [Collector.Record], its only mutation:
//
//	collector := metrics.NewCollector()
//	collector.Start()
//	collector.Record(o)
//	summary := collector.Summary(collector.Elapsed())
//
// # Metrics
//
// Every request outcome feeds three protocol metrics, e.g. for HTTP:
//   - http_reqs: counter of completed requests
//   - http_req_duration: latency trend
//   - http_req_failed: rate of failed requests
//
// plus req_duration across all protocols. Scheduler records feed iterations,
// iteration_duration, interrupted_iterations and dropped_iterations. Requests
// cancelled by a graceful stop only count in cancelled_requests. SSE streams
// add to sse_events and check results feed the checks rate.
//
// # Thread Safety
//
// Outcomes are written to a shard chosen by VU, so VUs never contend with
// each other; [Collector.Summary] merges all shards.
//
// # Live Metrics
//
// A [PrometheusSink] passed to [NewCollector] mirrors outcomes into
// Prometheus counters and histograms while the run is in progress.
package metrics
