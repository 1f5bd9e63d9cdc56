package metrics

import "github.com/configcat/proxyload/internal/outcome"

// Metric names. Request metrics are prefixed with the protocol.
const (
	MetricReqDuration       = "req_duration"
	MetricIterations        = "iterations"
	MetricIterationDuration = "iteration_duration"
	MetricInterrupted       = "interrupted_iterations"
	MetricDropped           = "dropped_iterations"
	MetricCancelled         = "cancelled_requests"
	MetricSSEEvents         = "sse_events"
	MetricChecks            = "checks"
)

// ReqsMetric is the request counter of a protocol, e.g. http_reqs.
func ReqsMetric(p outcome.Protocol) string { return string(p) + "_reqs" }

// DurationMetric is the latency trend of a protocol, e.g. http_req_duration.
func DurationMetric(p outcome.Protocol) string { return string(p) + "_req_duration" }

// FailedMetric is the failure rate of a protocol, e.g. grpc_req_failed.
func FailedMetric(p outcome.Protocol) string { return string(p) + "_req_failed" }
