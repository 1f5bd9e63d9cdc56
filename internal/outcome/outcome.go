// Package outcome defines the normalized result record every protocol client
// produces and the error taxonomy attached to failed records.
package outcome

import (
	"context"
	"errors"
	"time"
)

// Protocol identifies the client that produced an outcome.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
	ProtocolSSE  Protocol = "sse"
	// ProtocolIteration marks records produced by the scheduler itself
	// (completed or dropped iterations) rather than by a request.
	ProtocolIteration Protocol = "iteration"
)

// Kind classifies an outcome.
type Kind string

const (
	KindOK         Kind = "ok"
	KindTransport  Kind = "transport"
	KindHTTPStatus Kind = "http_status"
	KindRPC        Kind = "rpc"
	KindStream     Kind = "stream"
	KindDropped    Kind = "dropped"
	KindCancelled  Kind = "cancelled"
)

// Failed reports whether the kind counts against the failure rate.
// Dropped and cancelled records are scheduling artifacts and never count.
func (k Kind) Failed() bool {
	switch k {
	case KindTransport, KindHTTPStatus, KindRPC, KindStream:
		return true
	default:
		return false
	}
}

// Outcome is produced once per request, stream close or iteration and is
// never mutated after it is handed to the collector.
type Outcome struct {
	Protocol  Protocol
	Scenario  string
	Endpoint  string
	VU        int
	Iteration int64

	StatusCode int    // HTTP status
	Status     string // gRPC status code name
	Events     int    // SSE events received before close

	Latency   time.Duration
	Kind      Kind
	Err       error
	Timestamp time.Time

	ChecksPassed int
	ChecksFailed int
}

// Failed reports whether the outcome counts as a failed request.
func (o Outcome) Failed() bool {
	return o.Kind.Failed()
}

// Success builds an OK outcome that started at start.
func Success(protocol Protocol, endpoint string, start time.Time) Outcome {
	return Outcome{
		Protocol:  protocol,
		Endpoint:  endpoint,
		Latency:   time.Since(start),
		Kind:      KindOK,
		Timestamp: start,
	}
}

// Failure builds a failed outcome, deriving its kind from err.
func Failure(protocol Protocol, endpoint string, start time.Time, err error) Outcome {
	return Outcome{
		Protocol:  protocol,
		Endpoint:  endpoint,
		Latency:   time.Since(start),
		Kind:      Classify(err),
		Err:       err,
		Timestamp: start,
	}
}

// Dropped records an iteration start that found no free virtual user.
func Dropped(scenario string, at time.Time) Outcome {
	return Outcome{
		Protocol:  ProtocolIteration,
		Scenario:  scenario,
		Kind:      KindDropped,
		Timestamp: at,
	}
}

// Classify maps an error onto the outcome taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A per-request timeout is a transport failure; only the scheduler
		// decides that an outcome was cancelled by the run.
		var te *TransportError
		if errors.As(err, &te) {
			return KindTransport
		}
		return KindCancelled
	}
	var (
		hse *HTTPStatusError
		rpc *RPCError
		se  *StreamError
		te  *TransportError
	)
	switch {
	case errors.As(err, &hse):
		return KindHTTPStatus
	case errors.As(err, &rpc):
		return KindRPC
	case errors.As(err, &se):
		return KindStream
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindTransport
	}
}
