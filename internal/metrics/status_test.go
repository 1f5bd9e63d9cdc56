package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/configcat/proxyload/internal/outcome"
)

func TestStatusBucketsOrder(t *testing.T) {
	assert.Nil(t, statusBuckets(nil))

	got := statusBuckets(map[statusKey]int64{
		{outcome.ProtocolHTTP, "500"}:         5,
		{outcome.ProtocolHTTP, "404"}:         10,
		{outcome.ProtocolGRPC, "Unavailable"}: 20,
		{outcome.ProtocolSSE, "stream"}:       5,
		{outcome.ProtocolSSE, "503"}:          5,
	})
	assert.Equal(t, []StatusBucket{
		{Protocol: "grpc", Code: "Unavailable", Count: 20},
		{Protocol: "http", Code: "404", Count: 10},
		{Protocol: "http", Code: "500", Count: 5},
		{Protocol: "sse", Code: "503", Count: 5},
		{Protocol: "sse", Code: "stream", Count: 5},
	}, got)
}

func TestCollectorStatusBuckets(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	notFound := outcome.Failure(outcome.ProtocolHTTP, "eval", now, &outcome.HTTPStatusError{StatusCode: http.StatusNotFound})
	notFound.StatusCode = http.StatusNotFound
	c.Record(notFound)
	c.Record(notFound)

	unavailable := outcome.Failure(outcome.ProtocolGRPC, "EvalFlag", now, &outcome.RPCError{Code: "Unavailable"})
	unavailable.Status = "Unavailable"
	c.Record(unavailable)

	c.Record(outcome.Failure(outcome.ProtocolSSE, "stream", now, &outcome.TransportError{Op: "dial", Err: context.DeadlineExceeded}))
	c.Record(outcome.Success(outcome.ProtocolHTTP, "eval", now))
	c.Record(outcome.Failure(outcome.ProtocolHTTP, "eval", now, context.Canceled))

	assert.Equal(t, []StatusBucket{
		{Protocol: "http", Code: "404", Count: 2},
		{Protocol: "grpc", Code: "Unavailable", Count: 1},
		{Protocol: "sse", Code: "transport", Count: 1},
	}, c.Summary(time.Second).StatusCodes)
}
