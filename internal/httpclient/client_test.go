package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/outcome"
)

func TestBuildRequestWithHeaders(t *testing.T) {
	builder, err := NewRequestBuilder(config.Target{
		Method: "post",
		URL:    "https://localhost:8050/api/env1/eval",
		Headers: map[string]string{
			"x-request-id": "12345",
		},
		Body: `{"key":"awesomeFeature"}`,
	}, "proxyload/1.0")
	require.NoError(t, err)
	assert.Equal(t, "POST https://localhost:8050/api/env1/eval", builder.Name())

	req, err := builder.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "12345", req.Header.Get("X-Request-Id"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "proxyload/1.0", req.Header.Get("User-Agent"))
	assert.Equal(t, int64(24), req.ContentLength)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"key":"awesomeFeature"}`, string(body))

	again, err := req.GetBody()
	require.NoError(t, err)
	replayed, _ := io.ReadAll(again)
	assert.Equal(t, body, replayed)
}

func TestRequestBuilderDefaultsAndValidation(t *testing.T) {
	b, err := NewRequestBuilder(config.Target{URL: "http://x/keys", Name: "keys"}, "")
	require.NoError(t, err)
	req, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "keys", b.Name())
	assert.Zero(t, req.ContentLength)
	assert.Empty(t, req.Header.Get("Content-Type"))

	_, err = NewRequestBuilder(config.Target{}, "")
	assert.Error(t, err)
	_, err = NewRequestBuilder(config.Target{URL: "http://x", Headers: map[string]string{"bad\nkey": "v"}}, "")
	assert.Error(t, err)
	_, err = NewRequestBuilder(config.Target{URL: "http://x", Headers: map[string]string{"X-Ok": "bad\r\nvalue"}}, "")
	assert.Error(t, err)
}

func builders(t *testing.T, targets ...config.Target) []*RequestBuilder {
	t.Helper()
	out := make([]*RequestBuilder, 0, len(targets))
	for _, target := range targets {
		b, err := NewRequestBuilder(target, "")
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestBatchPreservesOrderAndIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			time.Sleep(50 * time.Millisecond)
			_, _ = io.WriteString(w, `{"value":true}`)
		case "/missing":
			http.Error(w, "no such environment", http.StatusNotFound)
		default:
			_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
		}
	}))
	defer srv.Close()

	reqs := builders(t,
		config.Target{URL: srv.URL + "/slow"},
		config.Target{URL: srv.URL + "/missing"},
		config.Target{URL: "http://127.0.0.1:1/refused"},
		config.Target{Method: "POST", URL: srv.URL + "/eval", Body: `{"key":"k"}`},
	)

	client := NewClient(ClientOptions{Timeout: 5 * time.Second})
	defer client.Close()

	results := Batch(context.Background(), client, reqs, 20)
	require.Len(t, results, 4)

	assert.Equal(t, outcome.KindOK, results[0].Outcome.Kind)
	assert.Equal(t, "GET "+srv.URL+"/slow", results[0].Outcome.Endpoint)
	assert.JSONEq(t, `{"value":true}`, string(results[0].Body))
	assert.GreaterOrEqual(t, results[0].Outcome.Latency, 50*time.Millisecond)

	assert.Equal(t, outcome.KindHTTPStatus, results[1].Outcome.Kind)
	assert.Equal(t, http.StatusNotFound, results[1].Outcome.StatusCode)
	var hse *outcome.HTTPStatusError
	require.ErrorAs(t, results[1].Outcome.Err, &hse)
	assert.Equal(t, "no such environment", hse.Body)

	assert.Equal(t, outcome.KindTransport, results[2].Outcome.Kind)
	var te *outcome.TransportError
	require.ErrorAs(t, results[2].Outcome.Err, &te)
	assert.Equal(t, "GET", te.Op)

	assert.Equal(t, outcome.KindOK, results[3].Outcome.Kind)
	assert.Equal(t, http.StatusOK, results[3].Outcome.StatusCode)
	assert.JSONEq(t, `{"path":"/eval"}`, string(results[3].Body))
}

func TestBatchRespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}))
	defer srv.Close()

	targets := make([]config.Target, 10)
	for i := range targets {
		targets[i] = config.Target{URL: srv.URL}
	}
	results := Batch(context.Background(), NewClient(ClientOptions{}), builders(t, targets...), 3)
	require.Len(t, results, 10)
	for _, r := range results {
		assert.Equal(t, outcome.KindOK, r.Outcome.Kind)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestBatchEmpty(t *testing.T) {
	assert.Empty(t, Batch(context.Background(), NewClient(ClientOptions{}), nil, 0))
}

func TestPerTargetTimeoutIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	reqs := builders(t, config.Target{URL: srv.URL, Timeout: 20 * time.Millisecond})
	res := NewClient(ClientOptions{}).Do(context.Background(), reqs[0])
	assert.Equal(t, outcome.KindTransport, res.Outcome.Kind)
	assert.ErrorIs(t, res.Outcome.Err, context.DeadlineExceeded)
}

func TestInsecureSkipTLSVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	reqs := builders(t, config.Target{URL: srv.URL})

	strict := NewClient(ClientOptions{}).Do(context.Background(), reqs[0])
	assert.Equal(t, outcome.KindTransport, strict.Outcome.Kind)

	lenient := NewClient(ClientOptions{InsecureSkipTLSVerify: true}).Do(context.Background(), reqs[0])
	assert.Equal(t, outcome.KindOK, lenient.Outcome.Kind)
	assert.Equal(t, "ok", string(lenient.Body))
}

func TestDoRecordsSpanWithoutPropagation(t *testing.T) {
	var traceparent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent.Store(r.Header.Get("Traceparent"))
	}))
	defer srv.Close()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	client := NewClient(ClientOptions{Tracer: tp.Tracer("test")})
	reqs := builders(t, config.Target{URL: srv.URL, Name: "keys"})
	res := client.Do(context.Background(), reqs[0])
	require.Equal(t, outcome.KindOK, res.Outcome.Kind)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "http keys", spans[0].Name)
	assert.Empty(t, traceparent.Load())
}
