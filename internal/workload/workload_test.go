package workload

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/outcome"
	"github.com/configcat/proxyload/internal/runner"
)

func proxyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/env1/eval", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"value":true,"variationId":"v1"}`)
	})
	mux.HandleFunc("/api/env1/keys", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"keys":["darkMode","beta"]}`)
	})
	mux.HandleFunc("/api/missing/eval", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown environment", http.StatusNotFound)
	})
	mux.HandleFunc("/sse/env1/eval/", func(w http.ResponseWriter, r *http.Request) {
		data, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(r.URL.Path, "/sse/env1/eval/"))
		if err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; ; i++ {
			fmt.Fprintf(w, "data: {\"payload\":%s,\"seq\":%d}\n\n", data, i)
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
	mux.HandleFunc("/sse/short", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: a\n\ndata: b\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func grpcServer(t *testing.T) string {
	t.Helper()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func newWorkload(t *testing.T, cfg *config.Config, targets ...config.Target) *vuWorkload {
	t.Helper()
	f, err := NewFactory(cfg, config.Scenario{Name: "s", Targets: targets}, Options{})
	require.NoError(t, err)
	w, err := f.NewWorkload(context.Background(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w.(*vuWorkload)
}

func TestHTTPBatchWithChecks(t *testing.T) {
	srv := proxyServer(t)
	w := newWorkload(t, &config.Config{},
		config.Target{
			Protocol: config.ProtocolHTTP, Method: "POST", URL: srv.URL + "/api/env1/eval",
			Body: `{"key":"darkMode"}`,
			Checks: []config.Check{
				{Status: wantStatus(200)},
				{Path: "value", Equals: "true"},
				{Path: "variationId", Equals: "v2"},
			},
		},
		config.Target{
			Protocol: config.ProtocolHTTP, Method: "GET", URL: srv.URL + "/api/missing/eval",
			Checks: []config.Check{{Status: wantStatus(200)}},
		},
		config.Target{
			Protocol: config.ProtocolHTTP, Method: "GET", URL: srv.URL + "/api/env1/keys", Name: "keys",
			Checks: []config.Check{{Path: "keys.#"}},
		},
	)
	require.Len(t, w.factory.steps, 1)

	out := w.Run(context.Background(), runner.Iteration{VU: 1})
	require.Len(t, out, 3)

	assert.Equal(t, outcome.KindOK, out[0].Kind)
	assert.Equal(t, 2, out[0].ChecksPassed)
	assert.Equal(t, 1, out[0].ChecksFailed)

	assert.Equal(t, outcome.KindHTTPStatus, out[1].Kind)
	assert.Equal(t, 0, out[1].ChecksPassed)
	assert.Equal(t, 1, out[1].ChecksFailed)

	assert.Equal(t, "keys", out[2].Endpoint)
	assert.Equal(t, 1, out[2].ChecksPassed)
}

func TestTargetsKeepDocumentOrder(t *testing.T) {
	srv := proxyServer(t)
	addr := grpcServer(t)
	w := newWorkload(t, &config.Config{},
		config.Target{Protocol: config.ProtocolHTTP, Method: "GET", URL: srv.URL + "/api/env1/keys"},
		config.Target{Protocol: config.ProtocolHTTP, Method: "GET", URL: srv.URL + "/api/env1/eval"},
		config.Target{
			Protocol: config.ProtocolGRPC, Address: addr, Name: "health",
			Service: "grpc.health.v1.Health", RPCMethod: "Check",
			Checks: []config.Check{{Path: "status", Equals: "SERVING"}},
		},
		config.Target{Protocol: config.ProtocolSSE, URL: srv.URL + "/sse/short", MaxEvents: 1},
	)
	require.Len(t, w.factory.steps, 3)

	out := w.Run(context.Background(), runner.Iteration{})
	require.Len(t, out, 4)
	assert.Equal(t, outcome.ProtocolHTTP, out[0].Protocol)
	assert.Equal(t, outcome.ProtocolHTTP, out[1].Protocol)
	assert.Equal(t, outcome.ProtocolGRPC, out[2].Protocol)
	assert.Equal(t, outcome.ProtocolSSE, out[3].Protocol)

	assert.Equal(t, outcome.KindOK, out[2].Kind, "err: %v", out[2].Err)
	assert.Equal(t, "health", out[2].Endpoint)
	assert.Equal(t, 1, out[2].ChecksPassed)
}

func TestSSECloseOnFirstEvent(t *testing.T) {
	srv := proxyServer(t)
	w := newWorkload(t, &config.Config{Timeout: time.Second},
		config.Target{
			Protocol: config.ProtocolSSE, Name: "sse eval",
			URL:       srv.URL + "/sse/env1/eval",
			Payload:   `{"key":"test1","user":{"Identifier":"09c63c8ad682"}}`,
			MaxEvents: 1,
			Checks: []config.Check{
				{Status: wantStatus(200)},
				{Path: "payload.user.Identifier", Equals: "09c63c8ad682"},
			},
		},
	)

	for range 3 {
		out := w.Run(context.Background(), runner.Iteration{})
		require.Len(t, out, 1)
		assert.Equal(t, outcome.KindOK, out[0].Kind, "err: %v", out[0].Err)
		assert.Equal(t, 1, out[0].Events)
		assert.Equal(t, http.StatusOK, out[0].StatusCode)
		assert.Equal(t, 2, out[0].ChecksPassed)
		assert.Zero(t, w.OpenStreams())
	}
}

func TestSSEReadsUntilServerCloses(t *testing.T) {
	srv := proxyServer(t)
	w := newWorkload(t, &config.Config{Timeout: time.Second},
		config.Target{Protocol: config.ProtocolSSE, URL: srv.URL + "/sse/short"},
	)
	out := w.Run(context.Background(), runner.Iteration{})
	require.Len(t, out, 1)
	assert.Equal(t, outcome.KindOK, out[0].Kind)
	assert.Equal(t, 2, out[0].Events)
	assert.Zero(t, w.OpenStreams())

	w = newWorkload(t, &config.Config{Timeout: time.Second},
		config.Target{Protocol: config.ProtocolSSE, URL: srv.URL + "/sse/short", MaxEvents: 3},
	)
	out = w.Run(context.Background(), runner.Iteration{})
	assert.Equal(t, outcome.KindStream, out[0].Kind)
	assert.Equal(t, 2, out[0].Events)
}

func TestSSERefusedStream(t *testing.T) {
	srv := proxyServer(t)
	w := newWorkload(t, &config.Config{},
		config.Target{
			Protocol: config.ProtocolSSE, URL: srv.URL + "/api/missing/eval",
			Checks: []config.Check{{Status: wantStatus(200)}},
		},
	)
	out := w.Run(context.Background(), runner.Iteration{})
	require.Len(t, out, 1)
	assert.Equal(t, outcome.KindStream, out[0].Kind)
	assert.Equal(t, http.StatusNotFound, out[0].StatusCode)
	assert.Equal(t, 1, out[0].ChecksFailed)
	assert.Zero(t, w.OpenStreams())
}

func TestSetupFailsOnUnknownGRPCMethod(t *testing.T) {
	addr := grpcServer(t)
	f, err := NewFactory(&config.Config{}, config.Scenario{Name: "s", Targets: []config.Target{{
		Protocol: config.ProtocolGRPC, Address: addr, Service: "configcat.FlagService", RPCMethod: "EvalFlag",
	}}}, Options{})
	require.NoError(t, err)

	_, err = f.NewWorkload(context.Background(), 1)
	assert.ErrorContains(t, err, "configcat.FlagService/EvalFlag")
}

func TestNewFactoryRejectsBadTargets(t *testing.T) {
	_, err := NewFactory(&config.Config{}, config.Scenario{Name: "s"}, Options{})
	assert.Error(t, err)

	_, err = NewFactory(&config.Config{}, config.Scenario{Name: "s", Targets: []config.Target{{
		Protocol: config.ProtocolSSE, URL: "http://x/sse", Payload: "{broken",
	}}}, Options{})
	assert.Error(t, err)

	_, err = NewFactory(&config.Config{}, config.Scenario{Name: "s", Targets: []config.Target{{
		Protocol: "websocket", URL: "ws://x",
	}}}, Options{})
	assert.Error(t, err)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	srv := proxyServer(t)
	w := newWorkload(t, &config.Config{},
		config.Target{Protocol: config.ProtocolHTTP, Method: "GET", URL: srv.URL + "/api/env1/keys"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, w.Run(ctx, runner.Iteration{}))
}

func TestScenarioRunFeedsCollector(t *testing.T) {
	srv := proxyServer(t)
	sc := config.Scenario{
		Name:     "eval",
		Executor: config.ExecutorConstantVUs,
		VUs:      3,
		Duration: 200 * time.Millisecond,
		Sleep:    10 * time.Millisecond,
		Targets: []config.Target{{
			Protocol: config.ProtocolHTTP, Method: "POST", URL: srv.URL + "/api/env1/eval",
			Body: `{"key":"darkMode"}`, Checks: []config.Check{{Path: "value", Equals: "true"}},
		}},
	}
	f, err := NewFactory(&config.Config{}, sc, Options{})
	require.NoError(t, err)

	collector := metrics.NewCollector()
	collector.Start()
	res, err := runner.New(runner.Options{Scenario: sc, Factory: f, Recorder: collector}).Run(context.Background())
	require.NoError(t, err)
	require.Positive(t, res.Iterations)

	summary := collector.Summary(collector.Elapsed())
	reqs, ok := summary.Counter(metrics.ReqsMetric(outcome.ProtocolHTTP))
	require.True(t, ok)
	assert.GreaterOrEqual(t, reqs.Count, res.Iterations)

	checks, ok := summary.Rate(metrics.MetricChecks)
	require.True(t, ok)
	assert.InDelta(t, 1.0, checks.Rate, 1e-9)
}
