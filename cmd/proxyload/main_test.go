package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proxyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/env1/eval", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"value":true}`)
	})
	mux.HandleFunc("/api/broken/eval", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeScenario(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "load.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func scenarioDoc(url, threshold string) string {
	return fmt.Sprintf(`
vus: 2
duration: 300ms
sleep: 10ms
targets:
  - method: POST
    url: %s
    body: {key: darkMode}
    checks:
      - {status: 200}
      - {path: value, equals: "true"}
thresholds:
  %s
`, url, threshold)
}

func TestRunPassingThresholds(t *testing.T) {
	srv := proxyServer(t)
	path := writeScenario(t, scenarioDoc(srv.URL+"/api/env1/eval", `http_req_duration: ["p(99)<1500"]`))
	export := filepath.Join(t.TempDir(), "out", "summary.json")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"run", path, "--json", "--summary-export", export, "--log-level", "warn",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	var report map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, path, report["source"])
	thresholds := report["thresholds"].(map[string]any)
	assert.Equal(t, true, thresholds["pass"])
	rates := report["metrics"].(map[string]any)["rates"].(map[string]any)
	checks := rates["checks"].(map[string]any)
	assert.InDelta(t, 1.0, checks["rate"], 1e-9)

	exported, err := os.ReadFile(export)
	require.NoError(t, err)
	var fromFile map[string]any
	require.NoError(t, json.Unmarshal(exported, &fromFile))
	assert.Equal(t, report["run_id"], fromFile["run_id"])
}

func TestRunFailingThresholds(t *testing.T) {
	srv := proxyServer(t)
	path := writeScenario(t, scenarioDoc(srv.URL+"/api/broken/eval", `http_req_failed: ["rate<0.01"]`))
	htmlPath := filepath.Join(t.TempDir(), "report.html")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"run", path, "--progress=false", "--log-level", "error", "--html", htmlPath,
	}, &stdout, &stderr)
	assert.Equal(t, exitThresholds, code)
	assert.Contains(t, stdout.String(), "--- Load Test Results ---")
	assert.Contains(t, stdout.String(), "✗ http_req_failed rate<0.01")
	assert.Contains(t, stderr.String(), "thresholds failed")

	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "http_req_failed")
}

func TestRunYAMLWithOverridesAndMetrics(t *testing.T) {
	srv := proxyServer(t)
	path := writeScenario(t, scenarioDoc(srv.URL+"/api/env1/eval", `checks: ["rate>0.99"]`))

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"run", path, "--yaml", "--vus", "1", "--duration", "100ms",
		"--metrics-addr", "127.0.0.1:0", "--log-level", "error",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "run_id:")
	assert.Contains(t, stdout.String(), "http_reqs:")
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		doc  string
		want string
	}{
		{name: "missing file", args: []string{"run", filepath.Join(t.TempDir(), "nope.yaml")}, want: "read scenario"},
		{name: "no args", args: []string{"run"}, want: "accepts 1 arg"},
		{name: "invalid document", doc: "vus: 0\nduration: 1s\ntargets: [[GET, http://x]]", want: "vus"},
		{name: "bad threshold", doc: "vus: 1\nduration: 1s\ntargets: [[GET, http://x]]\nthresholds: {http_req_duration: [\"p99 below 5\"]}", want: "threshold"},
		{name: "json and yaml", doc: "vus: 1\nduration: 1s\ntargets: [[GET, http://x]]", args: []string{"--json", "--yaml"}, want: "none of the others"},
		{name: "bad log level", doc: "vus: 1\nduration: 1s\ntargets: [[GET, http://x]]", args: []string{"--log-level", "loud"}, want: "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if tt.doc != "" {
				args = append([]string{"run", writeScenario(t, tt.doc)}, tt.args...)
			}
			var stdout, stderr bytes.Buffer
			code := execute(context.Background(), args, &stdout, &stderr)
			assert.Equal(t, exitError, code)
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	path := writeScenario(t, `
scenarios:
  spike:
    executor: ramping-arrival-rate
    preAllocatedVUs: 10
    stages:
      - { duration: 10s, target: 10 }
      - { duration: 20s, target: 0 }
    targets: [[GET, "http://localhost:8050/api/env1/keys", null]]
`)
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"validate", path}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.True(t, strings.HasPrefix(stdout.String(), "spike: ramping-arrival-rate, 10 VUs, 1 targets, 30s"))
}

func TestSetupRetryPolicy(t *testing.T) {
	p := setupRetryPolicy()
	assert.Equal(t, setupAttempts, p.MaxAttempts)
	assert.False(t, p.ShouldRetry(context.Canceled))
	assert.False(t, p.ShouldRetry(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	assert.True(t, p.ShouldRetry(errors.New("connection refused")))

	assert.Equal(t, baseSetupDelay, p.DelayFunc(1, nil))
	assert.Equal(t, 2*baseSetupDelay, p.DelayFunc(2, nil))
	assert.Equal(t, maxSetupDelay, p.DelayFunc(10, nil))
	assert.Positive(t, p.DelayFunc(0, nil))
}
