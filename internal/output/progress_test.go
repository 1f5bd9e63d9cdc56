package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/outcome"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressReporter(t *testing.T) {
	c := metrics.NewCollector()
	c.Start()
	for i := 0; i < 4; i++ {
		c.Record(outcome.Success(outcome.ProtocolHTTP, "GET /api/env1/keys", time.Now()))
	}
	c.Record(outcome.Failure(outcome.ProtocolGRPC, "EvalFlag", time.Now(), &outcome.RPCError{Code: "Unavailable"}))

	var out syncBuffer
	p := NewProgressReporter(c, func() int { return 7 }, 10*time.Millisecond, &out)
	p.Start()
	p.Start()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Requests:")
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	line := out.String()
	assert.Contains(t, line, "\rRequests: 5 | Failures: 1")
	assert.Contains(t, line, "VUs: 7")
	assert.Contains(t, line, "Top Endpoint: GET /api/env1/keys (80%")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestProgressReporterWithoutVUs(t *testing.T) {
	c := metrics.NewCollector()
	c.Start()
	p := NewProgressReporter(c, nil, time.Hour, nil)
	line := p.line()
	assert.Contains(t, line, "Requests: 0 | Failures: 0")
	assert.NotContains(t, line, "VUs:")
	assert.NotContains(t, line, "Top Endpoint")
}
