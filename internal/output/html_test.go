package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/threshold"
)

func TestGenerateHTMLReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, GenerateHTMLReport(&buf, sampleReport(t)))
	html := buf.String()

	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "load.yaml")
	assert.Contains(t, html, "<td>arrival</td>")
	assert.Contains(t, html, "http_req_duration")
	assert.Contains(t, html, "POST /api/env1/eval")
	assert.Contains(t, html, "10.00%")
	assert.Contains(t, html, "<h2>Thresholds</h2>")
	assert.Contains(t, html, `class="card error"`)
	assert.Contains(t, html, "<td>http_status</td>")
}

func TestGenerateHTMLReportEscapesInput(t *testing.T) {
	r := NewReport("id", `<script>alert(1)</script>`, time.Now(), nil, metrics.Summary{}, threshold.Report{Pass: true})

	var buf bytes.Buffer
	require.NoError(t, GenerateHTMLReport(&buf, r))
	html := buf.String()

	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, "<h2>Thresholds</h2>")
	assert.NotContains(t, html, "<h2>Endpoints</h2>")
	assert.Contains(t, html, "0.00%")
}
