package output

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/outcome"
)

type htmlMetricRow struct {
	Name  string
	Value string
}

type htmlReportData struct {
	Report
	GeneratedAt string
	Requests    int64
	FailureRate string
	Rows        []htmlMetricRow
}

// GenerateHTMLReport renders a standalone HTML page for the report.
func GenerateHTMLReport(w io.Writer, r Report) error {
	data := htmlReportData{
		Report:      r,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Requests:    r.Metrics.Requests(),
		FailureRate: failureRate(r.Metrics),
	}
	for _, name := range metricNames(r.Metrics) {
		data.Rows = append(data.Rows, htmlMetricRow{Name: name, Value: formatMetric(r.Metrics, name)})
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatLatency": formatLatency,
		"formatPercent": func(part, total int64) string {
			if total == 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

// failureRate is the share of failed requests across all protocols.
func failureRate(s metrics.Summary) string {
	var hits, total int64
	for _, p := range []outcome.Protocol{outcome.ProtocolHTTP, outcome.ProtocolGRPC, outcome.ProtocolSSE} {
		if r, ok := s.Rate(metrics.FailedMetric(p)); ok {
			hits += r.Hits
			total += r.Total
		}
	}
	if total == 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(hits)/float64(total)*100)
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>proxyload report {{.RunID}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; background: #f5f7fa; color: #2c3e50; padding: 20px; }
        .container { max-width: 1200px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); }
        header { background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); color: white; padding: 24px 32px; border-radius: 8px 8px 0 0; }
        header .meta { opacity: 0.9; font-size: 0.9rem; }
        .content { padding: 32px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 16px; margin-bottom: 32px; }
        .card { background: #f8f9fa; border-radius: 8px; padding: 16px; border-left: 4px solid #667eea; }
        .card h3 { font-size: 0.8rem; color: #6c757d; text-transform: uppercase; margin: 0 0 8px; }
        .card .value { font-size: 1.6rem; font-weight: bold; }
        .card.success { border-left-color: #10b981; }
        .card.error { border-left-color: #ef4444; }
        table { width: 100%; border-collapse: collapse; margin-bottom: 32px; font-size: 0.9rem; }
        th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid #e5e7eb; }
        th { background: #f8f9fa; }
        .pass { color: #10b981; font-weight: bold; }
        .fail { color: #ef4444; font-weight: bold; }
    </style>
</head>
<body>
<div class="container">
    <header>
        <h1>Load Test Report</h1>
        <div class="meta">Run {{.RunID}}{{if .Source}} &middot; {{.Source}}{{end}} &middot; generated {{.GeneratedAt}}</div>
    </header>
    <div class="content">
        <div class="grid">
            <div class="card"><h3>Requests</h3><div class="value">{{.Requests}}</div></div>
            <div class="card"><h3>Failed</h3><div class="value">{{.FailureRate}}%</div></div>
            <div class="card"><h3>Duration</h3><div class="value">{{.Metrics.Duration}}</div></div>
            {{if .Thresholds.Results}}
            <div class="card {{if .Thresholds.Pass}}success{{else}}error{{end}}"><h3>Thresholds</h3><div class="value">{{if .Thresholds.Pass}}passed{{else}}failed{{end}}</div></div>
            {{end}}
        </div>

        <h2>Scenarios</h2>
        <table>
            <tr><th>Name</th><th>Iterations</th><th>Interrupted</th><th>Dropped</th><th>Cancelled</th></tr>
            {{range .Scenarios}}
            <tr><td>{{.Name}}</td><td>{{.Iterations}}</td><td>{{.Interrupted}}</td><td>{{.Dropped}}</td><td>{{.Cancelled}}</td></tr>
            {{end}}
        </table>

        <h2>Metrics</h2>
        <table>
            <tr><th>Metric</th><th>Value</th></tr>
            {{range .Rows}}<tr><td>{{.Name}}</td><td>{{.Value}}</td></tr>{{end}}
        </table>

        {{if .Metrics.Endpoints}}
        <h2>Endpoints</h2>
        <table>
            <tr><th>Protocol</th><th>Endpoint</th><th>Requests</th><th>Share</th><th>Failures</th><th>Avg</th><th>P95</th><th>P99</th></tr>
            {{$total := .Requests}}
            {{range .Metrics.Endpoints}}
            <tr><td>{{.Protocol}}</td><td>{{.Endpoint}}</td><td>{{.Requests}}</td><td>{{formatPercent .Requests $total}}%</td><td>{{.Failures}}</td><td>{{formatLatency .Avg}}</td><td>{{formatLatency .P95}}</td><td>{{formatLatency .P99}}</td></tr>
            {{end}}
        </table>
        {{end}}

        {{if .Thresholds.Results}}
        <h2>Thresholds</h2>
        <table>
            <tr><th></th><th>Metric</th><th>Expression</th><th>Actual</th></tr>
            {{range .Thresholds.Results}}
            <tr><td class="{{if .Pass}}pass{{else}}fail{{end}}">{{if .Pass}}&#10003;{{else}}&#10007;{{end}}</td><td>{{.Metric}}</td><td>{{.Expr}}</td><td>{{printf "%.2f" .Actual}}</td></tr>
            {{end}}
        </table>
        {{end}}

        {{if .Metrics.Errors}}
        <h2>Errors</h2>
        <table>
            <tr><th>Kind</th><th>Count</th></tr>
            {{range $kind, $n := .Metrics.Errors}}<tr><td>{{$kind}}</td><td>{{$n}}</td></tr>{{end}}
        </table>
        {{end}}
    </div>
</div>
</body>
</html>
`
