package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/outcome"
	"github.com/configcat/proxyload/internal/tracing"
)

// maxBodyBytes bounds how much of a response body is kept for checks.
const maxBodyBytes = 1 << 20

// RequestBuilder builds requests for one HTTP target.
type RequestBuilder struct {
	name    string
	method  string
	target  string
	headers http.Header
	body    []byte
	timeout time.Duration
}

func NewRequestBuilder(t config.Target, userAgent string) (*RequestBuilder, error) {
	target := strings.TrimSpace(t.URL)
	if target == "" {
		return nil, errors.New("target URL is required")
	}

	method := strings.TrimSpace(t.Method)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	headers := http.Header{}
	if userAgent != "" {
		headers.Set("User-Agent", userAgent)
	}
	for key, value := range t.Headers {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" || strings.ContainsAny(trimmedKey, "\r\n") {
			return nil, fmt.Errorf("invalid header key %q", key)
		}
		canonicalKey := http.CanonicalHeaderKey(trimmedKey)
		if strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("invalid header value for %s", canonicalKey)
		}
		headers.Set(canonicalKey, value)
	}
	if t.Body != "" && headers.Get("Content-Type") == "" && looksLikeJSON(t.Body) {
		headers.Set("Content-Type", "application/json")
	}

	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = method + " " + target
	}

	return &RequestBuilder{
		name:    name,
		method:  method,
		target:  target,
		headers: headers,
		body:    []byte(t.Body),
		timeout: t.Timeout,
	}, nil
}

func looksLikeJSON(body string) bool {
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// Name is the endpoint label used in outcomes.
func (b *RequestBuilder) Name() string { return b.name }

func (b *RequestBuilder) Build(ctx context.Context) (*http.Request, error) {
	if b == nil {
		return nil, errors.New("builder cannot be nil")
	}

	// A *bytes.Reader body gets ContentLength and GetBody from net/http, so
	// redirects can replay it.
	var body io.Reader
	if len(b.body) > 0 {
		body = bytes.NewReader(b.body)
	}
	req, err := http.NewRequestWithContext(ctx, b.method, b.target, body)
	if err != nil {
		return nil, err
	}
	req.Header = b.headers.Clone()
	return req, nil
}

// ClientOptions configure a per-VU client.
type ClientOptions struct {
	Timeout               time.Duration
	InsecureSkipTLSVerify bool
	Tracer                trace.Tracer // nil disables request spans
	Propagate             bool         // inject W3C trace context headers
}

// Client issues HTTP requests for a single VU. Each client owns its transport
// so connections are never shared between VUs.
type Client struct {
	http      *http.Client
	tracer    trace.Tracer
	propagate bool
}

// Response pairs a request outcome with the (bounded) response body.
type Response struct {
	Outcome outcome.Outcome
	Body    []byte
}

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout < 0 {
		timeout = 0
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   config.DefaultBatch,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if opts.InsecureSkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		tracer:    opts.Tracer,
		propagate: opts.Propagate,
	}
}

// HTTP exposes the underlying client.
func (c *Client) HTTP() *http.Client { return c.http }

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Do executes one request. Transport failures and status codes >= 400 are
// reported as failed outcomes, never as errors.
func (c *Client) Do(ctx context.Context, b *RequestBuilder) Response {
	start := time.Now()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = tracing.StartRequestSpan(ctx, c.tracer, outcome.ProtocolHTTP, b.name)
	}
	resp := c.do(ctx, b, start)
	if span != nil {
		tracing.EndSpan(span, resp.Outcome.Err, tracing.AttrHTTPStatusCode.Int(resp.Outcome.StatusCode))
	}
	return resp
}

func (c *Client) do(ctx context.Context, b *RequestBuilder, start time.Time) Response {
	fail := func(status int, err error) Response {
		o := outcome.Failure(outcome.ProtocolHTTP, b.name, start, err)
		o.StatusCode = status
		return Response{Outcome: o}
	}

	req, err := b.Build(ctx)
	if err != nil {
		return fail(0, &outcome.TransportError{Op: b.method, URL: b.target, Err: err})
	}
	if c.propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, &outcome.TransportError{Op: b.method, URL: b.target, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err == nil {
		// Drain so the connection can be reused.
		_, err = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return fail(resp.StatusCode, &outcome.TransportError{Op: b.method, URL: b.target, Err: fmt.Errorf("read body: %w", err)})
	}

	if resp.StatusCode >= 400 {
		r := fail(resp.StatusCode, &outcome.HTTPStatusError{StatusCode: resp.StatusCode, Body: snippet(body)})
		r.Body = body
		return r
	}

	o := outcome.Success(outcome.ProtocolHTTP, b.name, start)
	o.StatusCode = resp.StatusCode
	return Response{Outcome: o, Body: body}
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
