package sse

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/configcat/proxyload/internal/outcome"
	"github.com/configcat/proxyload/internal/tracing"
)

// ErrEventTimeout is wrapped by the error Next returns when no event arrives
// in time.
var ErrEventTimeout = errors.New("no event received")

// ErrServerClosed is wrapped when the server ends the stream.
var ErrServerClosed = errors.New("server closed the stream")

// Event represents a Server-Sent Event.
type Event struct {
	ID    string
	Event string
	Data  string
}

// Options configure a per-VU SSE client.
type Options struct {
	InsecureSkipTLSVerify bool
	UserAgent             string
	Tracer                trace.Tracer
	Propagate             bool
}

// Client opens event streams and tracks how many are live.
type Client struct {
	http      *http.Client
	userAgent string
	tracer    trace.Tracer
	propagate bool
	open      atomic.Int64
}

// NewClient creates a client with its own transport. The HTTP client has no
// overall timeout since streams are long lived; Next bounds each wait.
func NewClient(opts Options) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		http:      &http.Client{Transport: transport},
		userAgent: opts.UserAgent,
		tracer:    opts.Tracer,
		propagate: opts.Propagate,
	}
}

// OpenStreams reports the number of streams opened and not yet closed.
func (c *Client) OpenStreams() int64 { return c.open.Load() }

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Open connects to url and returns a stream once the server answered 200.
// Refused connections and other status codes are reported as
// *outcome.StreamError and leave no open stream behind.
func (c *Client) Open(ctx context.Context, url string, headers http.Header) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	var span trace.Span
	if c.tracer != nil {
		ctx, span = tracing.StartRequestSpan(ctx, c.tracer, outcome.ProtocolSSE, url)
	}
	fail := func(err error) (*Stream, error) {
		cancel()
		if span != nil {
			tracing.EndSpan(span, err)
		}
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(&outcome.StreamError{URL: url, Reason: "create request", Err: err})
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if c.propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(&outcome.StreamError{URL: url, Reason: "connect", Err: err})
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return fail(&outcome.StreamError{URL: url, Status: resp.StatusCode})
	}

	c.open.Add(1)
	s := &Stream{
		client:  c,
		url:     url,
		ctx:     ctx,
		cancel:  cancel,
		body:    resp.Body,
		span:    span,
		results: make(chan readResult),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump(bufio.NewReader(resp.Body))
	return s, nil
}

type readResult struct {
	event Event
	err   error
}

// Stream is one open event stream. Next and Close may be called from
// different goroutines; Close is idempotent.
type Stream struct {
	client *Client
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	span   trace.Span

	results chan readResult
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	err      error // sticky once the stream failed
	received int

	closeOnce sync.Once
}

func (s *Stream) pump(reader *bufio.Reader) {
	defer s.wg.Done()
	for {
		ev, err := readEvent(reader)
		select {
		case s.results <- readResult{event: ev, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next waits up to timeout for the next event. A zero timeout waits until
// the stream ends.
func (s *Stream) Next(timeout time.Duration) (Event, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return Event{}, err
	}
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-s.results:
		if r.err != nil {
			return Event{}, s.fail(s.streamError(r.err))
		}
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
		return r.event, nil
	case <-expired:
		return Event{}, &outcome.StreamError{URL: s.url, Reason: fmt.Sprintf("waiting %s", timeout), Err: ErrEventTimeout}
	case <-s.done:
		return Event{}, s.fail(&outcome.StreamError{URL: s.url, Reason: "stream closed"})
	case <-s.ctx.Done():
		return Event{}, s.fail(&outcome.StreamError{URL: s.url, Reason: "cancelled", Err: s.ctx.Err()})
	}
}

func (s *Stream) streamError(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return &outcome.StreamError{URL: s.url, Reason: "cancelled", Err: ctxErr}
	}
	if errors.Is(err, io.EOF) {
		return &outcome.StreamError{URL: s.url, Reason: "closed by server", Err: ErrServerClosed}
	}
	return &outcome.StreamError{URL: s.url, Reason: "read", Err: err}
}

func (s *Stream) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	return s.err
}

// Received returns how many events Next has returned.
func (s *Stream) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Close releases the connection and the open stream slot.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
		s.wg.Wait()
		s.client.open.Add(-1)

		if s.span != nil {
			s.mu.Lock()
			streamErr, received := s.err, s.received
			s.mu.Unlock()
			tracing.EndSpan(s.span, streamErr, tracing.AttrSSEEvents.Int(received))
		}
	})
	return err
}

// readEvent reads lines until a blank line completes an event.
func readEvent(reader *bufio.Reader) (Event, error) {
	event := Event{}
	var dataLines []string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(dataLines) > 0 || event.Event != "" || event.ID != "" {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		field := line[:colonIdx]
		value := strings.TrimPrefix(line[colonIdx+1:], " ")

		switch field {
		case "id":
			event.ID = value
		case "event":
			event.Event = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}

// EncodePayloadURL appends the URL-safe base64 encoding of the JSON payload
// to base as a final path segment.
func EncodePayloadURL(base, payload string) (string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		trimmed = "{}"
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(trimmed)); err != nil {
		return "", fmt.Errorf("sse payload: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(compact.Bytes())
	return strings.TrimRight(base, "/") + "/" + encoded, nil
}
