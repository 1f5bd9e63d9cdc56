// Package workload turns the declarative targets of a scenario into the
// per-VU workloads the runner executes.
//
// Consecutive HTTP targets form one batch that is issued concurrently. gRPC
// and SSE targets run one after another in document order, so the outcomes of
// an iteration always come back in target order.
package workload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/grpcclient"
	"github.com/configcat/proxyload/internal/httpclient"
	"github.com/configcat/proxyload/internal/outcome"
	"github.com/configcat/proxyload/internal/runner"
	"github.com/configcat/proxyload/internal/sse"
)

// Options carry the run-wide collaborators shared by every VU.
type Options struct {
	Tracer          trace.Tracer
	Propagate       bool
	Logger          *zap.Logger
	GRPCDialOptions []grpc.DialOption
}

// Factory builds one workload per VU for a scenario.
type Factory struct {
	scenario  string
	steps     []step
	batch     int
	insecure  bool
	userAgent string
	opts      Options
}

var _ runner.WorkloadFactory = (*Factory)(nil)

// NewFactory validates and prepares the targets of sc. Request builders and
// SSE URLs are computed once and shared read-only by all VUs.
func NewFactory(cfg *config.Config, sc config.Scenario, opts Options) (*Factory, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f := &Factory{
		scenario:  sc.Name,
		batch:     cfg.Batch,
		insecure:  cfg.InsecureSkipTLSVerify,
		userAgent: cfg.UserAgent,
		opts:      opts,
	}

	var pending *httpBatch
	flush := func() {
		if pending != nil {
			f.steps = append(f.steps, pending)
			pending = nil
		}
	}
	for i, t := range sc.Targets {
		t.Timeout = cfg.ResolveTimeout(t)
		switch t.Protocol {
		case config.ProtocolHTTP:
			b, err := httpclient.NewRequestBuilder(t, cfg.UserAgent)
			if err != nil {
				return nil, fmt.Errorf("scenario %s: targets[%d]: %w", sc.Name, i, err)
			}
			if pending == nil {
				pending = &httpBatch{}
			}
			pending.builders = append(pending.builders, b)
			pending.checks = append(pending.checks, t.Checks)
		case config.ProtocolGRPC:
			flush()
			f.steps = append(f.steps, &grpcCall{index: len(f.steps), target: t})
		case config.ProtocolSSE:
			flush()
			url := t.URL
			if t.Payload != "" {
				var err error
				if url, err = sse.EncodePayloadURL(t.URL, t.Payload); err != nil {
					return nil, fmt.Errorf("scenario %s: targets[%d]: %w", sc.Name, i, err)
				}
			}
			headers := http.Header{}
			for k, v := range t.Headers {
				headers.Set(k, v)
			}
			f.steps = append(f.steps, &sseOpen{target: t, url: url, headers: headers})
		default:
			return nil, fmt.Errorf("scenario %s: targets[%d]: unknown protocol %q", sc.Name, i, t.Protocol)
		}
	}
	flush()
	if len(f.steps) == 0 {
		return nil, fmt.Errorf("scenario %s: no targets", sc.Name)
	}
	return f, nil
}

// NewWorkload creates the clients of one VU. gRPC connections are dialled
// and their methods resolved here so a bad descriptor aborts setup instead
// of failing every iteration.
func (f *Factory) NewWorkload(ctx context.Context, vu int) (runner.Workload, error) {
	w := &vuWorkload{
		factory: f,
		grpc:    make(map[int]*grpcclient.Client),
	}
	for _, s := range f.steps {
		switch s := s.(type) {
		case *httpBatch:
			if w.http == nil {
				w.http = httpclient.NewClient(httpclient.ClientOptions{
					InsecureSkipTLSVerify: f.insecure,
					Tracer:                f.opts.Tracer,
					Propagate:             f.opts.Propagate,
				})
			}
		case *sseOpen:
			if w.sse == nil {
				w.sse = sse.NewClient(sse.Options{
					InsecureSkipTLSVerify: f.insecure,
					UserAgent:             f.userAgent,
					Tracer:                f.opts.Tracer,
					Propagate:             f.opts.Propagate,
				})
			}
		case *grpcCall:
			c, err := grpcclient.Dial(ctx, grpcclient.Options{
				Address:               s.target.Address,
				TLS:                   s.target.TLS,
				InsecureSkipTLSVerify: f.insecure,
				ProtoFile:             s.target.ProtoFile,
				Reflect:               s.target.Reflect,
				Metadata:              s.target.Metadata,
				Timeout:               s.target.Timeout,
				Tracer:                f.opts.Tracer,
				Propagate:             f.opts.Propagate,
				DialOptions:           f.opts.GRPCDialOptions,
			})
			if err != nil {
				_ = w.Close()
				return nil, err
			}
			w.grpc[s.index] = c
			if err := c.Resolve(ctx, s.method()); err != nil {
				_ = w.Close()
				return nil, fmt.Errorf("resolve %s: %w", s.method(), err)
			}
		}
	}
	f.opts.Logger.Debug("vu ready", zap.String("scenario", f.scenario), zap.Int("vu", vu))
	return w, nil
}

type vuWorkload struct {
	factory *Factory
	http    *httpclient.Client
	sse     *sse.Client
	grpc    map[int]*grpcclient.Client
}

func (w *vuWorkload) Run(ctx context.Context, it runner.Iteration) []outcome.Outcome {
	out := make([]outcome.Outcome, 0, len(w.factory.steps))
	for _, s := range w.factory.steps {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.run(ctx, w)...)
	}
	return out
}

func (w *vuWorkload) Close() error {
	var errs []error
	if w.http != nil {
		errs = append(errs, w.http.Close())
	}
	if w.sse != nil {
		errs = append(errs, w.sse.Close())
	}
	for _, c := range w.grpc {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// OpenStreams reports the SSE streams this VU currently holds.
func (w *vuWorkload) OpenStreams() int64 {
	if w.sse == nil {
		return 0
	}
	return w.sse.OpenStreams()
}

type step interface {
	run(ctx context.Context, w *vuWorkload) []outcome.Outcome
}

type httpBatch struct {
	builders []*httpclient.RequestBuilder
	checks   [][]config.Check
}

func (b *httpBatch) run(ctx context.Context, w *vuWorkload) []outcome.Outcome {
	responses := httpclient.Batch(ctx, w.http, b.builders, w.factory.batch)
	out := make([]outcome.Outcome, len(responses))
	for i, r := range responses {
		o := r.Outcome
		applyChecks(&o, b.checks[i], o.StatusCode, r.Body)
		out[i] = o
	}
	return out
}

type grpcCall struct {
	index  int
	target config.Target
}

func (g *grpcCall) method() string {
	return g.target.Service + "/" + g.target.RPCMethod
}

func (g *grpcCall) run(ctx context.Context, w *vuWorkload) []outcome.Outcome {
	r := w.grpc[g.index].Invoke(ctx, g.method(), g.target.Body)
	o := r.Outcome
	if g.target.Name != "" {
		o.Endpoint = g.target.Name
	}
	applyChecks(&o, g.target.Checks, int(r.Code), r.Body)
	return []outcome.Outcome{o}
}

type sseOpen struct {
	target  config.Target
	url     string
	headers http.Header
}

// run opens the stream, reads up to MaxEvents events (until the stream ends
// when MaxEvents is 0) and closes it on every path.
func (s *sseOpen) run(ctx context.Context, w *vuWorkload) []outcome.Outcome {
	start := time.Now()
	stream, err := w.sse.Open(ctx, s.url, s.headers)
	if err != nil {
		o := outcome.Failure(outcome.ProtocolSSE, s.target.Name, start, err)
		var se *outcome.StreamError
		if errors.As(err, &se) {
			o.StatusCode = se.Status
		}
		applyChecks(&o, s.target.Checks, o.StatusCode, nil)
		return []outcome.Outcome{o}
	}
	defer stream.Close()

	var (
		last    sse.Event
		readErr error
	)
	for s.target.MaxEvents == 0 || stream.Received() < s.target.MaxEvents {
		ev, err := stream.Next(s.target.Timeout)
		if err != nil {
			readErr = err
			break
		}
		last = ev
	}

	var o outcome.Outcome
	if readErr != nil && !(s.target.MaxEvents == 0 && endedByServer(readErr)) {
		o = outcome.Failure(outcome.ProtocolSSE, s.target.Name, start, readErr)
	} else {
		o = outcome.Success(outcome.ProtocolSSE, s.target.Name, start)
	}
	o.StatusCode = http.StatusOK
	o.Events = stream.Received()
	applyChecks(&o, s.target.Checks, o.StatusCode, []byte(last.Data))
	return []outcome.Outcome{o}
}

func endedByServer(err error) bool {
	return errors.Is(err, sse.ErrServerClosed)
}
