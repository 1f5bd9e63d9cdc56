package grpcclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"

	"github.com/configcat/proxyload/internal/outcome"
	"github.com/configcat/proxyload/internal/tracing"
)

// Options configure a per-VU gRPC client.
type Options struct {
	Address               string
	TLS                   bool
	InsecureSkipTLSVerify bool
	ProtoFile             string
	Reflect               bool // fall back to server reflection
	Metadata              map[string]string
	Timeout               time.Duration
	Tracer                trace.Tracer
	Propagate             bool
	DialOptions           []grpc.DialOption
}

// Client holds one connection and a descriptor cache. It is owned by a
// single VU.
type Client struct {
	address   string
	conn      *grpc.ClientConn
	md        metadata.MD
	timeout   time.Duration
	tracer    trace.Tracer
	propagate bool

	resolver *resolver

	mu     sync.Mutex
	closed bool
}

// Response pairs a call outcome with the JSON encoded response message.
// Code is meaningful only when Outcome.Status is set.
type Response struct {
	Outcome outcome.Outcome
	Body    []byte
	Code    codes.Code
}

// Dial creates the client connection. grpc.NewClient does not block, so the
// first Invoke performs the actual handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("grpc address is required")
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(transportCredentials(opts))}
	dialOpts = append(dialOpts, opts.DialOptions...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", address, err)
	}

	return &Client{
		address:   address,
		conn:      conn,
		md:        buildMetadata(opts.Metadata),
		timeout:   opts.Timeout,
		tracer:    opts.Tracer,
		propagate: opts.Propagate,
		resolver:  newResolver(conn, opts.ProtoFile, opts.Reflect),
	}, nil
}

func transportCredentials(opts Options) credentials.TransportCredentials {
	if !opts.TLS {
		return insecure.NewCredentials()
	}
	if opts.InsecureSkipTLSVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
	}
	return credentials.NewClientTLSFromCert(nil, "")
}

func buildMetadata(values map[string]string) metadata.MD {
	md := metadata.MD{}
	for key, value := range values {
		k := strings.ToLower(strings.TrimSpace(key))
		if k == "" {
			continue
		}
		md.Set(k, value)
	}
	return md
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Resolve loads and caches the descriptor of fullMethod ("pkg.Service/Method").
func (c *Client) Resolve(ctx context.Context, fullMethod string) error {
	_, err := c.resolver.method(ctx, fullMethod)
	return err
}

// Invoke performs a unary call with a JSON encoded request. A non-OK status
// yields a failed outcome carrying an RPCError.
func (c *Client) Invoke(ctx context.Context, fullMethod, payload string) Response {
	start := time.Now()
	endpoint := strings.TrimPrefix(fullMethod, "/")

	var span trace.Span
	callCtx := ctx
	if c.tracer != nil {
		callCtx, span = tracing.StartRequestSpan(callCtx, c.tracer, outcome.ProtocolGRPC, endpoint)
	}
	resp := c.invoke(ctx, callCtx, endpoint, payload, start)
	if span != nil {
		tracing.EndSpan(span, resp.Outcome.Err, tracing.AttrGRPCStatusCode.String(resp.Outcome.Status))
	}
	return resp
}

func (c *Client) invoke(parent, ctx context.Context, endpoint, payload string, start time.Time) Response {
	// Failures that never reached the server report Unknown, or the code
	// matching a context error, so a failed call never looks like OK.
	fail := func(err error) Response {
		o := outcome.Failure(outcome.ProtocolGRPC, endpoint, start, err)
		code := codes.Unknown
		var rpc *outcome.RPCError
		switch {
		case errors.As(err, &rpc):
			o.Status = rpc.Code
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			code = status.FromContextError(err).Code()
		}
		return Response{Outcome: o, Code: code}
	}

	method, err := c.resolver.method(ctx, endpoint)
	if err != nil {
		return fail(&outcome.TransportError{Op: "resolve", URL: c.address, Err: err})
	}

	req := dynamic.NewMessage(method.GetInputType())
	body := strings.TrimSpace(payload)
	if body == "" {
		body = "{}"
	}
	if err := req.UnmarshalJSON([]byte(body)); err != nil {
		return fail(&outcome.TransportError{Op: "encode", URL: c.address, Err: err})
	}
	resp := dynamic.NewMessage(method.GetOutputType())

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	md := c.md.Copy()
	if c.propagate {
		tracing.InjectGRPCMetadata(ctx, md)
	}
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	fullMethod := "/" + method.GetService().GetFullyQualifiedName() + "/" + method.GetName()
	err = c.conn.Invoke(ctx, fullMethod, protoadapt.MessageV2Of(req), protoadapt.MessageV2Of(resp))
	if err != nil {
		if parentErr := parent.Err(); parentErr != nil {
			return fail(fmt.Errorf("%s: %w", endpoint, parentErr))
		}
		st := status.Convert(err)
		r := fail(&outcome.RPCError{Code: st.Code().String(), Message: st.Message()})
		r.Code = st.Code()
		return r
	}

	o := outcome.Success(outcome.ProtocolGRPC, endpoint, start)
	o.Status = codes.OK.String()
	out, err := resp.MarshalJSON()
	if err != nil {
		out = nil
	}
	return Response{Outcome: o, Body: out, Code: codes.OK}
}

// Close releases the reflection stream and the connection. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.resolver.reset()
	return c.conn.Close()
}
