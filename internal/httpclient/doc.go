// Package httpclient issues HTTP requests for virtual users.
//
// # Request Building
//
// A [RequestBuilder] is created once per target and builds a fresh request
// for every iteration:
//
//	builder, err := httpclient.NewRequestBuilder(target, userAgent)
//	req, err := builder.Build(ctx)
//
// # HTTP Client
//
// [NewClient] creates a client with its own transport; each VU owns one, so
// connection pools are never shared between VUs:
//
//	client := httpclient.NewClient(httpclient.ClientOptions{Timeout: 60 * time.Second})
//	responses := httpclient.Batch(ctx, client, builders, 20)
//
// [Batch] mirrors a batch call of a load script: all requests are issued
// concurrently and the responses come back in input order, each carrying
// its own outcome.
package httpclient
