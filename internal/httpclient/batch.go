package httpclient

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/configcat/proxyload/internal/config"
)

// Batch issues every request concurrently, at most limit at a time, and
// returns the responses in input order. One failing request never affects
// the others.
func Batch(ctx context.Context, client *Client, reqs []*RequestBuilder, limit int) []Response {
	results := make([]Response, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	if limit <= 0 {
		limit = config.DefaultBatch
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, b := range reqs {
		g.Go(func() error {
			results[i] = client.Do(ctx, b)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
