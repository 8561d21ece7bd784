package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

type broadcastResult struct {
	index  int
	result json.RawMessage
	err    error
}

// broadcast sends the call to every upstream in ups at once and returns
// the first success. Each leg retries on its own upstream only. Legs still
// running when a result is returned are left to finish in the background.
// If every leg fails, the error of the first upstream in ups is returned.
func (r *Router) broadcast(ctx context.Context, logger *slog.Logger, ups []*upstream.Upstream, method string, params []any) (json.RawMessage, error) {
	// A transaction already handed to some upstreams should still reach the
	// rest after the caller has its answer.
	legCtx := context.WithoutCancel(ctx)

	results := make(chan broadcastResult, len(ups))
	for i, u := range ups {
		go func() {
			var attempted []string
			res, err := r.fallback(legCtx, logger, []*upstream.Upstream{u}, method, params, &attempted)
			results <- broadcastResult{index: i, result: res, err: err}
		}()
	}

	errs := make([]error, len(ups))
	for range ups {
		br := <-results
		if br.err == nil {
			return br.result, nil
		}
		logger.Debug("broadcast leg failed",
			slog.String("upstream", ups[br.index].ID()),
			slog.Any("error", br.err),
		)
		errs[br.index] = br.err
	}

	return nil, &UpstreamExhaustedError{Attempted: upstreamIDs(ups), Err: errs[0]}
}
