package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

// FilterConsistentNetworks asks every upstream for its chain id in
// parallel. Unreachable upstreams are dropped. The remaining upstreams must
// all report the same id, which is returned with them in their original
// order.
func FilterConsistentNetworks(ctx context.Context, ups []*upstream.Upstream) (*big.Int, []*upstream.Upstream, error) {
	if len(ups) == 0 {
		return nil, nil, ErrNoProvider
	}

	ids := make([]*big.Int, len(ups))
	var g errgroup.Group
	for i, u := range ups {
		g.Go(func() error {
			id, err := u.ChainID(ctx)
			if err != nil {
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	var chainID *big.Int
	valid := make([]*upstream.Upstream, 0, len(ups))
	for i, id := range ids {
		if id == nil {
			continue
		}
		if chainID == nil {
			chainID = id
		} else if id.Cmp(chainID) != 0 {
			return nil, nil, fmt.Errorf("%w: upstream %s reports chain %s, upstream %s reports chain %s",
				ErrInconsistentNetworks, valid[0].ID(), chainID, ups[i].ID(), id)
		}
		valid = append(valid, ups[i])
	}

	if chainID == nil {
		return nil, nil, ErrCannotDetectNetworks
	}
	return chainID, valid, nil
}

// DetectNetwork checks that the configured upstreams agree on one chain
// and returns its id.
func (r *Router) DetectNetwork(ctx context.Context) (*big.Int, error) {
	chainID, valid, err := FilterConsistentNetworks(ctx, r.upstreams)
	if err != nil {
		return nil, err
	}
	if len(valid) < len(r.upstreams) {
		r.logger.Warn("some upstreams did not report a chain id",
			slog.Int("reachable", len(valid)),
			slog.Int("configured", len(r.upstreams)),
		)
	}
	return chainID, nil
}
