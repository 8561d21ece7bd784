package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

const (
	methodChainID            = "eth_chainId"
	methodSendRawTransaction = "eth_sendRawTransaction"
)

// Send dispatches a JSON-RPC call. Upstreams are tried in configured order;
// each is retried according to its own policy before the next one is
// used. Failures are returned as *UpstreamExhaustedError listing the
// upstreams that were tried.
//
// eth_chainId is answered by checking that the active upstreams agree on
// the chain. eth_sendRawTransaction honours BroadcastOnlyToMEVProtected and
// BroadcastToAll. A call still in flight when the router is destroyed is
// abandoned, retries included, and fails with ErrDestroyed.
func (r *Router) Send(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	res, err := r.send(ctx, method, params)
	if err != nil && r.ctx.Err() != nil && !errors.Is(err, ErrDestroyed) {
		err = fmt.Errorf("%w: %w", ErrDestroyed, err)
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.metrics.RecordRequest(method, outcome, time.Since(start))
	return res, err
}

func (r *Router) send(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	active, err := r.snapshot()
	if err != nil {
		return nil, err
	}

	logger := r.logger.With(
		slog.String("trace_id", uuid.NewString()),
		slog.String("method", method),
	)

	switch method {
	case methodChainID:
		chainID, _, err := FilterConsistentNetworks(ctx, active)
		if err != nil {
			return nil, err
		}
		return json.Marshal(hexutil.EncodeBig(chainID))

	case methodSendRawTransaction:
		if r.opts.BroadcastOnlyToMEVProtected {
			active = mevProtected(active)
			if len(active) == 0 {
				return nil, fmt.Errorf("%w: no MEV-protected upstream is active", ErrAllProvidersUnavailable)
			}
		}
		if r.opts.BroadcastToAll {
			return r.broadcast(ctx, logger, active, method, params)
		}
	}

	var attempted []string
	res, err := r.fallback(ctx, logger, active, method, params, &attempted)
	if err != nil {
		return nil, &UpstreamExhaustedError{Attempted: attempted, Err: err}
	}
	return res, nil
}

// fallback tries ups in order and returns the first success. The ids of
// upstreams that were sent the call are appended to attempted.
func (r *Router) fallback(ctx context.Context, logger *slog.Logger, ups []*upstream.Upstream, method string, params []any, attempted *[]string) (json.RawMessage, error) {
	useFallback := true

	for i := 0; i < len(ups); i++ {
		u := ups[i]
		last := i == len(ups)-1

		if state, ok := u.State(); ok {
			switch state {
			case upstream.StateClosing, upstream.StateClosed:
				logger.Warn("upstream websocket closed", slog.String("upstream", u.ID()))
				if last {
					return nil, fmt.Errorf("upstream %s websocket closed: %w", u.ID(), ErrNoFallback)
				}
				r.metrics.RecordFallback(u.ID())
				continue

			case upstream.StateConnecting:
				if !last {
					logger.Warn("upstream websocket not ready, falling back",
						slog.String("upstream", u.ID()),
						slog.String("next", ups[i+1].ID()),
					)
					r.metrics.RecordFallback(u.ID())
					res, err := r.fallback(ctx, logger, ups[i+1:], method, params, attempted)
					if err == nil {
						return res, nil
					}
					logger.Warn("fallback failed, trying connecting websocket",
						slog.String("upstream", u.ID()),
						slog.Any("error", err),
					)
				}
				// The rest of the chain has been tried already.
				useFallback = false
			}
		}

		*attempted = append(*attempted, u.ID())
		res, err := r.attempt(ctx, u, method, params)
		if err == nil {
			return res, nil
		}

		if !r.opts.RetryBlockchainErrors && IsBlockchainError(err) {
			return nil, err
		}
		if last || !useFallback || ctx.Err() != nil {
			return nil, err
		}

		logger.Warn("upstream call failed, falling back",
			slog.String("upstream", u.ID()),
			slog.String("next", ups[i+1].ID()),
			slog.Any("error", err),
		)
		r.metrics.RecordFallback(u.ID())
	}

	return nil, ErrAllProvidersUnavailable
}

// attempt sends the call to one upstream using its retry policy.
func (r *Router) attempt(ctx context.Context, u *upstream.Upstream, method string, params []any) (json.RawMessage, error) {
	start := time.Now()
	res, err := u.Do(ctx, method, params, upstream.RetryHooks{
		RetryIf: func(err error) bool {
			return r.opts.RetryBlockchainErrors || !IsBlockchainError(err)
		},
		OnRetry: func(int, time.Duration, error) {
			r.metrics.RecordRetry(u.ID())
		},
	})
	r.metrics.RecordAttempt(u.ID(), err == nil, time.Since(start))
	return res, err
}

func mevProtected(ups []*upstream.Upstream) []*upstream.Upstream {
	out := make([]*upstream.Upstream, 0, len(ups))
	for _, u := range ups {
		if u.MEVProtected() {
			out = append(out, u)
		}
	}
	return out
}
