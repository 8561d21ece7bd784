// Package router presents several equivalent JSON-RPC upstreams as one
// endpoint. It sends each call to the first healthy upstream, retries and
// falls back on failure, and keeps the set of healthy upstreams current by
// comparing each upstream's block height to the median.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
	"github.com/gateway-fm/rpcfallback/pkg/types"
)

// HeightSample is one upstream's height as seen by a liveliness check.
type HeightSample struct {
	Height    uint64
	FromCache bool
}

// Router dispatches calls over an ordered list of upstreams.
type Router struct {
	upstreams []*upstream.Upstream
	opts      Options
	logger    *slog.Logger
	metrics   Recorder
	now       func() time.Time

	getDiscovery func(ctx context.Context, height uint64) (time.Time, bool, error)
	setDiscovery func(ctx context.Context, height uint64, at time.Time) error

	// Serialises liveliness checks.
	checkMu sync.Mutex

	mu        sync.RWMutex
	active    []*upstream.Upstream
	halted    bool
	started   bool
	destroyed bool
	samples   map[string]*HeightSample
	median    uint64
	lastCheck time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the upstream configs and options and returns a router
// with every upstream active. Call Start to begin liveliness checks.
func New(configs []upstream.Config, opts Options) (*Router, error) {
	if len(configs) == 0 {
		return nil, ErrNoProvider
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ups := make([]*upstream.Upstream, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	for i, cfg := range configs {
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		u, err := upstream.New(i, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: upstream %d: %v", ErrInvalidConfiguration, i, err)
		}
		if seen[u.ID()] {
			return nil, fmt.Errorf("%w: duplicate upstream id %q", ErrInvalidConfiguration, u.ID())
		}
		seen[u.ID()] = true
		ups = append(ups, u)
	}

	r := &Router{
		upstreams: ups,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		active:    ups,
		samples:   make(map[string]*HeightSample, len(ups)),
	}
	if r.metrics == nil {
		r.metrics = nopRecorder{}
	}
	if r.now == nil {
		r.now = time.Now
	}

	if opts.GetBlockDiscoveryTime != nil {
		r.getDiscovery = opts.GetBlockDiscoveryTime
		r.setDiscovery = opts.SetBlockDiscoveryTime
	} else {
		record := &discoveryRecord{}
		r.getDiscovery = record.get
		r.setDiscovery = record.set
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.metrics.SetActiveUpstreams(len(ups))
	return r, nil
}

// Start begins periodic liveliness checks when a poll interval is set.
// Calling Start more than once is a no-op.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrDestroyed
	}
	if r.started {
		return nil
	}
	r.started = true

	if r.opts.LivelinessPollInterval > 0 {
		r.wg.Add(1)
		go r.run(r.opts.LivelinessPollInterval)
	}
	return nil
}

func (r *Router) run(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			// Errors are logged by Check.
			_ = r.Check(r.ctx)
		}
	}
}

// Destroy stops liveliness checks and closes every upstream transport.
// Any later call fails with ErrDestroyed. Destroy is idempotent.
func (r *Router) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	for _, u := range r.upstreams {
		if err := u.Close(); err != nil {
			r.logger.Error("error destroying upstream",
				slog.String("upstream", u.ID()),
				slog.Any("error", err),
			)
		}
	}
}

// ActiveUpstreamCount returns the number of upstreams currently receiving calls.
func (r *Router) ActiveUpstreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// ActiveUpstreamIDs returns the active upstream ids in priority order.
func (r *Router) ActiveUpstreamIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return upstreamIDs(r.active)
}

// IsHalted reports whether the chain is considered halted.
func (r *Router) IsHalted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.halted
}

// IsDestroyed reports whether Destroy has been called.
func (r *Router) IsDestroyed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destroyed
}

// Upstreams returns every configured upstream in priority order.
func (r *Router) Upstreams() []*upstream.Upstream {
	return append([]*upstream.Upstream(nil), r.upstreams...)
}

// Status returns a snapshot of router state. Request counters and
// latencies are left for the caller to fill in.
func (r *Router) Status() types.RouterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make(map[string]bool, len(r.active))
	for _, u := range r.active {
		active[u.ID()] = true
	}

	status := types.RouterStatus{
		Halted:          r.halted,
		Destroyed:       r.destroyed,
		ActiveUpstreams: upstreamIDs(r.active),
		MedianHeight:    r.median,
		Upstreams:       make([]types.UpstreamStatus, 0, len(r.upstreams)),
	}
	if !r.lastCheck.IsZero() {
		t := r.lastCheck
		status.LastCheck = &t
	}

	for _, u := range r.upstreams {
		us := types.UpstreamStatus{
			ID:           u.ID(),
			Active:       active[u.ID()],
			MEVProtected: u.MEVProtected(),
		}
		if state, ok := u.State(); ok {
			us.Connection = state.String()
		}
		if s := r.samples[u.ID()]; s != nil {
			h := s.Height
			us.Height = &h
			us.FromCache = s.FromCache
		}
		status.Upstreams = append(status.Upstreams, us)
	}
	return status
}

// snapshot returns a copy of the active set, or the error a call must fail
// with in the current state.
func (r *Router) snapshot() ([]*upstream.Upstream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.destroyed {
		return nil, ErrDestroyed
	}
	if r.halted {
		return nil, ErrHalted
	}
	if len(r.active) == 0 {
		return nil, ErrAllProvidersUnavailable
	}
	return append([]*upstream.Upstream(nil), r.active...), nil
}

func upstreamIDs(ups []*upstream.Upstream) []string {
	ids := make([]string, len(ups))
	for i, u := range ups {
		ids[i] = u.ID()
	}
	return ids
}
