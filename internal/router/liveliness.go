package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

// Check runs one liveliness check: it samples every configured upstream's
// height, keeps upstreams within AllowableBlockLag of the median active and
// updates the halted flag. Checks never overlap.
//
// If no upstream reports a height the active set is emptied and
// ErrAllProvidersUnavailable is returned. Other failures leave the router
// state as it was.
func (r *Router) Check(ctx context.Context) error {
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	if r.IsDestroyed() {
		return ErrDestroyed
	}

	err := r.check(ctx)
	if err == nil {
		return nil
	}

	r.logger.Error("liveliness check failed", slog.Any("error", err))
	if errors.Is(err, ErrAllProvidersUnavailable) {
		r.setActive(nil)
	}
	return err
}

func (r *Router) check(ctx context.Context) error {
	samples := r.sampleHeights(ctx)
	now := r.now()

	heights := make([]uint64, 0, len(samples))
	for _, s := range samples {
		if s != nil {
			heights = append(heights, s.Height)
		}
	}
	if len(heights) == 0 {
		r.recordSamples(samples, 0, now)
		return ErrAllProvidersUnavailable
	}

	median := Median(heights)
	minHeight := uint64(0)
	if lag := uint64(r.opts.AllowableBlockLag); median > lag {
		minHeight = median - lag
	}

	active := make([]*upstream.Upstream, 0, len(r.upstreams))
	for i, s := range samples {
		if s != nil && s.Height >= minHeight {
			active = append(active, r.upstreams[i])
		}
	}

	if r.IsDestroyed() {
		return ErrDestroyed
	}
	r.recordSamples(samples, median, now)
	r.setActive(active)
	r.storeHeights(ctx, samples)

	discoveredAt, ok, err := r.getDiscovery(ctx, median)
	if err != nil {
		return fmt.Errorf("get block discovery time: %w", err)
	}
	if !ok {
		if err := r.setDiscovery(ctx, median, now); err != nil {
			return fmt.Errorf("set block discovery time: %w", err)
		}
		r.setHalted(false, median, 0)
		return nil
	}

	halted := false
	stalled := time.Duration(now.Unix()-discoveredAt.Unix()) * time.Second
	if r.opts.HaltDetection > 0 {
		halted = now.Unix()-discoveredAt.Unix() > int64(r.opts.HaltDetection/time.Second)
	}
	r.setHalted(halted, median, stalled)
	return nil
}

// sampleHeights queries every configured upstream concurrently. Unreachable
// upstreams yield a nil sample.
func (r *Router) sampleHeights(ctx context.Context) []*HeightSample {
	samples := make([]*HeightSample, len(r.upstreams))

	var g errgroup.Group
	for i, u := range r.upstreams {
		g.Go(func() error {
			samples[i] = r.sampleHeight(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	return samples
}

func (r *Router) sampleHeight(ctx context.Context, u *upstream.Upstream) *HeightSample {
	if u.HasCache() {
		height, ok, err := u.CachedHeight(ctx)
		switch {
		case err != nil:
			r.logger.Warn("reading cached block number failed",
				slog.String("upstream", u.ID()),
				slog.Any("error", err),
			)
		case ok:
			return &HeightSample{Height: height, FromCache: true}
		}
	}

	height, err := u.BlockNumber(ctx)
	if err != nil {
		r.logger.Debug("upstream block number unavailable",
			slog.String("upstream", u.ID()),
			slog.Any("error", err),
		)
		return nil
	}
	return &HeightSample{Height: height}
}

// storeHeights writes live samples back to the upstreams' external caches.
func (r *Router) storeHeights(ctx context.Context, samples []*HeightSample) {
	for i, s := range samples {
		u := r.upstreams[i]
		if s == nil || s.FromCache {
			continue
		}
		if err := u.StoreHeight(ctx, s.Height); err != nil {
			r.logger.Warn("storing block number failed",
				slog.String("upstream", u.ID()),
				slog.Uint64("height", s.Height),
				slog.Any("error", err),
			)
		}
	}
}

func (r *Router) recordSamples(samples []*HeightSample, median uint64, now time.Time) {
	r.mu.Lock()
	for i, s := range samples {
		r.samples[r.upstreams[i].ID()] = s
	}
	if median > 0 {
		r.median = median
	}
	r.lastCheck = now
	r.mu.Unlock()

	for i, s := range samples {
		if s != nil {
			r.metrics.RecordUpstreamHeight(r.upstreams[i].ID(), s.Height, s.FromCache)
		}
	}
	if median > 0 {
		r.metrics.SetMedianHeight(median)
	}
}

// setActive replaces the active set and logs membership changes.
func (r *Router) setActive(next []*upstream.Upstream) {
	r.mu.Lock()
	prev := r.active
	r.active = next
	r.mu.Unlock()

	r.metrics.SetActiveUpstreams(len(next))

	added, removed := diffUpstreams(prev, next)
	for _, id := range added {
		r.logger.Info("upstream added to active set", slog.String("upstream", id))
	}
	for _, id := range removed {
		r.logger.Info("upstream removed from active set", slog.String("upstream", id))
	}
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Log(context.Background(), LevelNotice, "active upstream set changed",
			slog.Int("active", len(next)),
			slog.Int("configured", len(r.upstreams)),
			slog.Any("upstreams", upstreamIDs(next)),
		)
	}
}

func (r *Router) setHalted(halted bool, median uint64, stalled time.Duration) {
	r.mu.Lock()
	was := r.halted
	r.halted = halted
	r.mu.Unlock()

	r.metrics.SetHalted(halted)

	switch {
	case halted && !was:
		r.logger.Error("chain halted",
			slog.Uint64("height", median),
			slog.Duration("stalled", stalled),
		)
	case !halted && was:
		r.logger.Log(context.Background(), LevelNotice, "chain resumed", slog.Uint64("height", median))
	}
}

// Median returns the median of heights. For an even count it is the floor
// of the mean of the two middle values. Median of an empty slice is 0.
func Median(heights []uint64) uint64 {
	if len(heights) == 0 {
		return 0
	}
	sorted := slices.Clone(heights)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	a, b := sorted[mid-1], sorted[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}

// diffUpstreams returns the ids present only in next and only in prev.
func diffUpstreams(prev, next []*upstream.Upstream) (added, removed []string) {
	inPrev := make(map[string]bool, len(prev))
	for _, u := range prev {
		inPrev[u.ID()] = true
	}
	inNext := make(map[string]bool, len(next))
	for _, u := range next {
		inNext[u.ID()] = true
		if !inPrev[u.ID()] {
			added = append(added, u.ID())
		}
	}
	for _, u := range prev {
		if !inNext[u.ID()] {
			removed = append(removed, u.ID())
		}
	}
	return added, removed
}
