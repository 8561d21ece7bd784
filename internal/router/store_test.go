package router

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/gateway-fm/rpcfallback/internal/storage"
	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

// persistentRouter wires fakes through a real store for both the height
// cache and the discovery record, the way cmd/rpcfallback does.
func persistentRouter(t *testing.T, s storage.Store, clock *fakeClock, ttl time.Duration, fakes map[string]*fakeTransport) *Router {
	t.Helper()

	opts := testOptions()
	opts.HaltDetection = 300 * time.Second
	opts.Now = clock.Now
	opts.GetBlockDiscoveryTime = s.BlockDiscoveryTime
	opts.SetBlockDiscoveryTime = s.SetBlockDiscoveryTime

	var configs []upstream.Config
	for _, id := range []string{"a", "b", "c"} {
		c := cfg(id, fakes[id])
		c.GetCachedHeight, c.SetCachedHeight = storage.HeightCache(s, id, ttl, clock.Now)
		configs = append(configs, c)
	}
	return newTestRouter(t, opts, configs...)
}

func openStores(t *testing.T) map[string]storage.Store {
	t.Helper()
	stores := make(map[string]storage.Store)
	for _, driver := range []string{"sqlite", "bolt"} {
		s, err := storage.Open(driver, filepath.Join(t.TempDir(), driver+".db"))
		if err != nil {
			t.Fatalf("Open(%q) error = %v", driver, err)
		}
		t.Cleanup(func() { s.Close() })
		stores[driver] = s
	}
	return stores
}

func TestCheckPersistentCacheFollowsChain(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fakes := map[string]*fakeTransport{"a": newFake(`"a"`), "b": newFake(`"b"`), "c": newFake(`"c"`)}
			r := persistentRouter(t, s, clock, 60*time.Second, fakes)
			ctx := context.Background()

			for i, height := range []uint64{100, 110, 120, 130, 140} {
				if i > 0 {
					clock.Advance(100 * time.Second)
				}
				for _, f := range fakes {
					f.setHeight(height, nil)
				}
				if err := r.Check(ctx); err != nil {
					t.Fatalf("tick %d: Check() error = %v", i, err)
				}

				st := r.Status()
				if st.MedianHeight != height {
					t.Errorf("tick %d: MedianHeight = %d, want %d", i, st.MedianHeight, height)
				}
				if r.IsHalted() {
					t.Errorf("tick %d: IsHalted() = true while every upstream advanced", i)
				}
				for _, u := range st.Upstreams {
					if u.FromCache {
						t.Errorf("tick %d: upstream %s sampled from an expired cache entry", i, u.ID)
					}
				}
			}

			if _, err := r.Send(ctx, "eth_call", nil); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		})
	}
}

func TestCheckPersistentCacheWithinTTL(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fakes := map[string]*fakeTransport{"a": newFake(`"a"`), "b": newFake(`"b"`), "c": newFake(`"c"`)}
			r := persistentRouter(t, s, clock, 60*time.Second, fakes)
			ctx := context.Background()

			if err := r.Check(ctx); err != nil {
				t.Fatalf("Check() error = %v", err)
			}

			// Within the TTL the stored heights answer and the endpoints
			// are left alone.
			clock.Advance(30 * time.Second)
			for _, f := range fakes {
				f.setHeight(105, nil)
			}
			if err := r.Check(ctx); err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			for id, f := range fakes {
				if got := f.heightCalls.Load(); got != 1 {
					t.Errorf("upstream %s queried %d times, want 1", id, got)
				}
			}
			if got := r.Status().MedianHeight; got != 100 {
				t.Errorf("MedianHeight = %d, want cached 100", got)
			}

			clock.Advance(30 * time.Second)
			if err := r.Check(ctx); err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if got := r.Status().MedianHeight; got != 105 {
				t.Errorf("MedianHeight = %d after expiry, want 105", got)
			}
		})
	}
}

func TestCheckPersistentCacheDropsLaggingUpstream(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fakes := map[string]*fakeTransport{"a": newFake(`"a"`), "b": newFake(`"b"`), "c": newFake(`"c"`)}
			r := persistentRouter(t, s, clock, 60*time.Second, fakes)
			ctx := context.Background()

			if err := r.Check(ctx); err != nil {
				t.Fatalf("Check() error = %v", err)
			}

			// c stalls at 100 while the others move on.
			clock.Advance(100 * time.Second)
			fakes["a"].setHeight(150, nil)
			fakes["b"].setHeight(150, nil)
			if err := r.Check(ctx); err != nil {
				t.Fatalf("Check() error = %v", err)
			}

			want := []string{"a", "b"}
			if got := r.ActiveUpstreamIDs(); !slices.Equal(got, want) {
				t.Errorf("ActiveUpstreamIDs() = %v, want %v", got, want)
			}
		})
	}
}
