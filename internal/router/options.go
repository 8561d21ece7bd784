package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default router options.
const (
	DefaultAllowableBlockLag = 2
	DefaultHaltDetection     = 300 * time.Second
)

// LevelNotice sits between Info and Warn. It is used for changes to the
// active upstream set.
const LevelNotice = slog.LevelInfo + 2

// Options controls health checking and dispatch.
type Options struct {
	// AllowableBlockLag is how far behind the median height an upstream may
	// be and stay active.
	AllowableBlockLag int

	// HaltDetection is how long the median height may stay unchanged before
	// the chain is considered halted. Zero disables halt detection.
	HaltDetection time.Duration

	// LivelinessPollInterval is the period of the health check. Zero
	// disables periodic checks.
	LivelinessPollInterval time.Duration

	// BroadcastToAll sends eth_sendRawTransaction to every active upstream
	// at once instead of falling back one by one.
	BroadcastToAll bool

	// BroadcastOnlyToMEVProtected restricts eth_sendRawTransaction to
	// MEV-protected upstreams.
	BroadcastOnlyToMEVProtected bool

	// RetryBlockchainErrors treats blockchain errors (reverts, nonce
	// conflicts and the like) as ordinary failures that are retried and
	// fall back. By default they are returned from the first upstream that
	// reports them.
	RetryBlockchainErrors bool

	// GetBlockDiscoveryTime and SetBlockDiscoveryTime persist the time the
	// median height was first seen. Both or neither must be set; when unset
	// the record is kept in memory.
	//
	// GetBlockDiscoveryTime reports ok=false when height is newer than the
	// recorded one. SetBlockDiscoveryTime ignores heights not above the
	// recorded one and clears the record when at is the zero time.
	GetBlockDiscoveryTime func(ctx context.Context, height uint64) (at time.Time, ok bool, err error)
	SetBlockDiscoveryTime func(ctx context.Context, height uint64, at time.Time) error

	Logger  *slog.Logger
	Metrics Recorder

	// Now is the clock used for halt detection. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options used when nothing is overridden.
func DefaultOptions() Options {
	return Options{
		AllowableBlockLag: DefaultAllowableBlockLag,
		HaltDetection:     DefaultHaltDetection,
	}
}

// Validate checks option consistency.
func (o Options) Validate() error {
	if o.AllowableBlockLag < 0 {
		return fmt.Errorf("%w: allowable block lag cannot be negative", ErrInvalidConfiguration)
	}
	if o.HaltDetection < 0 {
		return fmt.Errorf("%w: halt detection cannot be negative", ErrInvalidConfiguration)
	}
	if o.LivelinessPollInterval < 0 {
		return fmt.Errorf("%w: liveliness poll interval cannot be negative", ErrInvalidConfiguration)
	}
	if (o.GetBlockDiscoveryTime == nil) != (o.SetBlockDiscoveryTime == nil) {
		return fmt.Errorf("%w: block discovery time accessors must be provided together", ErrInvalidConfiguration)
	}
	return nil
}

// Recorder receives router measurements. metrics.RouterMetrics implements it.
type Recorder interface {
	RecordRequest(method, outcome string, d time.Duration)
	RecordAttempt(upstreamID string, success bool, d time.Duration)
	RecordRetry(upstreamID string)
	RecordFallback(upstreamID string)
	RecordUpstreamHeight(upstreamID string, height uint64, fromCache bool)
	SetActiveUpstreams(n int)
	SetMedianHeight(height uint64)
	SetHalted(halted bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, string, time.Duration) {}
func (nopRecorder) RecordAttempt(string, bool, time.Duration)   {}
func (nopRecorder) RecordRetry(string)                          {}
func (nopRecorder) RecordFallback(string)                       {}
func (nopRecorder) RecordUpstreamHeight(string, uint64, bool)   {}
func (nopRecorder) SetActiveUpstreams(int)                      {}
func (nopRecorder) SetMedianHeight(uint64)                      {}
func (nopRecorder) SetHalted(bool)                              {}
