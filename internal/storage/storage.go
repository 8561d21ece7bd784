// Package storage persists upstream heights and the block discovery record
// so they survive restarts and can be shared between router instances.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("store closed")

// HeightRecord is the last live height seen for an upstream.
type HeightRecord struct {
	UpstreamID string    `json:"upstreamId"`
	Height     uint64    `json:"height"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store defines the persistence interface used by the router.
type Store interface {
	// Per-upstream height cache. Height reports a miss for records stored
	// at or before notBefore; a zero notBefore accepts any age.
	Height(ctx context.Context, upstreamID string, notBefore time.Time) (height uint64, ok bool, err error)
	SetHeight(ctx context.Context, upstreamID string, height uint64, at time.Time) error
	Heights(ctx context.Context) ([]HeightRecord, error)

	// Block discovery record. BlockDiscoveryTime reports ok=false for
	// heights above the recorded one. SetBlockDiscoveryTime ignores heights
	// not above the recorded one, and a zero time clears the record.
	BlockDiscoveryTime(ctx context.Context, height uint64) (at time.Time, ok bool, err error)
	SetBlockDiscoveryTime(ctx context.Context, height uint64, at time.Time) error

	// Lifecycle
	Close() error
}

// HeightCache binds the height cache of s to one upstream, in the shape
// upstream.Config expects. Heights older than maxAge are reported as a
// miss so the upstream is queried live again; maxAge <= 0 never expires.
// now defaults to time.Now.
func HeightCache(s Store, upstreamID string, maxAge time.Duration, now func() time.Time) (
	get func(ctx context.Context) (uint64, bool, error),
	set func(ctx context.Context, height uint64) error,
) {
	if now == nil {
		now = time.Now
	}
	get = func(ctx context.Context) (uint64, bool, error) {
		var notBefore time.Time
		if maxAge > 0 {
			notBefore = now().Add(-maxAge)
		}
		return s.Height(ctx, upstreamID, notBefore)
	}
	set = func(ctx context.Context, height uint64) error {
		return s.SetHeight(ctx, upstreamID, height, now())
	}
	return get, set
}

func fresh(updatedAt, notBefore time.Time) bool {
	return notBefore.IsZero() || updatedAt.After(notBefore)
}

// Open opens the store selected by driver ("sqlite" or "bolt") at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLiteStore(path)
	case "bolt", "bbolt":
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
