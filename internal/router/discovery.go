package router

import (
	"context"
	"sync"
	"time"
)

// discoveryRecord is the in-memory block discovery record used when no
// external accessors are configured. It remembers only the highest median
// seen and when it was first seen.
type discoveryRecord struct {
	mu     sync.Mutex
	height uint64
	valid  bool
	at     time.Time
}

// get returns the discovery time of the recorded height when height is not
// above it. A newer height is reported as not found.
func (d *discoveryRecord) get(_ context.Context, height uint64) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.valid || height > d.height {
		return time.Time{}, false, nil
	}
	return d.at, true, nil
}

// set records at as the discovery time of height. Heights at or below the
// recorded one are ignored; a zero at clears the record.
func (d *discoveryRecord) set(_ context.Context, height uint64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if at.IsZero() {
		d.valid = false
		d.height = 0
		d.at = time.Time{}
		return nil
	}
	if d.valid && height <= d.height {
		return nil
	}
	d.height = height
	d.at = at
	d.valid = true
	return nil
}
