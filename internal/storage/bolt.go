package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for BoltDB.
var (
	// bucketHeights maps upstream id to height and update time.
	bucketHeights = []byte("upstream_heights")

	// bucketDiscovery holds the single block discovery record.
	bucketDiscovery = []byte("block_discovery")
)

var keyDiscovery = []byte("latest")

// BoltStore implements Store using an embedded BoltDB file. Unlike
// SQLiteStore the file is locked by one process at a time.
type BoltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// NewBoltStore creates or opens a BoltDB store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketHeights, bucketDiscovery} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(fn)
}

// encodeRecord packs a height and a unix-millisecond timestamp.
func encodeRecord(height uint64, at time.Time) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], uint64(at.UnixMilli()))
	return buf
}

func decodeRecord(buf []byte) (uint64, time.Time, error) {
	if len(buf) != 16 {
		return 0, time.Time{}, fmt.Errorf("corrupt record: %d bytes", len(buf))
	}
	height := binary.BigEndian.Uint64(buf[:8])
	at := time.UnixMilli(int64(binary.BigEndian.Uint64(buf[8:])))
	return height, at, nil
}

// Height returns the cached height of an upstream if it was stored after
// notBefore.
func (s *BoltStore) Height(_ context.Context, upstreamID string, notBefore time.Time) (uint64, bool, error) {
	var (
		height uint64
		ok     bool
	)
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeights).Get([]byte(upstreamID))
		if v == nil {
			return nil
		}
		h, at, err := decodeRecord(v)
		if err != nil {
			return err
		}
		if fresh(at, notBefore) {
			height, ok = h, true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("read height: %w", err)
	}
	return height, ok, nil
}

// SetHeight stores the height of an upstream, replacing the previous one.
func (s *BoltStore) SetHeight(_ context.Context, upstreamID string, height uint64, at time.Time) error {
	err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeights).Put([]byte(upstreamID), encodeRecord(height, at))
	})
	if err != nil {
		return fmt.Errorf("store height: %w", err)
	}
	return nil
}

// Heights lists every cached height ordered by upstream id.
func (s *BoltStore) Heights(_ context.Context) ([]HeightRecord, error) {
	var records []HeightRecord
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeights).ForEach(func(k, v []byte) error {
			h, at, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("upstream %s: %w", k, err)
			}
			records = append(records, HeightRecord{UpstreamID: string(k), Height: h, UpdatedAt: at})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list heights: %w", err)
	}
	return records, nil
}

// BlockDiscoveryTime returns when the recorded height was first seen, if
// height is not above it.
func (s *BoltStore) BlockDiscoveryTime(_ context.Context, height uint64) (time.Time, bool, error) {
	var (
		at time.Time
		ok bool
	)
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDiscovery).Get(keyDiscovery)
		if v == nil {
			return nil
		}
		recorded, recordedAt, err := decodeRecord(v)
		if err != nil {
			return err
		}
		if height <= recorded {
			at, ok = recordedAt, true
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read block discovery: %w", err)
	}
	return at, ok, nil
}

// SetBlockDiscoveryTime records at for height when height is above the
// recorded one. A zero at clears the record.
func (s *BoltStore) SetBlockDiscoveryTime(_ context.Context, height uint64, at time.Time) error {
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDiscovery)
		if at.IsZero() {
			return b.Delete(keyDiscovery)
		}
		if v := b.Get(keyDiscovery); v != nil {
			recorded, _, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if height <= recorded {
				return nil
			}
		}
		return b.Put(keyDiscovery, encodeRecord(height, at))
	})
	if err != nil {
		return fmt.Errorf("store block discovery: %w", err)
	}
	return nil
}
