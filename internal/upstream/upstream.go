// Package upstream holds a single JSON-RPC endpoint together with its
// dispatch policy: retry count, per-attempt timeout, jittered retry delay,
// MEV protection flag and the optional external height cache.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/gateway-fm/rpcfallback/internal/ratelimit"
)

// Default per-upstream policy values.
const (
	DefaultRetries    = 0
	DefaultTimeout    = 3 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
)

// ConnectionState is the readiness of a connection-oriented transport.
// Values follow the websocket readyState numbering.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is a single-endpoint JSON-RPC capability.
type Transport interface {
	// Call sends one JSON-RPC request and returns the raw result.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// ChainID returns the network identifier reported by the endpoint.
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the latest block height reported by the endpoint.
	BlockNumber(ctx context.Context) (uint64, error)

	// Close releases the transport. It must be safe to call more than once.
	Close() error
}

// StatefulTransport is implemented by transports that hold a long-lived
// connection (websockets) and can report whether it is usable.
type StatefulTransport interface {
	Transport
	ConnectionState() ConnectionState
}

var (
	// ErrTimeout is returned when an attempt does not finish within the
	// upstream timeout.
	ErrTimeout = errors.New("timeout exceeded")

	errNoTransport = errors.New("transport is required")
)

// Config describes one upstream as supplied by the caller.
type Config struct {
	Transport Transport

	// ID identifies the upstream in logs and errors. Defaults to its index.
	ID string

	Retries      int
	Timeout      time.Duration
	RetryDelay   time.Duration
	MEVProtected bool

	// GetCachedHeight returns a height from an external cache. The bool is
	// false on a cache miss.
	GetCachedHeight func(ctx context.Context) (uint64, bool, error)
	// SetCachedHeight stores a height fetched live from the endpoint.
	SetCachedHeight func(ctx context.Context, height uint64) error

	// Limiter throttles attempts against this upstream when set.
	Limiter *ratelimit.Limiter

	Logger *slog.Logger
}

// Upstream is a validated Config with defaults applied.
type Upstream struct {
	id           string
	transport    Transport
	retries      int
	timeout      time.Duration
	retryDelay   time.Duration
	mevProtected bool
	getCached    func(ctx context.Context) (uint64, bool, error)
	setCached    func(ctx context.Context, height uint64) error
	limiter      *ratelimit.Limiter
	logger       *slog.Logger
}

// New validates cfg and applies defaults. index is the upstream's position
// in the configured list and becomes its ID when none is given.
func New(index int, cfg Config) (*Upstream, error) {
	if cfg.Transport == nil {
		return nil, errNoTransport
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries cannot be negative: %d", cfg.Retries)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative: %s", cfg.Timeout)
	}
	if cfg.RetryDelay < 0 {
		return nil, fmt.Errorf("retry delay cannot be negative: %s", cfg.RetryDelay)
	}

	u := &Upstream{
		id:           cfg.ID,
		transport:    cfg.Transport,
		retries:      cfg.Retries,
		timeout:      cfg.Timeout,
		retryDelay:   cfg.RetryDelay,
		mevProtected: cfg.MEVProtected,
		getCached:    cfg.GetCachedHeight,
		setCached:    cfg.SetCachedHeight,
		limiter:      cfg.Limiter,
		logger:       cfg.Logger,
	}
	if u.id == "" {
		u.id = strconv.Itoa(index)
	}
	if u.timeout == 0 {
		u.timeout = DefaultTimeout
	}
	if u.retryDelay == 0 {
		u.retryDelay = DefaultRetryDelay
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	return u, nil
}

func (u *Upstream) ID() string                { return u.id }
func (u *Upstream) Retries() int              { return u.retries }
func (u *Upstream) Timeout() time.Duration    { return u.timeout }
func (u *Upstream) RetryDelay() time.Duration { return u.retryDelay }
func (u *Upstream) MEVProtected() bool        { return u.mevProtected }
func (u *Upstream) Transport() Transport      { return u.transport }

// State reports the transport's connection state. ok is false for
// transports without a connection concept.
func (u *Upstream) State() (state ConnectionState, ok bool) {
	st, ok := u.transport.(StatefulTransport)
	if !ok {
		return StateOpen, false
	}
	return st.ConnectionState(), true
}

// Call performs a single attempt bounded by the upstream timeout.
func (u *Upstream) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if err := u.wait(ctx); err != nil {
		return nil, err
	}
	return WithTimeout(ctx, u.timeout, func(ctx context.Context) (json.RawMessage, error) {
		return u.transport.Call(ctx, method, params)
	})
}

// ChainID asks the endpoint for its network identifier with a single
// attempt bounded by the upstream timeout.
func (u *Upstream) ChainID(ctx context.Context) (*big.Int, error) {
	if err := u.wait(ctx); err != nil {
		return nil, err
	}
	return WithTimeout(ctx, u.timeout, u.transport.ChainID)
}

// BlockNumber fetches the live height using the upstream's retry policy.
func (u *Upstream) BlockNumber(ctx context.Context) (uint64, error) {
	return doWithRetry(ctx, u, "eth_blockNumber", RetryHooks{}, func(ctx context.Context) (uint64, error) {
		if err := u.wait(ctx); err != nil {
			return 0, err
		}
		return WithTimeout(ctx, u.timeout, u.transport.BlockNumber)
	})
}

// HasCache reports whether an external height cache is configured.
func (u *Upstream) HasCache() bool {
	return u.getCached != nil
}

// CachedHeight reads the external cache. ok is false on a miss or when no
// cache is configured.
func (u *Upstream) CachedHeight(ctx context.Context) (height uint64, ok bool, err error) {
	if u.getCached == nil {
		return 0, false, nil
	}
	return u.getCached(ctx)
}

// StoreHeight writes a live height to the external cache, if any.
func (u *Upstream) StoreHeight(ctx context.Context, height uint64) error {
	if u.setCached == nil {
		return nil
	}
	return u.setCached(ctx, height)
}

// Close closes the underlying transport.
func (u *Upstream) Close() error {
	return u.transport.Close()
}

func (u *Upstream) wait(ctx context.Context) error {
	if u.limiter == nil {
		return nil
	}
	return u.limiter.Wait(ctx)
}
