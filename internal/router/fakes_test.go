package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

var errUnreachable = errors.New("connection refused")

// fakeTransport is a scripted upstream.Transport.
type fakeTransport struct {
	mu sync.Mutex

	result    string // JSON result returned by Call
	callErrs  []error
	failAll   error
	delay     time.Duration
	chainID   int64
	chainErr  error
	height    uint64
	heightErr error

	calls       atomic.Int32
	heightCalls atomic.Int32
	closed      atomic.Int32
	closeErr    error
}

func newFake(result string) *fakeTransport {
	return &fakeTransport{result: result, chainID: 1, height: 100}
}

// failing returns a fake whose every call fails with err.
func failing(err error) *fakeTransport {
	f := newFake("")
	f.failAll = err
	return f
}

func (f *fakeTransport) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	n := int(f.calls.Add(1))
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	if n <= len(f.callErrs) && f.callErrs[n-1] != nil {
		return nil, f.callErrs[n-1]
	}
	return json.RawMessage(f.result), nil
}

func (f *fakeTransport) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return big.NewInt(f.chainID), nil
}

func (f *fakeTransport) BlockNumber(ctx context.Context) (uint64, error) {
	f.heightCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.height, nil
}

func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	return f.closeErr
}

func (f *fakeTransport) setHeight(h uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = h
	f.heightErr = err
}

// fakeWebsocket adds a settable connection state.
type fakeWebsocket struct {
	*fakeTransport
	state atomic.Int32
}

func newFakeWebsocket(result string, state upstream.ConnectionState) *fakeWebsocket {
	ws := &fakeWebsocket{fakeTransport: newFake(result)}
	ws.state.Store(int32(state))
	return ws
}

func (w *fakeWebsocket) ConnectionState() upstream.ConnectionState {
	return upstream.ConnectionState(w.state.Load())
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// logBuffer collects log output for assertions.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func (b *logBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func testLogger(w *logBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testOptions returns DefaultOptions with a discarded logger.
func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = testLogger(&logBuffer{})
	return opts
}

func cfg(id string, tr upstream.Transport) upstream.Config {
	return upstream.Config{ID: id, Transport: tr, RetryDelay: time.Millisecond}
}

func newTestRouter(t *testing.T, opts Options, configs ...upstream.Config) *Router {
	t.Helper()
	r, err := New(configs, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(r.Destroy)
	return r
}

func upstreamsFor(t *testing.T, configs ...upstream.Config) []*upstream.Upstream {
	t.Helper()
	ups := make([]*upstream.Upstream, len(configs))
	for i, c := range configs {
		u, err := upstream.New(i, c)
		if err != nil {
			t.Fatalf("upstream.New() error = %v", err)
		}
		ups[i] = u
	}
	return ups
}

// recorder counts router metric events.
type recorder struct {
	nopRecorder
	mu        sync.Mutex
	retries   map[string]int
	fallbacks map[string]int
	requests  map[string]int
	halted    bool
}

func newRecorder() *recorder {
	return &recorder{
		retries:   make(map[string]int),
		fallbacks: make(map[string]int),
		requests:  make(map[string]int),
	}
}

func (r *recorder) RecordRequest(method, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[method+"/"+outcome]++
}

func (r *recorder) RecordRetry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[id]++
}

func (r *recorder) RecordFallback(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[id]++
}

func (r *recorder) SetHalted(h bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = h
}
