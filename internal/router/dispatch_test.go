package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

func TestSendFallback(t *testing.T) {
	tests := []struct {
		name          string
		a, b          *fakeTransport
		retriesA      int
		want          string
		wantCallsA    int32
		wantCallsB    int32
		wantAttempted []string
		wantErr       error
	}{
		{
			name:       "first upstream succeeds",
			a:          newFake(`"a"`),
			b:          newFake(`"b"`),
			want:       `"a"`,
			wantCallsA: 1,
			wantCallsB: 0,
		},
		{
			name:       "falls back to second upstream",
			a:          failing(errUnreachable),
			b:          newFake(`"b"`),
			want:       `"b"`,
			wantCallsA: 1,
			wantCallsB: 1,
		},
		{
			name:       "retries first upstream before falling back",
			a:          failing(errUnreachable),
			b:          newFake(`"b"`),
			retriesA:   1,
			want:       `"b"`,
			wantCallsA: 2,
			wantCallsB: 1,
		},
		{
			name:       "retry succeeds without fallback",
			a:          &fakeTransport{result: `"a"`, chainID: 1, callErrs: []error{errUnreachable}},
			b:          newFake(`"b"`),
			retriesA:   1,
			want:       `"a"`,
			wantCallsA: 2,
			wantCallsB: 0,
		},
		{
			name:          "all upstreams fail",
			a:             failing(errUnreachable),
			b:             failing(errUnreachable),
			wantCallsA:    1,
			wantCallsB:    1,
			wantAttempted: []string{"a", "b"},
			wantErr:       errUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, testOptions(),
				upstream.Config{ID: "a", Transport: tt.a, Retries: tt.retriesA, RetryDelay: time.Millisecond},
				cfg("b", tt.b),
			)

			res, err := r.Send(context.Background(), "eth_getBalance", []any{"0x0", "latest"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Send() error = %v, want %v", err, tt.wantErr)
				}
				var exhausted *UpstreamExhaustedError
				if !errors.As(err, &exhausted) {
					t.Fatalf("Send() error = %T, want *UpstreamExhaustedError", err)
				}
				if len(exhausted.Attempted) != len(tt.wantAttempted) {
					t.Fatalf("Attempted = %v, want %v", exhausted.Attempted, tt.wantAttempted)
				}
				for i := range tt.wantAttempted {
					if exhausted.Attempted[i] != tt.wantAttempted[i] {
						t.Errorf("Attempted[%d] = %q, want %q", i, exhausted.Attempted[i], tt.wantAttempted[i])
					}
				}
			} else {
				if err != nil {
					t.Fatalf("Send() error = %v", err)
				}
				if string(res) != tt.want {
					t.Errorf("Send() = %s, want %s", res, tt.want)
				}
			}

			if got := tt.a.calls.Load(); got != tt.wantCallsA {
				t.Errorf("upstream a calls = %d, want %d", got, tt.wantCallsA)
			}
			if got := tt.b.calls.Load(); got != tt.wantCallsB {
				t.Errorf("upstream b calls = %d, want %d", got, tt.wantCallsB)
			}
		})
	}
}

func TestSendBlockchainErrorShortCircuit(t *testing.T) {
	reverted := errors.New("execution reverted: insufficient allowance")

	tests := []struct {
		name       string
		throw      bool
		wantCallsA int32
		wantCallsB int32
		wantErr    error
	}{
		{name: "returned immediately", throw: true, wantCallsA: 1, wantCallsB: 0, wantErr: reverted},
		{name: "retried and falls back when disabled", throw: false, wantCallsA: 3, wantCallsB: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := failing(reverted)
			b := newFake(`"b"`)
			opts := testOptions()
			opts.RetryBlockchainErrors = !tt.throw

			r := newTestRouter(t, opts,
				upstream.Config{ID: "a", Transport: a, Retries: 2, RetryDelay: time.Millisecond},
				cfg("b", b),
			)

			_, err := r.Send(context.Background(), "eth_call", nil)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Send() error = %v", err)
			}
			if got := a.calls.Load(); got != tt.wantCallsA {
				t.Errorf("upstream a calls = %d, want %d", got, tt.wantCallsA)
			}
			if got := b.calls.Load(); got != tt.wantCallsB {
				t.Errorf("upstream b calls = %d, want %d", got, tt.wantCallsB)
			}
		})
	}
}

func TestSendZeroOptionsShortCircuit(t *testing.T) {
	reverted := errors.New("execution reverted")
	a := failing(reverted)
	b := newFake(`"b"`)

	r := newTestRouter(t, Options{Logger: testLogger(&logBuffer{})},
		upstream.Config{ID: "a", Transport: a, Retries: 2, RetryDelay: time.Millisecond},
		cfg("b", b),
	)

	if _, err := r.Send(context.Background(), "eth_call", nil); !errors.Is(err, reverted) {
		t.Errorf("Send() error = %v, want %v", err, reverted)
	}
	if got := a.calls.Load(); got != 1 {
		t.Errorf("upstream a calls = %d, want 1", got)
	}
	if got := b.calls.Load(); got != 0 {
		t.Errorf("upstream b calls = %d, want 0", got)
	}
}

func TestSendStopsRetryingOnDestroy(t *testing.T) {
	a := failing(errUnreachable)
	b := newFake(`"b"`)

	r := newTestRouter(t, testOptions(),
		upstream.Config{ID: "a", Transport: a, Retries: 1000, RetryDelay: 10 * time.Millisecond},
		cfg("b", b),
	)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "eth_call", nil)
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for a.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.Destroy()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDestroyed) {
			t.Errorf("Send() error = %v, want %v", err, ErrDestroyed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() still retrying after Destroy()")
	}

	calls := a.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := a.calls.Load(); got != calls {
		t.Errorf("upstream a called %d more times after Send() returned", got-calls)
	}
	if got := b.calls.Load(); got != 0 {
		t.Errorf("upstream b calls = %d, want no fallback after Destroy()", got)
	}
}

func TestSendTimeoutFallsBack(t *testing.T) {
	slow := newFake(`"slow"`)
	slow.delay = time.Second

	r := newTestRouter(t, testOptions(),
		upstream.Config{ID: "slow", Transport: slow, Timeout: 20 * time.Millisecond},
		cfg("fast", newFake(`"fast"`)),
	)

	start := time.Now()
	res, err := r.Send(context.Background(), "eth_call", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(res) != `"fast"` {
		t.Errorf("Send() = %s, want %q", res, `"fast"`)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Send() took %v, want the slow upstream abandoned after its timeout", elapsed)
	}
}

func TestSendWebsocketStates(t *testing.T) {
	tests := []struct {
		name        string
		state       upstream.ConnectionState
		fallbackErr error
		want        string
		wantErr     error
		wantWSCalls int32
		wantFBCalls int32
	}{
		{name: "closing falls back", state: upstream.StateClosing, want: `"fallback"`, wantWSCalls: 0, wantFBCalls: 1},
		{name: "closed falls back", state: upstream.StateClosed, want: `"fallback"`, wantWSCalls: 0, wantFBCalls: 1},
		{name: "open is used", state: upstream.StateOpen, want: `"ws"`, wantWSCalls: 1, wantFBCalls: 0},
		{name: "connecting falls back", state: upstream.StateConnecting, want: `"fallback"`, wantWSCalls: 0, wantFBCalls: 1},
		{
			name:        "connecting tried after fallback fails",
			state:       upstream.StateConnecting,
			fallbackErr: errUnreachable,
			want:        `"ws"`,
			wantWSCalls: 1,
			wantFBCalls: 1,
		},
		{
			name:        "closed fails when fallback fails",
			state:       upstream.StateClosed,
			fallbackErr: errUnreachable,
			wantErr:     errUnreachable,
			wantWSCalls: 0,
			wantFBCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newFakeWebsocket(`"ws"`, tt.state)
			fb := newFake(`"fallback"`)
			fb.failAll = tt.fallbackErr

			r := newTestRouter(t, testOptions(), cfg("ws", ws), cfg("fallback", fb))

			res, err := r.Send(context.Background(), "eth_call", nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Send() error = %v", err)
			} else if string(res) != tt.want {
				t.Errorf("Send() = %s, want %s", res, tt.want)
			}

			if got := ws.calls.Load(); got != tt.wantWSCalls {
				t.Errorf("websocket calls = %d, want %d", got, tt.wantWSCalls)
			}
			if got := fb.calls.Load(); got != tt.wantFBCalls {
				t.Errorf("fallback calls = %d, want %d", got, tt.wantFBCalls)
			}
		})
	}
}

func TestSendClosedWebsocketWithoutFallback(t *testing.T) {
	ws := newFakeWebsocket(`"ws"`, upstream.StateClosed)
	r := newTestRouter(t, testOptions(), cfg("ws", ws))

	_, err := r.Send(context.Background(), "eth_call", nil)
	if !errors.Is(err, ErrNoFallback) {
		t.Errorf("Send() error = %v, want %v", err, ErrNoFallback)
	}
	if ws.calls.Load() != 0 {
		t.Error("closed websocket was sent a call")
	}
}

func TestSendForeverConnectingWebsocketTimesOut(t *testing.T) {
	ws := newFakeWebsocket(`"ws"`, upstream.StateConnecting)
	ws.delay = time.Second
	fb := failing(errUnreachable)

	r := newTestRouter(t, testOptions(),
		upstream.Config{ID: "ws", Transport: ws, Timeout: 20 * time.Millisecond},
		cfg("fallback", fb),
	)

	_, err := r.Send(context.Background(), "eth_call", nil)
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Errorf("Send() error = %v, want %v", err, upstream.ErrTimeout)
	}
	if fb.calls.Load() != 1 {
		t.Errorf("fallback calls = %d, want 1", fb.calls.Load())
	}
}

func TestSendChainID(t *testing.T) {
	r := newTestRouter(t, testOptions(), cfg("a", newFake(`"a"`)), cfg("b", newFake(`"b"`)))

	res, err := r.Send(context.Background(), "eth_chainId", nil)
	if err != nil {
		t.Fatalf("Send(eth_chainId) error = %v", err)
	}
	if string(res) != `"0x1"` {
		t.Errorf("Send(eth_chainId) = %s, want %q", res, `"0x1"`)
	}

	other := newFake(`"c"`)
	other.chainID = 10
	r = newTestRouter(t, testOptions(), cfg("a", newFake(`"a"`)), cfg("c", other))
	if _, err := r.Send(context.Background(), "eth_chainId", nil); !errors.Is(err, ErrInconsistentNetworks) {
		t.Errorf("Send(eth_chainId) error = %v, want %v", err, ErrInconsistentNetworks)
	}
}

func TestSendOnlyToMEVProtected(t *testing.T) {
	plain := newFake(`"plain"`)
	mevA := newFake(`"mev-a"`)
	mevB := newFake(`"mev-b"`)

	opts := testOptions()
	opts.BroadcastOnlyToMEVProtected = true
	r := newTestRouter(t, opts,
		cfg("plain", plain),
		upstream.Config{ID: "mev-a", Transport: mevA, MEVProtected: true},
		upstream.Config{ID: "mev-b", Transport: mevB, MEVProtected: true},
	)

	res, err := r.Send(context.Background(), "eth_sendRawTransaction", []any{"0x00"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(res) != `"mev-a"` {
		t.Errorf("Send() = %s, want %q", res, `"mev-a"`)
	}
	if plain.calls.Load() != 0 || mevB.calls.Load() != 0 {
		t.Error("only the first MEV-protected upstream should be used")
	}

	// Other methods ignore the MEV filter.
	res, err = r.Send(context.Background(), "eth_call", nil)
	if err != nil {
		t.Fatalf("Send(eth_call) error = %v", err)
	}
	if string(res) != `"plain"` {
		t.Errorf("Send(eth_call) = %s, want %q", res, `"plain"`)
	}
}

func TestSendOnlyToMEVProtectedNoneAvailable(t *testing.T) {
	opts := testOptions()
	opts.BroadcastOnlyToMEVProtected = true
	opts.BroadcastToAll = true
	r := newTestRouter(t, opts, cfg("a", newFake(`"a"`)), cfg("b", newFake(`"b"`)))

	_, err := r.Send(context.Background(), "eth_sendRawTransaction", []any{"0x00"})
	if !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Errorf("Send() error = %v, want %v", err, ErrAllProvidersUnavailable)
	}
}

func TestSendRecordsMetrics(t *testing.T) {
	rec := newRecorder()
	opts := testOptions()
	opts.Metrics = rec

	r := newTestRouter(t, opts,
		upstream.Config{ID: "a", Transport: failing(errUnreachable), Retries: 2, RetryDelay: time.Millisecond},
		cfg("b", newFake(`"b"`)),
	)
	if _, err := r.Send(context.Background(), "eth_call", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.retries["a"] != 2 {
		t.Errorf("retries[a] = %d, want 2", rec.retries["a"])
	}
	if rec.fallbacks["a"] != 1 {
		t.Errorf("fallbacks[a] = %d, want 1", rec.fallbacks["a"])
	}
	if rec.requests["eth_call/success"] != 1 {
		t.Errorf("requests[eth_call/success] = %d, want 1", rec.requests["eth_call/success"])
	}
}

func TestSendEmptyActiveSet(t *testing.T) {
	a := newFake(`"a"`)
	a.setHeight(0, errUnreachable)
	r := newTestRouter(t, testOptions(), cfg("a", a))

	if err := r.Check(context.Background()); !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("Check() error = %v, want %v", err, ErrAllProvidersUnavailable)
	}
	if _, err := r.Send(context.Background(), "eth_call", nil); !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Errorf("Send() error = %v, want %v", err, ErrAllProvidersUnavailable)
	}
	if a.calls.Load() != 0 {
		t.Error("Send() with an empty active set contacted an upstream")
	}
}
