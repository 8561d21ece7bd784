package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

var (
	errWSClosed         = errors.New("websocket is not open")
	errWSConnectionLost = errors.New("websocket connection lost")
)

// WSConfig holds configuration for the websocket transport.
type WSConfig struct {
	URL string
	// Reconnect redials after the connection drops. When false a dropped
	// connection leaves the transport closed.
	Reconnect      bool
	ReconnectDelay time.Duration
	Header         http.Header
	Logger         *slog.Logger
}

// WSClient is a JSON-RPC transport over a single websocket connection.
// Responses are matched to requests by id.
type WSClient struct {
	url            string
	header         http.Header
	dialer         *websocket.Dialer
	reconnect      bool
	reconnectDelay time.Duration
	logger         *slog.Logger

	state atomic.Int32

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{} // closed while conn is usable

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan *JSONRPCResponse
	nextID    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
}

// DialWS returns a client that connects in the background. Until the
// connection is established the client reports StateConnecting.
func DialWS(cfg WSConfig) *WSClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}

	c := &WSClient{
		url:            cfg.URL,
		header:         cfg.Header,
		dialer:         websocket.DefaultDialer,
		reconnect:      cfg.Reconnect,
		reconnectDelay: delay,
		logger:         logger.With(slog.String("url", cfg.URL)),
		ready:          make(chan struct{}),
		pending:        make(map[uint64]chan *JSONRPCResponse),
		stopped:        make(chan struct{}),
	}
	c.state.Store(int32(upstream.StateConnecting))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run()
	return c
}

// ConnectionState reports whether the websocket is usable.
func (c *WSClient) ConnectionState() upstream.ConnectionState {
	return upstream.ConnectionState(c.state.Load())
}

func (c *WSClient) run() {
	defer close(c.stopped)

	for {
		conn, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("websocket dial failed", slog.String("error", err.Error()))
			if !c.reconnect {
				c.shutdown()
				return
			}
			if !c.sleep(c.reconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.state.Store(int32(upstream.StateOpen))
		close(c.ready)
		c.mu.Unlock()
		c.logger.Info("websocket connected")

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()
		c.failPending()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("websocket disconnected", slog.String("error", err.Error()))
		if !c.reconnect {
			c.shutdown()
			return
		}
		c.state.Store(int32(upstream.StateConnecting))
		if !c.sleep(c.reconnectDelay) {
			return
		}
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) error {
	for {
		var resp JSONRPCResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return err
		}
		// Subscription notifications carry no id.
		if resp.ID == 0 {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()

		if ok {
			ch <- &resp
		}
	}
}

func (c *WSClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- nil
		delete(c.pending, id)
	}
}

func (c *WSClient) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// shutdown marks the client closed after the connection was lost for good.
func (c *WSClient) shutdown() {
	c.state.Store(int32(upstream.StateClosed))
	c.cancel()
}

// waitConn returns the open connection, waiting while one is being
// established.
func (c *WSClient) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()

		switch c.ConnectionState() {
		case upstream.StateClosing, upstream.StateClosed:
			return nil, errWSClosed
		}
		if conn != nil {
			return conn, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, errWSClosed
		}
	}
}

// Call makes a JSON-RPC call over the websocket. While the connection is
// being established the call waits for it.
func (c *WSClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	conn, err := c.waitConn(ctx)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	ch := make(chan *JSONRPCResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, errWSConnectionLost
		}
		return resp.unwrap()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ChainID returns the endpoint's eth_chainId.
func (c *WSClient) ChainID(ctx context.Context) (*big.Int, error) {
	return chainID(ctx, c)
}

// BlockNumber returns the latest block number.
func (c *WSClient) BlockNumber(ctx context.Context) (uint64, error) {
	return blockNumber(ctx, c)
}

// Close closes the connection and stops reconnecting.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(upstream.StateClosing))

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}

		<-c.stopped
		c.state.Store(int32(upstream.StateClosed))
	})
	return err
}
