// Package rpc provides JSON-RPC transports for upstream endpoints.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ClientConfig holds configuration for the HTTP transport.
type ClientConfig struct {
	URL string
	// Timeout bounds a whole HTTP exchange. The router applies its own
	// per-attempt timeout on top.
	Timeout time.Duration
	Headers map[string]string
	Logger  *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:     url,
		Timeout: 10 * time.Second,
	}
}

// HTTPClient is a single-attempt JSON-RPC transport over HTTP. Retrying
// is left to the caller.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	headers    map[string]string
	nextID     atomic.Uint64
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		headers: cfg.Headers,
		logger:  logger,
	}
}

// Call makes a single JSON-RPC call.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := c.doRequest(ctx, body)
	if err != nil {
		c.logger.Debug("RPC call failed",
			slog.String("url", c.url),
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code BEFORE reading/parsing body
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return rpcResp.unwrap()
}

func (r *JSONRPCResponse) unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, &RPCError{
			Code:    r.Error.Code,
			Message: r.Error.Message,
			Data:    r.Error.Data,
		}
	}
	if len(r.Result) == 0 {
		return nil, errNoResult
	}
	return r.Result, nil
}

// ChainID returns the endpoint's eth_chainId.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	return chainID(ctx, c)
}

// BlockNumber returns the latest block number.
func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	return blockNumber(ctx, c)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

func chainID(ctx context.Context, c caller) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}

	var idHex string
	if err := json.Unmarshal(result, &idHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain id: %w", err)
	}
	id, err := hexutil.DecodeBig(idHex)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id %q: %w", idHex, err)
	}
	return id, nil
}

func blockNumber(ctx context.Context, c caller) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}

	var blockHex string
	if err := json.Unmarshal(result, &blockHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal block number: %w", err)
	}
	n, err := hexutil.DecodeUint64(blockHex)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q: %w", blockHex, err)
	}
	return n, nil
}

var errNoResult = errors.New("response has neither result nor error")

// RPCError is an error returned by the endpoint in a JSON-RPC response.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// ErrorCode returns the JSON-RPC error code.
func (e *RPCError) ErrorCode() int {
	return e.Code
}

// ErrorData returns the raw error data, if any.
func (e *RPCError) ErrorData() any {
	if len(e.Data) == 0 {
		return nil
	}
	return e.Data
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}
