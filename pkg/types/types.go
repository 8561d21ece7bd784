// Package types contains public API types for the RPC fallback router.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"encoding/json"
	"time"
)

// JSON-RPC 2.0 error codes returned by the proxy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// JSONRPCRequest is an inbound or outbound JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// JSONRPCResponse is a JSON-RPC response. Exactly one of Result and Error is set.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// JSONRPCError is the error object of a JSON-RPC response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData is attached to proxy errors raised by the router itself.
type ErrorData struct {
	Attempted []string `json:"attempted,omitempty"`
	Cause     string   `json:"cause,omitempty"`
}

// LatencyBucket represents a histogram bucket for latency distribution.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats contains latency statistics in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// UpstreamStatus describes one configured upstream.
type UpstreamStatus struct {
	ID           string `json:"id"`
	Active       bool   `json:"active"`
	MEVProtected bool   `json:"mevProtected"`
	Connection   string `json:"connection,omitempty"` // websocket upstreams only

	// Height is the last height sample. Nil when the upstream was
	// unreachable or has not been checked yet.
	Height    *uint64 `json:"height,omitempty"`
	FromCache bool    `json:"fromCache,omitempty"`

	Requests uint64        `json:"requests"`
	Failures uint64        `json:"failures"`
	Latency  *LatencyStats `json:"latency,omitempty"`
}

// RouterStatus is returned by GET /status.
type RouterStatus struct {
	Halted          bool             `json:"halted"`
	Destroyed       bool             `json:"destroyed"`
	ActiveUpstreams []string         `json:"activeUpstreams"`
	MedianHeight    uint64           `json:"medianHeight"`
	LastCheck       *time.Time       `json:"lastCheck,omitempty"`
	Upstreams       []UpstreamStatus `json:"upstreams"`
}

// HealthResponse is returned by GET /health and GET /ready.
type HealthResponse struct {
	Status          string `json:"status"`
	ActiveUpstreams int    `json:"activeUpstreams"`
	Halted          bool   `json:"halted"`
}
