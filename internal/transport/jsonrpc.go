package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/gateway-fm/rpcfallback/internal/router"
	"github.com/gateway-fm/rpcfallback/internal/rpc"
	"github.com/gateway-fm/rpcfallback/internal/upstream"
	"github.com/gateway-fm/rpcfallback/pkg/types"
)

// Input limits
const (
	maxBodyBytes = 10 << 20 // 10 MiB
	maxBatchSize = 100
)

var nullID = json.RawMessage("null")

// process handles a JSON-RPC payload, single or batch, and returns the
// encoded response. It returns nil when every request was a notification.
func (s *Server) process(ctx context.Context, body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return mustMarshal(errorResponse(nullID, types.CodeParseError, "parse error", nil))
	}

	root := gjson.ParseBytes(body)
	switch {
	case root.IsArray():
		items := root.Array()
		if len(items) == 0 {
			return mustMarshal(errorResponse(nullID, types.CodeInvalidRequest, "empty batch", nil))
		}
		if len(items) > maxBatchSize {
			return mustMarshal(errorResponse(nullID, types.CodeInvalidRequest, "batch too large", nil))
		}

		// Batch entries are dispatched in order, one at a time.
		responses := make([]*types.JSONRPCResponse, 0, len(items))
		for _, item := range items {
			if resp := s.handle(ctx, item); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return nil
		}
		return mustMarshal(responses)

	case root.IsObject():
		resp := s.handle(ctx, root)
		if resp == nil {
			return nil
		}
		return mustMarshal(resp)

	default:
		return mustMarshal(errorResponse(nullID, types.CodeInvalidRequest, "invalid request", nil))
	}
}

// handle dispatches one request object. A request without an id is a
// notification: it is executed but gets no response.
func (s *Server) handle(ctx context.Context, req gjson.Result) *types.JSONRPCResponse {
	if !req.IsObject() {
		return errorResponse(nullID, types.CodeInvalidRequest, "invalid request", nil)
	}

	idField := req.Get("id")
	id := nullID
	if idField.Exists() {
		id = json.RawMessage(idField.Raw)
	}
	notification := !idField.Exists()

	if v := req.Get("jsonrpc"); v.Exists() && v.String() != "2.0" {
		return errorResponse(id, types.CodeInvalidRequest, "unsupported jsonrpc version", nil)
	}
	method := req.Get("method")
	if method.Type != gjson.String || method.String() == "" {
		return errorResponse(id, types.CodeInvalidRequest, "missing method", nil)
	}

	var params []any
	if p := req.Get("params"); p.Exists() && p.Type != gjson.Null {
		if !p.IsArray() {
			return errorResponse(id, types.CodeInvalidParams, "params must be an array", nil)
		}
		if err := json.Unmarshal([]byte(p.Raw), &params); err != nil {
			return errorResponse(id, types.CodeInvalidParams, "invalid params", nil)
		}
	}

	result, err := s.router.Send(ctx, method.String(), params)
	if notification {
		return nil
	}
	if err != nil {
		return &types.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: toJSONRPCError(err)}
	}
	return &types.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// toJSONRPCError maps a router error to a JSON-RPC error object. Errors
// returned by an upstream keep their code, message and data; failures of
// the router itself become internal errors carrying the attempted upstreams.
func toJSONRPCError(err error) *types.JSONRPCError {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		e := &types.JSONRPCError{Code: rpcErr.Code, Message: rpcErr.Message}
		if data := rpcErr.ErrorData(); data != nil {
			e.Data = data
		}
		return e
	}

	data := types.ErrorData{Cause: err.Error()}
	var exhausted *router.UpstreamExhaustedError
	if errors.As(err, &exhausted) {
		data.Attempted = exhausted.Attempted
	}

	message := "upstream request failed"
	for _, sentinel := range []error{
		router.ErrHalted,
		router.ErrAllProvidersUnavailable,
		router.ErrDestroyed,
		router.ErrNoFallback,
		router.ErrInconsistentNetworks,
		upstream.ErrTimeout,
	} {
		if errors.Is(err, sentinel) {
			message = sentinel.Error()
			break
		}
	}
	return &types.JSONRPCError{Code: types.CodeInternalError, Message: message, Data: data}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *types.JSONRPCResponse {
	return &types.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &types.JSONRPCError{Code: code, Message: message, Data: data},
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with a result that is not valid JSON.
		b, _ = json.Marshal(errorResponse(nullID, types.CodeInternalError, "failed to encode response", nil))
	}
	return b
}
