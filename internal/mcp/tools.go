package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/pretty"

	"github.com/gateway-fm/rpcfallback/pkg/types"
)

// RegisterTools registers all router tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerUpstreams(s, client)
	registerCall(s, client)
	registerBlockNumber(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("rpcfallback_status",
		gomcp.WithDescription("Get router status: halt state, median block height, active upstreams and per-upstream request counts."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Router unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("rpcfallback_health",
		gomcp.WithDescription("Readiness check. Reports whether the router has active upstreams and whether the chain is halted."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, code, err := client.Probe("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Router unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw, code)), nil
	})
}

func registerUpstreams(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("rpcfallback_upstreams",
		gomcp.WithDescription("List configured upstreams with height, error rate and latency percentiles."),
		gomcp.WithString("id",
			gomcp.Description("Only show the upstream with this id"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Router unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatUpstreams(raw, req.GetString("id", ""))), nil
	})
}

func registerCall(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("rpcfallback_call",
		gomcp.WithDescription("Send a JSON-RPC request through the router. Write methods such as eth_sendRawTransaction are broadcast according to the router configuration."),
		gomcp.WithString("method",
			gomcp.Required(),
			gomcp.Description("JSON-RPC method, e.g. eth_getBalance"),
		),
		gomcp.WithString("params",
			gomcp.Description(`JSON array of parameters, e.g. ["0xabc...", "latest"] (default: [])`),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		method, err := req.RequireString("method")
		if err != nil {
			return gomcp.NewToolResultError("method is required"), nil
		}
		params, err := parseParams(req.GetString("params", ""))
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}

		resp, err := call(client, method, params)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
		}
		if resp.Error != nil {
			return gomcp.NewToolResultError(formatRPCError(resp.Error)), nil
		}
		return gomcp.NewToolResultText(string(pretty.Pretty(resp.Result))), nil
	})
}

func registerBlockNumber(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("rpcfallback_block_number",
		gomcp.WithDescription("Get the latest block number as served by the router."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resp, err := call(client, "eth_blockNumber", json.RawMessage("[]"))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
		}
		if resp.Error != nil {
			return gomcp.NewToolResultError(formatRPCError(resp.Error)), nil
		}
		var hex string
		if err := json.Unmarshal(resp.Result, &hex); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Unexpected result %s", resp.Result)), nil
		}
		n, err := hexutil.DecodeUint64(hex)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Invalid block number %q: %v", hex, err)), nil
		}
		return gomcp.NewToolResultText(kv("Block", formatNumber(n)+" ("+hex+")")), nil
	})
}

// parseParams validates the params argument. An empty string means no params.
func parseParams(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("[]"), nil
	}
	var params []json.RawMessage
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON array: %v", err)
	}
	return json.RawMessage(s), nil
}

func call(client *Client, method string, params json.RawMessage) (*types.JSONRPCResponse, error) {
	raw, err := client.Post("/", types.JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      json.RawMessage("1"),
	})
	if err != nil {
		return nil, err
	}
	var resp types.JSONRPCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &resp, nil
}

func formatRPCError(e *types.JSONRPCError) string {
	msg := fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
	if e.Data != nil {
		data, _ := json.Marshal(e.Data)
		msg += "\n" + string(pretty.Pretty(data))
	}
	return msg
}

// Formatters

func formatStatus(raw json.RawMessage) string {
	var st types.RouterStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	state := "SERVING"
	switch {
	case st.Destroyed:
		state = "DESTROYED"
	case st.Halted:
		state = "HALTED"
	case len(st.ActiveUpstreams) == 0:
		state = "NO ACTIVE UPSTREAMS"
	}

	lastCheck := "never"
	if st.LastCheck != nil {
		lastCheck = st.LastCheck.Format(time.RFC3339)
	}

	var requests, failures uint64
	for _, u := range st.Upstreams {
		requests += u.Requests
		failures += u.Failures
	}

	return joinLines(
		section("Router: "+state),
		kv("Median height", formatNumber(st.MedianHeight)),
		kv("Last check", lastCheck),
		kv("Active", fmt.Sprintf("%d/%d %s", len(st.ActiveUpstreams), len(st.Upstreams), strings.Join(st.ActiveUpstreams, ", "))),
		kv("Requests", formatNumber(requests)),
		kv("Failures", fmt.Sprintf("%s (%s)", formatNumber(failures), formatPct(failures, requests))),
	)
}

func formatUpstreams(raw json.RawMessage, only string) string {
	var st types.RouterStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := []string{section("Upstreams")}
	found := false
	for _, u := range st.Upstreams {
		if only != "" && u.ID != only {
			continue
		}
		found = true
		height := "-"
		if u.Height != nil {
			height = formatNumber(*u.Height)
			if u.FromCache {
				height += " (cached)"
			}
		}
		line := fmt.Sprintf("  %-16s active=%-3s mev=%-3s height=%-14s req=%s err=%s",
			u.ID, yesNo(u.Active), yesNo(u.MEVProtected), height,
			formatNumber(u.Requests), formatPct(u.Failures, u.Requests))
		if u.Connection != "" {
			line += " ws=" + u.Connection
		}
		if u.Latency != nil {
			line += fmt.Sprintf(" p50=%s p99=%s", formatMs(u.Latency.P50), formatMs(u.Latency.P99))
		}
		lines = append(lines, line)
	}
	if !found {
		if only != "" {
			return fmt.Sprintf("No upstream with id %q", only)
		}
		lines = append(lines, "  (none configured)")
	}
	return joinLines(lines...)
}

func formatHealth(raw json.RawMessage, code int) string {
	var h types.HealthResponse
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if code != http.StatusOK {
		state = "NOT READY"
	}
	return joinLines(
		section("Router Health: "+state),
		kv("Status", h.Status),
		kv("Active upstreams", h.ActiveUpstreams),
		kv("Halted", yesNo(h.Halted)),
	)
}
