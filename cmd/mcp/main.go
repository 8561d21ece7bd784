// RPC fallback router MCP server.
// Exposes router inspection and JSON-RPC tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/rpcfallback/internal/mcp"
)

func main() {
	routerURL := os.Getenv("RPCFALLBACK_URL")
	if routerURL == "" {
		routerURL = "http://localhost:8545"
	}

	s := server.NewMCPServer(
		"rpcfallback",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(routerURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
