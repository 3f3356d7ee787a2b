// Arbitro MCP Server - exposes order inspection and arbitration as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/acal-network/arbitro/internal/apiclient"
	"github.com/acal-network/arbitro/internal/mcpserver"
)

func main() {
	cfg := apiclient.Config{
		APIURL:      envOrDefault("ARBITRO_API_URL", "http://localhost:3001"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_SECRET not set; resolve_order will be rejected by protected deployments")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
