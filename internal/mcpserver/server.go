package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/acal-network/arbitro/internal/apiclient"
)

// NewMCPServer creates a configured MCP server with all arbitration tools registered.
func NewMCPServer(cfg apiclient.Config) *server.MCPServer {
	s := server.NewMCPServer("arbitro", "1.0.0")
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolHealth, h.HandleHealth)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolGetStats, h.HandleGetStats)
	s.AddTool(ToolCheckReconciliation, h.HandleCheckReconciliation)
	s.AddTool(ToolConfirmPayment, h.HandleConfirmPayment)
	s.AddTool(ToolResolveOrder, h.HandleResolveOrder)

	return s
}
