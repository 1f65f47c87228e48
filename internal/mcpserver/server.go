package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all agentspend tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("agentspend", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolRequestPaidCall, h.HandleRequestPaidCall)
	s.AddTool(ToolGetAuditTrail, h.HandleGetAuditTrail)
	s.AddTool(ToolGetBudget, h.HandleGetBudget)
	s.AddTool(ToolVerifyReceipt, h.HandleVerifyReceipt)
	s.AddTool(ToolListReceipts, h.HandleListReceipts)

	return s
}
