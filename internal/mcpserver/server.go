package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all toolpay tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("toolpay", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client, cfg.AgentAddress)

	s.AddTool(ToolGetBalance, h.HandleGetBalance)
	s.AddTool(ToolGetExecution, h.HandleGetExecution)
	s.AddTool(ToolListExecutions, h.HandleListExecutions)
	s.AddTool(ToolGetBatch, h.HandleGetBatch)
	s.AddTool(ToolListBatches, h.HandleListBatches)

	return s
}
