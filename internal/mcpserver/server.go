package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the risk tools.
func NewMCPServer(cfg Config, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("defirisk", version)
	h := NewHandlers(NewClient(cfg), logger)

	s.AddTool(ToolAnalyzeProtocol, h.HandleAnalyzeProtocol)
	s.AddTool(ToolCompareProtocols, h.HandleCompareProtocols)
	s.AddTool(ToolGetIncidents, h.HandleGetIncidents)
	s.AddTool(ToolGetHistory, h.HandleGetHistory)

	return s
}
