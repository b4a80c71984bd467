// DeFi Risk MCP Server - exposes protocol risk assessments as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/defirisk/internal/logging"
	"github.com/mbd888/defirisk/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "warn"), "text")

	cfg := mcpserver.Config{
		APIURL: envOrDefault("DEFIRISK_API_URL", "http://localhost:8080"),
	}
	if raw := os.Getenv("DEFIRISK_API_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid DEFIRISK_API_TIMEOUT %q: %v\n", raw, err)
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	s := mcpserver.NewMCPServer(cfg, Version, logger)
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
