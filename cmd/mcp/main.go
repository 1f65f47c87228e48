// agentspend MCP server - exposes paid provider calls, under spend control, as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentspend/internal/mcpserver"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:    envOrDefault("AGENTSPEND_API_URL", "http://localhost:8080"),
		UserID:    os.Getenv("AGENTSPEND_USER_ID"),
		ProjectID: envOrDefault("AGENTSPEND_PROJECT_ID", "default"),
		AgentID:   os.Getenv("AGENTSPEND_AGENT_ID"),
	}

	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "AGENTSPEND_USER_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
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
