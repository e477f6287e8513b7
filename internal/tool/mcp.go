package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// MCPServerConfig describes one MCP server to import tools from. Exactly one
// of Command or URL must be set.
type MCPServerConfig struct {
	// Name labels the server in logs and tool-name prefixes.
	Name string `yaml:"name"`

	// Command launches a stdio server, e.g. "npx -y @modelcontextprotocol/server-filesystem /tmp".
	Command string `yaml:"command,omitempty"`

	// URL connects to a streamable HTTP server.
	URL string `yaml:"url,omitempty"`

	// Prefix, when true, registers tools as "<name>_<tool>" to avoid
	// collisions between servers exposing identically named tools.
	Prefix bool `yaml:"prefix,omitempty"`
}

// MCPHost owns the client sessions to the configured MCP servers and
// registers their tools into a Registry. Sessions live for the process
// lifetime; Close tears them down.
type MCPHost struct {
	logger   *slog.Logger
	sessions []*mcpsdk.ClientSession
}

// NewMCPHost creates an empty host. Call Import per server, then Close on
// shutdown.
func NewMCPHost(logger *slog.Logger) *MCPHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPHost{logger: logger}
}

// Import connects to one MCP server, lists its tools, and registers each
// into reg with a handler that proxies the call over the session.
func (h *MCPHost) Import(ctx context.Context, reg *Registry, cfg MCPServerConfig) error {
	transport, err := transportFor(ctx, cfg)
	if err != nil {
		return err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "llmrtc", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tool: connect to mcp server %q: %w", cfg.Name, err)
	}
	h.sessions = append(h.sessions, session)

	count := 0
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return fmt.Errorf("tool: list tools on %q: %w", cfg.Name, err)
		}
		name := t.Name
		if cfg.Prefix {
			name = cfg.Name + "_" + t.Name
		}
		params, err := schemaToMap(t.InputSchema)
		if err != nil {
			return fmt.Errorf("tool: schema of %q on %q: %w", t.Name, cfg.Name, err)
		}
		def := types.ToolDefinition{Name: name, Description: t.Description, Parameters: params}
		if err := reg.Register(def, mcpHandler(session, t.Name)); err != nil {
			return err
		}
		count++
	}

	h.logger.Info("mcp server imported", "server", cfg.Name, "tools", count)
	return nil
}

// Close tears down every session. Errors are logged, not returned; shutdown
// should not stall on a wedged server.
func (h *MCPHost) Close() {
	for _, s := range h.sessions {
		if err := s.Close(); err != nil {
			h.logger.Warn("mcp session close", "error", err)
		}
	}
	h.sessions = nil
}

func transportFor(ctx context.Context, cfg MCPServerConfig) (mcpsdk.Transport, error) {
	switch {
	case cfg.Command != "" && cfg.URL != "":
		return nil, fmt.Errorf("tool: mcp server %q sets both command and url", cfg.Name)
	case cfg.Command != "":
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("tool: mcp server %q has an empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case cfg.URL != "":
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("tool: mcp server %q needs a command or a url", cfg.Name)
	}
}

// mcpHandler proxies one tool call over the session. Text content blocks
// are concatenated; a JSON object or array result is returned decoded so
// the LLM sees structured data rather than a quoted string.
func mcpHandler(session *mcpsdk.ClientSession, remoteName string) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      remoteName,
			Arguments: call.Arguments,
		})
		if err != nil {
			return nil, fmt.Errorf("tool: mcp call %q: %w", remoteName, err)
		}

		var sb strings.Builder
		for _, content := range result.Content {
			if tc, ok := content.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		text := sb.String()

		if result.IsError {
			return nil, fmt.Errorf("tool: mcp call %q failed: %s", remoteName, text)
		}

		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var decoded any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return decoded, nil
			}
		}
		return text, nil
	}
}

// schemaToMap converts the SDK's schema type into the plain map form the
// registry compiles.
func schemaToMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
