package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/msfmcp/msfmcp/pkg/jsonutil"
	"github.com/msfmcp/msfmcp/pkg/version"
)

// registerResources adds the read-only status resources.
func (s *Server) registerResources() {
	s.addVersionResource()
	s.addStatusResource()
	if s.opts.Gate != nil {
		s.addSecuritySummaryResource()
	}
}

func jsonContents(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := jsonutil.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling resource %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: "application/json", Text: string(data)},
		},
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// msf://version — Server identity and capabilities
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addVersionResource() {
	s.mcp.AddResource(
		&mcp.Resource{
			URI:         "msf://version",
			Name:        "Bridge Version",
			Description: "Server version, detected framework version, and tool inventory.",
			MIMEType:    "application/json",
		},
		func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			info := map[string]any{
				"name":      version.Display,
				"version":   version.Version,
				"framework": s.opts.Framework,
				"tools": []string{
					"execute_command", "execute_batch", "search_modules",
					"generate_payload", "console_status",
					"get_task_status", "cancel_task", "list_tasks",
				},
				"execution_modes": []string{"rpc", "subprocess", "resource_script"},
			}
			return jsonContents("msf://version", info)
		},
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// msf://status — Live transport and execution state
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addStatusResource() {
	s.mcp.AddResource(
		&mcp.Resource{
			URI:         "msf://status",
			Name:        "Bridge Status",
			Description: "Transport states, persistent console sessions, execution statistics, and stability rating.",
			MIMEType:    "application/json",
		},
		func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return jsonContents("msf://status", map[string]any{
				"status":       s.opts.Executor.Status(),
				"sessions":     s.opts.Executor.ListConsoles(),
				"active_tasks": s.tasks.ActiveCount(),
			})
		},
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// msf://security-summary — Validation gate statistics
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addSecuritySummaryResource() {
	s.mcp.AddResource(
		&mcp.Resource{
			URI:         "msf://security-summary",
			Name:        "Security Summary",
			Description: "Validation gate statistics: event counts, threat levels, blocked commands, average risk score.",
			MIMEType:    "application/json",
		},
		func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return jsonContents("msf://security-summary", s.opts.Gate.Summary())
		},
	)
}
