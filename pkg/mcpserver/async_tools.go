package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// registerAsyncTools adds the task management tools.
func (s *Server) registerAsyncTools() {
	s.addGetTaskStatusTool()
	s.addCancelTaskTool()
	s.addListTasksTool()
}

// ═══════════════════════════════════════════════════════════════════════════
// get_task_status — Poll async executions
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addGetTaskStatusTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "get_task_status",
			Title: "Get Task Status",
			Description: `Poll an async execution started by execute_command or execute_batch on the HTTP transport.

POLLING PATTERN:
1. A slow command returns {"task_id": "task_...", "status": "running"}
2. Call get_task_status with that task_id (optionally wait_seconds for long-poll)
3. status "completed" → the full execution result is in "result"
4. status "failed" → see "error"; "cancelled" → the task was aborted

EXAMPLE: {"task_id": "task_a1b2c3d4e5f60718", "wait_seconds": 10}`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{
						"type":        "string",
						"description": "The task id returned by a long-running tool call.",
					},
					"wait_seconds": map[string]any{
						"type":        "integer",
						"description": "Long-poll: block up to this many seconds for the task to settle.",
					},
				},
				"required": []string{"task_id"},
			},
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:   true,
				IdempotentHint: true,
				Title:          "Get Task Status",
			},
		},
		s.handleGetTaskStatus,
	)
}

func (s *Server) handleGetTaskStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		TaskID      string `json:"task_id"`
		WaitSeconds int    `json:"wait_seconds"`
	}
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.TaskID == "" {
		return errorResult(`task_id is required. Example: {"task_id": "task_a1b2c3d4e5f60718"}`), nil
	}

	task := s.tasks.Get(args.TaskID)
	if task == nil {
		return errorResult(fmt.Sprintf("task %q not found; finished tasks expire after %s. Use list_tasks to see known tasks.", args.TaskID, taskTTL)), nil
	}
	task.WaitFor(ctx, args.WaitSeconds)
	return jsonResult(task.Snapshot())
}

// ═══════════════════════════════════════════════════════════════════════════
// cancel_task — Abort a running execution
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addCancelTaskTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "cancel_task",
			Title: "Cancel Task",
			Description: `Cancel a running async execution. Only running tasks can be cancelled; the underlying console process stays alive and later commands are unaffected.

EXAMPLE: {"task_id": "task_a1b2c3d4e5f60718"}`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{
						"type":        "string",
						"description": "The task id to cancel.",
					},
				},
				"required": []string{"task_id"},
			},
			Annotations: &mcp.ToolAnnotations{
				Title: "Cancel Task",
			},
		},
		s.handleCancelTask,
	)
}

func (s *Server) handleCancelTask(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	task := s.tasks.Get(args.TaskID)
	if task == nil {
		return errorResult(fmt.Sprintf("task %q not found", args.TaskID)), nil
	}
	task.Cancel()
	return jsonResult(task.Snapshot())
}

// ═══════════════════════════════════════════════════════════════════════════
// list_tasks — Inventory of async executions
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) addListTasksTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "list_tasks",
			Title: "List Tasks",
			Description: `List async executions, optionally filtered by status (running, completed, failed, cancelled). Results omit task output; fetch it with get_task_status.`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type":        "string",
						"description": "Filter by task status.",
						"enum":        []string{"running", "completed", "failed", "cancelled"},
					},
				},
			},
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:   true,
				IdempotentHint: true,
				Title:          "List Tasks",
			},
		},
		s.handleListTasks,
	)
}

func (s *Server) handleListTasks(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Status string `json:"status"`
	}
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	var snaps []TaskSnapshot
	if args.Status != "" {
		snaps = s.tasks.List(TaskStatus(args.Status))
	} else {
		snaps = s.tasks.List()
	}
	// Strip results; they can be large and get_task_status serves them.
	for i := range snaps {
		snaps[i].Result = nil
	}
	return jsonResult(map[string]any{"tasks": snaps, "count": len(snaps)})
}
