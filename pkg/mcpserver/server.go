// Package mcpserver exposes the Metasploit bridge over the Model Context
// Protocol. It supports the stdio transport for IDE clients and a
// streamable HTTP transport for remote deployments; long-running console
// commands become async tasks on the HTTP transport.
package mcpserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/msfmcp/msfmcp/pkg/dispatch"
	"github.com/msfmcp/msfmcp/pkg/jsonutil"
	"github.com/msfmcp/msfmcp/pkg/security"
	"github.com/msfmcp/msfmcp/pkg/venom"
	"github.com/msfmcp/msfmcp/pkg/version"
)

// Executor is the dispatcher surface the server needs. An interface so
// session tests can drive the tools without a Metasploit install.
type Executor interface {
	ExecuteCommand(ctx context.Context, command string, opts dispatch.ExecOptions) *dispatch.ExecutionResult
	ExecuteBatch(ctx context.Context, commands []string, opts dispatch.ExecOptions) []*dispatch.ExecutionResult
	SearchModules(ctx context.Context, query string, page, perPage int) (*dispatch.SearchResult, error)
	GetPersistentConsole(ctx context.Context, id string) (dispatch.ConsoleInfo, error)
	ExecuteInConsole(ctx context.Context, id, command string, timeout time.Duration) (*dispatch.ExecutionResult, error)
	DestroyPersistentConsole(ctx context.Context, id string) error
	ListConsoles() []dispatch.ConsoleInfo
	Status() dispatch.DispatcherStatus
}

var _ Executor = (*dispatch.Dispatcher)(nil)

// Generator is the payload-generation surface.
type Generator interface {
	Generate(ctx context.Context, req venom.Request) (venom.Result, error)
}

var _ Generator = (*venom.Generator)(nil)

// Options wires the server's collaborators.
type Options struct {
	Executor  Executor
	Generator Generator        // nil disables generate_payload
	Gate      *security.Gate   // nil disables the security-summary resource
	Metrics   http.Handler     // mounted at /metrics when non-nil
	Framework string           // framework version string from preflight, may be empty
}

// Server wraps the MCP server around the dispatcher.
type Server struct {
	mcp  *mcp.Server
	opts Options

	tasks    *TaskManager
	ready    atomic.Bool
	syncMode atomic.Bool // stdio transport runs long tools synchronously
}

// New builds the server with all tools and resources registered.
func New(opts Options) *Server {
	s := &Server{
		opts:  opts,
		tasks: NewTaskManager(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    version.Name,
			Title:   version.Display,
			Version: version.Version,
		},
		&mcp.ServerOptions{
			Instructions: serverInstructions,
		},
	)

	s.registerTools()
	s.registerAsyncTools()
	s.registerResources()
	return s
}

// MCPServer exposes the underlying SDK server for session tests.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Tasks exposes the task manager for tests.
func (s *Server) Tasks() *TaskManager { return s.tasks }

// MarkReady flips the /health endpoint to 200.
func (s *Server) MarkReady() { s.ready.Store(true) }

// IsReady reports whether startup validation completed.
func (s *Server) IsReady() bool { return s.ready.Load() }

// Stop cancels running tasks and drains their goroutines.
func (s *Server) Stop() { s.tasks.Stop() }

// RunStdio serves the stdio transport. Long-running tools execute
// synchronously here: async task state would not survive the process
// lifecycle of a one-connection-per-process client.
func (s *Server) RunStdio(ctx context.Context) error {
	s.syncMode.Store(true)
	log.Println("[mcp] stdio transport: sync mode enabled")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler returns the streamable HTTP transport with /health and the
// optional /metrics mount.
func (s *Server) HTTPHandler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return s.mcp },
		&mcp.StreamableHTTPOptions{Stateless: false},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	mux.Handle("/mcp", streamable)
	mux.Handle("/", streamable)

	return recoveryMiddleware(securityHeaders(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !s.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting","service":"` + version.Name + `"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"` + version.Name + `"}`))
}

// recoveryMiddleware turns handler panics into a 500 instead of a dropped
// connection.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[mcp] panic in HTTP handler: %v\n%s", err, debug.Stack())
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Tool result helpers
// ---------------------------------------------------------------------------

// textResult creates a CallToolResult with a single text content block.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// jsonResult marshals v to indented JSON and wraps it in a CallToolResult.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := jsonutil.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return textResult(string(data)), nil
}

// errorResult creates an IsError result so the model can self-correct
// instead of hitting a protocol-level failure.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// boolPtr returns a pointer to b for optional SDK fields.
func boolPtr(b bool) *bool { return &b }

// parseArgs unmarshals the raw JSON arguments from a tool call into dst.
func parseArgs(req *mcp.CallToolRequest, dst any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := jsonutil.Unmarshal(req.Params.Arguments, dst); err != nil {
		return fmt.Errorf("parsing tool arguments: %w", err)
	}
	return nil
}

const serverInstructions = `You are operating the Metasploit MCP bridge. It wraps a local Metasploit Framework installation and executes console commands on your behalf, over the msfrpcd RPC daemon when available and a persistent msfconsole subprocess otherwise.

TOOLS:
- execute_command: run one console command (version, search, use, set, show options, db_status, workspace, ...). Output comes back parsed into tables, lists, info blocks, or errors.
- execute_batch: run an ordered command sequence; large batches are executed as a single resource script.
- search_modules: paginated module search; prefer this over raw 'search' for large result sets.
- generate_payload: msfvenom payload generation (payload, format, LHOST/LPORT options).
- console_status: transports, persistent consoles, execution statistics.
- get_task_status / cancel_task / list_tasks: manage async executions (HTTP transport only; exploit runs return a task_id).

RULES:
- Commands pass a security gate: destructive system commands are blocked, risky ones are flagged with a threat level and risk score in the result.
- Console state (current module, workspace) persists within a persistent console session, not across independent execute_command calls. Use execute_batch or a console session for use/set/run sequences.
- Timeouts are adaptive per command; a timeout leaves the console process alive and later commands unaffected.
- Only operate against systems you are authorized to test.`
