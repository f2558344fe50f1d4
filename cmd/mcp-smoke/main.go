// Command mcp-smoke exercises a running msf-mcp server end to end: it
// starts the server on the HTTP transport, waits for health, then drives
// the MCP session through the read-only surface. Scenarios that need a
// real Metasploit install are gated behind -live.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// scenarioResult tracks the outcome of a single scenario.
type scenarioResult struct {
	name   string
	passed bool
	err    error
}

// scenario is a named test function that runs against a live MCP session.
type scenario struct {
	name string
	live bool // requires msfconsole on this machine (skipped without -live)
	fn   func(ctx context.Context, s *mcp.ClientSession) error
}

func main() {
	var (
		port    = flag.Int("port", 18085, "MCP HTTP port")
		binary  = flag.String("binary", "./msf-mcp", "Server binary to launch")
		timeout = flag.Duration("timeout", 120*time.Second, "Overall timeout")
		live    = flag.Bool("live", false, "Enable scenarios that execute real console commands")
		runOnly = flag.String("scenario", "", "Run only this named scenario")
	)
	flag.Parse()
	log.SetFlags(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	serverCmd, err := startServer(ctx, *binary, *port)
	if err != nil {
		log.Fatalf("FATAL start_server: %v", err)
	}
	defer stopServer(serverCmd)

	if err := waitForHealth(ctx, *port); err != nil {
		log.Fatalf("FATAL health_check: %v", err)
	}
	fmt.Println("server: healthy")

	client := mcp.NewClient(&mcp.Implementation{Name: "mcp-smoke", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint: fmt.Sprintf("http://127.0.0.1:%d/mcp", *port),
	}, nil)
	if err != nil {
		log.Fatalf("FATAL connect: %v", err)
	}
	defer session.Close()

	var results []scenarioResult
	for _, sc := range allScenarios() {
		if *runOnly != "" && sc.name != *runOnly {
			continue
		}
		if sc.live && !*live {
			results = append(results, scenarioResult{name: sc.name, passed: true})
			fmt.Printf("SKIP  %s (needs -live)\n", sc.name)
			continue
		}
		err := sc.fn(ctx, session)
		results = append(results, scenarioResult{name: sc.name, passed: err == nil, err: err})
		if err != nil {
			fmt.Printf("FAIL  %s: %v\n", sc.name, err)
		} else {
			fmt.Printf("PASS  %s\n", sc.name)
		}
	}

	failed := 0
	for _, r := range results {
		if !r.passed {
			failed++
		}
	}
	fmt.Printf("\n%d scenarios, %d failed\n", len(results), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func startServer(ctx context.Context, binary string, port int) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, binary, "mcp", "--http", fmt.Sprintf(":%d", port))
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func stopServer(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	}
}

func waitForHealth(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server never became healthy: %w", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// callTool invokes a tool and decodes the first text content as JSON.
func callTool(ctx context.Context, s *mcp.ClientSession, name string, args map[string]any) (map[string]any, *mcp.CallToolResult, error) {
	res, err := s.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, nil, err
	}
	if len(res.Content) == 0 {
		return nil, res, fmt.Errorf("empty content")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		return nil, res, fmt.Errorf("unexpected content type %T", res.Content[0])
	}
	var parsed map[string]any
	_ = json.Unmarshal([]byte(text.Text), &parsed)
	return parsed, res, nil
}

func allScenarios() []scenario {
	return []scenario{
		{name: "tools_list", fn: func(ctx context.Context, s *mcp.ClientSession) error {
			res, err := s.ListTools(ctx, &mcp.ListToolsParams{})
			if err != nil {
				return err
			}
			found := map[string]bool{}
			for _, tool := range res.Tools {
				found[tool.Name] = true
			}
			for _, want := range []string{"execute_command", "execute_batch", "search_modules", "console_status"} {
				if !found[want] {
					return fmt.Errorf("tool %s missing", want)
				}
			}
			return nil
		}},

		{name: "version_resource", fn: func(ctx context.Context, s *mcp.ClientSession) error {
			res, err := s.ReadResource(ctx, &mcp.ReadResourceParams{URI: "msf://version"})
			if err != nil {
				return err
			}
			if len(res.Contents) == 0 || !strings.Contains(res.Contents[0].Text, "execution_modes") {
				return fmt.Errorf("version resource incomplete")
			}
			return nil
		}},

		{name: "console_status", fn: func(ctx context.Context, s *mcp.ClientSession) error {
			parsed, res, err := callTool(ctx, s, "console_status", map[string]any{})
			if err != nil {
				return err
			}
			if res.IsError {
				return fmt.Errorf("tool errored: %v", parsed)
			}
			if _, ok := parsed["status"]; !ok {
				return fmt.Errorf("status missing from %v", parsed)
			}
			return nil
		}},

		{name: "blocked_command", fn: func(ctx context.Context, s *mcp.ClientSession) error {
			// The gate must reject this without touching a console, so it
			// is safe even without a framework install.
			parsed, _, err := callTool(ctx, s, "execute_command", map[string]any{"command": "rm -rf /"})
			if err != nil {
				return err
			}
			if blocked, _ := parsed["blocked"].(bool); !blocked {
				return fmt.Errorf("destructive command was not blocked: %v", parsed)
			}
			return nil
		}},

		{name: "missing_args_rejected", fn: func(ctx context.Context, s *mcp.ClientSession) error {
			_, res, err := callTool(ctx, s, "execute_command", map[string]any{})
			if err != nil {
				return err
			}
			if !res.IsError {
				return fmt.Errorf("expected error result for missing command")
			}
			return nil
		}},

		{name: "execute_version", live: true, fn: func(ctx context.Context, s *mcp.ClientSession) error {
			parsed, res, err := callTool(ctx, s, "execute_command", map[string]any{"command": "version"})
			if err != nil {
				return err
			}
			if res.IsError {
				return fmt.Errorf("tool errored: %v", parsed)
			}
			if success, _ := parsed["success"].(bool); !success {
				return fmt.Errorf("version failed: %v", parsed)
			}
			return nil
		}},

		{name: "search_modules", live: true, fn: func(ctx context.Context, s *mcp.ClientSession) error {
			parsed, res, err := callTool(ctx, s, "search_modules", map[string]any{"query": "type:exploit smb", "per_page": 5})
			if err != nil {
				return err
			}
			if res.IsError {
				return fmt.Errorf("tool errored: %v", parsed)
			}
			return nil
		}},
	}
}
