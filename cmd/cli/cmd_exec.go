package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/msfmcp/msfmcp/pkg/dispatch"
	"github.com/msfmcp/msfmcp/pkg/jsonutil"
	"github.com/msfmcp/msfmcp/pkg/ui"
	"github.com/msfmcp/msfmcp/pkg/version"
)

// runExec executes console commands once, outside any MCP session. One
// command prints a single result; several commands run as a batch sharing
// console state.
func runExec() {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)

	configPath := fs.String("config", envOrDefault("MSF_MCP_CONFIG", ""), "Path to YAML config file")
	workspace := fs.String("workspace", "", "Metasploit workspace (overrides config)")
	timeout := fs.Duration("timeout", 0, "Per-command timeout (default: adaptive)")
	jsonOut := fs.Bool("json", false, "Print raw JSON results to stdout")
	noColor := fs.Bool("no-color", false, "Disable colored output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s exec [flags] <command> [command...]\n\n", version.Name)
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s exec \"version\"\n", version.Name)
		fmt.Fprintf(os.Stderr, "  %s exec --json \"db_status\" \"workspace\"\n", version.Name)
		fmt.Fprintf(os.Stderr, "  %s exec \"use exploit/multi/handler\" \"show options\"\n\n", version.Name)
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		exitWithError("%v", err)
	}
	ui.SetNoColor(*noColor)

	commands := fs.Args()
	if len(commands) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		exitWithError("%v", err)
	}
	if *workspace != "" {
		cfg.Workspace = *workspace
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := buildBridge(ctx, cfg)
	if err != nil {
		exitWithError("%v", err)
	}
	defer b.shutdown(context.Background())

	opts := dispatch.ExecOptions{
		Timeout:   *timeout,
		Workspace: cfg.Workspace,
		Source:    "cli",
	}

	var results []*dispatch.ExecutionResult
	if len(commands) == 1 {
		results = []*dispatch.ExecutionResult{b.disp.ExecuteCommand(ctx, commands[0], opts)}
	} else {
		results = b.disp.ExecuteBatch(ctx, commands, opts)
	}

	failed := printResults(results, *jsonOut)
	ui.PrintStats(b.disp.Status().Stats)

	if failed {
		os.Exit(1)
	}
}

// printResults renders every result and reports whether any failed.
func printResults(results []*dispatch.ExecutionResult, jsonOut bool) bool {
	failed := false
	for _, res := range results {
		if !res.Success {
			failed = true
		}
		if jsonOut {
			data, err := jsonutil.MarshalIndent(res, "", "  ")
			if err != nil {
				ui.PrintError(fmt.Sprintf("encoding result: %v", err))
				continue
			}
			fmt.Fprintln(os.Stdout, string(data))
			continue
		}
		ui.PrintExecutionResult(res)
	}
	return failed
}
