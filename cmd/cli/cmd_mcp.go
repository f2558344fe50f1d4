package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/msfmcp/msfmcp/pkg/mcpserver"
	"github.com/msfmcp/msfmcp/pkg/ui"
	"github.com/msfmcp/msfmcp/pkg/version"
)

// runMCP starts the MCP server.
// Supports two transport modes:
//   - --stdio (default): for IDE and desktop client integrations
//   - --http <addr>:     for remote/Docker deployments
func runMCP() {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)

	stdio := fs.Bool("stdio", true, "Use stdio transport (default, for IDE integration)")
	httpAddr := fs.String("http", "", "HTTP address to listen on (e.g. :8085). Disables stdio.")
	configPath := fs.String("config", envOrDefault("MSF_MCP_CONFIG", ""), "Path to YAML config file")
	noColor := fs.Bool("no-color", false, "Disable colored output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s mcp [flags]\n\n", version.Name)
		fmt.Fprintf(os.Stderr, "Start an MCP server bridging the Metasploit Framework.\n\n")
		fmt.Fprintf(os.Stderr, "Transports:\n")
		fmt.Fprintf(os.Stderr, "  --stdio          Stdio transport for IDE integration (default)\n")
		fmt.Fprintf(os.Stderr, "  --http <addr>    Streamable HTTP transport for remote/Docker\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  MSF_MCP_CONFIG        Config file path (same as --config)\n")
		fmt.Fprintf(os.Stderr, "  MSF_MCP_HTTP_ADDR     HTTP listen address (same as --http)\n")
		fmt.Fprintf(os.Stderr, "  MSF_MCP_RPC_PASS      msfrpcd password (enables RPC mode)\n")
		fmt.Fprintf(os.Stderr, "  MSF_MCP_CONSOLE_PATH  msfconsole binary path\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s mcp --stdio\n", version.Name)
		fmt.Fprintf(os.Stderr, "  %s mcp --http :8085\n", version.Name)
		fmt.Fprintf(os.Stderr, "  MSF_MCP_RPC_PASS=secret %s mcp --http :8085\n\n", version.Name)
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		exitWithError("%v", err)
	}
	ui.SetNoColor(*noColor)

	if *httpAddr == "" {
		*httpAddr = os.Getenv("MSF_MCP_HTTP_ADDR")
	}
	// On stdio, stdout carries the protocol; keep stderr quiet too so
	// client logs stay readable.
	if *httpAddr == "" {
		ui.SetSilent(true)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		exitWithError("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ui.PrintBanner()
	b, err := buildBridge(ctx, cfg)
	if err != nil {
		exitWithError("%v", err)
	}
	defer b.shutdown(context.Background())

	ui.PrintConfigBanner(map[string]string{
		"Transport": transportName(*httpAddr),
		"Console":   b.report.ConsolePath,
		"RPC":       rpcSummary(b),
		"Workspace": cfg.Workspace,
		"Audit Log": cfg.Audit.LogPath,
		"Metrics":   strconv.FormatBool(cfg.Audit.Metrics),
		"Tracing":   cfg.Audit.OTLPEndpoint,
	})

	srv := mcpserver.New(mcpserver.Options{
		Executor:  b.disp,
		Generator: generatorOrNil(b),
		Gate:      b.gate,
		Metrics:   b.metrics,
		Framework: frameworkVersion(b.report),
	})
	srv.MarkReady()
	defer srv.Stop()

	if *httpAddr != "" {
		serveHTTP(ctx, srv, *httpAddr)
		return
	}
	if *stdio {
		if err := srv.RunStdio(ctx); err != nil {
			exitWithError("%v", err)
		}
		return
	}
	exitWithError("no transport selected, use --stdio or --http <addr>")
}

func serveHTTP(ctx context.Context, srv *mcpserver.Server, addr string) {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// WriteTimeout stays 0: streamable MCP responses can outlive any
		// fixed deadline, and slow commands become async tasks anyway.
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		ui.PrintInfo("shutting down gracefully")
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			ui.PrintWarning(fmt.Sprintf("shutdown: %v", err))
		}
	}()

	ui.PrintSuccess(fmt.Sprintf("MCP server listening on %s (HTTP transport)", addr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		exitWithError("%v", err)
	}
}

func transportName(httpAddr string) string {
	if httpAddr != "" {
		return "http " + httpAddr
	}
	return "stdio"
}

func rpcSummary(b *bridge) string {
	if b.rpc == nil {
		return "disabled"
	}
	return fmt.Sprintf("%s:%d", b.cfg.RPC.Host, b.cfg.RPC.Port)
}

// generatorOrNil keeps the Generator interface nil when msfvenom is
// absent, so the tool reports itself as disabled.
func generatorOrNil(b *bridge) mcpserver.Generator {
	if b.gen == nil {
		return nil
	}
	return b.gen
}
