package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/msfmcp/msfmcp/pkg/audit"
	"github.com/msfmcp/msfmcp/pkg/config"
	"github.com/msfmcp/msfmcp/pkg/console"
	"github.com/msfmcp/msfmcp/pkg/dispatch"
	"github.com/msfmcp/msfmcp/pkg/health"
	"github.com/msfmcp/msfmcp/pkg/msfrpc"
	"github.com/msfmcp/msfmcp/pkg/retry"
	"github.com/msfmcp/msfmcp/pkg/security"
	"github.com/msfmcp/msfmcp/pkg/ui"
	"github.com/msfmcp/msfmcp/pkg/venom"
	"github.com/msfmcp/msfmcp/pkg/version"
)

// bridge is the fully wired execution stack shared by the mcp and exec
// commands.
type bridge struct {
	cfg    *config.Config
	report health.Report

	sink   *audit.Dispatcher
	gate   *security.Gate
	sup    *console.Supervisor
	rpc    *msfrpc.Client
	daemon *msfrpc.Daemon
	gen    *venom.Generator
	disp   *dispatch.Dispatcher

	metrics http.Handler
	otel    *audit.OTelHook
}

// loadConfig builds the effective configuration: defaults, optional YAML
// file, then environment overrides.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers MSF_MCP_* environment variables over the file
// values. Useful in Docker where a config file is awkward.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("MSF_MCP_CONSOLE_PATH"); v != "" {
		cfg.ConsolePath = v
	}
	if v := os.Getenv("MSF_MCP_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("MSF_MCP_RPC_HOST"); v != "" {
		cfg.RPC.Host = v
	}
	if v := os.Getenv("MSF_MCP_RPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.RPC.Port = port
		}
	}
	if v := os.Getenv("MSF_MCP_RPC_USER"); v != "" {
		cfg.RPC.Username = v
	}
	if v := os.Getenv("MSF_MCP_RPC_PASS"); v != "" {
		cfg.RPC.Password = v
	}
	if v := os.Getenv("MSF_MCP_AUDIT_LOG"); v != "" {
		cfg.Audit.LogPath = v
	}
	if v := os.Getenv("MSF_MCP_OTLP_ENDPOINT"); v != "" {
		cfg.Audit.OTLPEndpoint = v
	}
}

// buildBridge runs preflight, builds the audit pipeline, and wires the
// transports into a dispatcher. It does not start the subprocess console;
// the supervisor starts lazily on the first subprocess execution.
func buildBridge(ctx context.Context, cfg *config.Config) (*bridge, error) {
	b := &bridge{cfg: cfg}

	checker := health.New(cfg)
	b.report = checker.Run(ctx)
	if !b.report.Healthy {
		var fails []string
		for _, check := range b.report.Checks {
			if check.Status == health.StatusFail {
				fails = append(fails, fmt.Sprintf("%s: %s", check.Name, check.Detail))
			}
		}
		return nil, fmt.Errorf("preflight failed: %s", strings.Join(fails, "; "))
	}

	if err := b.buildAudit(); err != nil {
		return nil, err
	}
	b.buildGate()

	b.sup = console.NewSupervisor(console.Options{
		Path:           b.report.ConsolePath,
		StartupTimeout: cfg.Timeouts.Startup,
		Sink:           b.sink,
	})
	script := &console.ResourceRunner{Path: b.report.ConsolePath}

	b.connectRPC(ctx)

	if b.report.VenomPath != "" {
		b.gen = venom.New(b.report.VenomPath, retryConfig(cfg.Retry), b.sink)
	}

	if b.rpc != nil {
		b.disp = dispatch.New(cfg, b.gate, b.rpc, b.sup, script, b.sink)
	} else {
		b.disp = dispatch.New(cfg, b.gate, nil, b.sup, script, b.sink)
	}
	return b, nil
}

func (b *bridge) buildAudit() error {
	b.sink = audit.New(audit.Config{Async: true})
	b.sink.RegisterHook(audit.LoggerHook{})

	if path := b.cfg.Audit.LogPath; path != "" {
		w, err := audit.NewJSONLWriter(path)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		b.sink.RegisterWriter(w)
	}
	if b.cfg.Audit.Metrics {
		hook, err := audit.NewPrometheusHook()
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		b.sink.RegisterHook(hook)
		b.metrics = hook.Handler()
	}
	if endpoint := b.cfg.Audit.OTLPEndpoint; endpoint != "" {
		hook, err := audit.NewOTelHook(audit.OTelOptions{
			Endpoint:       endpoint,
			ServiceName:    version.Name,
			ServiceVersion: version.Version,
			Insecure:       true,
		})
		if err != nil {
			// Tracing is best-effort; the bridge works without it.
			ui.PrintWarning(fmt.Sprintf("tracing disabled: %v", err))
		} else {
			b.sink.RegisterHook(hook)
			b.otel = hook
		}
	}
	return nil
}

func (b *bridge) buildGate() {
	policy := security.DefaultPolicy()
	if n := b.cfg.Security.MaxCommandLength; n > 0 {
		policy.MaxCommandLength = n
	}
	if r := b.cfg.Security.CommandsPerSecond; r > 0 {
		policy.CommandsPerSecond = r
	}
	if n := b.cfg.Security.MaxBurst; n > 0 {
		policy.MaxBurst = n
	}
	policy.BlockedKeywords = append(policy.BlockedKeywords, b.cfg.Security.BlockedKeywords...)

	b.gate = security.NewGate(policy, b.sink)
	if dir := b.cfg.Security.FilterScriptDir; dir != "" {
		for _, err := range b.gate.LoadFilters(dir) {
			ui.PrintWarning(fmt.Sprintf("filter script: %v", err))
		}
	}
}

// connectRPC establishes the msfrpcd connection when credentials are
// configured. Failure is not fatal; the dispatcher falls back to the
// subprocess console.
func (b *bridge) connectRPC(ctx context.Context) {
	if b.cfg.RPC.Password == "" {
		ui.PrintInfo("no RPC password configured, subprocess mode only")
		return
	}

	client := msfrpc.NewClient(b.cfg.RPC, b.cfg.Retry, b.sink)
	err := client.Connect(ctx)
	if err != nil && b.cfg.RPC.SpawnDaemon && b.report.DaemonPath != "" {
		ui.PrintInfo("msfrpcd unreachable, spawning it")
		daemon, spawnErr := msfrpc.SpawnDaemon(ctx, b.report.DaemonPath, b.cfg.RPC)
		if spawnErr != nil {
			ui.PrintWarning(fmt.Sprintf("msfrpcd spawn failed: %v", spawnErr))
		} else {
			b.daemon = daemon
			err = client.Connect(ctx)
		}
	}
	if err != nil {
		ui.PrintWarning(fmt.Sprintf("RPC unavailable (%v), subprocess mode only", err))
		return
	}
	client.StartHealthLoop()
	b.rpc = client
	ui.PrintSuccess(fmt.Sprintf("connected to msfrpcd at %s:%d", b.cfg.RPC.Host, b.cfg.RPC.Port))
}

// shutdown tears everything down in reverse dependency order.
func (b *bridge) shutdown(ctx context.Context) {
	if b.sup != nil && b.sup.Running() {
		if err := b.sup.Stop(ctx); err != nil {
			ui.PrintWarning(fmt.Sprintf("console shutdown: %v", err))
		}
	}
	if b.rpc != nil {
		b.rpc.Close()
	}
	if b.daemon != nil {
		b.daemon.Stop()
	}
	if b.otel != nil {
		_ = b.otel.Close()
	}
	_ = b.sink.Close()
}

// frameworkVersion pulls the probed version string out of the report.
func frameworkVersion(report health.Report) string {
	for _, check := range report.Checks {
		if check.Name == "framework version" && check.Status == health.StatusOK {
			return check.Detail
		}
	}
	return ""
}

func retryConfig(cfg config.RetryConfig) retry.Config {
	out := retry.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Delay > 0 {
		out.InitDelay = cfg.Delay
	}
	if cfg.Multiplier > 0 {
		out.Multiplier = cfg.Multiplier
	}
	return out
}
