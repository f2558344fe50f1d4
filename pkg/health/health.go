// Package health runs the preflight checks: binary discovery, version
// probe, framework directory, RPC reachability. Only a missing console
// binary is fatal; everything else degrades a mode and is reported as a
// warning.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/msfmcp/msfmcp/pkg/config"
	"github.com/msfmcp/msfmcp/pkg/duration"
)

// wellKnownDirs are probed before PATH when no explicit binary path is
// configured.
var wellKnownDirs = []string{
	"/usr/bin",
	"/usr/local/bin",
	"/opt/metasploit-framework/bin",
	"/snap/bin",
}

// CheckStatus grades one check.
type CheckStatus string

const (
	StatusOK   CheckStatus = "ok"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// Check is one preflight result.
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// Report is the full preflight outcome.
type Report struct {
	Checks  []Check `json:"checks"`
	Healthy bool    `json:"healthy"` // no fail entries

	// Resolved binary paths, empty when not found.
	ConsolePath string `json:"console_path,omitempty"`
	VenomPath   string `json:"venom_path,omitempty"`
	DaemonPath  string `json:"daemon_path,omitempty"`
}

// Checker runs the ladder. The function fields exist so tests can fake
// the filesystem, PATH, network, and the version probe.
type Checker struct {
	cfg *config.Config

	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	dial       func(network, addr string, timeout time.Duration) (net.Conn, error)
	runVersion func(ctx context.Context, path string) (string, error)
}

// New builds a Checker with the real probes.
func New(cfg *config.Config) *Checker {
	return &Checker{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		dial:       net.DialTimeout,
		runVersion: probeVersion,
	}
}

// Run executes every check. It never returns an error; failures land in
// the report.
func (c *Checker) Run(ctx context.Context) Report {
	var r Report

	r.ConsolePath = c.binaryCheck(&r, "msfconsole", c.cfg.ConsolePath, StatusFail)
	r.VenomPath = c.binaryCheck(&r, "msfvenom", c.cfg.VenomPath, StatusWarn)
	r.DaemonPath = c.binaryCheck(&r, "msfrpcd", c.cfg.DaemonPath, StatusWarn)

	if r.ConsolePath != "" {
		c.versionCheck(ctx, &r, r.ConsolePath)
	}
	c.directoryCheck(&r)
	c.rpcCheck(&r)

	r.Healthy = true
	for _, chk := range r.Checks {
		if chk.Status == StatusFail {
			r.Healthy = false
			break
		}
	}
	return r
}

// FindBinary resolves a binary: an explicit configured path wins, then
// well-known install dirs, then PATH.
func (c *Checker) FindBinary(name, configured string) (string, error) {
	if configured != "" {
		if _, err := c.stat(configured); err != nil {
			return "", fmt.Errorf("configured path %s: %w", configured, err)
		}
		return configured, nil
	}
	for _, dir := range wellKnownDirs {
		candidate := filepath.Join(dir, name)
		if info, err := c.stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	resolved, err := c.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in well-known dirs or PATH", name)
	}
	return resolved, nil
}

func (c *Checker) binaryCheck(r *Report, name, configured string, missing CheckStatus) string {
	path, err := c.FindBinary(name, configured)
	if err != nil {
		r.Checks = append(r.Checks, Check{Name: name, Status: missing, Detail: err.Error()})
		return ""
	}
	r.Checks = append(r.Checks, Check{Name: name, Status: StatusOK, Detail: path})
	return path
}

func (c *Checker) versionCheck(ctx context.Context, r *Report, path string) {
	probeCtx, cancel := context.WithTimeout(ctx, duration.ConsoleStartup)
	defer cancel()
	version, err := c.runVersion(probeCtx, path)
	if err != nil {
		r.Checks = append(r.Checks, Check{Name: "framework version", Status: StatusWarn, Detail: err.Error()})
		return
	}
	r.Checks = append(r.Checks, Check{Name: "framework version", Status: StatusOK, Detail: version})
}

// directoryCheck looks for ~/.msf4, which the console creates on first
// run. Its absence usually means the database is uninitialized.
func (c *Checker) directoryCheck(r *Report) {
	home, err := os.UserHomeDir()
	if err != nil {
		r.Checks = append(r.Checks, Check{Name: "framework directory", Status: StatusWarn, Detail: err.Error()})
		return
	}
	dir := filepath.Join(home, ".msf4")
	if info, err := c.stat(dir); err != nil || !info.IsDir() {
		r.Checks = append(r.Checks, Check{Name: "framework directory", Status: StatusWarn, Detail: dir + " missing, run msfconsole once to initialize"})
		return
	}
	r.Checks = append(r.Checks, Check{Name: "framework directory", Status: StatusOK, Detail: dir})
}

// rpcCheck probes the daemon port. Unreachable is a warning; subprocess
// mode works without it.
func (c *Checker) rpcCheck(r *Report) {
	addr := net.JoinHostPort(c.cfg.RPC.Host, strconv.Itoa(c.cfg.RPC.Port))
	conn, err := c.dial("tcp", addr, duration.RPCProbe)
	if err != nil {
		r.Checks = append(r.Checks, Check{Name: "rpc endpoint", Status: StatusWarn, Detail: addr + " unreachable, subprocess mode only"})
		return
	}
	conn.Close()
	r.Checks = append(r.Checks, Check{Name: "rpc endpoint", Status: StatusOK, Detail: addr})
}

// probeVersion shells out for the framework version string.
func probeVersion(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "-v").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("version probe: %w", err)
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return "", fmt.Errorf("version probe: empty output")
	}
	return line, nil
}
