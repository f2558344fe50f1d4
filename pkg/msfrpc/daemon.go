package msfrpc

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/msfmcp/msfmcp/pkg/config"
	"github.com/msfmcp/msfmcp/pkg/duration"
)

// Daemon is a msfrpcd process we spawned ourselves.
type Daemon struct {
	cmd  *exec.Cmd
	addr string
}

// SpawnDaemon starts msfrpcd with the endpoint config and waits for the
// port to accept connections. The process is killed if it never becomes
// reachable.
func SpawnDaemon(ctx context.Context, path string, cfg config.RPCConfig) (*Daemon, error) {
	if path == "" {
		path = "msfrpcd"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: binary %s not found", ErrDaemonStartup, path)
	}

	args := []string{
		"-U", cfg.Username,
		"-P", cfg.Password,
		"-a", cfg.Host,
		"-p", strconv.Itoa(cfg.Port),
		"-f",
	}
	if !cfg.SSL {
		args = append(args, "-S")
	}

	cmd := exec.Command(resolved, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonStartup, err)
	}

	d := &Daemon{cmd: cmd, addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))}
	log.Printf("[rpc] spawned msfrpcd pid=%d addr=%s", cmd.Process.Pid, d.addr)

	if err := d.waitReachable(ctx, duration.DaemonStartup); err != nil {
		d.Stop()
		return nil, err
	}
	return d, nil
}

// waitReachable polls the TCP port until it accepts a connection.
func (d *Daemon) waitReachable(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		conn, err := net.DialTimeout("tcp", d.addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrDaemonStartup, d.addr, budget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(duration.DrainPoll):
		}
	}
}

// PID returns the daemon process id.
func (d *Daemon) PID() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}

// Stop kills the daemon process and reaps it.
func (d *Daemon) Stop() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	_ = d.cmd.Process.Kill()
	_ = d.cmd.Wait()
}
