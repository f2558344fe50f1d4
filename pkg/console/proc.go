package console

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// procIO abstracts the spawned process so the supervisor's pump and
// completion logic can be driven by in-memory pipes in tests.
type procIO interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
	Pid() int
}

// execProc is the production procIO backed by os/exec.
type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func startExecProc(path string, args ...string) (procIO, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *execProc) Stdin() io.Writer  { return p.stdin }
func (p *execProc) Stdout() io.Reader { return p.stdout }
func (p *execProc) Stderr() io.Reader { return p.stderr }

func (p *execProc) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProc) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProc) Wait() error                { return p.cmd.Wait() }
func (p *execProc) Pid() int                   { return p.cmd.Process.Pid }

// resolveExecutable verifies the binary exists and is executable. Bare
// names are resolved through PATH.
func resolveExecutable(path string) (string, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
	}
	return resolved, nil
}
