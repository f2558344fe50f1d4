// Package venom shells out to msfvenom for payload generation. Generation
// is retried with backoff because msfvenom occasionally fails transiently
// under load; clearly invalid requests stop retrying immediately.
package venom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/msfmcp/msfmcp/pkg/audit"
	"github.com/msfmcp/msfmcp/pkg/duration"
	"github.com/msfmcp/msfmcp/pkg/retry"
)

var (
	// ErrGeneration means msfvenom exited non-zero.
	ErrGeneration = errors.New("payload generation failed")

	// ErrInvalidRequest means the request can never succeed, such as an
	// unknown payload or format.
	ErrInvalidRequest = errors.New("invalid payload request")
)

// Request describes one payload to generate.
type Request struct {
	Payload    string            // e.g. windows/meterpreter/reverse_tcp
	Format     string            // e.g. exe, elf, raw
	Options    map[string]string // LHOST, LPORT and friends
	Encoder    string
	Iterations int
	BadChars   string
	OutFile    string // written by msfvenom when set; Data stays empty
	Timeout    time.Duration
}

// Result is a finished generation.
type Result struct {
	Data     []byte
	Size     int
	Path     string
	Duration time.Duration
}

// Generator drives the msfvenom binary.
type Generator struct {
	Path  string
	Retry retry.Config
	Sink  *audit.Dispatcher

	// run is the exec seam for tests.
	run func(ctx context.Context, path string, args []string) (stdout, stderr []byte, err error)
}

// New returns a Generator with the default retry policy.
func New(path string, cfg retry.Config, sink *audit.Dispatcher) *Generator {
	if cfg.MaxAttempts <= 0 {
		cfg = retry.DefaultConfig()
	}
	return &Generator{Path: path, Retry: cfg, Sink: sink, run: runExec}
}

// Generate produces the payload bytes, or writes them to req.OutFile when
// set.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	if req.Payload == "" {
		return Result{}, fmt.Errorf("%w: empty payload name", ErrInvalidRequest)
	}
	path, err := resolveBinary(g.Path)
	if err != nil {
		return Result{}, err
	}

	args := buildArgs(req)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = duration.PayloadGeneration
	}

	runner := g.run
	if runner == nil {
		runner = runExec
	}

	start := time.Now()
	var stdout []byte
	err = retry.Do(ctx, g.Retry, func() error {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, stderr, runErr := runner(runCtx, path, args)
		if runErr != nil {
			msg := strings.TrimSpace(string(stderr))
			if permanentFailure(msg) {
				return retry.Stop(fmt.Errorf("%w: %s", ErrInvalidRequest, msg))
			}
			log.Printf("[venom] generation attempt failed: %v", runErr)
			return fmt.Errorf("%w: %s", ErrGeneration, firstLine(msg, runErr.Error()))
		}
		stdout = out
		return nil
	})

	res := Result{Duration: time.Since(start)}
	status := "success"
	if err == nil {
		if req.OutFile != "" {
			res.Path = req.OutFile
		} else {
			res.Data = stdout
			res.Size = len(stdout)
		}
	} else {
		status = "error"
	}
	if g.Sink != nil {
		g.Sink.Dispatch(ctx, &audit.CommandResultEvent{
			BaseEvent:   audit.NewBase(audit.EventTypeCommandResult, ""),
			Command:     audit.TruncateCommand("msfvenom " + strings.Join(args, " ")),
			Mode:        "venom",
			Status:      status,
			Duration:    res.Duration,
			OutputBytes: res.Size,
		})
	}
	return res, err
}

// buildArgs assembles the msfvenom command line. Option keys are sorted
// so the same request always produces the same invocation.
func buildArgs(req Request) []string {
	args := []string{"-p", req.Payload}
	keys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+req.Options[k])
	}
	if req.Format != "" {
		args = append(args, "-f", req.Format)
	}
	if req.Encoder != "" {
		args = append(args, "-e", req.Encoder)
		if req.Iterations > 0 {
			args = append(args, "-i", strconv.Itoa(req.Iterations))
		}
	}
	if req.BadChars != "" {
		args = append(args, "-b", req.BadChars)
	}
	if req.OutFile != "" {
		args = append(args, "-o", req.OutFile)
	}
	return args
}

func permanentFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"invalid payload", "invalid format", "unrecognized format", "option failed to validate"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstLine(s, fallback string) string {
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func resolveBinary(path string) (string, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: msfvenom not found at %s", ErrInvalidRequest, path)
	}
	return resolved, nil
}

func runExec(ctx context.Context, path string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
