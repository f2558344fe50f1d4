package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/msfmcp/msfmcp/pkg/duration"
)

// ScriptOptions shapes a generated resource script.
type ScriptOptions struct {
	// Workspace to select before the commands run. "default" and empty
	// skip the preamble.
	Workspace string

	// DBCheck prepends a db_status probe.
	DBCheck bool

	// Timeout bounds the one-shot console run. Zero means the batch
	// budget.
	Timeout time.Duration
}

// ScriptResult is the outcome of one resource-script run.
type ScriptResult struct {
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

var scriptTmpl = template.Must(template.New("resource").Funcs(sprig.TxtFuncMap()).Parse(
	`# auto-generated {{ now | date "2006-01-02T15:04:05Z07:00" }}
{{- if .DBCheck }}
db_status
{{- end }}
{{- if and .Workspace (ne .Workspace "default") }}
workspace {{ .Workspace }}
{{- end }}
{{- range .Commands }}
{{ trim . }}
{{- end }}
exit
`))

// BuildScript renders a resource script for the given command batch.
func BuildScript(commands []string, opts ScriptOptions) (string, error) {
	if len(commands) == 0 {
		return "", errors.New("empty command batch")
	}
	var buf bytes.Buffer
	data := struct {
		ScriptOptions
		Commands []string
	}{ScriptOptions: opts, Commands: commands}
	if err := scriptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render resource script: %w", err)
	}
	return buf.String(), nil
}

// ResourceRunner executes command batches through a fresh one-shot
// console with -r. Unlike the Supervisor it holds no state between runs.
type ResourceRunner struct {
	// Path to the console binary.
	Path string
}

// Run writes the batch to a temp resource script and executes it. The
// temp file is removed afterward regardless of outcome.
func (r *ResourceRunner) Run(ctx context.Context, commands []string, opts ScriptOptions) (ScriptResult, error) {
	script, err := BuildScript(commands, opts)
	if err != nil {
		return ScriptResult{}, err
	}
	path, err := resolveExecutable(r.Path)
	if err != nil {
		return ScriptResult{}, err
	}

	f, err := os.CreateTemp("", "msfmcp-*.rc")
	if err != nil {
		return ScriptResult{}, fmt.Errorf("create resource script: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return ScriptResult{}, fmt.Errorf("write resource script: %w", err)
	}
	if err := f.Close(); err != nil {
		return ScriptResult{}, fmt.Errorf("write resource script: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = duration.BatchScript
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, "-q", "-n", "-r", name)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Printf("[console] running resource script with %d commands", len(commands))
	start := time.Now()
	runErr := cmd.Run()
	res := ScriptResult{
		Output:   strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:   strings.ToValidUTF8(stderr.String(), "�"),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case runCtx.Err() != nil:
		return res, fmt.Errorf("%w after %s: resource script", ErrCommandTimeout, timeout)
	default:
		return res, fmt.Errorf("%w: %v", ErrProcessSpawn, runErr)
	}
	return res, nil
}
