package console

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScript(t *testing.T) {
	t.Parallel()

	script, err := BuildScript(
		[]string{"use exploit/multi/handler", "  set LHOST 10.0.0.5  ", "run"},
		ScriptOptions{Workspace: "pentest", DBCheck: true},
	)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(script), "\n")
	require.GreaterOrEqual(t, len(lines), 6)
	assert.True(t, strings.HasPrefix(lines[0], "# auto-generated"))
	assert.Equal(t, "db_status", lines[1])
	assert.Equal(t, "workspace pentest", lines[2])
	assert.Equal(t, "use exploit/multi/handler", lines[3])
	assert.Equal(t, "set LHOST 10.0.0.5", lines[4])
	assert.Equal(t, "run", lines[5])
	assert.Equal(t, "exit", lines[len(lines)-1])
}

func TestBuildScriptDefaultWorkspaceSkipped(t *testing.T) {
	t.Parallel()

	script, err := BuildScript([]string{"version"}, ScriptOptions{Workspace: "default"})
	require.NoError(t, err)
	assert.NotContains(t, script, "workspace")
	assert.NotContains(t, script, "db_status")
	assert.Contains(t, script, "version\nexit\n")
}

func TestBuildScriptEmptyBatch(t *testing.T) {
	t.Parallel()

	_, err := BuildScript(nil, ScriptOptions{})
	assert.Error(t, err)
}

func TestResourceRunnerExecutes(t *testing.T) {
	t.Parallel()

	// true stands in for the console binary, which is enough to verify
	// temp-file wiring and exit-code capture.
	r := &ResourceRunner{Path: "true"}
	res, err := r.Run(context.Background(), []string{"version"}, ScriptOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestResourceRunnerMissingBinary(t *testing.T) {
	t.Parallel()

	r := &ResourceRunner{Path: "/nonexistent/msfconsole-test-binary"}
	_, err := r.Run(context.Background(), []string{"version"}, ScriptOptions{})
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}
