package msfrpc

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msfmcp/msfmcp/pkg/config"
	"github.com/msfmcp/msfmcp/pkg/jsonutil"
)

const (
	testToken    = "TEMP-TOKEN-1234"
	testPassword = "s3cret"
)

// fakeDaemon mimics the msfrpcd JSON-RPC surface closely enough to drive
// the client: token-first params, console busy flags, error objects.
type fakeDaemon struct {
	t *testing.T

	mu      sync.Mutex
	reads   []consoleRead // consumed by console.read, last entry sticky
	failing bool          // all authenticated calls return errors
	lastCmd string
	loginOK bool
	calls   map[string]int
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	return &fakeDaemon{t: t, loginOK: true, calls: map[string]int{}}
}

func (f *fakeDaemon) setReads(reads ...consoleRead) {
	f.mu.Lock()
	f.reads = reads
	f.mu.Unlock()
}

func (f *fakeDaemon) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req rpcRequest
	require.NoError(f.t, jsonutil.Unmarshal(body, &req))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Method]++

	writeResult := func(v any) {
		data, err := jsonutil.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": v})
		require.NoError(f.t, err)
		w.Write(data)
	}
	writeError := func(code int, msg string) {
		data, err := jsonutil.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": code, "message": msg},
		})
		require.NoError(f.t, err)
		w.Write(data)
	}

	if req.Method == "auth.login" {
		if !f.loginOK || f.failing || len(req.Params) != 2 || req.Params[1] != testPassword {
			writeError(401, "Authentication failed")
			return
		}
		writeResult(map[string]any{"result": "success", "token": testToken})
		return
	}

	// Every other method carries the token first.
	if len(req.Params) == 0 || req.Params[0] != testToken {
		writeError(401, "Invalid Authentication Token")
		return
	}
	if f.failing {
		writeError(500, "database not connected")
		return
	}

	switch req.Method {
	case "core.version":
		writeResult(map[string]any{"version": "6.4.0-dev", "ruby": "3.0.2", "api": "1.0"})
	case "console.create":
		writeResult(map[string]any{"id": 7, "prompt": "msf6 > ", "busy": false})
	case "console.destroy":
		writeResult(map[string]any{"result": "success"})
	case "console.write":
		f.lastCmd, _ = req.Params[2].(string)
		writeResult(map[string]any{"wrote": len(f.lastCmd)})
	case "console.read":
		read := consoleRead{Prompt: "msf6 > "}
		if len(f.reads) > 0 {
			read = f.reads[0]
			if len(f.reads) > 1 {
				f.reads = f.reads[1:]
			}
		}
		writeResult(read)
	default:
		writeError(404, "unknown method "+req.Method)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeDaemon) {
	t.Helper()
	daemon := newFakeDaemon(t)
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewClient(
		config.RPCConfig{Host: host, Port: port, Username: "msf", Password: testPassword, Timeout: 5 * time.Second},
		config.RetryConfig{MaxAttempts: 1, Delay: time.Millisecond, Multiplier: 1},
		nil,
	)
	return c, daemon
}

func TestConnectStoresToken(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, "connected", c.State())
}

func TestConnectBadCredentials(t *testing.T) {
	t.Parallel()

	c, daemon := newTestClient(t)
	daemon.loginOK = false
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, c.Connected())
}

func TestCallInjectsToken(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "6.4.0-dev", v)
}

func TestCallWithoutConnect(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	err := c.Call(context.Background(), "core.version", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallServerError(t *testing.T) {
	t.Parallel()

	c, daemon := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	daemon.setFailing(true)

	_, err := c.Version(context.Background())
	require.ErrorIs(t, err, ErrRPC)
	assert.Contains(t, err.Error(), "database not connected")
}

func TestConsoleLifecycle(t *testing.T) {
	t.Parallel()

	c, daemon := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))

	id, err := c.CreateConsole(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	daemon.setReads(
		consoleRead{Data: "Framework: 6.4", Busy: true},
		consoleRead{Data: ".0-dev\n", Busy: false},
	)
	out, err := c.ExecuteConsoleCommand(context.Background(), id, "version", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Framework: 6.4.0-dev", out)

	daemon.mu.Lock()
	assert.Equal(t, "version\n", daemon.lastCmd)
	daemon.mu.Unlock()

	require.NoError(t, c.DestroyConsole(context.Background(), id))
}

func TestConsoleCommandTimeoutKeepsPartialOutput(t *testing.T) {
	t.Parallel()

	c, daemon := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	daemon.setReads(consoleRead{Data: "working...", Busy: true})

	out, err := c.ExecuteConsoleCommand(context.Background(), "7", "exploit", 300*time.Millisecond)
	require.ErrorIs(t, err, ErrConsoleTimeout)
	assert.Contains(t, out, "working...")
}

func TestProbeStrikesTriggerDisconnect(t *testing.T) {
	t.Parallel()

	c, daemon := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	daemon.setFailing(true)

	for range maxStrikes {
		c.probe(context.Background())
	}
	// Reconnect also fails while the daemon is failing.
	assert.False(t, c.Connected())
	assert.Equal(t, "disconnected", c.State())

	// Daemon recovers; the next strike trip reconnects successfully.
	daemon.setFailing(false)
	c.mu.Lock()
	c.strikes = maxStrikes - 1
	c.mu.Unlock()
	c.probe(context.Background())
	assert.True(t, c.Connected())
}

func TestProbeSuccessResetsStrikes(t *testing.T) {
	t.Parallel()

	c, daemon := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))

	daemon.setFailing(true)
	c.probe(context.Background())
	daemon.setFailing(false)
	c.probe(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Zero(t, c.strikes)
}
