// Package msfrpc is a JSON-RPC client for msfrpcd. The daemon expects the
// auth token as the first positional parameter of every call after login;
// the client injects it so callers never see it. A background health loop
// probes the daemon and reconnects after three consecutive failures.
package msfrpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json/jsontext"

	"github.com/msfmcp/msfmcp/pkg/audit"
	"github.com/msfmcp/msfmcp/pkg/config"
	"github.com/msfmcp/msfmcp/pkg/duration"
	"github.com/msfmcp/msfmcp/pkg/jsonutil"
	"github.com/msfmcp/msfmcp/pkg/retry"
)

const rpcPath = "/api/1.0/rpc"

// maxStrikes is how many consecutive health probes may fail before the
// client declares the connection lost and reconnects.
const maxStrikes = 3

// connState labels the connection lifecycle.
type connState string

const (
	stateDisconnected connState = "disconnected"
	stateConnecting   connState = "connecting"
	stateConnected    connState = "connected"
)

// rpcRequest is the wire format msfrpcd accepts.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result jsontext.Value `json:"result"`
	Error  *rpcError      `json:"error"`
}

// Client talks to one msfrpcd instance. Safe for concurrent use.
type Client struct {
	cfg      config.RPCConfig
	url      string
	httpc    *http.Client
	sink     *audit.Dispatcher
	retryCfg retry.Config

	mu      sync.Mutex
	token   string
	state   connState
	strikes int

	nextID atomic.Int64

	healthStop chan struct{}
	healthOnce sync.Once
	healthWG   sync.WaitGroup
}

// NewClient builds a client from the endpoint config. No network traffic
// happens until Connect.
func NewClient(cfg config.RPCConfig, retryCfg config.RetryConfig, sink *audit.Dispatcher) *Client {
	scheme := "http"
	transport := http.DefaultTransport
	if cfg.SSL {
		scheme = "https"
		// msfrpcd serves a self-signed certificate on loopback.
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = duration.RPCCall
	}
	rc := retry.Config{
		MaxAttempts: retryCfg.MaxAttempts,
		InitDelay:   retryCfg.Delay,
		MaxDelay:    duration.RPCCall,
		Multiplier:  retryCfg.Multiplier,
		Jitter:      true,
	}
	if rc.MaxAttempts <= 0 {
		rc = retry.DefaultConfig()
	}
	if rc.InitDelay <= 0 {
		rc.InitDelay = duration.ReconnectDelay
	}
	return &Client{
		cfg:        cfg,
		url:        fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Host, cfg.Port, rpcPath),
		httpc:      &http.Client{Timeout: timeout, Transport: transport},
		sink:       sink,
		retryCfg:   rc,
		state:      stateDisconnected,
		healthStop: make(chan struct{}),
	}
}

// Connect authenticates against msfrpcd and stores the session token.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(stateConnecting, "")

	var res struct {
		Result string `json:"result"`
		Token  string `json:"token"`
	}
	if err := c.call(ctx, "auth.login", []any{c.cfg.Username, c.cfg.Password}, &res); err != nil {
		c.setState(stateDisconnected, err.Error())
		if strings.Contains(err.Error(), "Invalid User") || strings.Contains(err.Error(), "Authentication") {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return err
	}
	if res.Token == "" {
		c.setState(stateDisconnected, "no token in login response")
		return ErrAuthFailed
	}

	c.mu.Lock()
	c.token = res.Token
	c.strikes = 0
	c.mu.Unlock()
	c.setState(stateConnected, "")
	log.Printf("[rpc] connected to %s", c.url)
	return nil
}

// Connected reports whether an authenticated session exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected && c.token != ""
}

// State returns the connection state as a string for status surfaces.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.state)
}

// Call invokes an RPC method with the session token injected as the first
// parameter.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	c.mu.Lock()
	token := c.token
	ok := c.state == stateConnected
	c.mu.Unlock()
	if !ok || token == "" {
		return ErrNotConnected
	}
	return c.call(ctx, method, append([]any{token}, params...), out)
}

// call posts one request without token handling.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := jsonutil.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPC, method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPC, method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: http %d: %s", ErrRPC, method, resp.StatusCode, firstLine(data))
	}

	var parsed rpcResponse
	if err := jsonutil.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("%w: %s: bad response: %v", ErrRPC, method, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrRPC, method, parsed.Error.Message, parsed.Error.Code)
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := jsonutil.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", ErrRPC, method, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Console operations
// ---------------------------------------------------------------------------

type consoleRead struct {
	Data   string `json:"data"`
	Prompt string `json:"prompt"`
	Busy   bool   `json:"busy"`
}

// CreateConsole allocates a console on the daemon and returns its id.
func (c *Client) CreateConsole(ctx context.Context) (string, error) {
	var res struct {
		ID any `json:"id"`
	}
	if err := c.Call(ctx, "console.create", nil, &res); err != nil {
		return "", err
	}
	id := fmt.Sprintf("%v", res.ID)
	if id == "" || id == "<nil>" {
		return "", fmt.Errorf("%w: console.create returned no id", ErrRPC)
	}
	// Drain the banner so the first command's output starts clean.
	_, _ = c.readConsole(ctx, id)
	return id, nil
}

// DestroyConsole releases a daemon console.
func (c *Client) DestroyConsole(ctx context.Context, id string) error {
	return c.Call(ctx, "console.destroy", []any{id}, nil)
}

// ExecuteConsoleCommand writes a command to a daemon console and polls
// console.read until the busy flag clears. Expiry returns the partial
// output alongside ErrConsoleTimeout.
func (c *Client) ExecuteConsoleCommand(ctx context.Context, id, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = duration.ForCommand(command)
	}
	if err := c.Call(ctx, "console.write", []any{id, command + "\n"}, nil); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return out.String(), ctx.Err()
		case <-time.After(duration.RPCBusyPoll):
		}

		read, err := c.readConsole(ctx, id)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(read.Data)
		if !read.Busy {
			return strings.TrimRight(out.String(), " \t\n"), nil
		}
		if time.Now().After(deadline) {
			return out.String(), fmt.Errorf("%w after %s: %s", ErrConsoleTimeout, timeout, audit.TruncateCommand(command))
		}
	}
}

func (c *Client) readConsole(ctx context.Context, id string) (consoleRead, error) {
	var res consoleRead
	err := c.Call(ctx, "console.read", []any{id}, &res)
	return res, err
}

// Version fetches core.version from the daemon.
func (c *Client) Version(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
		Ruby    string `json:"ruby"`
		API     string `json:"api"`
	}
	if err := c.Call(ctx, "core.version", nil, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

// ---------------------------------------------------------------------------
// Health loop
// ---------------------------------------------------------------------------

// StartHealthLoop begins the periodic probe. Stop it with Close.
func (c *Client) StartHealthLoop() {
	c.healthWG.Add(1)
	go func() {
		defer c.healthWG.Done()
		ticker := time.NewTicker(duration.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.healthStop:
				return
			case <-ticker.C:
				c.probe(context.Background())
			}
		}
	}()
}

// Close stops the health loop. The HTTP client needs no teardown.
func (c *Client) Close() {
	c.healthOnce.Do(func() { close(c.healthStop) })
	c.healthWG.Wait()
}

// probe runs one health check and handles the strike counter. Exposed to
// tests through the package; production only reaches it via the loop.
func (c *Client) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, duration.RPCProbe)
	defer cancel()

	if _, err := c.Version(probeCtx); err == nil {
		c.mu.Lock()
		c.strikes = 0
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.strikes++
	strikes := c.strikes
	c.mu.Unlock()
	log.Printf("[rpc] health probe failed (strike %d/%d)", strikes, maxStrikes)
	if strikes < maxStrikes {
		return
	}

	c.setState(stateDisconnected, fmt.Sprintf("%d consecutive probe failures", strikes))
	c.reconnect(ctx)
}

// reconnect re-authenticates with backoff. Gives up after the configured
// attempts; the next probe cycle will try again.
func (c *Client) reconnect(ctx context.Context) {
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.Connect(ctx)
	})
	if err != nil {
		log.Printf("[rpc] reconnect failed: %v", err)
		return
	}
	c.mu.Lock()
	c.strikes = 0
	c.mu.Unlock()
}

func (c *Client) setState(next connState, detail string) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	if next == stateDisconnected {
		c.token = ""
	}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.Dispatch(context.Background(), &audit.ConnectionEvent{
			BaseEvent: audit.NewBase(audit.EventTypeConnection, ""),
			Component: "rpc",
			From:      string(prev),
			To:        string(next),
			Detail:    detail,
		})
	}
}

func firstLine(data []byte) string {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
