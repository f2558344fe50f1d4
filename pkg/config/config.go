// Package config holds the immutable runtime configuration. A Config is
// built once at startup (defaults, optional YAML file, env overrides applied
// by the CLI) and passed down by value reference; core packages never read
// files or environment variables themselves.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msfmcp/msfmcp/pkg/duration"
)

// Config is the root configuration object.
type Config struct {
	// Binary paths. Empty means "discover via fixed paths then PATH".
	ConsolePath string `yaml:"console_path"`
	VenomPath   string `yaml:"venom_path"`
	DaemonPath  string `yaml:"daemon_path"`

	// Workspace is the Metasploit workspace selected for executions.
	Workspace string `yaml:"workspace"`

	RPC      RPCConfig      `yaml:"rpc"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Retry    RetryConfig    `yaml:"retry"`
	Security SecurityConfig `yaml:"security"`
	Output   OutputConfig   `yaml:"output"`
	Audit    AuditConfig    `yaml:"audit"`
}

// RPCConfig describes the msfrpcd endpoint and connection policy.
type RPCConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	SSL         bool          `yaml:"ssl"`
	Timeout     time.Duration `yaml:"timeout"`
	SpawnDaemon bool          `yaml:"spawn_daemon"` // start msfrpcd ourselves when unreachable
}

// TimeoutConfig carries the coarse operation budgets. Per-command budgets
// come from duration.ForCommand; these bound whole operations.
type TimeoutConfig struct {
	Startup           time.Duration `yaml:"startup"`
	Command           time.Duration `yaml:"command"`
	Search            time.Duration `yaml:"search"`
	PayloadGeneration time.Duration `yaml:"payload_generation"`
	BatchScript       time.Duration `yaml:"batch_script"`
}

// RetryConfig mirrors retry.Config for the transports.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// SecurityConfig parameterizes the validation gate.
type SecurityConfig struct {
	MaxCommandLength  int      `yaml:"max_command_length"`
	BlockedKeywords   []string `yaml:"blocked_keywords"` // appended to the built-in blocklist
	CommandsPerSecond float64  `yaml:"commands_per_second"`
	MaxBurst          int      `yaml:"max_burst"`
	FilterScriptDir   string   `yaml:"filter_script_dir"` // optional .tengo command filters
}

// OutputConfig bounds what we hand back to MCP clients.
type OutputConfig struct {
	MaxBytes int `yaml:"max_bytes"` // command output is truncated beyond this
}

// AuditConfig configures the event sinks.
type AuditConfig struct {
	LogPath      string `yaml:"log_path"`      // JSONL audit trail, empty disables
	OTLPEndpoint string `yaml:"otlp_endpoint"` // OTLP/gRPC traces, empty disables
	Metrics      bool   `yaml:"metrics"`       // expose Prometheus metrics on the HTTP transport
}

// Default returns the baseline configuration. Callers mutate the returned
// value before Validate; after that it is treated as read-only.
func Default() *Config {
	return &Config{
		Workspace: "default",
		RPC: RPCConfig{
			Host:     "127.0.0.1",
			Port:     55553,
			Username: "msf",
			Timeout:  duration.RPCCall,
		},
		Timeouts: TimeoutConfig{
			Startup:           duration.ConsoleStartup,
			Command:           duration.CommandDefault,
			Search:            duration.CommandSearch,
			PayloadGeneration: duration.PayloadGeneration,
			BatchScript:       duration.BatchScript,
		},
		Retry: RetryConfig{
			MaxAttempts: 2,
			Delay:       duration.RetryFast,
			Multiplier:  1.5,
		},
		Security: SecurityConfig{
			MaxCommandLength:  1000,
			CommandsPerSecond: 5,
			MaxBurst:          10,
		},
		Output: OutputConfig{
			MaxBytes: 1 << 20,
		},
	}
}

// Load reads a YAML file over the defaults. Only the CLI calls this.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency. It does not probe the filesystem;
// binary discovery is pkg/health's job.
func (c *Config) Validate() error {
	if c.RPC.Port <= 0 || c.RPC.Port > 65535 {
		return fmt.Errorf("rpc port %d out of range", c.RPC.Port)
	}
	if c.RPC.Host == "" {
		return fmt.Errorf("rpc host must not be empty")
	}
	if c.Timeouts.Command <= 0 {
		return fmt.Errorf("command timeout must be positive, got %v", c.Timeouts.Command)
	}
	if c.Security.MaxCommandLength <= 0 {
		return fmt.Errorf("max command length must be positive, got %d", c.Security.MaxCommandLength)
	}
	if c.Security.CommandsPerSecond <= 0 {
		return fmt.Errorf("commands per second must be positive, got %v", c.Security.CommandsPerSecond)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Output.MaxBytes <= 0 {
		return fmt.Errorf("output max bytes must be positive, got %d", c.Output.MaxBytes)
	}
	return nil
}
