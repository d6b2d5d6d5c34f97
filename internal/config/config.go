// ABOUTME: Configuration loading and parsing for command-center
// ABOUTME: YAML files with ${ENV} expansion, duration parsing, defaults and validation

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime backends understood by the session manager.
const (
	BackendClaudeCode = "claude"
	BackendMessages   = "messages"
	BackendScripted   = "scripted"
)

// Config represents the complete command-center configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Project     ProjectConfig     `yaml:"project"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener addresses. GRPCAddr is optional and only
// serves the standard health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	// AllowedOrigins are passed to the WebSocket origin check.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
}

// ProjectConfig points at the marketing project whose .claude/agents
// directory holds persona definitions.
type ProjectConfig struct {
	Dir string `yaml:"dir"`
}

// RuntimeConfig selects and configures the agent-execution backend.
type RuntimeConfig struct {
	Backend      string `yaml:"backend"`
	ClaudeBinary string `yaml:"claude_binary"`
	WorkingDir   string `yaml:"working_dir"`

	// Messages backend
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int64   `yaml:"max_tokens"`
	InputPrice  float64 `yaml:"input_price"`  // USD per million input tokens
	OutputPrice float64 `yaml:"output_price"` // USD per million output tokens
}

// PermissionsConfig tunes the permission mediator.
type PermissionsConfig struct {
	AskTools          []string `yaml:"ask_tools"`
	ShellTool         string   `yaml:"shell_tool"`
	DangerousPatterns []string `yaml:"dangerous_patterns"`
}

// SessionsConfig holds session timing configuration
type SessionsConfig struct {
	ProgressInterval time.Duration `yaml:"-"`
	ShutdownTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProgressIntervalRaw string `yaml:"progress_interval"`
	ShutdownTimeoutRaw  string `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the event ledger location. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration usable without a file: serve the current
// directory's project on localhost via the claude CLI.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:3001"
	}
	if c.Project.Dir == "" {
		c.Project.Dir = "."
	}
	if c.Runtime.Backend == "" {
		c.Runtime.Backend = BackendClaudeCode
	}
	if c.Runtime.ClaudeBinary == "" {
		c.Runtime.ClaudeBinary = "claude"
	}
	if c.Runtime.WorkingDir == "" {
		c.Runtime.WorkingDir = c.Project.Dir
	}
	if c.Runtime.Model == "" {
		c.Runtime.Model = "claude-sonnet-4-5"
	}
	if c.Runtime.MaxTokens == 0 {
		c.Runtime.MaxTokens = 4096
	}
	if c.Permissions.ShellTool == "" {
		c.Permissions.ShellTool = "Bash"
	}
	if c.Sessions.ProgressInterval == 0 {
		c.Sessions.ProgressInterval = time.Second
	}
	if c.Sessions.ShutdownTimeout == 0 {
		c.Sessions.ShutdownTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Tailscale.StateDir == "" && c.Tailscale.Enabled {
		c.Tailscale.StateDir = filepath.Join(c.Project.Dir, ".command-center", "tsnet")
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Runtime.Backend {
	case BackendClaudeCode, BackendScripted:
	case BackendMessages:
		if c.Runtime.APIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
			return errors.New("runtime.api_key (or ANTHROPIC_API_KEY) is required for the messages backend")
		}
	default:
		return fmt.Errorf("runtime.backend %q is not one of claude, messages, scripted", c.Runtime.Backend)
	}

	for _, p := range c.Permissions.DangerousPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("permissions.dangerous_patterns: %q: %w", p, err)
		}
	}

	if c.Sessions.ProgressInterval < 0 {
		return errors.New("sessions.progress_interval must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.ProgressIntervalRaw != "" {
		cfg.Sessions.ProgressInterval, err = time.ParseDuration(cfg.Sessions.ProgressIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing progress_interval %q: %w", cfg.Sessions.ProgressIntervalRaw, err)
		}
	}

	if cfg.Sessions.ShutdownTimeoutRaw != "" {
		cfg.Sessions.ShutdownTimeout, err = time.ParseDuration(cfg.Sessions.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Sessions.ShutdownTimeoutRaw, err)
		}
	}

	return nil
}

// DefaultPath resolves the config file location: $COMMAND_CENTER_CONFIG,
// then $XDG_CONFIG_HOME/command-center/config.yaml, then ~/.config.
func DefaultPath() string {
	if p := os.Getenv("COMMAND_CENTER_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "command-center", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "command-center", "config.yaml")
}
