// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Server roles.
const (
	// RoleManager serves the command queue, the instance registry, the
	// orchestrator, and manager login.
	RoleManager = "manager"
	// RoleWorker serves one VM's command queue and gateway.
	RoleWorker = "worker"
)

// Terminal backends for the agent.
const (
	TerminalTmux = "tmux"
	TerminalPTY  = "pty"
)

// Config is the master configuration for vmbridge.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Server configures vmbridge-server.
	Server ServerConfig `yaml:"server"`

	// Manager configures manager login.
	Manager ManagerConfig `yaml:"manager"`

	// Orchestrator configures how the manager spawns VM instances.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Agent configures vmbridge-agent.
	Agent AgentConfig `yaml:"agent"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Server       *ServerConfig       `yaml:"server,omitempty"`
	Manager      *ManagerConfig      `yaml:"manager,omitempty"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Agent        *AgentConfig        `yaml:"agent,omitempty"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Listen is the TCP address to serve on.
	// Default: 127.0.0.1:5173
	Listen string `yaml:"listen"`

	// Role is "manager" or "worker".
	// Default: manager
	Role string `yaml:"role"`

	// APIKey authenticates every /api request. An empty key makes
	// authenticated endpoints fail with a configuration error rather
	// than admitting anyone.
	// Default: ${API_KEY}
	APIKey string `yaml:"api_key"`

	// DiskSource is the VM disk image URL reported in listings and
	// used when an instance is created without one.
	// Default: ${DISK_SOURCE}
	DiskSource string `yaml:"disk_source"`

	// StaleAfter is the heartbeat age past which an instance is offline.
	// Default: 30s
	StaleAfter string `yaml:"stale_after"`

	// GatewayTimeout bounds one outbound gateway request.
	// Default: 10s
	GatewayTimeout string `yaml:"gateway_timeout"`
}

// ManagerConfig configures manager login and session tokens.
type ManagerConfig struct {
	// User is the manager login name.
	// Default: ${MANAGER_USER}
	User string `yaml:"user"`

	// Password is compared in constant time. Prefer PasswordHash.
	// Default: ${MANAGER_PASSWORD}
	Password string `yaml:"password"`

	// PasswordHash is a bcrypt hash checked when Password is empty.
	// Default: ${MANAGER_PASSWORD_HASH}
	PasswordHash string `yaml:"password_hash"`

	// SessionSecret signs session tokens. Falls back to the API key.
	// Default: ${MANAGER_SESSION_SECRET}
	SessionSecret string `yaml:"session_secret"`

	// SessionTTL is how long a session token stays valid.
	// Default: 24h
	SessionTTL string `yaml:"session_ttl"`
}

// OrchestratorConfig configures instance provisioning.
type OrchestratorConfig struct {
	// BinDir is where vmbridge binaries are installed. When set,
	// binaries are resolved there before PATH.
	BinDir string `yaml:"bin_dir"`

	// ServerBinary is the worker server executable.
	// Default: vmbridge-server
	ServerBinary string `yaml:"server_binary"`

	// AgentBinary is the headless agent executable.
	// Default: vmbridge-agent
	AgentBinary string `yaml:"agent_binary"`

	// LogsDir holds one <instance>.headless.log per agent.
	// Default: ${VMBRIDGE_STATE:-.}/.vmbridge-logs
	LogsDir string `yaml:"logs_dir"`

	// RegistryURL is the manager API base URL agents heartbeat to.
	// Empty derives http://<server.listen>/api.
	RegistryURL string `yaml:"registry_url"`

	// ReadyTimeout bounds the wait for a worker's port to open.
	// Default: 30s
	ReadyTimeout string `yaml:"ready_timeout"`

	// AgentCheckDelay is how long after spawning an agent its pid is
	// checked.
	// Default: 300ms
	AgentCheckDelay string `yaml:"agent_check_delay"`
}

// AgentConfig configures the headless agent.
type AgentConfig struct {
	// Terminal is "tmux" or "pty".
	// Default: tmux
	Terminal string `yaml:"terminal"`

	// Shell is the program run inside the terminal.
	// Default: /bin/bash
	Shell string `yaml:"shell"`

	// TmuxSocket is the tmux server socket path for the tmux backend.
	// Empty uses a per-instance socket under the runtime directory.
	TmuxSocket string `yaml:"tmux_socket"`

	// Columns is the terminal width. Wide terminals keep marker lines
	// from wrapping.
	// Default: 500
	Columns int `yaml:"columns"`

	// PromptTimeout bounds the wait for a shell prompt at startup.
	// Default: 90s
	PromptTimeout string `yaml:"prompt_timeout"`

	// PollInterval is the command queue polling interval.
	// Default: 2s
	PollInterval string `yaml:"poll_interval"`

	// HeartbeatInterval is the registry heartbeat interval.
	// Default: 3s
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// CallTimeout bounds each request the agent makes to its queue or
	// the registry.
	// Default: 5s
	CallTimeout string `yaml:"call_timeout"`
}

// defaults returns the unexpanded default configuration. File values
// are merged over it before expansion, so a file that omits a secret
// still picks it up from the environment.
func defaults() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen:         "127.0.0.1:5173",
			Role:           RoleManager,
			APIKey:         "${API_KEY}",
			DiskSource:     "${DISK_SOURCE}",
			StaleAfter:     "30s",
			GatewayTimeout: "10s",
		},
		Manager: ManagerConfig{
			User:          "${MANAGER_USER}",
			Password:      "${MANAGER_PASSWORD}",
			PasswordHash:  "${MANAGER_PASSWORD_HASH}",
			SessionSecret: "${MANAGER_SESSION_SECRET}",
			SessionTTL:    "24h",
		},
		Orchestrator: OrchestratorConfig{
			ServerBinary:    "vmbridge-server",
			AgentBinary:     "vmbridge-agent",
			LogsDir:         "${VMBRIDGE_STATE:-.}/.vmbridge-logs",
			ReadyTimeout:    "30s",
			AgentCheckDelay: "300ms",
		},
		Agent: AgentConfig{
			Terminal:          TerminalTmux,
			Shell:             "/bin/bash",
			Columns:           500,
			PromptTimeout:     "90s",
			PollInterval:      "2s",
			HeartbeatInterval: "3s",
			CallTimeout:       "5s",
		},
	}
}

// Default returns the default configuration with variables expanded
// from the process environment.
func Default() *Config {
	cfg := defaults()
	cfg.expandVariables()
	return cfg
}

// Resolve loads path if non-empty, else the file named by
// VMBRIDGE_CONFIG, else returns Default.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv("VMBRIDGE_CONFIG") != "" {
		return Load()
	}
	return Default(), nil
}

// Load loads configuration from the file named by VMBRIDGE_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("VMBRIDGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("VMBRIDGE_CONFIG environment variable not set; " +
			"set it to the path of your vmbridge.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile merges one configuration file into the current config.
// JSON is a subset of YAML, so JSONC files are stripped of comments and
// trailing commas and then parsed by the same decoder.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching c.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if server := overrides.Server; server != nil {
		override(&c.Server.Listen, server.Listen)
		override(&c.Server.Role, server.Role)
		override(&c.Server.APIKey, server.APIKey)
		override(&c.Server.DiskSource, server.DiskSource)
		override(&c.Server.StaleAfter, server.StaleAfter)
		override(&c.Server.GatewayTimeout, server.GatewayTimeout)
	}

	if manager := overrides.Manager; manager != nil {
		override(&c.Manager.User, manager.User)
		override(&c.Manager.Password, manager.Password)
		override(&c.Manager.PasswordHash, manager.PasswordHash)
		override(&c.Manager.SessionSecret, manager.SessionSecret)
		override(&c.Manager.SessionTTL, manager.SessionTTL)
	}

	if orchestrator := overrides.Orchestrator; orchestrator != nil {
		override(&c.Orchestrator.BinDir, orchestrator.BinDir)
		override(&c.Orchestrator.ServerBinary, orchestrator.ServerBinary)
		override(&c.Orchestrator.AgentBinary, orchestrator.AgentBinary)
		override(&c.Orchestrator.LogsDir, orchestrator.LogsDir)
		override(&c.Orchestrator.RegistryURL, orchestrator.RegistryURL)
		override(&c.Orchestrator.ReadyTimeout, orchestrator.ReadyTimeout)
		override(&c.Orchestrator.AgentCheckDelay, orchestrator.AgentCheckDelay)
	}

	if agent := overrides.Agent; agent != nil {
		override(&c.Agent.Terminal, agent.Terminal)
		override(&c.Agent.Shell, agent.Shell)
		override(&c.Agent.TmuxSocket, agent.TmuxSocket)
		if agent.Columns != 0 {
			c.Agent.Columns = agent.Columns
		}
		override(&c.Agent.PromptTimeout, agent.PromptTimeout)
		override(&c.Agent.PollInterval, agent.PollInterval)
		override(&c.Agent.HeartbeatInterval, agent.HeartbeatInterval)
		override(&c.Agent.CallTimeout, agent.CallTimeout)
	}
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in every string
// field.
func (c *Config) expandVariables() {
	fields := []*string{
		&c.Server.Listen,
		&c.Server.Role,
		&c.Server.APIKey,
		&c.Server.DiskSource,
		&c.Server.StaleAfter,
		&c.Server.GatewayTimeout,
		&c.Manager.User,
		&c.Manager.Password,
		&c.Manager.PasswordHash,
		&c.Manager.SessionSecret,
		&c.Manager.SessionTTL,
		&c.Orchestrator.BinDir,
		&c.Orchestrator.ServerBinary,
		&c.Orchestrator.AgentBinary,
		&c.Orchestrator.LogsDir,
		&c.Orchestrator.RegistryURL,
		&c.Orchestrator.ReadyTimeout,
		&c.Orchestrator.AgentCheckDelay,
		&c.Agent.Terminal,
		&c.Agent.Shell,
		&c.Agent.TmuxSocket,
		&c.Agent.PromptTimeout,
		&c.Agent.PollInterval,
		&c.Agent.HeartbeatInterval,
		&c.Agent.CallTimeout,
	}
	for _, field := range fields {
		*field = expandVars(*field)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}
	if roles := []string{RoleManager, RoleWorker}; !slices.Contains(roles, c.Server.Role) {
		errs = append(errs, fmt.Errorf("server.role must be one of: %v", roles))
	}
	if terminals := []string{TerminalTmux, TerminalPTY}; !slices.Contains(terminals, c.Agent.Terminal) {
		errs = append(errs, fmt.Errorf("agent.terminal must be one of: %v", terminals))
	}
	if c.Agent.Columns < 80 {
		errs = append(errs, fmt.Errorf("agent.columns must be at least 80, got %d", c.Agent.Columns))
	}
	if c.Manager.Password != "" && c.Manager.PasswordHash != "" {
		errs = append(errs, fmt.Errorf("manager.password and manager.password_hash are mutually exclusive"))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"server.stale_after", c.Server.StaleAfter},
		{"server.gateway_timeout", c.Server.GatewayTimeout},
		{"manager.session_ttl", c.Manager.SessionTTL},
		{"orchestrator.ready_timeout", c.Orchestrator.ReadyTimeout},
		{"orchestrator.agent_check_delay", c.Orchestrator.AgentCheckDelay},
		{"agent.prompt_timeout", c.Agent.PromptTimeout},
		{"agent.poll_interval", c.Agent.PollInterval},
		{"agent.heartbeat_interval", c.Agent.HeartbeatInterval},
		{"agent.call_timeout", c.Agent.CallTimeout},
	}
	for _, duration := range durations {
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", duration.name, err))
			continue
		}
		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", duration.name, duration.value))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses one of the config's duration strings, returning
// fallback when it is empty or malformed. Call Validate first to
// surface malformed values.
func Duration(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// ManagerRegistryURL returns the registry base URL agents should
// heartbeat to.
func (c *Config) ManagerRegistryURL() string {
	if c.Orchestrator.RegistryURL != "" {
		return strings.TrimRight(c.Orchestrator.RegistryURL, "/")
	}
	return "http://" + c.Server.Listen + "/api"
}

// BinaryPath returns the full path to a vmbridge binary. It looks in
// Orchestrator.BinDir first, then falls back to exec.LookPath. Names
// containing a path separator are returned unchanged.
func (c *Config) BinaryPath(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}

	if c.Orchestrator.BinDir != "" {
		binPath := filepath.Join(c.Orchestrator.BinDir, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Orchestrator.BinDir != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Orchestrator.BinDir)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
