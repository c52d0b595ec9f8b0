// Package config loads, validates and persists forge's configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/forge/internal/backoff"
	"github.com/haasonsaas/forge/internal/mcp"
	"github.com/haasonsaas/forge/internal/permissions"
)

// ErrNotFound is returned by LoadRaw when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

const (
	DefaultModel       = "claude-sonnet-4-20250514"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7

	dirName  = ".forge"
	fileName = "config.yaml"
)

// DefaultSystemPrompt is sent with every request unless overridden.
const DefaultSystemPrompt = `You are an expert in software development. Your job is to help the user build awesome software.

Everything you do must follow all best practices for architecture, design, security, and performance.

Whenever you generate code, you must make sure it compiles properly by running any available linter or compiler.

When making tool calls, you must explain why you are making them, and what you hope to accomplish.`

// Config is the root of the configuration file.
type Config struct {
	Version       int                  `yaml:"version" json:"version" mapstructure:"version"`
	Model         string               `yaml:"model" json:"model" mapstructure:"model"`
	MaxTokens     int                  `yaml:"max_tokens" json:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64              `yaml:"temperature" json:"temperature" mapstructure:"temperature"`
	SystemPrompt  string               `yaml:"system_prompt" json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations int                  `yaml:"max_iterations" json:"max_iterations" mapstructure:"max_iterations"`
	Anthropic     AnthropicConfig      `yaml:"anthropic" json:"anthropic" mapstructure:"anthropic"`
	Permissions   permissions.Snapshot `yaml:"permissions" json:"permissions" mapstructure:"permissions"`
	MCP           MCPConfig            `yaml:"mcp" json:"mcp" mapstructure:"mcp"`
	Tools         ToolsConfig          `yaml:"tools" json:"tools" mapstructure:"tools"`
	Storage       StorageConfig        `yaml:"storage" json:"storage" mapstructure:"storage"`
	Logging       LoggingConfig        `yaml:"logging" json:"logging" mapstructure:"logging"`
	Tracing       TracingConfig        `yaml:"tracing" json:"tracing" mapstructure:"tracing"`
}

// AnthropicConfig configures the model API. The API key is never read from
// or written to the file; it comes from ANTHROPIC_AUTH_TOKEN or
// ANTHROPIC_API_KEY.
type AnthropicConfig struct {
	APIKey     string         `yaml:"-" json:"-" mapstructure:"-"`
	BaseURL    string         `yaml:"base_url,omitempty" json:"base_url,omitempty" mapstructure:"base_url"`
	Streaming  bool           `yaml:"streaming" json:"streaming" mapstructure:"streaming"`
	MaxRetries int            `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	Backoff    backoff.Policy `yaml:"backoff" json:"backoff" mapstructure:"backoff"`
}

type MCPConfig struct {
	Servers     []mcp.ServerConfig `yaml:"servers" json:"servers" mapstructure:"servers"`
	CallTimeout time.Duration      `yaml:"call_timeout,omitempty" json:"call_timeout,omitempty" mapstructure:"call_timeout"`
}

type ToolsConfig struct {
	RestrictToWorkspace bool          `yaml:"restrict_to_workspace" json:"restrict_to_workspace" mapstructure:"restrict_to_workspace"`
	BashTimeout         time.Duration `yaml:"bash_timeout,omitempty" json:"bash_timeout,omitempty" mapstructure:"bash_timeout"`
	MaxReadBytes        int64         `yaml:"max_read_bytes,omitempty" json:"max_read_bytes,omitempty" mapstructure:"max_read_bytes"`
}

type StorageConfig struct {
	// Path is the SQLite database. Empty means ~/.forge/forge.db.
	Path    string `yaml:"path,omitempty" json:"path,omitempty" mapstructure:"path"`
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
	// File receives logs during interactive sessions. Empty means
	// ~/.forge/forge.log.
	File string `yaml:"file,omitempty" json:"file,omitempty" mapstructure:"file"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" mapstructure:"sampling_rate"`
	Insecure     bool    `yaml:"insecure,omitempty" json:"insecure,omitempty" mapstructure:"insecure"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version:      CurrentVersion,
		Model:        DefaultModel,
		MaxTokens:    DefaultMaxTokens,
		Temperature:  DefaultTemperature,
		SystemPrompt: DefaultSystemPrompt,
		Anthropic: AnthropicConfig{
			Streaming:  true,
			MaxRetries: 3,
			Backoff:    backoff.DefaultPolicy(),
		},
		Permissions: permissions.Snapshot{
			Shell: permissions.DefaultShellPolicy(),
			Files: permissions.DefaultFilePolicy(),
		},
		Storage: StorageConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Dir is ~/.forge.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

// DefaultPath returns $FORGE_CONFIG, or ~/.forge/config.yaml.
func DefaultPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv("FORGE_CONFIG")); path != "" {
		return path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Load reads path, layers it over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	switch {
	case errors.Is(err, ErrNotFound):
		raw = map[string]any{}
	case err != nil:
		return nil, err
	}

	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" {
		cfg.Anthropic.APIKey = key
	} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Anthropic.APIKey = key
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" {
		cfg.Anthropic.BaseURL = url
	}
	if model := os.Getenv("FORGE_MODEL"); model != "" {
		cfg.Model = model
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %v", c.Temperature)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	seen := make(map[string]bool, len(c.MCP.Servers))
	for _, server := range c.MCP.Servers {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("mcp.servers: %w", err)
		}
		if seen[server.Name] {
			return fmt.Errorf("mcp.servers: duplicate server name %q", server.Name)
		}
		seen[server.Name] = true
	}
	return nil
}

// StoragePath resolves the database location.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "forge.db"), nil
}

// LogPath resolves the interactive log file.
func (c *Config) LogPath() (string, error) {
	if c.Logging.File != "" {
		return c.Logging.File, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "forge.log"), nil
}
