// Package config handles bladerunner configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/bladerunner/permissions"
	"github.com/martinemde/bladerunner/unifiedllm"
)

// EnvPrefix prefixes every environment override, e.g. BLADERUNNER_MODEL.
const EnvPrefix = "BLADERUNNER_"

const (
	DefaultMaxIterations = 50
	DefaultToolTimeout   = 30 * time.Second
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./bladerunner.yml, then ~/.bladerunner/config.yml.
func DefaultSearchPaths() []string {
	paths := []string{"bladerunner.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".bladerunner", "config.yml"))
	}
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing DefaultSearchPaths entry is returned, or ""
// when there is none.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Config holds all bladerunner configuration.
type Config struct {
	Backend     string                   `yaml:"backend" env:"BACKEND" validate:"required"`
	Model       string                   `yaml:"model" env:"MODEL" validate:"required"`
	Models      map[string]ModelConfig   `yaml:"models" validate:"dive"`
	Backends    map[string]BackendConfig `yaml:"backends" validate:"dive"`
	Permissions PermissionsConfig        `yaml:"permissions" envPrefix:"PERMISSIONS_"`
	Sessions    SessionsConfig           `yaml:"sessions" envPrefix:"SESSIONS_"`
	Agent       AgentConfig              `yaml:"agent" envPrefix:"AGENT_"`
	Usage       UsageConfig              `yaml:"usage" envPrefix:"USAGE_"`
	DataDir     string                   `yaml:"data_dir" env:"DATA_DIR" validate:"required"`
	LogLevel    string                   `yaml:"log_level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
}

// ModelConfig maps a model alias to a provider model name and its sampling
// defaults.
type ModelConfig struct {
	FullName    string  `yaml:"full_name" validate:"required"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gt=0"`
	Backend     string  `yaml:"backend"`
}

// BackendConfig describes an OpenAI-compatible completion service.
type BackendConfig struct {
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv string `yaml:"api_key_env" validate:"required"`
}

// PermissionsConfig selects the permission profile.
type PermissionsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Profile string `yaml:"profile" env:"PROFILE" validate:"required"`
}

// SessionsConfig controls transcript persistence.
type SessionsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Directory string `yaml:"directory" env:"DIRECTORY"`
}

// AgentConfig holds the agent loop feature flags.
type AgentConfig struct {
	EnablePlanning       bool          `yaml:"enable_planning" env:"ENABLE_PLANNING"`
	EnableReflection     bool          `yaml:"enable_reflection" env:"ENABLE_REFLECTION"`
	EnableRetry          bool          `yaml:"enable_retry" env:"ENABLE_RETRY"`
	EnableStreaming      bool          `yaml:"enable_streaming" env:"ENABLE_STREAMING"`
	RequireApproval      bool          `yaml:"require_approval" env:"REQUIRE_APPROVAL"`
	EnableToolTracking   bool          `yaml:"enable_tool_tracking" env:"ENABLE_TOOL_TRACKING"`
	EnableMemory         bool          `yaml:"enable_memory" env:"ENABLE_MEMORY"`
	EnableAgentSelection bool          `yaml:"enable_agent_selection" env:"ENABLE_AGENT_SELECTION"`
	EnableEvaluation     bool          `yaml:"enable_evaluation" env:"ENABLE_EVALUATION"`
	MaxIterations        int           `yaml:"max_iterations" env:"MAX_ITERATIONS" validate:"gte=1"`
	ToolTimeout          time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT" validate:"gt=0"`
}

// UsageConfig controls the token usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns the built-in configuration.
func Default() *Config {
	models := make(map[string]ModelConfig, len(unifiedllm.Models))
	for _, m := range unifiedllm.Models {
		models[m.Alias] = ModelConfig{
			FullName:    m.ID,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
			Backend:     m.Backend,
		}
	}
	backends := make(map[string]BackendConfig, len(unifiedllm.Backends))
	for name, b := range unifiedllm.Backends {
		backends[name] = BackendConfig{BaseURL: b.BaseURL, APIKeyEnv: b.APIKeyEnv}
	}

	return &Config{
		Backend:  unifiedllm.BackendOpenRouter,
		Model:    unifiedllm.DefaultModel,
		Models:   models,
		Backends: backends,
		Permissions: PermissionsConfig{
			Enabled: true,
			Profile: permissions.ProfileStandard,
		},
		Sessions: SessionsConfig{
			Enabled:   true,
			Directory: "~/.bladerunner/sessions",
		},
		Agent: AgentConfig{
			EnablePlanning:       true,
			EnableReflection:     true,
			EnableRetry:          true,
			RequireApproval:      true,
			EnableToolTracking:   true,
			EnableMemory:         true,
			EnableAgentSelection: true,
			EnableEvaluation:     true,
			MaxIterations:        DefaultMaxIterations,
			ToolTimeout:          DefaultToolTimeout,
		},
		Usage:    UsageConfig{Enabled: true},
		DataDir:  "~/.bladerunner",
		LogLevel: "info",
	}
}

// Load reads the config file found by FindConfig(explicit) over Default(),
// applies BLADERUNNER_* environment overrides and validates the result. A
// missing file is not an error unless explicit names one.
func Load(explicit string) (*Config, error) {
	path, err := FindConfig(explicit)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// normalize fills model entries that only override some fields and expands
// home-relative paths.
func (c *Config) normalize() error {
	for alias, m := range c.Models {
		if info := unifiedllm.GetModelInfo(alias); info != nil {
			if m.FullName == "" {
				m.FullName = info.ID
			}
			if m.Backend == "" {
				m.Backend = info.Backend
			}
		}
		if m.MaxTokens == 0 {
			m.MaxTokens = 4096
		}
		c.Models[alias] = m
	}

	var err error
	if c.DataDir, err = expandHome(c.DataDir); err != nil {
		return err
	}
	if c.Sessions.Directory == "" {
		c.Sessions.Directory = filepath.Join(c.DataDir, "sessions")
	}
	if c.Sessions.Directory, err = expandHome(c.Sessions.Directory); err != nil {
		return err
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
	if c.Usage.Path, err = expandHome(c.Usage.Path); err != nil {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the selected backend is
// defined. Unknown permission profiles are not rejected here; the gate
// falls back to the standard profile.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := c.Backends[c.Backend]; !ok {
		return fmt.Errorf("invalid config: backend %q is not defined", c.Backend)
	}
	return nil
}

// ResolveModel maps a model alias to its full provider model name. Names
// that are not configured aliases are returned as-is.
func (c *Config) ResolveModel(name string) string {
	if m, ok := c.Models[name]; ok && m.FullName != "" {
		return m.FullName
	}
	return unifiedllm.ResolveModel(name)
}

// ModelSettings returns the sampling defaults for a model alias or full
// name. Unknown models get temperature 0.7 and 4096 max tokens.
func (c *Config) ModelSettings(name string) ModelConfig {
	if m, ok := c.Models[name]; ok {
		return m
	}
	for _, m := range c.Models {
		if m.FullName == name {
			return m
		}
	}
	return ModelConfig{FullName: name, Temperature: 0.7, MaxTokens: 4096}
}

// BackendFor returns the backend name and settings a model should use. A
// model pinned to a backend in its alias entry wins over the global backend.
func (c *Config) BackendFor(model string) (string, BackendConfig) {
	name := c.Backend
	if m := c.ModelSettings(model); m.Backend != "" {
		if _, ok := c.Backends[m.Backend]; ok {
			name = m.Backend
		}
	}
	return name, c.Backends[name]
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
