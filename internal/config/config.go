// Package config handles configuration loading and management for foreman.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/foreman/internal/provider"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/internal/tools"
	"github.com/ShayCichocki/foreman/pkg/models"
)

const (
	appName           = "foreman"
	projectConfigName = ".foreman.yaml"
	envPrefix         = "FOREMAN"
)

// Config holds all configuration for foreman.
type Config struct {
	Providers     []ProviderConfig    `mapstructure:"providers"`
	Intents       map[string][]string `mapstructure:"intents"`
	FallbackOrder []string            `mapstructure:"fallback_order"`
	// Credentials maps credential keys to secrets or ${VAR} references.
	// Environment variables take precedence.
	Credentials map[string]string `mapstructure:"credentials"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Tools       ToolsConfig       `mapstructure:"tools"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	State       StateConfig       `mapstructure:"state"`
	PrefsDir    string            `mapstructure:"prefs_dir"`
	CatalogFile string            `mapstructure:"catalog_file"`
	Server      ServerConfig      `mapstructure:"server"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	DebugLog    string            `mapstructure:"debug_log"`
}

// ProviderConfig declares one model backend.
type ProviderConfig struct {
	Name              string   `mapstructure:"name"`
	DisplayName       string   `mapstructure:"display_name"`
	Kind              string   `mapstructure:"kind"`
	CredentialKey     string   `mapstructure:"credential_key"`
	BaseURL           string   `mapstructure:"base_url"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	MaxConcurrent     int      `mapstructure:"max_concurrent"`
	DailyBudget       float64  `mapstructure:"daily_budget"`
	Models            []string `mapstructure:"models"`
	AWSRegion         string   `mapstructure:"aws_region"`
	AWSProfile        string   `mapstructure:"aws_profile"`
}

// Provider converts the entry to a registry provider.
func (p ProviderConfig) Provider() provider.Provider {
	display := p.DisplayName
	if display == "" {
		display = p.Name
	}
	return provider.Provider{
		Name:              p.Name,
		DisplayName:       display,
		Kind:              provider.Kind(p.Kind),
		CredentialKey:     p.CredentialKey,
		BaseURL:           p.BaseURL,
		RequestsPerMinute: p.RequestsPerMinute,
		MaxConcurrent:     p.MaxConcurrent,
		DailyBudget:       p.DailyBudget,
		Models:            append([]string(nil), p.Models...),
	}
}

// EngineConfig holds execution engine settings.
type EngineConfig struct {
	MaxToolRounds int           `mapstructure:"max_tool_rounds"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	SelectWait    time.Duration `mapstructure:"select_wait"`
	MaxTokens     int           `mapstructure:"max_tokens"`
}

// QueueConfig holds task queue settings.
type QueueConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	Retention     time.Duration `mapstructure:"retention"`
	Admins        []string      `mapstructure:"admins"`
}

// ToolsConfig holds tool executor settings.
type ToolsConfig struct {
	Workspace string `mapstructure:"workspace"`
	// Allowed is the process-wide tool whitelist. Empty allows every tool.
	Allowed         []string      `mapstructure:"allowed"`
	Commands        []string      `mapstructure:"commands"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	MaxOutput       int           `mapstructure:"max_output"`
	AllowedHosts    []string      `mapstructure:"allowed_hosts"`
	Database        string        `mapstructure:"database"`
	ProtectedConfig string        `mapstructure:"protected_config"`
}

// WorkflowConfig holds orchestrator settings.
type WorkflowConfig struct {
	TokenBudget      int64         `mapstructure:"token_budget"`
	CostBudget       float64       `mapstructure:"cost_budget"`
	WarningThreshold float64       `mapstructure:"warning_threshold"`
	DefaultDeadline  time.Duration `mapstructure:"default_deadline"`
	DecomposeTimeout time.Duration `mapstructure:"decompose_timeout"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

// NotifyConfig holds webhook notifier settings.
type NotifyConfig struct {
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	FailureLog int           `mapstructure:"failure_log"`
}

// StateConfig selects the audit store.
type StateConfig struct {
	// Driver is "sqlite", "postgres" or "none".
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	PostgresURL string        `mapstructure:"postgres_url"`
	Retention   time.Duration `mapstructure:"retention"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (FOREMAN_QUEUE_MAX_CONCURRENT, ...)
// 2. Project config (.foreman.yaml in current directory or parent)
// 3. User config (~/.config/foreman/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v, err := loadViper()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func loadViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("state.postgres_url", "FOREMAN_POSTGRES_URL", "DATABASE_URL")

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.State.PostgresURL = expandEnv(cfg.State.PostgresURL)
	cfg.PrefsDir = expandHome(cfg.PrefsDir)
	cfg.State.Path = expandHome(cfg.State.Path)
	cfg.DebugLog = expandHome(cfg.DebugLog)
	return cfg, nil
}

// Get returns the effective value of a dotted key.
func Get(key string) (any, error) {
	if !KnownKey(key) {
		return nil, reliability.Invalid("key", "unknown config key %q", key)
	}
	v, err := loadViper()
	if err != nil {
		return nil, err
	}
	return v.Get(key), nil
}

// Set writes a single key to the user config file and returns its path.
// Only keys present in the defaults may be set.
func Set(key, value string) (string, error) {
	if !KnownKey(key) {
		return "", reliability.Invalid("key", "unknown config key %q", key)
	}
	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return "", fmt.Errorf("reading user config: %w", err)
		}
	}
	v.Set(key, value)

	// Validate the merged result before touching the file.
	merged := viper.New()
	setDefaults(merged)
	if err := merged.MergeConfigMap(v.AllSettings()); err != nil {
		return "", fmt.Errorf("merging config: %w", err)
	}
	cfg, err := decode(merged)
	if err != nil {
		return "", err
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}
	return path, nil
}

// KnownKey reports whether key names a default setting or a section of one.
func KnownKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	if strings.HasPrefix(key, "credentials.") && len(key) > len("credentials.") {
		return true
	}
	for _, k := range Keys() {
		if k == key || strings.HasPrefix(k, key+".") {
			return true
		}
	}
	return false
}

// Keys lists every settable key, sorted.
func Keys() []string {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("providers", defaultProviders())
	def := provider.DefaultCatalog()
	v.SetDefault("intents", def.Intents)
	// Empty means registration order.
	v.SetDefault("fallback_order", []string{})
	v.SetDefault("credentials", map[string]string{})

	v.SetDefault("engine.max_tool_rounds", 8)
	v.SetDefault("engine.call_timeout", "2m")
	v.SetDefault("engine.select_wait", "30s")
	v.SetDefault("engine.max_tokens", 4096)

	v.SetDefault("queue.max_concurrent", 5)
	v.SetDefault("queue.task_timeout", "5m")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_base", "1s")
	v.SetDefault("queue.retention", "1h")
	v.SetDefault("queue.admins", []string{})

	v.SetDefault("tools.workspace", ".")
	v.SetDefault("tools.allowed", []string{})
	v.SetDefault("tools.commands", []string{"go", "ls", "cat", "grep", "wc", "echo"})
	v.SetDefault("tools.command_timeout", "30s")
	v.SetDefault("tools.max_output", 64*1024)
	v.SetDefault("tools.allowed_hosts", []string{})
	v.SetDefault("tools.database", "")
	v.SetDefault("tools.protected_config", "")

	v.SetDefault("workflow.token_budget", 0)
	v.SetDefault("workflow.cost_budget", 0.0)
	v.SetDefault("workflow.warning_threshold", 0.80)
	v.SetDefault("workflow.default_deadline", "24h")
	v.SetDefault("workflow.decompose_timeout", "2m")
	v.SetDefault("workflow.event_buffer", 256)

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.failure_log", 100)

	v.SetDefault("state.driver", "sqlite")
	v.SetDefault("state.path", filepath.Join(getUserDataDir(), "foreman.db"))
	v.SetDefault("state.postgres_url", "")
	v.SetDefault("state.retention", "720h")

	v.SetDefault("prefs_dir", getUserConfigDir())
	v.SetDefault("catalog_file", "")

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("debug_log", "")
}

func defaultProviders() []map[string]any {
	return []map[string]any{
		{
			"name": "anthropic", "display_name": "Anthropic", "kind": "anthropic",
			"credential_key": "ANTHROPIC_API_KEY", "requests_per_minute": 50, "max_concurrent": 4,
		},
		{
			"name": "openai", "display_name": "OpenAI", "kind": "openai",
			"credential_key": "OPENAI_API_KEY", "requests_per_minute": 60, "max_concurrent": 4,
		},
		{
			"name": "gemini", "display_name": "Google Gemini", "kind": "gemini",
			"credential_key": "GEMINI_API_KEY", "requests_per_minute": 60, "max_concurrent": 4,
		},
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if err := p.Provider().Validate(); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if seen[p.Name] {
			return reliability.Invalid(field+".name", "duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.RequestsPerMinute < 0 || p.MaxConcurrent < 0 {
			return reliability.Invalid(field, "limits must not be negative for %s", p.Name)
		}
	}
	for intent, names := range c.Intents {
		if !models.Intent(intent).Valid() {
			return reliability.Invalid("intents", "unknown intent %q", intent)
		}
		// Unconfigured providers in an intent list are skipped at selection.
		for _, n := range names {
			if strings.TrimSpace(n) == "" {
				return reliability.Invalid("intents."+intent, "empty provider name")
			}
		}
	}
	for _, n := range c.FallbackOrder {
		if !seen[n] {
			return reliability.Invalid("fallback_order", "unknown provider %q", n)
		}
	}

	switch {
	case c.Engine.MaxToolRounds <= 0:
		return reliability.Invalid("engine.max_tool_rounds", "must be positive")
	case c.Engine.CallTimeout <= 0:
		return reliability.Invalid("engine.call_timeout", "must be positive")
	case c.Engine.SelectWait < 0:
		return reliability.Invalid("engine.select_wait", "must not be negative")
	case c.Queue.MaxConcurrent <= 0:
		return reliability.Invalid("queue.max_concurrent", "must be positive")
	case c.Queue.TaskTimeout <= 0:
		return reliability.Invalid("queue.task_timeout", "must be positive")
	case c.Queue.MaxRetries < 0:
		return reliability.Invalid("queue.max_retries", "must not be negative")
	case c.Queue.BackoffBase <= 0:
		return reliability.Invalid("queue.backoff_base", "must be positive")
	case c.Queue.Retention <= 0:
		return reliability.Invalid("queue.retention", "must be positive")
	case c.Tools.CommandTimeout <= 0:
		return reliability.Invalid("tools.command_timeout", "must be positive")
	case c.Workflow.TokenBudget < 0 || c.Workflow.CostBudget < 0:
		return reliability.Invalid("workflow", "budgets must not be negative")
	case c.Workflow.WarningThreshold <= 0 || c.Workflow.WarningThreshold > 1:
		return reliability.Invalid("workflow.warning_threshold", "must be in (0, 1]")
	case c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0:
		return reliability.Invalid("notify", "workers and queue_size must be positive")
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return reliability.Invalid("tracing.sample_ratio", "must be in [0, 1]")
	case strings.TrimSpace(c.Server.Addr) == "":
		return reliability.Invalid("server.addr", "must not be empty")
	}

	for _, name := range c.Tools.Allowed {
		if !tools.Known(name) {
			return reliability.Invalid("tools.allowed", "unknown tool %q", name)
		}
	}

	switch c.State.Driver {
	case "sqlite":
		if c.State.Path == "" {
			return reliability.Invalid("state.path", "required for sqlite")
		}
	case "postgres":
		if _, err := url.Parse(c.State.PostgresURL); err != nil || c.State.PostgresURL == "" {
			return reliability.Invalid("state.postgres_url", "a valid URL is required for postgres")
		}
	case "none":
	default:
		return reliability.Invalid("state.driver", "unknown driver %q", c.State.Driver)
	}

	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout", "otlphttp":
	default:
		return reliability.Invalid("tracing.exporter", "unknown exporter %q", c.Tracing.Exporter)
	}
	return nil
}

// getUserConfigDir returns the XDG config directory for foreman.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", appName)
	}
	return filepath.Join(home, ".config", appName)
}

// getUserDataDir returns the XDG data directory for foreman.
func getUserDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

// findProjectConfig searches for .foreman.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
