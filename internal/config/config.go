package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ragbridge configuration.
type Config struct {
	Name string `yaml:"name"`

	// Local authority and bundled entry points
	Bridge BridgeConfig `yaml:"bridge"`

	// Content-addressed asset cache
	Cache CacheConfig `yaml:"cache"`

	// Embedded runtime (headless Chromium)
	Browser BrowserConfig `yaml:"browser"`

	// Loopback asset server
	Server ServerConfig `yaml:"server"`

	// Document database file
	Database DatabaseConfig `yaml:"database"`

	// Downstream conversational agent
	Agent AgentConfig `yaml:"agent"`

	Logging LoggingConfig `yaml:"logging"`
}

// BridgeConfig configures the wire contract with the embedded runtime.
// Changing these breaks unmodified runtime script bundles.
type BridgeConfig struct {
	LocalAuthority string `yaml:"local_authority"`
	BundlePrefix   string `yaml:"bundle_prefix"`
	EntryPage      string `yaml:"entry_page"`
	BindingName    string `yaml:"binding_name"`
	// BundleDir overrides the embedded entry points when set.
	BundleDir string `yaml:"bundle_dir"`
}

// CacheConfig configures the local cache collaborator.
type CacheConfig struct {
	Dir          string            `yaml:"dir"`
	IndexPath    string            `yaml:"index_path"`    // SQLite registry, defaults to <dir>/index.db
	Sources      map[string]string `yaml:"sources"`       // extra cache key -> origin URL registrations
	Concurrency  int               `yaml:"concurrency"`   // parallel downloads during provisioning
	FetchTimeout string            `yaml:"fetch_timeout"` // per-source download timeout
}

// BrowserConfig configures the embedded runtime host.
type BrowserConfig struct {
	DebuggerURL       string   `yaml:"debugger_url"`
	Launch            []string `yaml:"launch"`
	Headless          bool     `yaml:"headless"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
	ServeMode         string   `yaml:"serve_mode"` // hijack, loopback
}

// ServerConfig configures the loopback rendition of the local authority.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	MaxConnections  int    `yaml:"max_connections"`
	MetricsPath     string `yaml:"metrics_path"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the document database file.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	Watch    bool   `yaml:"watch"`
	Validate bool   `yaml:"validate"`
	Debounce string `yaml:"debounce"`
}

// AgentConfig configures the conversational agent that receives augmented prompts.
type AgentConfig struct {
	Provider          string `yaml:"provider"` // genai, echo, none
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	Timeout           string `yaml:"timeout"`
	SystemInstruction string `yaml:"system_instruction"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "ragbridge",

		Bridge: BridgeConfig{
			LocalAuthority: "http://localhost/",
			BundlePrefix:   "TeachableLLM",
			EntryPage:      "TeachableLLM.html",
			BindingName:    "__ragbridge",
		},

		Cache: CacheConfig{
			Dir:          defaultCacheDir(),
			Concurrency:  4,
			FetchTimeout: "10m",
		},

		Browser: BrowserConfig{
			Headless:          true,
			NavigationTimeout: "30s",
			ServeMode:         "hijack",
		},

		Server: ServerConfig{
			Addr:            "127.0.0.1:8089",
			MaxConnections:  64,
			MetricsPath:     "/metrics",
			ShutdownTimeout: "10s",
		},

		Database: DatabaseConfig{
			Watch:    false,
			Validate: false,
			Debounce: "500ms",
		},

		Agent: AgentConfig{
			Provider: "echo",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "ragbridge")
	}
	return ".ragbridge/cache"
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("RAGBRIDGE_CACHE_DIR"); dir != "" {
		c.Cache.Dir = dir
	}
	if path := os.Getenv("RAGBRIDGE_DATABASE"); path != "" {
		c.Database.Path = path
	}
	if url := os.Getenv("RAGBRIDGE_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if level := os.Getenv("RAGBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	// Gemini key, checked in priority order
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Agent.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Agent.APIKey = key
	}
}

// IndexPath returns the cache registry database path.
func (c *Config) IndexPath() string {
	if c.Cache.IndexPath != "" {
		return c.Cache.IndexPath
	}
	return filepath.Join(c.Cache.Dir, "index.db")
}

// GetFetchTimeout returns the per-source download timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Cache.FetchTimeout, 10*time.Minute)
}

// GetNavigationTimeout returns the entry page navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetShutdownTimeout returns the loopback server shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetDebounce returns the database watcher debounce window.
func (c *Config) GetDebounce() time.Duration {
	return parseDuration(c.Database.Debounce, 500*time.Millisecond)
}

// GetAgentTimeout returns the agent request timeout.
func (c *Config) GetAgentTimeout() time.Duration {
	return parseDuration(c.Agent.Timeout, 120*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ValidProviders lists the supported agent providers.
var ValidProviders = []string{"genai", "echo", "none"}

// ValidServeModes lists how local-authority requests reach the interceptor.
var ValidServeModes = []string{"hijack", "loopback"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Bridge.LocalAuthority == "" {
		return fmt.Errorf("bridge.local_authority must not be empty")
	}
	if c.Bridge.BundlePrefix == "" {
		return fmt.Errorf("bridge.bundle_prefix must not be empty")
	}
	if c.Bridge.BindingName == "" {
		return fmt.Errorf("bridge.binding_name must not be empty")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must not be empty")
	}
	if c.Cache.Concurrency < 0 {
		return fmt.Errorf("cache.concurrency must not be negative")
	}
	if !contains(ValidProviders, c.Agent.Provider) {
		return fmt.Errorf("invalid agent provider: %s (valid: %v)", c.Agent.Provider, ValidProviders)
	}
	if c.Agent.Provider == "genai" && c.Agent.APIKey == "" {
		return fmt.Errorf("genai agent requires an API key (set GEMINI_API_KEY or agent.api_key)")
	}
	if !contains(ValidServeModes, c.Browser.ServeMode) {
		return fmt.Errorf("invalid browser serve mode: %s (valid: %v)", c.Browser.ServeMode, ValidServeModes)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
