package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sidekick configuration.
type Config struct {
	// Panel surface recognition and creation
	Surface SurfaceConfig `yaml:"surface"`

	// Credential vault
	Vault VaultConfig `yaml:"vault"`

	// LLM endpoints
	LLM LLMConfig `yaml:"llm"`

	// Chrome connection
	Browser BrowserConfig `yaml:"browser"`

	// Durable storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SurfaceConfig describes the single panel surface.
type SurfaceConfig struct {
	EntryURL    string `yaml:"entry_url"`    // used to create and to recognise the panel
	Title       string `yaml:"title"`        // secondary recognition signal
	Width       int    `yaml:"width"`        // popup width
	Height      int    `yaml:"height"`       // popup height
	PingTimeout string `yaml:"ping_timeout"` // liveness ping bound
}

// VaultConfig configures the vault gate.
type VaultConfig struct {
	AutoLock string `yaml:"auto_lock"` // inactivity window before re-locking
}

// LLMConfig configures the two chat backends.
type LLMConfig struct {
	DefaultModel    string `yaml:"default_model"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	DeepSeekAPIKey  string `yaml:"deepseek_api_key"`
	DeepSeekBaseURL string `yaml:"deepseek_base_url"`
	HistoryLimit    int    `yaml:"history_limit"`
	Timeout         string `yaml:"timeout"`
}

// BrowserConfig configures the CDP connection.
type BrowserConfig struct {
	DebuggerURL string   `yaml:"debugger_url"`
	Launch      []string `yaml:"launch"`
	Headless    bool     `yaml:"headless"`
}

// StorageConfig configures where durable areas live.
type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`
	SessionDir string `yaml:"session_dir"` // defaults to the OS temp dir
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Surface: SurfaceConfig{
			EntryURL:    "http://127.0.0.1:8765/sidepanel.html",
			Title:       "AI Sidekick",
			Width:       400,
			Height:      600,
			PingTimeout: "2s",
		},
		Vault: VaultConfig{
			AutoLock: "15m",
		},
		LLM: LLMConfig{
			DefaultModel:    "gemini-2.5-flash",
			DeepSeekBaseURL: "https://api.deepseek.com",
			HistoryLimit:    10,
			Timeout:         "120s",
		},
		Browser: BrowserConfig{
			Headless: false,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(home, ".sidekick"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
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
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.GeminiAPIKey = key
	}
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
		c.LLM.DeepSeekAPIKey = key
	}
	if dir := os.Getenv("SIDEKICK_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if url := os.Getenv("SIDEKICK_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
}

// PingTimeout returns the liveness ping bound.
func (c *Config) PingTimeout() time.Duration {
	return parseDuration(c.Surface.PingTimeout, 2*time.Second)
}

// AutoLock returns the vault inactivity window.
func (c *Config) AutoLock() time.Duration {
	return parseDuration(c.Vault.AutoLock, 15*time.Minute)
}

// LLMTimeout returns the per-request LLM timeout.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// SessionDir returns the directory holding session-scoped state.
func (c *Config) SessionDir() string {
	if c.Storage.SessionDir != "" {
		return c.Storage.SessionDir
	}
	return filepath.Join(os.TempDir(), "sidekick-session")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
