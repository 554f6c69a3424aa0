package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all oprime configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Gemini backend configuration
	Gemini GeminiConfig `yaml:"gemini"`

	// Orchestration engine timings and limits
	Orchestration OrchestrationConfig `yaml:"orchestration"`

	// Filesystem layout
	Paths PathsConfig `yaml:"paths"`

	// Harness runner limits
	Runner RunnerConfig `yaml:"runner"`

	// Worker bridge agent
	Bridge BridgeConfig `yaml:"bridge"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GeminiConfig configures the Manager backend.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// OrchestrationConfig configures the engine's waits and history handling.
type OrchestrationConfig struct {
	// How long to wait for the Worker's result file before erroring out.
	ResultWaitTimeout string `yaml:"result_wait_timeout"`

	// How long a caller blocks on a dispatched backend call.
	BackendCallTimeout string `yaml:"backend_call_timeout"`

	// Summarize every N turns. 0 disables the interval trigger.
	SummarizationInterval int `yaml:"summarization_interval"`

	// How many recent turns are fed to the backend per call.
	MaxHistoryTurns int `yaml:"max_history_turns"`

	// Soft prompt budget; exceeding 90% of it logs a warning.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Token budget handed to the summarization call.
	MaxSummaryTokens int `yaml:"max_summary_tokens"`

	// Debounce window for result-file events.
	WatchDebounce string `yaml:"watch_debounce"`
}

// PathsConfig configures on-disk locations. The subdir entries are relative
// to each project's workspace root.
type PathsConfig struct {
	DataDir         string `yaml:"data_dir"`
	Database        string `yaml:"database"`
	LogsSubdir      string `yaml:"logs_subdir"`
	InstructionsDir string `yaml:"instructions_subdir"`
}

// RunnerConfig configures the harness runner defaults.
type RunnerConfig struct {
	LaunchTimeout   string `yaml:"launch_timeout"`
	ActivityTimeout string `yaml:"activity_timeout"`
	TotalTimeout    string `yaml:"total_timeout"`
	MaxOutputBytes  int64  `yaml:"max_output_bytes"`
	TailBytes       int    `yaml:"tail_bytes"`
}

// BridgeConfig configures the worker bridge agent.
type BridgeConfig struct {
	QueueFile     string `yaml:"queue_file"`
	PollInterval  string `yaml:"poll_interval"`
	WorkerCommand string `yaml:"worker_command"`
}

// LoggingConfig configures the categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "oprime",
		Version: "0.3.0",

		Gemini: GeminiConfig{
			Model:   "gemini-1.5-flash-latest",
			Timeout: "120s",
		},

		Orchestration: OrchestrationConfig{
			ResultWaitTimeout:     "300s",
			BackendCallTimeout:    "120s",
			SummarizationInterval: 10,
			MaxHistoryTurns:       20,
			MaxContextTokens:      30000,
			MaxSummaryTokens:      1000,
			WatchDebounce:         "500ms",
		},

		Paths: PathsConfig{
			DataDir:         ".oprime",
			Database:        filepath.Join(".oprime", "oprime.db"),
			LogsSubdir:      "dev_logs",
			InstructionsDir: "dev_instructions",
		},

		Runner: RunnerConfig{
			LaunchTimeout:   "30s",
			ActivityTimeout: "120s",
			TotalTimeout:    "600s",
			MaxOutputBytes:  1 << 20,
			TailBytes:       4096,
		},

		Bridge: BridgeConfig{
			QueueFile:    "task_queue.json",
			PollInterval: "15s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the default location of the config file.
func DefaultConfigPath() string {
	return filepath.Join(".oprime", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
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
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if model := os.Getenv("OPRIME_MODEL"); model != "" {
		c.Gemini.Model = model
	}
	if path := os.Getenv("OPRIME_DB"); path != "" {
		c.Paths.Database = path
	}
	if dir := os.Getenv("OPRIME_DATA_DIR"); dir != "" {
		c.Paths.DataDir = dir
	}
}

// GetResultWaitTimeout returns how long the engine waits for a result file.
func (c *Config) GetResultWaitTimeout() time.Duration {
	d, err := time.ParseDuration(c.Orchestration.ResultWaitTimeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// GetBackendCallTimeout returns the dispatcher's bounded-wait timeout.
func (c *Config) GetBackendCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Orchestration.BackendCallTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetWatchDebounce returns the filesystem-event debounce window.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Orchestration.WatchDebounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetGeminiTimeout returns the per-request backend timeout.
func (c *Config) GetGeminiTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gemini.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetLaunchTimeout returns the runner's process-launch deadline.
func (c *Config) GetLaunchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runner.LaunchTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetActivityTimeout returns the runner's output-inactivity deadline.
func (c *Config) GetActivityTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runner.ActivityTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetTotalTimeout returns the runner's overall deadline.
func (c *Config) GetTotalTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runner.TotalTimeout)
	if err != nil {
		return 600 * time.Second
	}
	return d
}

// GetPollInterval returns the bridge queue polling interval.
func (c *Config) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Bridge.PollInterval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// Validate validates the configuration for live operation.
func (c *Config) Validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("Gemini API key not configured (set GEMINI_API_KEY or gemini.api_key)")
	}
	if c.Gemini.Model == "" {
		return fmt.Errorf("gemini.model must not be empty")
	}
	if c.Orchestration.SummarizationInterval < 0 {
		return fmt.Errorf("orchestration.summarization_interval must be >= 0")
	}
	if c.Orchestration.MaxHistoryTurns <= 0 {
		return fmt.Errorf("orchestration.max_history_turns must be > 0")
	}
	if c.Paths.LogsSubdir == "" || c.Paths.InstructionsDir == "" {
		return fmt.Errorf("paths.logs_subdir and paths.instructions_subdir must not be empty")
	}
	return nil
}

// ============================================================================
// User Config (.oprime/user.json)
// ============================================================================

// UserConfig holds user-specific settings kept outside the main YAML file,
// primarily TUI preferences and an optional API key override.
type UserConfig struct {
	Theme        string `json:"theme,omitempty"`
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
	Model        string `json:"model,omitempty"`
}

// DefaultUserConfigPath returns the default path to .oprime/user.json.
func DefaultUserConfigPath() string {
	return filepath.Join(".oprime", "user.json")
}

// LoadUserConfig loads configuration from .oprime/user.json.
func LoadUserConfig(path string) (*UserConfig, error) {
	cfg := &UserConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return empty config if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to .oprime/user.json.
func (c *UserConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}

	return nil
}

// Apply overlays the user config onto the main config. User settings win
// over YAML but lose to explicit environment overrides, which were applied
// at load time and are not re-applied here.
func (c *UserConfig) Apply(cfg *Config) {
	if c.GeminiAPIKey != "" && os.Getenv("GEMINI_API_KEY") == "" {
		cfg.Gemini.APIKey = c.GeminiAPIKey
	}
	if c.Model != "" && os.Getenv("OPRIME_MODEL") == "" {
		cfg.Gemini.Model = c.Model
	}
}
