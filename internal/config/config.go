package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexidb/lexid/internal/logging"
)

// Config is the complete server configuration: data directory layout,
// KV store sizing, scheduler cadence, default ranking rules, embedder
// configs and the HTTP search queue.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Data      DataConfig      `yaml:"data" json:"data"`
	KV        KVConfig        `yaml:"kv" json:"kv"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Ranking   RankingConfig   `yaml:"ranking" json:"ranking"`
	Embedders map[string]EmbedderConfig `yaml:"embedders" json:"embedders"`
	Search    SearchQueueConfig         `yaml:"search" json:"search"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Tasks     TasksConfig     `yaml:"tasks" json:"tasks"`
}

// DataConfig configures the on-disk data directory layout.
type DataConfig struct {
	// Path is the root data directory (default: ~/.lexid/data).
	Path string `yaml:"path" json:"path"`
}

// KVConfig configures the bbolt environment backing the index stores.
type KVConfig struct {
	// MaxMapSizeMB bounds the mmap'd file size bbolt will grow into.
	MaxMapSizeMB int `yaml:"max_map_size_mb" json:"max_map_size_mb"`
	// ReadOnlyOpenRetries bounds retries opening an environment held by a
	// crashed previous process's lock file.
	ReadOnlyOpenRetries int `yaml:"read_only_open_retries" json:"read_only_open_retries"`
}

// SchedulerConfig configures the task/batch scheduler loop.
type SchedulerConfig struct {
	// SnapshotInterval is how often a full snapshot is taken, "0" disables.
	SnapshotInterval string `yaml:"snapshot_interval" json:"snapshot_interval"`
	// SnapshotDir is where periodic and on-demand snapshots are written.
	SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"`
	// DumpDir is where on-demand dumps are written.
	DumpDir string `yaml:"dump_dir" json:"dump_dir"`
	// AutobatchingEnabled toggles batching multiple compatible tasks together.
	AutobatchingEnabled bool `yaml:"autobatching_enabled" json:"autobatching_enabled"`
	// MaxTasksPerBatch caps how many tasks a single batch may absorb.
	MaxTasksPerBatch int `yaml:"max_tasks_per_batch" json:"max_tasks_per_batch"`
	// MinRetryDelay is the floor on the wait after a failed batch (spec: >= 1s).
	MinRetryDelay time.Duration `yaml:"min_retry_delay" json:"min_retry_delay"`
}

// RankingConfig configures the default ranking rule order for new indexes.
type RankingConfig struct {
	// DefaultRules is the ranking rule order applied to indexes that don't
	// override it: words, typo, proximity, attribute, sort, exactness.
	DefaultRules []string `yaml:"default_rules" json:"default_rules"`
}

// EmbedderConfig configures one named embedder (keyed by name in Config.Embedders).
type EmbedderConfig struct {
	Source     string        `yaml:"source" json:"source"` // openai, cohere, ollama, rest, userProvided
	Model      string        `yaml:"model" json:"model"`
	URL        string        `yaml:"url" json:"url"`
	APIKeyEnv  string        `yaml:"api_key_env" json:"api_key_env"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	DocumentTemplate string  `yaml:"document_template" json:"document_template"`
}

// SearchQueueConfig configures the bounded queue search requests wait in.
type SearchQueueConfig struct {
	// Capacity is the maximum number of in-flight + queued search requests.
	Capacity int `yaml:"capacity" json:"capacity"`
	// TimeBudget is the per-request degraded-search time budget (spec §4.5).
	TimeBudget time.Duration `yaml:"time_budget" json:"time_budget"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address  string `yaml:"address" json:"address"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	MasterKeyEnv string `yaml:"master_key_env" json:"master_key_env"`
}

// TasksConfig configures task history retention.
type TasksConfig struct {
	// RetentionDays is how long finished task records are kept before
	// eligible for pruning (0 disables pruning).
	RetentionDays int `yaml:"retention_days" json:"retention_days"`
}

// NewConfig creates a Config populated with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Data: DataConfig{
			Path: defaultDataPath(),
		},
		KV: KVConfig{
			MaxMapSizeMB:        4096,
			ReadOnlyOpenRetries: 3,
		},
		Scheduler: SchedulerConfig{
			SnapshotInterval:    "1h",
			SnapshotDir:         filepath.Join(defaultDataPath(), "snapshots"),
			DumpDir:             filepath.Join(defaultDataPath(), "dumps"),
			AutobatchingEnabled: true,
			MaxTasksPerBatch:    1000,
			MinRetryDelay:       1 * time.Second,
		},
		Ranking: RankingConfig{
			DefaultRules: []string{"words", "typo", "proximity", "attribute", "sort", "exactness"},
		},
		Embedders: map[string]EmbedderConfig{},
		Search: SearchQueueConfig{
			Capacity:   1000,
			TimeBudget: 1500 * time.Millisecond,
		},
		Server: ServerConfig{
			Address:      "127.0.0.1:7700",
			LogLevel:     "info",
			MasterKeyEnv: "LEXID_MASTER_KEY",
		},
		Tasks: TasksConfig{
			RetentionDays: 0,
		},
	}
}

// Logger builds the process-wide logger from c.Server.LogLevel, rotating
// JSON log files under c.Data.Path and mirroring to stderr. The returned
// cleanup func flushes and closes the log file; call it before the process
// exits. Pass the result into scheduler.New so batch processing logs
// through the configured sink instead of slog.Default().
func (c *Config) Logger() (*slog.Logger, func(), error) {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Server.LogLevel
	cfg.FilePath = filepath.Join(c.Data.Path, "lexid.log")
	return logging.Setup(cfg)
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".lexid", "data")
	}
	return filepath.Join(home, ".lexid", "data")
}

// GetUserConfigPath returns the path to the global configuration file,
// following the XDG Base Directory specification.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lexid", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "lexid", "config.yaml")
	}
	return filepath.Join(home, ".config", "lexid", "config.yaml")
}

// GetUserConfigDir returns the directory containing the global configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the global configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds a Config by layering, in order of increasing precedence:
//  1. Hardcoded defaults
//  2. The global config file (~/.config/lexid/config.yaml)
//  3. A config file in dir (lexid.yaml or lexid.yml)
//  4. LEXID_* environment variables
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, "lexid.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, "lexid.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Data.Path != "" {
		c.Data.Path = other.Data.Path
	}

	if other.KV.MaxMapSizeMB != 0 {
		c.KV.MaxMapSizeMB = other.KV.MaxMapSizeMB
	}
	if other.KV.ReadOnlyOpenRetries != 0 {
		c.KV.ReadOnlyOpenRetries = other.KV.ReadOnlyOpenRetries
	}

	if other.Scheduler.SnapshotInterval != "" {
		c.Scheduler.SnapshotInterval = other.Scheduler.SnapshotInterval
	}
	if other.Scheduler.SnapshotDir != "" {
		c.Scheduler.SnapshotDir = other.Scheduler.SnapshotDir
	}
	if other.Scheduler.DumpDir != "" {
		c.Scheduler.DumpDir = other.Scheduler.DumpDir
	}
	if other.Scheduler.MaxTasksPerBatch != 0 {
		c.Scheduler.MaxTasksPerBatch = other.Scheduler.MaxTasksPerBatch
	}
	if other.Scheduler.MinRetryDelay != 0 {
		c.Scheduler.MinRetryDelay = other.Scheduler.MinRetryDelay
	}

	if len(other.Ranking.DefaultRules) > 0 {
		c.Ranking.DefaultRules = other.Ranking.DefaultRules
	}

	for name, ec := range other.Embedders {
		c.Embedders[name] = ec
	}

	if other.Search.Capacity != 0 {
		c.Search.Capacity = other.Search.Capacity
	}
	if other.Search.TimeBudget != 0 {
		c.Search.TimeBudget = other.Search.TimeBudget
	}

	if other.Server.Address != "" {
		c.Server.Address = other.Server.Address
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Server.MasterKeyEnv != "" {
		c.Server.MasterKeyEnv = other.Server.MasterKeyEnv
	}

	if other.Tasks.RetentionDays != 0 {
		c.Tasks.RetentionDays = other.Tasks.RetentionDays
	}
}

// applyEnvOverrides applies LEXID_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LEXID_DATA_PATH"); v != "" {
		c.Data.Path = v
	}
	if v := os.Getenv("LEXID_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("LEXID_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("LEXID_SEARCH_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.Capacity = n
		}
	}
	if v := os.Getenv("LEXID_SEARCH_TIME_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Search.TimeBudget = d
		}
	}
	if v := os.Getenv("LEXID_KV_MAX_MAP_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.KV.MaxMapSizeMB = n
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Search.Capacity <= 0 {
		return fmt.Errorf("search.capacity must be positive, got %d", c.Search.Capacity)
	}
	if c.Search.TimeBudget <= 0 {
		return fmt.Errorf("search.time_budget must be positive, got %s", c.Search.TimeBudget)
	}
	if c.KV.MaxMapSizeMB <= 0 {
		return fmt.Errorf("kv.max_map_size_mb must be positive, got %d", c.KV.MaxMapSizeMB)
	}
	if c.Scheduler.MinRetryDelay < time.Second {
		return fmt.Errorf("scheduler.min_retry_delay must be at least 1s, got %s", c.Scheduler.MinRetryDelay)
	}
	if len(c.Ranking.DefaultRules) == 0 {
		return fmt.Errorf("ranking.default_rules must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	for name, ec := range c.Embedders {
		validSources := map[string]bool{"openai": true, "cohere": true, "ollama": true, "rest": true, "userProvided": true}
		if !validSources[ec.Source] {
			return fmt.Errorf("embedders.%s.source must be one of openai/cohere/ollama/rest/userProvided, got %s", name, ec.Source)
		}
		if ec.Source == "userProvided" && ec.Dimensions <= 0 {
			return fmt.Errorf("embedders.%s: userProvided embedder requires dimensions > 0", name)
		}
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadUserConfig loads the global configuration file, if present.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

