package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the project-local config file searched for upward from the working directory
const LocalConfigName = ".analysis-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Engine        EngineConfig        `toml:"engine"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Backlog       BacklogConfig       `toml:"backlog"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Import        ImportConfig        `toml:"import"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"` // console or json
}

// EngineConfig holds the UCI engine pool settings
type EngineConfig struct {
	Path        string   `toml:"path"`
	PoolSize    int      `toml:"pool_size"`
	Depth       int      `toml:"depth"`
	EvalTimeout Duration `toml:"eval_timeout"`
	HashMB      int      `toml:"hash_mb"`
	Threads     int      `toml:"threads"`
	Nice        int      `toml:"nice"`
}

// SchedulerConfig holds admission and worker settings
type SchedulerConfig struct {
	Workers           int      `toml:"workers"` // 0 means one per engine
	MaxProcessingJobs int      `toml:"max_processing_jobs"`
	MaxAttempts       int      `toml:"max_attempts"`
	RetryDelay        Duration `toml:"retry_delay"`
}

// BacklogConfig holds scheduled backlog sweeps
type BacklogConfig struct {
	Sweeps []SweepConfig `toml:"sweep"`
}

// SweepConfig is one cron-driven backlog sweep
type SweepConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	MaxUsers int    `toml:"max_users"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	BufferSize    int    `toml:"buffer_size"`
	SlackWebhook  string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ImportConfig holds the PGN drop directory settings
type ImportConfig struct {
	WatchDir   string `toml:"watch_dir"`
	UserID     int64  `toml:"user_id"`
	PlayerName string `toml:"player_name"`
}

// Duration wraps time.Duration so TOML files can use strings like "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".analysis-orch", "analysis.db"),
			LogLevel:     "info",
			LogFormat:    "console",
		},
		Engine: EngineConfig{
			Path:        "/usr/games/stockfish",
			PoolSize:    2,
			Depth:       18,
			EvalTimeout: Duration{30 * time.Second},
			HashMB:      128,
			Threads:     1,
		},
		Scheduler: SchedulerConfig{
			MaxProcessingJobs: 4,
			MaxAttempts:       2,
			RetryDelay:        Duration{500 * time.Millisecond},
		},
		Notifications: NotificationsConfig{
			SubjectPrefix: "analysis",
			BufferSize:    16,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Engine.Path = ExpandPath(cfg.Engine.Path)
	cfg.Import.WatchDir = ExpandPath(cfg.Import.WatchDir)

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise the
// nearest project-local config, otherwise the user config
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (c *Config) applyEnv() {
	if p := os.Getenv("STOCKFISH_PATH"); p != "" {
		c.Engine.Path = p
	}
	if u := os.Getenv("NATS_URL"); u != "" {
		c.Notifications.NATSURL = u
	}
}

// Validate checks the config is usable
func (c *Config) Validate() error {
	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine.pool_size must be positive")
	}
	if c.Engine.Depth <= 0 {
		return fmt.Errorf("engine.depth must be positive")
	}
	if c.Engine.EvalTimeout.Duration <= 0 {
		return fmt.Errorf("engine.eval_timeout must be positive")
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must not be negative")
	}
	if c.Scheduler.MaxProcessingJobs <= 0 {
		return fmt.Errorf("scheduler.max_processing_jobs must be positive")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 1
	}
	if c.Import.WatchDir != "" && c.Import.UserID <= 0 {
		return fmt.Errorf("import.user_id is required with import.watch_dir")
	}
	for i, s := range c.Backlog.Sweeps {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("backlog.sweep[%d]: name and cron are required", i)
		}
	}
	return nil
}

// WorkerCount returns the configured worker count, defaulting to the pool size
func (c *Config) WorkerCount() int {
	if c.Scheduler.Workers > 0 {
		return c.Scheduler.Workers
	}
	return c.Engine.PoolSize
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "analysis-orch", "config.toml")
}
