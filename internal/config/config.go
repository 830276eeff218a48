package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultDBPath      = "./data/jobs.db"
	defaultPort        = 3000
	defaultModel       = "gemini-2.0-flash"
	defaultWorkspace   = "./data"
	defaultMetricsBind = ":9091"
)

type (
	// Config is the assembled runtime configuration. Identity and secrets come
	// from environment variables; tuning knobs come from an optional YAML file.
	Config struct {
		Telegram  TelegramConfig  `yaml:"-"`
		Provider  ProviderConfig  `yaml:"-"`
		Dashboard DashboardConfig `yaml:"-"`
		Store     StoreConfig     `yaml:"-"`
		Engine    EngineConfig    `yaml:"engine"`
		Logging   LoggingConfig   `yaml:"logging"`
	}

	TelegramConfig struct {
		Token string
		// ChatID is the single authorized chat. Messages from any other chat
		// are rejected at the edge.
		ChatID string
	}

	ProviderConfig struct {
		// Type selects the completion backend: gemini or openai.
		Type    string
		APIKey  string
		BaseURL string
		Model   string
		// SandboxAPIKey is forwarded to worker tool execution (E2B).
		SandboxAPIKey string
		Timeout       time.Duration
	}

	DashboardConfig struct {
		Password    string
		Port        int
		MetricsBind string `yaml:"metrics_bind"`
	}

	StoreConfig struct {
		Path string
		// Workspace holds the editable config files (soul.md, memory.md,
		// blocklist.json).
		Workspace string
	}

	EngineConfig struct {
		SchedulerTickSec     int `yaml:"scheduler_tick_sec"`
		WorkerPollSec        int `yaml:"worker_poll_sec"`
		WorkerRestartSec     int `yaml:"worker_restart_sec"`
		StuckThresholdMin    int `yaml:"stuck_threshold_min"`
		ShutdownTimeoutSec   int `yaml:"shutdown_timeout_sec"`
		CompletionTimeoutSec int `yaml:"completion_timeout_sec"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file, both
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
	}
)

// Load assembles the configuration from the environment, optionally overlaid
// with tuning values from the YAML file at tunePath (empty means skip a
// missing default file silently). A .env file in the working directory is
// loaded first when present.
func Load(tunePath string) (*Config, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	cfg := &Config{
		Telegram: TelegramConfig{
			Token:  os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChatID: os.Getenv("TELEGRAM_CHAT_ID"),
		},
		Provider: ProviderConfig{
			Type:          envOr("PROVIDER", "gemini"),
			APIKey:        providerAPIKey(),
			BaseURL:       os.Getenv("PROVIDER_BASE_URL"),
			Model:         envOr("MODEL", defaultModel),
			SandboxAPIKey: os.Getenv("E2B_API_KEY"),
			Timeout:       5 * time.Minute,
		},
		Dashboard: DashboardConfig{
			Password:    os.Getenv("DASHBOARD_PASSWORD"),
			Port:        defaultPort,
			MetricsBind: metricsBind(),
		},
		Store: StoreConfig{
			Path:      envOr("SQLITE_DB_PATH", defaultDBPath),
			Workspace: envOr("PETERBOT_WORKSPACE", defaultWorkspace),
		},
		Engine: EngineConfig{
			SchedulerTickSec:     30,
			WorkerPollSec:        1,
			WorkerRestartSec:     2,
			StuckThresholdMin:    10,
			ShutdownTimeoutSec:   30,
			CompletionTimeoutSec: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Dashboard.Port = p
	}

	if err := applyTuning(cfg, tunePath); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// providerAPIKey resolves the completion credential. GOOGLE_API_KEY is the
// primary name; OPENAI_API_KEY serves the openai backend.
func providerAPIKey() string {
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("OPENAI_API_KEY")
}

func applyTuning(cfg *Config, path string) error {
	explicit := path != ""
	if path == "" {
		path = "peterbot.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read tuning file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return nil
}

// Validate checks that every required setting is present and sane.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.ChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	if c.Provider.APIKey == "" {
		missing = append(missing, "GOOGLE_API_KEY (or OPENAI_API_KEY)")
	}
	if c.Dashboard.Password == "" {
		missing = append(missing, "DASHBOARD_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch strings.ToLower(strings.TrimSpace(c.Provider.Type)) {
	case "gemini", "openai":
	default:
		return fmt.Errorf("unsupported provider type: %s", c.Provider.Type)
	}

	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard port out of range: %d", c.Dashboard.Port)
	}
	if c.Engine.SchedulerTickSec <= 0 {
		return fmt.Errorf("scheduler_tick_sec must be positive")
	}
	if c.Engine.WorkerPollSec <= 0 {
		return fmt.Errorf("worker_poll_sec must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// metricsBind defaults to a dedicated listener; setting METRICS_BIND to the
// empty string disables exposition.
func metricsBind() string {
	if v, ok := os.LookupEnv("METRICS_BIND"); ok {
		return strings.TrimSpace(v)
	}
	return defaultMetricsBind
}
