package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Push     PushConfig     `yaml:"push"`
	LLM      LLMConfig      `yaml:"llm"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	JobsPath     string `yaml:"jobs_path"`
	AccountsPath string `yaml:"accounts_path"`
}

type AuthConfig struct {
	// TokenServiceURL points at the credential service that stores and
	// refreshes provider OAuth tokens on our behalf.
	TokenServiceURL string `yaml:"token_service_url"`
	// JWKSURL verifies bearer tokens attached to push deliveries.
	// Empty disables push authentication.
	JWKSURL string `yaml:"jwks_url"`
}

type SyncConfig struct {
	BackfillDays    int      `yaml:"backfill_days"`
	FallbackDays    int      `yaml:"fallback_days"`
	ExcludeLabels   []string `yaml:"exclude_labels"`
	MaxBackfill     int      `yaml:"max_backfill"`
	BatchSize       int      `yaml:"batch_size"`
	PageSize        int      `yaml:"page_size"`
	StuckAfterSecs  int      `yaml:"stuck_after_secs"`
	ProviderTimeout int      `yaml:"provider_timeout_secs"`
}

type DispatchConfig struct {
	NATSUrl   string `yaml:"nats_url"`
	WorkerURL string `yaml:"worker_url"`
}

type PushConfig struct {
	Topic       string `yaml:"topic"`
	CallbackURL string `yaml:"callback_url"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; env vars referenced from YAML are expanded below.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.JobsPath == "" {
		return errors.New("database jobs_path is required")
	}
	if c.Database.AccountsPath == "" {
		return errors.New("database accounts_path is required")
	}
	if c.Sync.BatchSize > 500 {
		return fmt.Errorf("sync batch_size %d exceeds provider page limit", c.Sync.BatchSize)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "mailsync"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Sync.BackfillDays == 0 {
		c.Sync.BackfillDays = 30
	}
	if c.Sync.FallbackDays == 0 {
		c.Sync.FallbackDays = 7
	}
	if len(c.Sync.ExcludeLabels) == 0 {
		c.Sync.ExcludeLabels = []string{"SPAM", "TRASH"}
	}
	if c.Sync.MaxBackfill == 0 {
		c.Sync.MaxBackfill = 5000
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 500
	}
	if c.Sync.StuckAfterSecs == 0 {
		c.Sync.StuckAfterSecs = 120
	}
	if c.Sync.ProviderTimeout == 0 {
		c.Sync.ProviderTimeout = 10
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gemini-2.5-flash"
	}
}
