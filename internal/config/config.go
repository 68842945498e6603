package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone database for minimal container images

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SMSLEDGER_AI_GEMINI_API_KEY.
const EnvPrefix = "SMSLEDGER"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendMySQL    = "mysql"
	BackendBigQuery = "bigquery"
)

// Extraction providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	AI      AIConfig      `mapstructure:"ai"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Locale  LocaleConfig  `mapstructure:"locale"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BigQueryConfig struct {
	Project string `mapstructure:"project"`
	Dataset string `mapstructure:"dataset"`
}

// AIConfig describes the two extraction tiers and provider credentials.
type AIConfig struct {
	Fast     TierConfig    `mapstructure:"fast"`
	Fallback TierConfig    `mapstructure:"fallback"`
	Gemini   GeminiConfig  `mapstructure:"gemini"`
	OpenAI   OpenAIConfig  `mapstructure:"openai"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type TierConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LocaleConfig struct {
	Timezone string   `mapstructure:"timezone"`
	Weekend  []string `mapstructure:"weekend"`
	Currency string   `mapstructure:"currency"`
}

type IngestConfig struct {
	MaxEntries    int  `mapstructure:"max_entries"`
	RecentFacts   int  `mapstructure:"recent_facts"`
	LearnPatterns bool `mapstructure:"learn_patterns"`
	RawTextLimit  int  `mapstructure:"raw_text_limit"`
}

type SyncConfig struct {
	Threshold     float64 `mapstructure:"threshold"`
	BackfillLimit int     `mapstructure:"backfill_limit"`
}

type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
}

type JobsConfig struct {
	Buffer     int `mapstructure:"buffer"`
	Workers    int `mapstructure:"workers"`
	MaxRetries int `mapstructure:"max_retries"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{
			Backend:  BackendMemory,
			BigQuery: BigQueryConfig{Dataset: "smsledger"},
		},
		AI: AIConfig{
			Fast:     TierConfig{Provider: ProviderGemini, Model: "gemini-2.5-flash-lite"},
			Fallback: TierConfig{Provider: ProviderGemini, Model: "gemini-2.5-flash"},
			Timeout:  30 * time.Second,
		},
		Locale: LocaleConfig{
			Timezone: "Asia/Qatar",
			Weekend:  []string{"Friday", "Saturday"},
			Currency: "QAR",
		},
		Ingest: IngestConfig{
			MaxEntries:   200,
			RecentFacts:  50,
			RawTextLimit: 1000,
		},
		Sync: SyncConfig{Threshold: 0.10, BackfillLimit: 5000},
		Jobs: JobsConfig{Buffer: 100, Workers: 2, MaxRetries: 3},
	}
}

// DefaultConfigName is the file Load looks for in the working directory
// when no path is given.
const DefaultConfigName = "smsledger"

// Load reads configuration from path and SMSLEDGER_* environment variables
// on top of Default. With an empty path ./smsledger.yaml is used when present.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		path = "./" + DefaultConfigName + ".yaml"
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("Load: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override keys absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.mysql.dsn", cfg.Store.MySQL.DSN)
	v.SetDefault("store.bigquery.project", cfg.Store.BigQuery.Project)
	v.SetDefault("store.bigquery.dataset", cfg.Store.BigQuery.Dataset)
	v.SetDefault("ai.fast.provider", cfg.AI.Fast.Provider)
	v.SetDefault("ai.fast.model", cfg.AI.Fast.Model)
	v.SetDefault("ai.fallback.provider", cfg.AI.Fallback.Provider)
	v.SetDefault("ai.fallback.model", cfg.AI.Fallback.Model)
	v.SetDefault("ai.gemini.api_key", cfg.AI.Gemini.APIKey)
	v.SetDefault("ai.openai.api_key", cfg.AI.OpenAI.APIKey)
	v.SetDefault("ai.openai.base_url", cfg.AI.OpenAI.BaseURL)
	v.SetDefault("ai.timeout", cfg.AI.Timeout)
	v.SetDefault("auth.jwt_secret", cfg.Auth.JWTSecret)
	v.SetDefault("locale.timezone", cfg.Locale.Timezone)
	v.SetDefault("locale.weekend", cfg.Locale.Weekend)
	v.SetDefault("locale.currency", cfg.Locale.Currency)
	v.SetDefault("ingest.max_entries", cfg.Ingest.MaxEntries)
	v.SetDefault("ingest.recent_facts", cfg.Ingest.RecentFacts)
	v.SetDefault("ingest.learn_patterns", cfg.Ingest.LearnPatterns)
	v.SetDefault("ingest.raw_text_limit", cfg.Ingest.RawTextLimit)
	v.SetDefault("sync.threshold", cfg.Sync.Threshold)
	v.SetDefault("sync.backfill_limit", cfg.Sync.BackfillLimit)
	v.SetDefault("archive.bucket", cfg.Archive.Bucket)
	v.SetDefault("jobs.buffer", cfg.Jobs.Buffer)
	v.SetDefault("jobs.workers", cfg.Jobs.Workers)
	v.SetDefault("jobs.max_retries", cfg.Jobs.MaxRetries)
}

// Validate checks enumerated settings and numeric bounds.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendMySQL, BackendBigQuery:
	default:
		return fmt.Errorf("Validate: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendMySQL && c.Store.MySQL.DSN == "" {
		return fmt.Errorf("Validate: store.mysql.dsn is required for the mysql backend")
	}
	if c.Store.Backend == BackendBigQuery && c.Store.BigQuery.Project == "" {
		return fmt.Errorf("Validate: store.bigquery.project is required for the bigquery backend")
	}
	for name, tier := range map[string]TierConfig{"fast": c.AI.Fast, "fallback": c.AI.Fallback} {
		switch tier.Provider {
		case ProviderGemini, ProviderOpenAI:
		case "":
			if name == "fast" {
				return fmt.Errorf("Validate: ai.fast.provider is required")
			}
		default:
			return fmt.Errorf("Validate: unknown ai.%s.provider %q", name, tier.Provider)
		}
	}
	if c.Sync.Threshold <= 0 || c.Sync.Threshold >= 1 {
		return fmt.Errorf("Validate: sync.threshold must be in (0,1), got %v", c.Sync.Threshold)
	}
	if _, err := time.LoadLocation(c.Locale.Timezone); err != nil {
		return fmt.Errorf("Validate: locale.timezone: %w", err)
	}
	if c.Ingest.MaxEntries <= 0 {
		return fmt.Errorf("Validate: ingest.max_entries must be positive")
	}
	return nil
}

// Location returns the configured default owner timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Locale.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
