package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	AI       AIConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Persist  PersistConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type UpstreamConfig struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	MaxDaysPerChunk int
	Concurrency     int
	Retries         int
}

type AIConfig struct {
	Enabled       bool
	Provider      string
	Model         string
	OllamaURL     string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	ChunkSize     int
	Concurrency   int
	Timeout       time.Duration
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresDSN string
	PageSize    int
}

type CacheConfig struct {
	QueryTTL    time.Duration
	QuerySize   int
	ContentTTL  time.Duration
	ContentSize int
}

type PersistConfig struct {
	QueueSize int
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Upstream: UpstreamConfig{
			Timeout:         30 * time.Second,
			MaxDaysPerChunk: 3,
			Concurrency:     5,
			Retries:         3,
		},
		AI: AIConfig{
			Enabled:     true,
			Provider:    "ollama",
			Model:       "llama3.2",
			OllamaURL:   "http://localhost:11434",
			ChunkSize:   30,
			Concurrency: 10,
			Timeout:     60 * time.Second,
		},
		Storage: StorageConfig{
			Driver:   DriverSQLite,
			DataDir:  defaultDataDir(),
			PageSize: 1000,
		},
		Cache: CacheConfig{
			QueryTTL:    5 * time.Minute,
			QuerySize:   10,
			ContentTTL:  24 * time.Hour,
			ContentSize: 5000,
		},
		Persist: PersistConfig{
			QueueSize: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/feedbackd/config.json, then a .env file in the working
// directory, then FEEDBACKD_* environment variables. Later sources win.
// Secrets are read from the environment only.
func Load() (Config, error) {
	// A missing .env is normal; variables already set are not overridden.
	_ = godotenv.Load()
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Upstream.BaseURL == "" {
		errs = append(errs, fmt.Errorf("missing required config: upstream.base_url (set it with `feedbackd config set upstream.base_url <url>` or %s)", envName("upstream.base_url")))
	}
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("storage.driver %q requires %s", DriverPostgres, envName("storage.postgres_dsn")))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q (want %s or %s)", c.Storage.Driver, DriverSQLite, DriverPostgres))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q (want text or json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "feedbackd-data"
		}
	}
	return filepath.Join(dir, "feedbackd")
}
