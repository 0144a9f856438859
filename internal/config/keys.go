package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FEEDBACKD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "FEEDBACKD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "upstream.base_url", typ: kString, env: "FEEDBACKD_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.token", typ: kString, env: "FEEDBACKD_UPSTREAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Token },
	},
	{
		key: "upstream.timeout", typ: kDuration, env: "FEEDBACKD_UPSTREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.Timeout },
	},
	{
		key: "upstream.max_days_per_chunk", typ: kInt, env: "FEEDBACKD_UPSTREAM_MAX_DAYS_PER_CHUNK",
		apply:   func(cfg *Config, v any) { cfg.Upstream.MaxDaysPerChunk = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.MaxDaysPerChunk },
	},
	{
		key: "upstream.concurrency", typ: kInt, env: "FEEDBACKD_UPSTREAM_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.Concurrency },
	},
	{
		key: "upstream.retries", typ: kInt, env: "FEEDBACKD_UPSTREAM_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Retries = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.Retries },
	},
	{
		key: "ai.enabled", typ: kBool, env: "FEEDBACKD_AI_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.AI.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.AI.Enabled },
	},
	{
		key: "ai.provider", typ: kString, env: "FEEDBACKD_AI_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.AI.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Provider },
	},
	{
		key: "ai.model", typ: kString, env: "FEEDBACKD_AI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Model },
	},
	{
		key: "ai.ollama_url", typ: kString, env: "FEEDBACKD_AI_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.AI.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.OllamaURL },
	},
	{
		key: "ai.openai_base_url", typ: kString, env: "FEEDBACKD_AI_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.AI.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.OpenAIBaseURL },
	},
	{
		key: "ai.openai_api_key", typ: kString, env: "FEEDBACKD_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.AI.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.OpenAIAPIKey },
	},
	{
		key: "ai.chunk_size", typ: kInt, env: "FEEDBACKD_AI_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.AI.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.AI.ChunkSize },
	},
	{
		key: "ai.concurrency", typ: kInt, env: "FEEDBACKD_AI_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.AI.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.AI.Concurrency },
	},
	{
		key: "ai.timeout", typ: kDuration, env: "FEEDBACKD_AI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.AI.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.AI.Timeout },
	},
	{
		key: "storage.driver", typ: kString, env: "FEEDBACKD_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FEEDBACKD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "FEEDBACKD_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "storage.page_size", typ: kInt, env: "FEEDBACKD_STORAGE_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Storage.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.PageSize },
	},
	{
		key: "cache.query_ttl", typ: kDuration, env: "FEEDBACKD_CACHE_QUERY_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.QueryTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.QueryTTL },
	},
	{
		key: "cache.query_size", typ: kInt, env: "FEEDBACKD_CACHE_QUERY_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Cache.QuerySize = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.QuerySize },
	},
	{
		key: "cache.content_ttl", typ: kDuration, env: "FEEDBACKD_CACHE_CONTENT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.ContentTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.ContentTTL },
	},
	{
		key: "cache.content_size", typ: kInt, env: "FEEDBACKD_CACHE_CONTENT_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Cache.ContentSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.ContentSize },
	},
	{
		key: "persist.queue_size", typ: kInt, env: "FEEDBACKD_PERSIST_QUEUE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Persist.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Persist.QueueSize },
	},
	{
		key: "log.level", typ: kString, env: "FEEDBACKD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "FEEDBACKD_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func envName(key string) string {
	if s, ok := lookup(key); ok {
		return s.env
	}
	return ""
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
