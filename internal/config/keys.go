package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SHADOWMEM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SHADOWMEM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SHADOWMEM_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.dimensions", typ: kInt, env: "SHADOWMEM_OLLAMA_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.Dimensions },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SHADOWMEM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "retrieval.recency_weight", typ: kFloat, env: "SHADOWMEM_RETRIEVAL_RECENCY_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RecencyWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RecencyWeight },
	},
	{
		key: "retrieval.signal_timeout", typ: kString, env: "SHADOWMEM_RETRIEVAL_SIGNAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SignalTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.SignalTimeout },
	},
	{
		key: "retrieval.limit", typ: kInt, env: "SHADOWMEM_RETRIEVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Limit },
	},
	{
		key: "lifecycle.purge_after_days", typ: kInt, env: "SHADOWMEM_LIFECYCLE_PURGE_AFTER_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.PurgeAfterDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Lifecycle.PurgeAfterDays },
	},
	{
		key: "lifecycle.stale_after_days", typ: kInt, env: "SHADOWMEM_LIFECYCLE_STALE_AFTER_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.StaleAfterDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Lifecycle.StaleAfterDays },
	},
	{
		key: "lifecycle.sweep_schedule", typ: kString, env: "SHADOWMEM_LIFECYCLE_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Lifecycle.SweepSchedule },
	},
	{
		key: "inject.mode", typ: kString, env: "SHADOWMEM_INJECT_MODE",
		apply:   func(cfg *Config, v any) { cfg.Inject.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Inject.Mode },
	},
	{
		key: "inject.ttl", typ: kString, env: "SHADOWMEM_INJECT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Inject.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inject.TTL },
	},
	{
		key: "inject.default_budget", typ: kInt, env: "SHADOWMEM_INJECT_DEFAULT_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Inject.DefaultBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Inject.DefaultBudget },
	},
	{
		key: "inject.budgets", typ: kString, env: "SHADOWMEM_INJECT_BUDGETS",
		apply:   func(cfg *Config, v any) { cfg.Inject.Budgets = v.(string) },
		extract: func(cfg Config) any { return cfg.Inject.Budgets },
	},
	{
		key: "ingest.auto_embed", typ: kBool, env: "SHADOWMEM_INGEST_AUTO_EMBED",
		apply:   func(cfg *Config, v any) { cfg.Ingest.AutoEmbed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.AutoEmbed },
	},
	{
		key: "log.level", typ: kString, env: "SHADOWMEM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
