package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
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
		key: "server.port", typ: kInt, env: "STUDYD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "STUDYD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "remote.provider", typ: kString, env: "STUDYD_REMOTE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Remote.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Provider },
	},
	{
		key: "remote.base_url", typ: kString, env: "STUDYD_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.chat_model", typ: kString, env: "STUDYD_REMOTE_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Remote.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.ChatModel },
	},
	{
		key: "remote.embed_model", typ: kString, env: "STUDYD_REMOTE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Remote.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.EmbedModel },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "STUDYD_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "remote.api_key", typ: kString, env: "STUDYD_REMOTE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APIKey },
	},
	{
		key: "mode.degrade_after", typ: kInt, env: "STUDYD_MODE_DEGRADE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Mode.DegradeAfter = v.(int) },
		extract: func(cfg Config) any { return cfg.Mode.DegradeAfter },
	},
	{
		key: "mode.trip_after", typ: kInt, env: "STUDYD_MODE_TRIP_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Mode.TripAfter = v.(int) },
		extract: func(cfg Config) any { return cfg.Mode.TripAfter },
	},
	{
		key: "mode.cooldown", typ: kDuration, env: "STUDYD_MODE_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Mode.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Mode.Cooldown },
	},
	{
		key: "mode.calls_per_window", typ: kInt, env: "STUDYD_MODE_CALLS_PER_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Mode.CallsPerWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Mode.CallsPerWindow },
	},
	{
		key: "mode.window", typ: kDuration, env: "STUDYD_MODE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Mode.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Mode.Window },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "STUDYD_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "STUDYD_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "quiz.extractive_threshold", typ: kFloat, env: "STUDYD_QUIZ_EXTRACTIVE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Quiz.ExtractiveThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Quiz.ExtractiveThreshold },
	},
	{
		key: "plan.max_interval", typ: kDuration, env: "STUDYD_PLAN_MAX_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Plan.MaxInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Plan.MaxInterval },
	},
	{
		key: "plan.half_life", typ: kDuration, env: "STUDYD_PLAN_HALF_LIFE",
		apply:   func(cfg *Config, v any) { cfg.Plan.HalfLife = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Plan.HalfLife },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "STUDYD_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.sweep_interval", typ: kDuration, env: "STUDYD_WORKER_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.SweepInterval },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STUDYD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "STUDYD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
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

// parse converts raw text to the Go type of a key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %w", s.key, err)
		}
		return i, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %w", s.key, err)
		}
		return f, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", s.key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration for %s must be positive, got %s", s.key, raw)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return err
		}
		s.apply(cfg, v)
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
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
