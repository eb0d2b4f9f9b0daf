package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/studyd/internal/engine"
)

type Config struct {
	Server    ServerConfig
	Remote    RemoteConfig
	Mode      ModeConfig
	Retrieval RetrievalConfig
	Quiz      QuizConfig
	Plan      PlanConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type RemoteConfig struct {
	Provider   string
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Timeout    time.Duration
	APIKey     string
}

type ModeConfig struct {
	DegradeAfter   int
	TripAfter      int
	Cooldown       time.Duration
	CallsPerWindow int
	Window         time.Duration
}

type RetrievalConfig struct {
	TopK             int
	MaxContextTokens int
}

type QuizConfig struct {
	ExtractiveThreshold float64
}

type PlanConfig struct {
	MaxInterval time.Duration
	HalfLife    time.Duration
}

type WorkerConfig struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Remote: RemoteConfig{
			Provider:   engine.ProviderOpenAI,
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
			Timeout:    10 * time.Second,
		},
		Mode: ModeConfig{
			DegradeAfter:   1,
			TripAfter:      3,
			Cooldown:       30 * time.Second,
			CallsPerWindow: 60,
			Window:         time.Minute,
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			MaxContextTokens: 4000,
		},
		Quiz: QuizConfig{
			ExtractiveThreshold: 0.5,
		},
		Plan: PlanConfig{
			MaxInterval: 7 * 24 * time.Hour,
			HalfLife:    24 * time.Hour,
		},
		Worker: WorkerConfig{
			PollInterval:  500 * time.Millisecond,
			SweepInterval: time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at FilePath, then applies
// STUDYD_* environment variable overrides. Secrets are read from the
// environment only.
//
// A missing remote API key is not an error: the server then runs with every
// remote capability offline.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
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
	switch c.Remote.Provider {
	case engine.ProviderOpenAI, engine.ProviderOllama:
	default:
		return fmt.Errorf("invalid remote.provider %q: want %s or %s", c.Remote.Provider, engine.ProviderOpenAI, engine.ProviderOllama)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if t := c.Quiz.ExtractiveThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("quiz.extractive_threshold must be in (0, 1], got %v", t)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// RemoteAuthorized reports whether remote calls may be attempted. OpenAI
// compatible providers need an API key; a local Ollama needs only a base URL.
func (c Config) RemoteAuthorized() bool {
	if c.Remote.APIKey != "" {
		return true
	}
	return c.Remote.Provider == engine.ProviderOllama && c.Remote.BaseURL != ""
}

// ParseLevel maps log.level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q", s)
	}
}
