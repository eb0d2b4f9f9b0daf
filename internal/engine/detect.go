package engine

import "fmt"

// Supported providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
}

// Detect returns the Engine for the configured provider. An empty provider
// selects the OpenAI-compatible client.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOpenAI:
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey), nil
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return NewOllamaEngine(baseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Provider)
	}
}
