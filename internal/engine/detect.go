package engine

import "fmt"

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// DetectConfig holds parameters for provider selection.
type DetectConfig struct {
	Provider      string
	OllamaBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// Detect returns the engine for the configured provider. An empty provider
// selects Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("provider %q requires an API key", ProviderOpenAI)
		}
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}
