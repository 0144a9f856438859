package engine

import "context"

// Engine abstracts the AI provider used for feedback analysis (a local
// Ollama server or any OpenAI-compatible endpoint). The analyzer depends on
// this interface instead of a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When schema is non-nil, the response is constrained to that JSON schema.
	Chat(ctx context.Context, model string, messages []Message, schema any) (string, error)

	// IsRunning reports whether the provider is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
