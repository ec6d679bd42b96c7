package llm

import "context"

// GenerationParams tunes a single generation call.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for the text LLM backend.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Health reports whether the backend is reachable and serving.
	Health(ctx context.Context) error

	// Model returns the configured model name.
	Model() string
}

// InputError marks a caller mistake (empty prompt, oversized context) as
// opposed to a backend failure. The pipeline maps it to a validation error.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }
