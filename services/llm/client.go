package llm

import "context"

// Message is one turn in a chat transcript sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
	// ForceJSON asks the backend to constrain output to a single JSON
	// object, where the backend supports it.
	ForceJSON bool `json:"force_json"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}
