// Package llm is the gateway to the embedding and chat providers. It
// wraps a raw Provider with bounded retries, a circuit breaker, a
// concurrency cap and JSON-schema validation of structured responses.
package llm

import "context"

// Provider is the narrow contract an embedding/chat backend must
// satisfy. Implementations are stateless and safe for concurrent use.
type Provider interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Chat sends a system+user prompt and returns the raw response text.
	// Prompts used by the engine instruct the model to answer with JSON.
	Chat(ctx context.Context, system, user string) (string, error)
	// Name identifies the provider in logs and health checks.
	Name() string
	// Dimensions returns the fixed embedding dimension of the provider.
	Dimensions() int
}
