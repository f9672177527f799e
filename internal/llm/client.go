// Package llm talks to inference providers. Every provider converts
// the provider-neutral Message sequence to its own wire format at the
// boundary and normalizes the response, including why generation
// stopped.
package llm

import "context"

// Client is the interface all inference providers implement.
type Client interface {
	// Chat runs one inference step over messages with the given tools
	// declared, returning the model's reply.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error)

	// Ping checks that the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}
