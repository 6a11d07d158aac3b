// Package llm defines the completion contract every model backend satisfies.
//
// An LLM provider wraps a remote or local model API (e.g., an LM Studio or
// llama.cpp instance on the streamer's LAN, or a hosted OpenAI-compatible
// endpoint) and exposes a uniform completion interface so the stream analyzer
// and the RAG orchestrator never couple to any specific SDK.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Message is a single entry in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage carries the token counts the backend reported for one exchange.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens counts the tokens in the generated reply.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int
}

// ResponseSchema asks the backend for structured output. Providers with native
// JSON-schema support (OpenAI-compatible servers) pass it through as a response
// format; providers without it lower the schema into a strict instruction and
// rely on the caller to validate the reply.
type ResponseSchema struct {
	// Name identifies the schema to the backend (required by the OpenAI
	// json_schema response format).
	Name string

	// Schema is the JSON Schema describing the expected reply object.
	Schema map[string]any
}

// CompletionRequest is one full prompt for the model. Callers should treat a
// zero-value request as invalid; at minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// TopP is the nucleus sampling parameter in (0.0, 1.0]. Zero means use the
	// provider default.
	TopP float64

	// MaxTokens bounds how many tokens the reply may spend. Zero means use
	// the provider default.
	MaxTokens int

	// SystemPrompt, when set, leads the conversation as a top-priority
	// instruction. Backends without a dedicated system field send it as the
	// first "system"-role message.
	SystemPrompt string

	// ResponseSchema, when non-nil, requests structured output matching the
	// schema. Callers must still tolerate plain-text replies from backends that
	// cannot enforce it.
	ResponseSchema *ResponseSchema
}

// CompletionResponse is the full, non-streaming reply from the model.
type CompletionResponse struct {
	// Content is the text of the assistant's reply. When ResponseSchema was set
	// and the backend honoured it, Content is a JSON document matching the
	// schema.
	Content string

	// Usage reports the token accounting for this exchange.
	Usage Usage
}

// Provider is the single seam between the service and a model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Complete must return as soon as ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and blocks for the whole reply.
	// Cancelling ctx aborts the call with ctx's error.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
