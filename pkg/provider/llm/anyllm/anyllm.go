// Package anyllm adapts github.com/mozilla-ai/any-llm-go to the llm.Provider
// interface, giving one constructor for every backend the library speaks
// (local Ollama and llama.cpp servers as well as the hosted APIs).
//
// It is the adapter of choice for local backends (Ollama, llama.cpp,
// llamafile) that do not enforce JSON-schema response formats: a requested
// ResponseSchema is lowered into a strict reply instruction and the caller
// validates the output.
//
// Usage:
//
//	p, err := anyllm.NewOllama("llama3.2")
//	p, err := anyllm.New("llamacpp", "qwen2.5-7b-instruct")
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/lurkshade/streampulse/pkg/provider/llm"
)

// Provider routes completions through an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New builds a Provider for the named backend. Recognized names: "ollama",
// "llamacpp", "llamafile", "openai", "anthropic", "gemini", "deepseek",
// "mistral", "groq". The model string is passed to the backend verbatim.
//
// opts configure the backend (anyllmlib.WithBaseURL, anyllmlib.WithAPIKey).
// Backends that need a key and get no option read their usual environment
// variable.
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: provider name is required")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model is required")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: init %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// NewOllama targets a local Ollama server, http://localhost:11434 unless a
// base URL option says otherwise.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// NewLlamaCpp targets a running llama.cpp server, http://127.0.0.1:8080/v1
// by default.
func NewLlamaCpp(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamacpp", model, opts...)
}

// createBackend maps a backend name to its any-llm-go constructor. Local
// servers first; those are the ones the service is normally configured with.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "ollama":
		return ollama.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q (want ollama, llamacpp, llamafile, openai, anthropic, gemini, deepseek, mistral, or groq)", providerName)
	}
}

// Complete sends the conversation to the backend and returns its first
// choice.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: backend completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: response carried no choices")
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// buildParams lowers a CompletionRequest into anyllm CompletionParams.
//
// TopP is not forwarded: the local backends this adapter targets apply their
// own server-side sampling defaults. A ResponseSchema is lowered into the
// system prompt because most local servers cannot enforce a response format.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	system := req.SystemPrompt
	if req.ResponseSchema != nil {
		system = appendSchemaInstruction(system, req.ResponseSchema)
	}
	if system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: system,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	return params
}

// appendSchemaInstruction adds a strict reply-format instruction for backends
// without native JSON-schema support.
func appendSchemaInstruction(system string, schema *llm.ResponseSchema) string {
	raw, err := json.Marshal(schema.Schema)
	if err != nil {
		// A schema that fails to serialize still gets a JSON-only instruction.
		raw = []byte("{}")
	}

	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Respond with a single JSON object matching the %q schema:\n%s\nDo not include any text outside the JSON object.", schema.Name, raw)
	return b.String()
}
