package anyllm

import (
	"strings"
	"testing"

	"github.com/lurkshade/streampulse/pkg/provider/llm"
)

// TestNew_Validation checks constructor argument validation.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "llama3.2"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("not-a-provider", "llama3.2"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

// TestNew_LocalBackends checks that the local-inference constructors work.
func TestNew_LocalBackends(t *testing.T) {
	for _, name := range []string{"ollama", "llamacpp", "llamafile"} {
		if _, err := New(name, "llama3.2"); err != nil {
			t.Errorf("New(%q): unexpected error: %v", name, err)
		}
	}
}

// TestBuildParams_Messages checks system prompt placement and role passthrough.
func TestBuildParams_Messages(t *testing.T) {
	p := &Provider{model: "llama3.2"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "you analyze streams",
		Messages: []llm.Message{
			{Role: "user", Content: "how is chat"},
			{Role: "assistant", Content: "lively"},
		},
	})

	if params.Model != "llama3.2" {
		t.Errorf("Model = %q, want llama3.2", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" || params.Messages[2].Role != "assistant" {
		t.Errorf("roles = %q, %q", params.Messages[1].Role, params.Messages[2].Role)
	}
}

// TestBuildParams_Sampling checks pointer fields are only set when non-zero.
func TestBuildParams_Sampling(t *testing.T) {
	p := &Provider{model: "llama3.2"}

	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   800,
	})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 800 {
		t.Errorf("MaxTokens = %v, want 800", params.MaxTokens)
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Error("zero Temperature should stay unset")
	}
	if params.MaxTokens != nil {
		t.Error("zero MaxTokens should stay unset")
	}
}

// TestBuildParams_SchemaLowering checks that a ResponseSchema becomes a strict
// JSON instruction in the system message.
func TestBuildParams_SchemaLowering(t *testing.T) {
	p := &Provider{model: "llama3.2"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "you analyze streams",
		Messages:     []llm.Message{{Role: "user", Content: "how is chat"}},
		ResponseSchema: &llm.ResponseSchema{
			Name:   "rag_response",
			Schema: map[string]any{"type": "object"},
		},
	})

	if params.Messages[0].Role != "system" {
		t.Fatalf("first role = %q, want system", params.Messages[0].Role)
	}
	sys := params.Messages[0].ContentString()
	if !strings.HasPrefix(sys, "you analyze streams") {
		t.Errorf("system prompt should lead the instruction, got %q", sys)
	}
	if !strings.Contains(sys, `"rag_response"`) {
		t.Errorf("expected schema name in instruction, got %q", sys)
	}
	if !strings.Contains(sys, `"type":"object"`) {
		t.Errorf("expected schema body in instruction, got %q", sys)
	}
}

// TestAppendSchemaInstruction_NoSystemPrompt checks lowering without a base prompt.
func TestAppendSchemaInstruction_NoSystemPrompt(t *testing.T) {
	got := appendSchemaInstruction("", &llm.ResponseSchema{
		Name:   "analysis",
		Schema: map[string]any{"type": "object"},
	})
	if strings.HasPrefix(got, "\n") {
		t.Errorf("instruction should not start with a blank line: %q", got)
	}
	if !strings.Contains(got, "Do not include any text outside the JSON object.") {
		t.Errorf("missing strictness clause: %q", got)
	}
}
