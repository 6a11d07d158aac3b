// Package mock fakes the llm.Provider seam for tests.
//
// A zero Provider answers every Complete with (nil, nil). Tests usually set
// CompleteResponse to script one canned reply, or CompleteFunc when each call
// needs its own behaviour:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"answer":"hi"}`},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/lurkshade/streampulse/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider scripts Complete and records what it was asked. When CompleteFunc
// is set it answers each call; otherwise the CompleteResponse and CompleteErr
// pair is returned as configured.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc answers each call individually when set, taking precedence
	// over the canned fields below.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteResponse is the canned reply. nil yields (nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr is the canned error, returned together with CompleteResponse.
	CompleteErr error

	// CompleteCalls accumulates one entry per Complete call, oldest first.
	CompleteCalls []CompleteCall
}

// Complete appends the call to CompleteCalls and then answers from the script.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Calls returns a copy of everything recorded so far.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset drops the recorded calls and keeps the scripted replies.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
