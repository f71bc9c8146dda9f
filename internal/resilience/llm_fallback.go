package resilience

import (
	"context"

	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/llm"
)

// LLMFallback sits between the Turn Processor and a pool of chat-completion
// backends: one call to Complete tries the primary and, if its breaker is
// open or the call errors, walks the registered fallbacks in order until one
// answers or the pool is exhausted.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback builds an LLMFallback around primary, identified by
// primaryName for logging and breaker bookkeeping. Call AddFallback to
// register additional backends before the first Complete.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends provider to the failover order, tried only once every
// backend ahead of it is unhealthy or has errored.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete walks the backend pool in failover order and returns the first
// successful completion. A mid-pool error does not abort the call; it moves
// on to the next backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary backend's capabilities; it never fails
// over since capability metadata doesn't depend on backend health.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return llm.ModelCapabilities{}
}
