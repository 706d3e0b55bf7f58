package health

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// Registry holds one circuit breaker per upstream provider. A breaker is
// created lazily the first time a provider is seen.
type Registry struct {
	mu           sync.RWMutex
	breakers     map[string]*CircuitBreaker
	threshold    int
	resetTimeout time.Duration
}

// NewRegistry creates a Registry with the given breaker parameters.
func NewRegistry(threshold int, resetTimeout time.Duration) *Registry {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &Registry{
		breakers:     make(map[string]*CircuitBreaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

func (r *Registry) breaker(provider string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.threshold, r.resetTimeout)
	r.breakers[provider] = cb
	return cb
}

// IsOpen reports whether the provider's circuit currently refuses
// requests. The context parameter keeps the signature uniform with
// remote health checks; the registry itself is in-process.
func (r *Registry) IsOpen(ctx context.Context, provider string) bool {
	return !r.breaker(provider).Allow()
}

// RecordSuccess notes a successful call to the provider.
func (r *Registry) RecordSuccess(provider string) {
	r.breaker(provider).RecordSuccess()
}

// RecordFailure notes a failed call to the provider.
func (r *Registry) RecordFailure(provider string) {
	r.breaker(provider).RecordFailure()
}

// providerPrefixes maps well-known model name prefixes to providers.
var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"claude", "anthropic"},
	{"gpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"gemini", "google"},
	{"llama", "ollama"},
	{"qwen", "ollama"},
	{"mistral", "mistral"},
}

// ProviderOf derives the provider for a model identifier. Explicit
// "provider/model" identifiers win; otherwise the model name prefix is
// matched, falling back to the model name itself.
func ProviderOf(model string) string {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i]
	}
	lower := strings.ToLower(model)
	for _, p := range providerPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.provider
		}
	}
	return lower
}
