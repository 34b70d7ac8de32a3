package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sidekick/internal/vault"
)

// KeySource supplies the current API keys; false while they are unavailable
// (for example, a locked vault).
type KeySource interface {
	Keys() (vault.Keys, bool)
}

// RouterConfig configures provider endpoints.
type RouterConfig struct {
	GeminiBaseURL   string
	DeepSeekBaseURL string
	Timeout         time.Duration
}

// Router sends each request to the provider that serves its model, using
// the keys current at call time.
type Router struct {
	keys KeySource
	cfg  RouterConfig

	mu        sync.Mutex
	geminiKey string
	gemini    *GeminiClient
}

// NewRouter creates a router.
func NewRouter(keys KeySource, cfg RouterConfig) *Router {
	return &Router{keys: keys, cfg: cfg}
}

func (r *Router) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	keys, ok := r.keys.Keys()
	if !ok {
		return failed(fmt.Errorf("vault is locked: %w", ErrMissingKey))
	}

	if !IsGemini(req.Model) {
		return NewDeepSeekClient(keys.DeepSeek, r.cfg.DeepSeekBaseURL, r.cfg.Timeout).Stream(ctx, req)
	}

	client, err := r.geminiClient(ctx, keys.Gemini)
	if err != nil {
		return failed(err)
	}
	return client.Stream(ctx, req)
}

// geminiClient reuses the SDK client while the key is unchanged.
func (r *Router) geminiClient(ctx context.Context, key string) (*GeminiClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gemini != nil && r.geminiKey == key {
		return r.gemini, nil
	}
	client, err := NewGeminiClient(ctx, key, r.cfg.GeminiBaseURL)
	if err != nil {
		return nil, err
	}
	r.gemini, r.geminiKey = client, key
	return client, nil
}
