// Package gateway provides a uniform interface to the configured
// generation and embedding backends. It hides provider differences behind
// the Provider interface, applies a per-call timeout and a bounded retry
// budget for transient failures, and caches embeddings.
//
// Providers:
//   - anthropic: Anthropic Messages API (anthropic-sdk-go)
//   - openai: any OpenAI-compatible endpoint (OpenRouter, Ollama, ...)
//   - custom: injected at construction via WithProvider (tests, the
//     build-tagged local ONNX embedder)
//
// Error classification is part of the contract: every provider failure is
// surfaced as a *core.ProviderError marked transient or permanent, so the
// arena orchestrator can decide whether a backend deserves a retry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/core"
)

// Params carries per-call generation parameters. The model, token limit,
// and temperature come from the backend profile; Params only overrides
// what varies per call.
type Params struct {
	// System is the system prompt for this call. Empty means none.
	System string
}

// Provider is one configured backend. Implementations classify their own
// failures via core.TransientError / core.PermanentError.
type Provider interface {
	Generate(ctx context.Context, prompt string, p Params) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Gateway routes generation and embedding calls to named backends.
type Gateway struct {
	backends    map[string]Provider
	cache       *ristretto.Cache
	callTimeout time.Duration
	retryBudget int
}

// Option configures the gateway.
type Option func(*options)

type options struct {
	providers map[string]Provider
	noCache   bool
}

// WithProvider injects a Provider for the given backend id. Required for
// profiles with provider kind "custom"; overrides built-in construction
// for any other kind.
func WithProvider(backendID string, p Provider) Option {
	return func(o *options) {
		o.providers[backendID] = p
	}
}

// WithoutEmbeddingCache disables the ristretto embedding cache.
func WithoutEmbeddingCache() Option {
	return func(o *options) {
		o.noCache = true
	}
}

// New builds a Gateway from the configured backend profiles.
// Unrecognized provider kinds and custom profiles without an injected
// implementation are configuration errors.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := &options{providers: map[string]Provider{}}
	for _, opt := range opts {
		opt(o)
	}

	g := &Gateway{
		backends:    make(map[string]Provider, len(cfg.Profiles)),
		callTimeout: time.Duration(cfg.Arena.CallTimeoutSec) * time.Second,
		retryBudget: cfg.Arena.RetryBudget,
	}
	if g.callTimeout <= 0 {
		g.callTimeout = config.DefaultCallTimeoutSec * time.Second
	}

	for id, profile := range cfg.Profiles {
		if injected, ok := o.providers[id]; ok {
			g.backends[id] = injected
			continue
		}
		switch profile.Provider {
		case config.ProviderAnthropic:
			g.backends[id] = newAnthropicProvider(id, profile)
		case config.ProviderOpenAI:
			g.backends[id] = newOpenAIProvider(id, profile)
		case config.ProviderCustom:
			return nil, core.NewConfigError("llmProfiles."+id, "custom profile has no injected provider")
		default:
			return nil, core.NewConfigError("llmProfiles."+id, "unrecognized provider kind %q", profile.Provider)
		}
	}

	if !o.noCache {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000,
			MaxCost:     64 << 20, // bytes of cached vectors
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		g.cache = cache
	}

	return g, nil
}

// Backends returns the configured backend identifiers, sorted.
func (g *Gateway) Backends() []string {
	ids := make([]string, 0, len(g.backends))
	for id := range g.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether a backend id is configured.
func (g *Gateway) Has(backendID string) bool {
	_, ok := g.backends[backendID]
	return ok
}

// Generate produces text from the named backend. Transient failures are
// retried up to the configured budget; permanent failures surface
// immediately.
func (g *Gateway) Generate(ctx context.Context, backendID, prompt string, p Params) (string, error) {
	prov, ok := g.backends[backendID]
	if !ok {
		return "", core.PermanentError(backendID, "generate", fmt.Errorf("unknown backend"))
	}

	var lastErr error
	for attempt := 0; attempt <= g.retryBudget; attempt++ {
		text, err := g.callGenerate(ctx, backendID, prov, prompt, p)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !core.IsTransient(err) || ctx.Err() != nil {
			return "", err
		}
		if attempt < g.retryBudget {
			log.Printf("[GATEWAY] %s: transient generate failure (attempt %d/%d): %v",
				backendID, attempt+1, g.retryBudget+1, err)
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return "", lastErr
			}
		}
	}
	return "", lastErr
}

// Embed converts text to an embedding vector via the named backend.
// Results are cached per backend and text.
func (g *Gateway) Embed(ctx context.Context, backendID, text string) ([]float32, error) {
	prov, ok := g.backends[backendID]
	if !ok {
		return nil, core.PermanentError(backendID, "embed", fmt.Errorf("unknown backend"))
	}

	key := embedCacheKey(backendID, text)
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			if vec, ok := v.([]float32); ok {
				return vec, nil
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= g.retryBudget; attempt++ {
		vec, err := g.callEmbed(ctx, backendID, prov, text)
		if err == nil {
			if g.cache != nil {
				g.cache.Set(key, vec, int64(4*len(vec)))
			}
			return vec, nil
		}
		lastErr = err
		if !core.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < g.retryBudget {
			log.Printf("[GATEWAY] %s: transient embed failure (attempt %d/%d): %v",
				backendID, attempt+1, g.retryBudget+1, err)
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

// Wait flushes the embedding cache's write buffers. Intended for tests.
func (g *Gateway) Wait() {
	if g.cache != nil {
		g.cache.Wait()
	}
}

// Close releases gateway resources.
func (g *Gateway) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}

func (g *Gateway) callGenerate(ctx context.Context, backendID string, prov Provider, prompt string, p Params) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	text, err := prov.Generate(cctx, prompt, p)
	if err != nil {
		return "", classify(backendID, "generate", cctx, err)
	}
	return text, nil
}

func (g *Gateway) callEmbed(ctx context.Context, backendID string, prov Provider, text string) ([]float32, error) {
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	vec, err := prov.Embed(cctx, text)
	if err != nil {
		return nil, classify(backendID, "embed", cctx, err)
	}
	return vec, nil
}

// classify normalizes provider failures into the core taxonomy. Providers
// classify their own API errors; anything unclassified is permanent except
// a blown per-call deadline, which is a timeout and therefore transient.
func classify(backendID, op string, callCtx context.Context, err error) error {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil {
		return core.TransientError(backendID, op, err)
	}
	return core.PermanentError(backendID, op, err)
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(attempt+1) * 200 * time.Millisecond
}

// sleepCtx sleeps for d unless ctx finishes first. Reports whether the
// full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func embedCacheKey(backendID, text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%s\x00%x", backendID, h.Sum64())
}
