// Package mock provides a deterministic in-process backend for testing
// without model files or network access.
//
// Generations are scripted per call or via a hook. Embeddings are a
// normalized bag-of-words vector over hashed token prefixes, so texts that
// share vocabulary get high cosine similarity - good enough to exercise
// retrieval ranking deterministically.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/stratamem/strata-go-sdk/gateway"
)

const (
	dimensions = 256
	prefixLen  = 4
)

// Backend is a scripted gateway.Provider.
type Backend struct {
	// Response is returned by Generate when Respond is nil.
	Response string

	// Respond, when set, computes the generation from the prompt.
	Respond func(prompt string) (string, error)

	// GenerateErr, when set, fails every Generate call.
	GenerateErr error

	// EmbedErr, when set, fails every Embed call.
	EmbedErr error

	// Delay is waited before answering, honoring context cancellation.
	Delay time.Duration

	mu      sync.Mutex
	prompts []string
	systems []string
	embeds  int
}

// New creates a mock backend that answers every generation with response.
func New(response string) *Backend {
	return &Backend{Response: response}
}

func (b *Backend) Generate(ctx context.Context, prompt string, p gateway.Params) (string, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, prompt)
	b.systems = append(b.systems, p.System)
	b.mu.Unlock()

	if err := b.wait(ctx); err != nil {
		return "", err
	}
	if b.GenerateErr != nil {
		return "", b.GenerateErr
	}
	if b.Respond != nil {
		return b.Respond(prompt)
	}
	return b.Response, nil
}

func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	b.embeds++
	b.mu.Unlock()

	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.EmbedErr != nil {
		return nil, b.EmbedErr
	}
	return Embedding(text), nil
}

// Prompts returns a copy of every prompt Generate has seen.
func (b *Backend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

// Systems returns the system prompt passed alongside each generation.
func (b *Backend) Systems() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.systems...)
}

// EmbedCalls returns how many times Embed was invoked.
func (b *Backend) EmbedCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.embeds
}

func (b *Backend) wait(ctx context.Context) error {
	if b.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Embedding returns the deterministic bag-of-words vector for text.
// Tokens are lowercased, stripped of punctuation, and truncated to a short
// prefix before hashing, so inflected forms ("prefer", "prefers") land in
// the same bucket.
func Embedding(text string) []float32 {
	vec := make([]float32, dimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%dimensions]++
	}
	return normalize(vec)
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	toks := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > prefixLen {
			f = f[:prefixLen]
		}
		toks = append(toks, f)
	}
	return toks
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
