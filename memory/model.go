package memory

import "context"

// Generator produces text from a prompt. The memorization pipeline and
// the retrieval engine only ever need this narrow slice of the model
// gateway; the service layer binds it to a configured backend profile.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder converts text to a vector. Bound to the configured embedding
// profile the same way.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
