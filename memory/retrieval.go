package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/stratamem/strata-go-sdk/config"
)

// Method selects the retrieval strategy.
type Method string

const (
	// MethodRAG returns ranked raw hits from both memory layers.
	MethodRAG Method = "rag"

	// MethodLLM runs MethodRAG and then compresses the hits into a
	// synthesized answer context. Falls back to the raw hits when
	// synthesis fails.
	MethodLLM Method = "llm"
)

// Query is one retrieval request. Queries carries one or more phrasings
// of the same information need; hits are merged across all of them.
type Query struct {
	UserID  string
	Queries []string
	Method  Method

	// TopK overrides the configured item budget when positive.
	TopK int
}

// Result is the outcome of a retrieval.
type Result struct {
	Hits     []SearchHit
	Context  string
	Method   Method
	Degraded bool
}

const retrievalSynthesisPrompt = `Organize the memory entries below into a short context that answers the question. Compress and reorganize only; do not add information that is not in the entries. Keep it under %d characters.

Question: %s

Entries:
%s

Return only the context text.`

// Retriever answers queries from the layered memory store.
type Retriever struct {
	store Store
	gen   Generator
	embed Embedder
	cfg   config.RetrieveConfig
}

// NewRetriever creates a retrieval engine. gen may be nil when only
// MethodRAG is used.
func NewRetriever(store Store, gen Generator, embed Embedder, cfg config.RetrieveConfig) *Retriever {
	if cfg.ItemTopK <= 0 {
		cfg.ItemTopK = config.DefaultItemTopK
	}
	if cfg.CategoryTopK <= 0 {
		cfg.CategoryTopK = config.DefaultCategoryTopK
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = config.DefaultMinSimilarity
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = config.DefaultMaxContextChars
	}
	return &Retriever{store: store, gen: gen, embed: embed, cfg: cfg}
}

// Retrieve runs the query against the item and category layers.
//
// A cancelled context mid-search returns whatever was gathered so far
// with Degraded set, not an error. MethodLLM synthesis failure degrades
// to the MethodRAG result, also with Degraded set.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.UserID == "" {
		return nil, fmt.Errorf("retrieve: user id is required")
	}
	queries := nonEmpty(q.Queries)
	if len(queries) == 0 {
		return nil, fmt.Errorf("retrieve: at least one query is required")
	}
	method := q.Method
	if method == "" {
		method = MethodRAG
	}
	itemTopK := r.cfg.ItemTopK
	if q.TopK > 0 {
		itemTopK = q.TopK
	}

	res := &Result{Method: method}
	best := map[string]SearchHit{}
	for _, query := range queries {
		if ctx.Err() != nil {
			res.Degraded = true
			break
		}
		embedding, err := r.embed.Embed(ctx, query)
		if err != nil {
			log.Printf("[RETRIEVE] embed query failed for user %s: %v", q.UserID, err)
			res.Degraded = true
			continue
		}
		for _, layer := range []struct {
			layer Layer
			topK  int
		}{{LayerItem, itemTopK}, {LayerCategory, r.cfg.CategoryTopK}} {
			hits, err := r.store.SimilaritySearch(ctx, q.UserID, embedding, layer.layer, layer.topK)
			if err != nil {
				log.Printf("[RETRIEVE] %s search failed for user %s: %v", layer.layer, q.UserID, err)
				res.Degraded = true
				continue
			}
			mergeHits(best, hits)
		}
	}

	res.Hits = rankHits(best, r.cfg.MinSimilarity)
	if method == MethodRAG || len(res.Hits) == 0 {
		res.Context = renderHits(res.Hits, r.cfg.MaxContextChars)
		return res, nil
	}

	synthesized, err := r.synthesize(ctx, queries[0], res.Hits)
	if err != nil {
		log.Printf("[RETRIEVE] synthesis failed for user %s, serving raw hits: %v", q.UserID, err)
		res.Degraded = true
		res.Context = renderHits(res.Hits, r.cfg.MaxContextChars)
		return res, nil
	}
	res.Context = synthesized
	return res, nil
}

func (r *Retriever) synthesize(ctx context.Context, question string, hits []SearchHit) (string, error) {
	if r.gen == nil {
		return "", fmt.Errorf("no synthesis model configured")
	}
	out, err := r.gen.Generate(ctx, fmt.Sprintf(retrievalSynthesisPrompt,
		r.cfg.MaxContextChars, question, renderHits(hits, r.cfg.MaxContextChars)))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty synthesis output")
	}
	return truncateRunes(out, r.cfg.MaxContextChars), nil
}

// mergeHits keeps the highest similarity seen per record across queries.
func mergeHits(best map[string]SearchHit, hits []SearchHit) {
	for _, h := range hits {
		prev, ok := best[h.ID()]
		if !ok || h.Similarity > prev.Similarity {
			best[h.ID()] = h
		}
	}
}

// rankHits filters by the similarity floor and orders by similarity,
// breaking ties by recency.
func rankHits(best map[string]SearchHit, minSimilarity float64) []SearchHit {
	hits := make([]SearchHit, 0, len(best))
	for _, h := range best {
		if h.Similarity < minSimilarity {
			continue
		}
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].CreatedAt().After(hits[j].CreatedAt())
	})
	return hits
}

// renderHits flattens hits into a bounded plain-text context block.
func renderHits(hits []SearchHit, maxChars int) string {
	var b strings.Builder
	for _, h := range hits {
		line := fmt.Sprintf("- [%s] %s\n", h.Layer, h.Text())
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
