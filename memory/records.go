package memory

import (
	"fmt"
	"math"
	"time"
)

// Layer identifies one tier of the hierarchical memory.
type Layer string

const (
	LayerResource Layer = "resource"
	LayerItem     Layer = "item"
	LayerCategory Layer = "category"
)

// Resource is a raw captured unit: a text blob, document, transcript
// segment, or a synthetic interaction-outcome record. Immutable once
// written; append-only.
type Resource struct {
	ID         string
	UserID     string
	Modality   string // "conversation", "document", "interaction-outcome", ...
	Content    string
	Provenance string // source URL or session id
	CreatedAt  time.Time
}

// Item is an atomic extracted fact, preference, or behavior derived from
// one Resource. Items are never deleted: a later Item supersedes an
// earlier one, which only marks it stale.
type Item struct {
	ID         string
	UserID     string
	ResourceID string // weak reference to the source Resource
	Content    string
	Category   string // category hint used for profile routing
	Confidence float64
	Embedding  []float32
	CreatedAt  time.Time

	// Supersedes names an earlier Item this one replaces.
	Supersedes string
	// SupersededBy is set by the store when a later Item supersedes this
	// one. A non-empty value marks the Item stale.
	SupersededBy string
}

// Stale reports whether a later Item has superseded this one.
func (it *Item) Stale() bool {
	return it.SupersededBy != ""
}

// Category is a synthesized high-level profile derived from a set of
// Items. Unlike the lower layers it is mutated in place by recomputation.
type Category struct {
	ID          string
	UserID      string
	Label       string
	Description string
	ItemIDs     []string // weak references to contributing Items
	Confidence  float64
	Embedding   []float32 // embedding of the synthesized description
	// ContentHash fingerprints the contributing Item set; recomputation
	// over an unchanged set is a no-op.
	ContentHash string
	UpdatedAt   time.Time
}

// SearchHit is one similarity-search result. Exactly one of Item or
// Category is set, matching Layer.
type SearchHit struct {
	Layer      Layer
	Similarity float64
	Item       *Item
	Category   *Category
}

// ID returns the hit's record identifier.
func (h SearchHit) ID() string {
	switch h.Layer {
	case LayerItem:
		return h.Item.ID
	case LayerCategory:
		return h.Category.ID
	}
	return ""
}

// CreatedAt returns the hit's record timestamp, used for recency
// tie-breaking.
func (h SearchHit) CreatedAt() time.Time {
	switch h.Layer {
	case LayerItem:
		return h.Item.CreatedAt
	case LayerCategory:
		return h.Category.UpdatedAt
	}
	return time.Time{}
}

// Text returns the hit's display text.
func (h SearchHit) Text() string {
	switch h.Layer {
	case LayerItem:
		return h.Item.Content
	case LayerCategory:
		return fmt.Sprintf("%s: %s", h.Category.Label, h.Category.Description)
	}
	return ""
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
