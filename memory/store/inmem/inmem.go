// Package inmem is the ephemeral memory store: per-user partitions held
// in process memory with brute-force cosine similarity search. It exists
// for tests and local development, and to prove the Store contract is
// storage-engine agnostic.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratamem/strata-go-sdk/memory"
)

// Store implements memory.Store with in-process maps.
type Store struct {
	mu    sync.RWMutex
	users map[string]*partition
}

// partition holds one user's records. Each partition has its own lock so
// writers for different users never contend.
type partition struct {
	mu sync.RWMutex

	resources     map[string]*memory.Resource
	resourceOrder []string

	items     map[string]*memory.Item
	itemOrder []string

	categories map[string]*memory.Category // keyed by label
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{users: make(map[string]*partition)}
}

func (s *Store) partitionFor(userID string) *partition {
	s.mu.RLock()
	p, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.users[userID]; ok {
		return p
	}
	p = &partition{
		resources:  make(map[string]*memory.Resource),
		items:      make(map[string]*memory.Item),
		categories: make(map[string]*memory.Category),
	}
	s.users[userID] = p
	return p
}

func (s *Store) PutResource(ctx context.Context, r *memory.Resource) error {
	if r.ID == "" || r.UserID == "" {
		return fmt.Errorf("put resource: id and user id are required")
	}
	p := s.partitionFor(r.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.resources[r.ID]; exists {
		return fmt.Errorf("put resource: %s already exists (resources are immutable)", r.ID)
	}
	cp := copyResource(r)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	p.resources[cp.ID] = cp
	p.resourceOrder = append(p.resourceOrder, cp.ID)
	return nil
}

func (s *Store) GetResource(ctx context.Context, userID, id string) (*memory.Resource, error) {
	p := s.partitionFor(userID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", id)
	}
	return copyResource(r), nil
}

func (s *Store) ListResources(ctx context.Context, userID string) ([]*memory.Resource, error) {
	p := s.partitionFor(userID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*memory.Resource, 0, len(p.resourceOrder))
	for _, id := range p.resourceOrder {
		out = append(out, copyResource(p.resources[id]))
	}
	return out, nil
}

func (s *Store) PutItem(ctx context.Context, it *memory.Item) error {
	if it.ID == "" || it.UserID == "" {
		return fmt.Errorf("put item: id and user id are required")
	}
	p := s.partitionFor(it.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.resources[it.ResourceID]; !ok {
		return fmt.Errorf("put item: source resource %s not found", it.ResourceID)
	}
	if _, exists := p.items[it.ID]; exists {
		return fmt.Errorf("put item: %s already exists", it.ID)
	}
	if it.Supersedes != "" {
		prev, ok := p.items[it.Supersedes]
		if !ok {
			return fmt.Errorf("put item: superseded item %s not found", it.Supersedes)
		}
		prev.SupersededBy = it.ID
	}
	cp := copyItem(it)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	p.items[cp.ID] = cp
	p.itemOrder = append(p.itemOrder, cp.ID)
	return nil
}

func (s *Store) GetItem(ctx context.Context, userID, id string) (*memory.Item, error) {
	p := s.partitionFor(userID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, ok := p.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s not found", id)
	}
	return copyItem(it), nil
}

func (s *Store) GetItems(ctx context.Context, userID string, f memory.ItemFilter) ([]*memory.Item, error) {
	p := s.partitionFor(userID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*memory.Item
	for _, id := range p.itemOrder {
		it := p.items[id]
		if !f.IncludeStale && it.Stale() {
			continue
		}
		if f.Category != "" && it.Category != f.Category {
			continue
		}
		if f.ResourceID != "" && it.ResourceID != f.ResourceID {
			continue
		}
		out = append(out, copyItem(it))
	}
	return out, nil
}

func (s *Store) UpsertCategory(ctx context.Context, c *memory.Category) error {
	if c.UserID == "" || c.Label == "" {
		return fmt.Errorf("upsert category: user id and label are required")
	}
	p := s.partitionFor(c.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, itemID := range c.ItemIDs {
		if _, ok := p.items[itemID]; !ok {
			return fmt.Errorf("upsert category %s: contributing item %s not found for user", c.Label, itemID)
		}
	}
	cp := copyCategory(c)
	if prev, ok := p.categories[c.Label]; ok && cp.ID == "" {
		cp.ID = prev.ID
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	p.categories[cp.Label] = cp
	return nil
}

func (s *Store) GetCategory(ctx context.Context, userID, label string) (*memory.Category, error) {
	p := s.partitionFor(userID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.categories[label]
	if !ok {
		return nil, fmt.Errorf("category %s not found", label)
	}
	return copyCategory(c), nil
}

func (s *Store) ListCategories(ctx context.Context, userID string) ([]*memory.Category, error) {
	p := s.partitionFor(userID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*memory.Category, 0, len(p.categories))
	for _, c := range p.categories {
		out = append(out, copyCategory(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *Store) SimilaritySearch(ctx context.Context, userID string, embedding []float32, layer memory.Layer, topK int) ([]memory.SearchHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	p := s.partitionFor(userID)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var hits []memory.SearchHit
	switch layer {
	case memory.LayerItem:
		for _, id := range p.itemOrder {
			it := p.items[id]
			if it.Stale() || len(it.Embedding) == 0 {
				continue
			}
			hits = append(hits, memory.SearchHit{
				Layer:      memory.LayerItem,
				Similarity: memory.CosineSimilarity(embedding, it.Embedding),
				Item:       copyItem(it),
			})
		}
	case memory.LayerCategory:
		for _, c := range p.categories {
			if len(c.Embedding) == 0 {
				continue
			}
			hits = append(hits, memory.SearchHit{
				Layer:      memory.LayerCategory,
				Similarity: memory.CosineSimilarity(embedding, c.Embedding),
				Category:   copyCategory(c),
			})
		}
	default:
		return nil, fmt.Errorf("similarity search: unsupported layer %q", layer)
	}

	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *Store) Close() error {
	return nil
}

func sortHits(hits []memory.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].CreatedAt().After(hits[j].CreatedAt())
	})
}

func copyResource(r *memory.Resource) *memory.Resource {
	cp := *r
	return &cp
}

func copyItem(it *memory.Item) *memory.Item {
	cp := *it
	cp.Embedding = append([]float32(nil), it.Embedding...)
	return &cp
}

func copyCategory(c *memory.Category) *memory.Category {
	cp := *c
	cp.ItemIDs = append([]string(nil), c.ItemIDs...)
	cp.Embedding = append([]float32(nil), c.Embedding...)
	return &cp
}
