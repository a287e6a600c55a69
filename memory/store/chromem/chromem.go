// Package chromem implements the memory store on chromem-go, a pure Go
// embedded vector database. Each user gets one collection per layer for
// namespace isolation; an in-process id index provides the point lookups
// and scoped iteration chromem does not offer.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stratamem/strata-go-sdk/memory"
)

// Store implements memory.Store on chromem-go.
type Store struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	users       map[string]*index
}

// index mirrors one user's records for exact lookup and ordered
// iteration. The vector side lives in chromem collections.
type index struct {
	mu sync.RWMutex

	resources     map[string]*memory.Resource
	resourceOrder []string
	items         map[string]*memory.Item
	itemOrder     []string
	categories    map[string]*memory.Category
}

// New creates an in-memory chromem store.
func New() (*Store, error) {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		users:       make(map[string]*index),
	}, nil
}

// NewPersistent creates a chromem store backed by an on-disk database.
func NewPersistent(path string) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Store{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		users:       make(map[string]*index),
	}, nil
}

func (s *Store) indexFor(userID string) *index {
	s.mu.RLock()
	ix, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return ix
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ix, ok := s.users[userID]; ok {
		return ix
	}
	ix = &index{
		resources:  make(map[string]*memory.Resource),
		items:      make(map[string]*memory.Item),
		categories: make(map[string]*memory.Category),
	}
	s.users[userID] = ix
	return ix
}

// collectionFor returns the chromem collection for one user and layer.
func (s *Store) collectionFor(userID string, layer memory.Layer) (*chromem.Collection, error) {
	name := fmt.Sprintf("user_%s_%s", userID, layer)

	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// No embedding func: we always provide embeddings ourselves.
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *Store) PutResource(ctx context.Context, r *memory.Resource) error {
	if r.ID == "" || r.UserID == "" {
		return fmt.Errorf("put resource: id and user id are required")
	}
	ix := s.indexFor(r.UserID)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.resources[r.ID]; exists {
		return fmt.Errorf("put resource: %s already exists (resources are immutable)", r.ID)
	}
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	ix.resources[cp.ID] = &cp
	ix.resourceOrder = append(ix.resourceOrder, cp.ID)
	return nil
}

func (s *Store) GetResource(ctx context.Context, userID, id string) (*memory.Resource, error) {
	ix := s.indexFor(userID)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	r, ok := ix.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListResources(ctx context.Context, userID string) ([]*memory.Resource, error) {
	ix := s.indexFor(userID)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*memory.Resource, 0, len(ix.resourceOrder))
	for _, id := range ix.resourceOrder {
		cp := *ix.resources[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) PutItem(ctx context.Context, it *memory.Item) error {
	if it.ID == "" || it.UserID == "" {
		return fmt.Errorf("put item: id and user id are required")
	}
	ix := s.indexFor(it.UserID)
	ix.mu.Lock()
	if _, ok := ix.resources[it.ResourceID]; !ok {
		ix.mu.Unlock()
		return fmt.Errorf("put item: source resource %s not found", it.ResourceID)
	}
	if _, exists := ix.items[it.ID]; exists {
		ix.mu.Unlock()
		return fmt.Errorf("put item: %s already exists", it.ID)
	}
	var superseded string
	if it.Supersedes != "" {
		prev, ok := ix.items[it.Supersedes]
		if !ok {
			ix.mu.Unlock()
			return fmt.Errorf("put item: superseded item %s not found", it.Supersedes)
		}
		prev.SupersededBy = it.ID
		superseded = prev.ID
	}
	cp := copyItem(it)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	ix.items[cp.ID] = cp
	ix.itemOrder = append(ix.itemOrder, cp.ID)
	ix.mu.Unlock()

	col, err := s.collectionFor(it.UserID, memory.LayerItem)
	if err != nil {
		return err
	}
	if superseded != "" {
		// Stale items stay in the index for auditability but leave the
		// similarity side so they are never served.
		if err := col.Delete(ctx, nil, nil, superseded); err != nil {
			log.Printf("[CHROMEM] failed to unindex superseded item %s: %v", superseded, err)
		}
	}
	if len(cp.Embedding) == 0 {
		return nil
	}
	doc, err := itemDocument(cp)
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add item document: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, userID, id string) (*memory.Item, error) {
	ix := s.indexFor(userID)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	it, ok := ix.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s not found", id)
	}
	return copyItem(it), nil
}

func (s *Store) GetItems(ctx context.Context, userID string, f memory.ItemFilter) ([]*memory.Item, error) {
	ix := s.indexFor(userID)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*memory.Item
	for _, id := range ix.itemOrder {
		it := ix.items[id]
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
	ix := s.indexFor(c.UserID)
	ix.mu.Lock()
	for _, itemID := range c.ItemIDs {
		if _, ok := ix.items[itemID]; !ok {
			ix.mu.Unlock()
			return fmt.Errorf("upsert category %s: contributing item %s not found for user", c.Label, itemID)
		}
	}
	cp := copyCategory(c)
	if prev, ok := ix.categories[c.Label]; ok && cp.ID == "" {
		cp.ID = prev.ID
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	ix.categories[cp.Label] = cp
	ix.mu.Unlock()

	if len(cp.Embedding) == 0 {
		return nil
	}
	col, err := s.collectionFor(c.UserID, memory.LayerCategory)
	if err != nil {
		return err
	}
	// Replace semantics: drop the previous document before re-adding.
	if err := col.Delete(ctx, nil, nil, cp.ID); err != nil {
		log.Printf("[CHROMEM] failed to drop stale category doc %s: %v", cp.ID, err)
	}
	doc, err := categoryDocument(cp)
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add category document: %w", err)
	}
	return nil
}

func (s *Store) GetCategory(ctx context.Context, userID, label string) (*memory.Category, error) {
	ix := s.indexFor(userID)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.categories[label]
	if !ok {
		return nil, fmt.Errorf("category %s not found", label)
	}
	return copyCategory(c), nil
}

func (s *Store) ListCategories(ctx context.Context, userID string) ([]*memory.Category, error) {
	ix := s.indexFor(userID)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*memory.Category, 0, len(ix.categories))
	for _, c := range ix.categories {
		out = append(out, copyCategory(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *Store) SimilaritySearch(ctx context.Context, userID string, embedding []float32, layer memory.Layer, topK int) ([]memory.SearchHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	if layer != memory.LayerItem && layer != memory.LayerCategory {
		return nil, fmt.Errorf("similarity search: unsupported layer %q", layer)
	}
	col, err := s.collectionFor(userID, layer)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= collection size.
	n := topK
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	ix := s.indexFor(userID)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var hits []memory.SearchHit
	for _, result := range results {
		switch layer {
		case memory.LayerItem:
			it, ok := ix.items[result.ID]
			if !ok || it.Stale() {
				continue
			}
			hits = append(hits, memory.SearchHit{
				Layer:      memory.LayerItem,
				Similarity: float64(result.Similarity),
				Item:       copyItem(it),
			})
		case memory.LayerCategory:
			c := categoryByID(ix, result.ID)
			if c == nil {
				continue
			}
			hits = append(hits, memory.SearchHit{
				Layer:      memory.LayerCategory,
				Similarity: float64(result.Similarity),
				Category:   copyCategory(c),
			})
		}
	}

	// chromem orders by similarity; re-sort for the recency tie-break.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].CreatedAt().After(hits[j].CreatedAt())
	})
	return hits, nil
}

func (s *Store) Close() error {
	// chromem keeps everything in memory (the persistent variant flushes
	// on write); nothing to close.
	return nil
}

func categoryByID(ix *index, id string) *memory.Category {
	for _, c := range ix.categories {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// itemDocument serializes an item into a self-contained chromem document.
func itemDocument(it *memory.Item) (chromem.Document, error) {
	content, err := json.Marshal(it)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal item: %w", err)
	}
	return chromem.Document{
		ID:        it.ID,
		Content:   string(content),
		Embedding: it.Embedding,
		Metadata: map[string]string{
			"layer":      string(memory.LayerItem),
			"user_id":    it.UserID,
			"category":   it.Category,
			"created_at": it.CreatedAt.Format(time.RFC3339Nano),
		},
	}, nil
}

func categoryDocument(c *memory.Category) (chromem.Document, error) {
	content, err := json.Marshal(c)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal category: %w", err)
	}
	return chromem.Document{
		ID:        c.ID,
		Content:   string(content),
		Embedding: c.Embedding,
		Metadata: map[string]string{
			"layer":      string(memory.LayerCategory),
			"user_id":    c.UserID,
			"label":      c.Label,
			"updated_at": c.UpdatedAt.Format(time.RFC3339Nano),
		},
	}, nil
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
