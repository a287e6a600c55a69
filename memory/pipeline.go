package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/core"
)

// IngestState is the memorization pipeline state for one ingested unit.
type IngestState string

const (
	StateReceived          IngestState = "RECEIVED"
	StateResourceStored    IngestState = "RESOURCE_STORED"
	StateItemsExtracted    IngestState = "ITEMS_EXTRACTED"
	StateCategoriesUpdated IngestState = "CATEGORIES_UPDATED"
	StateDone              IngestState = "DONE"
	StateFailed            IngestState = "FAILED"
)

// IngestRequest is one unit of raw input to memorize.
type IngestRequest struct {
	UserID     string
	Modality   string // "conversation", "document", "event", "interaction-outcome"
	Content    string
	Provenance string
}

// IngestionResult reports the pipeline's terminal or in-progress state.
type IngestionResult struct {
	State      IngestState
	ResourceID string
	ItemCount  int

	// PendingRetry is set when extraction failed: the resource is stored
	// and marked for reprocessing, not discarded.
	PendingRetry bool
}

const extractionPromptTemplate = `You are a memory extraction engine. Extract durable facts, preferences, and behaviors about the user from the input below.

Rules:
1. Extract only explicit facts, no speculation.
2. Keep each extracted item concise and independent.
3. Assign each item one category from the list below, or propose a new short snake_case category when none fits.
4. confidence must be in [0.0, 1.0].

Known categories:
%s

Return a strict JSON object:
{"items":[{"content":"...","category":"...","confidence":0.9}]}

Input (modality: %s):
%s`

const synthesisPromptTemplate = `You maintain the profile category %q: %s

Rewrite the profile description from the entries below. Compress and reorganize only; do not invent anything that is not in the entries. Keep it under %d characters.

Entries:
%s

Return only the description text.`

// extractionOutput is the expected shape of the extraction model's reply.
type extractionOutput struct {
	Items []struct {
		Content    string  `json:"content"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	} `json:"items"`
}

// Pipeline is the memorization pipeline: raw input -> Resource -> Items ->
// (asynchronously) Categories.
type Pipeline struct {
	store Store
	gen   Generator
	embed Embedder
	seeds []config.CategorySeed

	asyncTimeout time.Duration

	mu      sync.Mutex
	pending []pendingUnit
	wg      sync.WaitGroup
}

type pendingUnit struct {
	UserID     string
	ResourceID string
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithAsyncTimeout bounds detached category recomputation.
func WithAsyncTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.asyncTimeout = d
	}
}

// NewPipeline creates a memorization pipeline over the given store and
// models. seeds configures the starting category layer.
func NewPipeline(store Store, gen Generator, embed Embedder, seeds []config.CategorySeed, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:        store,
		gen:          gen,
		embed:        embed,
		seeds:        seeds,
		asyncTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest runs one unit through the pipeline.
//
// A store failure while writing the Resource is fatal for the unit and
// surfaces as a *core.IngestionError. An extraction failure degrades: the
// unit stays at RESOURCE_STORED, is marked for retry, and no error is
// returned. Category recomputation runs detached; the returned state is
// ITEMS_EXTRACTED and the category layer catches up eventually.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestionResult, error) {
	res := &IngestionResult{State: StateReceived}
	if req.UserID == "" || strings.TrimSpace(req.Content) == "" {
		res.State = StateFailed
		return res, fmt.Errorf("ingest: user id and content are required")
	}

	resource := &Resource{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Modality:   req.Modality,
		Content:    req.Content,
		Provenance: req.Provenance,
		CreatedAt:  time.Now(),
	}
	if err := p.store.PutResource(ctx, resource); err != nil {
		res.State = StateFailed
		return res, &core.IngestionError{UserID: req.UserID, Err: err}
	}
	res.State = StateResourceStored
	res.ResourceID = resource.ID

	stored, hints, err := p.extractAndStore(ctx, resource)
	if err != nil {
		log.Printf("[MEMORY] extraction failed for resource %s, marked for retry: %v", resource.ID, err)
		p.markPending(req.UserID, resource.ID)
		res.PendingRetry = true
		return res, nil
	}
	res.State = StateItemsExtracted
	res.ItemCount = stored

	if stored == 0 {
		res.State = StateDone
		return res, nil
	}

	p.recomputeDetached(req.UserID, hints)
	return res, nil
}

// extractAndStore asks the extraction model for items, embeds them, and
// appends them to the item layer. Returns the stored count and the
// touched category hints. Items already stored for the resource by an
// earlier partially-failed pass are not stored again.
func (p *Pipeline) extractAndStore(ctx context.Context, resource *Resource) (int, []string, error) {
	raw, err := p.gen.Generate(ctx, fmt.Sprintf(extractionPromptTemplate,
		p.categoryList(), resource.Modality, resource.Content))
	if err != nil {
		return 0, nil, fmt.Errorf("extract items: %w", err)
	}

	var out extractionOutput
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return 0, nil, fmt.Errorf("parse extraction output: %w", err)
	}

	existing, err := p.store.GetItems(ctx, resource.UserID, ItemFilter{ResourceID: resource.ID, IncludeStale: true})
	if err != nil {
		return 0, nil, fmt.Errorf("check stored items: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	hintSet := map[string]bool{}
	for _, it := range existing {
		seen[it.Content] = true
		if it.Category != "" {
			hintSet[it.Category] = true
		}
	}

	stored := 0
	for i, cand := range out.Items {
		content := strings.TrimSpace(cand.Content)
		if content == "" || seen[content] {
			continue
		}
		seen[content] = true
		embedding, err := p.embed.Embed(ctx, content)
		if err != nil {
			return stored, nil, fmt.Errorf("embed item #%d: %w", i+1, err)
		}
		item := &Item{
			ID:         uuid.New().String(),
			UserID:     resource.UserID,
			ResourceID: resource.ID,
			Content:    content,
			Category:   strings.TrimSpace(cand.Category),
			Confidence: clamp01(cand.Confidence),
			Embedding:  embedding,
			CreatedAt:  time.Now(),
		}
		if err := p.store.PutItem(ctx, item); err != nil {
			return stored, nil, fmt.Errorf("store item #%d: %w", i+1, err)
		}
		stored++
		if item.Category != "" {
			hintSet[item.Category] = true
		}
	}

	hints := make([]string, 0, len(hintSet))
	for h := range hintSet {
		hints = append(hints, h)
	}
	sort.Strings(hints)
	log.Printf("[MEMORY] stored %d items from resource %s (categories: %v)", stored, resource.ID, hints)
	return stored, hints, nil
}

// recomputeDetached schedules category recomputation without blocking the
// ingestion caller. Failures are logged, never propagated: the category
// layer is eventually consistent with the item layer.
func (p *Pipeline) recomputeDetached(userID string, hints []string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.asyncTimeout)
		defer cancel()
		if err := p.recompute(ctx, userID, hints); err != nil {
			log.Printf("[MEMORY] detached category recompute for user %s failed: %v", userID, err)
		}
	}()
}

// RecomputeCategories recomputes every category for the user from the
// current non-stale item set. Safe to re-run: an unchanged contributing
// set leaves the category untouched.
func (p *Pipeline) RecomputeCategories(ctx context.Context, userID string) error {
	return p.recompute(ctx, userID, nil)
}

// recompute rebuilds the categories named by hints, or all touched
// categories when hints is nil.
func (p *Pipeline) recompute(ctx context.Context, userID string, hints []string) error {
	items, err := p.store.GetItems(ctx, userID, ItemFilter{})
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	byLabel := map[string][]*Item{}
	for _, it := range items {
		if it.Category == "" {
			continue
		}
		byLabel[it.Category] = append(byLabel[it.Category], it)
	}

	labels := hints
	if labels == nil {
		for label := range byLabel {
			labels = append(labels, label)
		}
		sort.Strings(labels)
	}

	var firstErr error
	for _, label := range labels {
		members := byLabel[label]
		if len(members) == 0 {
			continue
		}
		if err := p.recomputeOne(ctx, userID, label, members); err != nil {
			log.Printf("[MEMORY] recompute category %s for user %s: %v", label, userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// recomputeOne synthesizes one category from its contributing items and
// upserts it. Idempotent: if the contributing set is unchanged since the
// last run, the stored description and confidence stay untouched.
func (p *Pipeline) recomputeOne(ctx context.Context, userID, label string, members []*Item) error {
	ids := make([]string, 0, len(members))
	for _, it := range members {
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)
	sig := contributionHash(ids)

	existing, err := p.store.GetCategory(ctx, userID, label)
	if err == nil && existing.ContentHash == sig && existing.Description != "" {
		return nil
	}

	seed := p.seedFor(label)
	var lines []string
	confidence := 0.0
	for _, it := range members {
		lines = append(lines, "- "+it.Content)
		confidence += it.Confidence
	}
	confidence /= float64(len(members))

	description, genErr := p.gen.Generate(ctx, fmt.Sprintf(synthesisPromptTemplate,
		label, seed.Description, seed.TargetLength, strings.Join(lines, "\n")))
	if genErr != nil {
		// The previous description, if any, stays intact.
		return fmt.Errorf("synthesize description: %w", genErr)
	}
	description = truncateRunes(strings.TrimSpace(description), seed.TargetLength)

	embedding, err := p.embed.Embed(ctx, description)
	if err != nil {
		return fmt.Errorf("embed description: %w", err)
	}

	cat := &Category{
		UserID:      userID,
		Label:       label,
		Description: description,
		ItemIDs:     ids,
		Confidence:  confidence,
		ContentHash: sig,
		Embedding:   embedding,
		UpdatedAt:   time.Now(),
	}
	if existing != nil {
		cat.ID = existing.ID
	}
	if cat.ID == "" {
		cat.ID = uuid.New().String()
	}
	if err := p.store.UpsertCategory(ctx, cat); err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}
	return nil
}

// RetryPending reprocesses units whose extraction previously failed.
// Returns how many units completed extraction this pass.
func (p *Pipeline) RetryPending(ctx context.Context) (int, error) {
	p.mu.Lock()
	units := p.pending
	p.pending = nil
	p.mu.Unlock()

	done := 0
	for _, unit := range units {
		resource, err := p.store.GetResource(ctx, unit.UserID, unit.ResourceID)
		if err != nil {
			log.Printf("[MEMORY] retry: resource %s gone: %v", unit.ResourceID, err)
			continue
		}
		stored, hints, err := p.extractAndStore(ctx, resource)
		if err != nil {
			log.Printf("[MEMORY] retry: extraction still failing for %s: %v", unit.ResourceID, err)
			p.markPending(unit.UserID, unit.ResourceID)
			continue
		}
		done++
		if stored > 0 {
			p.recomputeDetached(unit.UserID, hints)
		}
	}
	return done, nil
}

// PendingCount returns how many units await extraction retry.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// WaitIdle blocks until all detached category recomputation scheduled so
// far has finished, or ctx ends. Tests use this to bound the eventual
// consistency window.
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Pipeline) markPending(userID, resourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, pendingUnit{UserID: userID, ResourceID: resourceID})
}

func (p *Pipeline) categoryList() string {
	if len(p.seeds) == 0 {
		return "- (none configured; propose snake_case categories)"
	}
	var lines []string
	for _, seed := range p.seeds {
		lines = append(lines, fmt.Sprintf("- %s: %s", seed.Name, seed.Description))
	}
	return strings.Join(lines, "\n")
}

// seedFor returns the configured seed for a label, or a default for
// categories that emerged from extraction hints.
func (p *Pipeline) seedFor(label string) config.CategorySeed {
	for _, seed := range p.seeds {
		if seed.Name == label {
			if seed.TargetLength <= 0 {
				seed.TargetLength = 400
			}
			return seed
		}
	}
	return config.CategorySeed{
		Name:         label,
		Description:  "facts and patterns grouped under " + label,
		TargetLength: 400,
	}
}

func contributionHash(sortedIDs []string) string {
	h := fnv.New64a()
	for _, id := range sortedIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// truncateRunes shortens s to at most max bytes without splitting a
// multi-byte rune.
func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stripFences removes a markdown code fence around a model reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
