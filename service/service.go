// Package service is the top-level binding layer: it builds the model
// gateway, the memory store and pipeline, and the arena from a validated
// configuration and exposes the three operations of the system, which are
// Memorize, Retrieve, and Compete.
package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stratamem/strata-go-sdk/arena"
	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/gateway"
	"github.com/stratamem/strata-go-sdk/memory"
	"github.com/stratamem/strata-go-sdk/memory/store/chromem"
	"github.com/stratamem/strata-go-sdk/memory/store/inmem"
)

// Service wires the subsystems together for one configuration.
type Service struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	store     memory.Store
	pipeline  *memory.Pipeline
	retriever *memory.Retriever
	arena     *arena.Arena

	ownStore bool
	wg       sync.WaitGroup
}

// Option configures service construction.
type Option func(*options)

type options struct {
	store       memory.Store
	gatewayOpts []gateway.Option
}

// WithStore injects a memory store, overriding the configured backend.
func WithStore(s memory.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithProvider injects a gateway provider for a backend id. Required for
// "custom" profiles.
func WithProvider(backendID string, p gateway.Provider) Option {
	return func(o *options) {
		o.gatewayOpts = append(o.gatewayOpts, gateway.WithProvider(backendID, p))
	}
}

// WithoutEmbeddingCache disables the gateway's embedding cache.
func WithoutEmbeddingCache() Option {
	return func(o *options) {
		o.gatewayOpts = append(o.gatewayOpts, gateway.WithoutEmbeddingCache())
	}
}

// New validates the configuration and builds the service.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	gw, err := gateway.New(cfg, o.gatewayOpts...)
	if err != nil {
		return nil, err
	}

	store := o.store
	ownStore := false
	if store == nil {
		store, err = buildStore(cfg.Storage)
		if err != nil {
			gw.Close()
			return nil, err
		}
		ownStore = true
	}

	svc := &Service{
		cfg:      cfg,
		gw:       gw,
		store:    store,
		ownStore: ownStore,
	}

	if cfg.Memory.ExtractionProfile != "" {
		gen := boundGenerator{gw: gw, backendID: cfg.Memory.ExtractionProfile}
		embed := boundEmbedder{gw: gw, backendID: cfg.Memory.EmbeddingProfile}
		svc.pipeline = memory.NewPipeline(store, gen, embed, cfg.Memory.Categories)
		svc.retriever = memory.NewRetriever(store, gen, embed, cfg.Retrieve)
	}

	if cfg.Judge.Profile != "" {
		judge := arena.NewJudge(gw, cfg.Judge)
		stats := arena.NewStats(cfg.Selector)
		svc.arena = arena.New(gw, judge, stats, competitorRoster(cfg), cfg.Arena)
	}

	log.Printf("[SERVICE] ready: %d backends, storage=%s", len(cfg.Profiles), cfg.Storage.Kind)
	return svc, nil
}

// buildStore constructs the configured memory store backend.
func buildStore(cfg config.StorageConfig) (memory.Store, error) {
	switch cfg.Kind {
	case config.StorageInMemory:
		return inmem.New(), nil
	case config.StorageChromem:
		if cfg.Path != "" {
			return chromem.NewPersistent(cfg.Path)
		}
		return chromem.New()
	default:
		return nil, fmt.Errorf("unrecognized storage kind %q", cfg.Kind)
	}
}

// competitorRoster is every generation-capable profile minus the judge.
// The judge must not compete in rounds it scores.
func competitorRoster(cfg *config.Config) []string {
	var roster []string
	for id, p := range cfg.Profiles {
		if id == cfg.Judge.Profile || p.Model == "" {
			continue
		}
		roster = append(roster, id)
	}
	return roster
}

// Gateway exposes the underlying model gateway.
func (s *Service) Gateway() *gateway.Gateway {
	return s.gw
}

// Store exposes the underlying memory store.
func (s *Service) Store() memory.Store {
	return s.store
}

// Close flushes background work and releases resources. The store is
// closed only when the service created it.
func (s *Service) Close() error {
	s.wg.Wait()
	if s.pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.pipeline.WaitIdle(ctx); err != nil {
			log.Printf("[SERVICE] close: category recompute still running: %v", err)
		}
	}
	s.gw.Close()
	if s.ownStore {
		return s.store.Close()
	}
	return nil
}
