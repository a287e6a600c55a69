package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stratamem/strata-go-sdk/arena"
	"github.com/stratamem/strata-go-sdk/gateway"
	"github.com/stratamem/strata-go-sdk/memory"
)

const closeTimeout = 30 * time.Second

// MemorizeRequest is one unit of raw input to memorize for a user.
type MemorizeRequest struct {
	UserID     string
	Modality   string
	Content    string
	Provenance string
}

// Memorize ingests one unit through the memorization pipeline. The call
// returns once the item layer is updated; category synthesis completes in
// the background.
func (s *Service) Memorize(ctx context.Context, req MemorizeRequest) (*memory.IngestionResult, error) {
	if s.pipeline == nil {
		return nil, fmt.Errorf("memorize: no extraction profile configured")
	}
	if req.Modality == "" {
		req.Modality = "conversation"
	}
	return s.pipeline.Ingest(ctx, memory.IngestRequest{
		UserID:     req.UserID,
		Modality:   req.Modality,
		Content:    req.Content,
		Provenance: req.Provenance,
	})
}

// Retrieve answers a query from the user's memory.
func (s *Service) Retrieve(ctx context.Context, q memory.Query) (*memory.Result, error) {
	if s.retriever == nil {
		return nil, fmt.Errorf("retrieve: no extraction profile configured")
	}
	return s.retriever.Retrieve(ctx, q)
}

// RetryPending reprocesses ingestion units whose extraction failed.
func (s *Service) RetryPending(ctx context.Context) (int, error) {
	if s.pipeline == nil {
		return 0, nil
	}
	return s.pipeline.RetryPending(ctx)
}

// WaitIdle blocks until background category synthesis has drained.
func (s *Service) WaitIdle(ctx context.Context) error {
	s.wg.Wait()
	if s.pipeline == nil {
		return nil
	}
	return s.pipeline.WaitIdle(ctx)
}

// CompeteRequest is one competitive generation round.
type CompeteRequest struct {
	Prompt string
	System string

	// Backends restricts the round to a subset of the roster.
	Backends []string

	// UserID, when set with UseMemory, injects the user's retrieved
	// memory context into every candidate's system prompt.
	UserID    string
	UseMemory bool

	// RecordOutcome memorizes the round outcome for the user as an
	// "interaction-outcome" unit, feeding selection history back into
	// memory. Requires UserID.
	RecordOutcome bool
}

// Compete runs one arena round and updates the performance record.
func (s *Service) Compete(ctx context.Context, req CompeteRequest) (*arena.RoundResult, error) {
	if s.arena == nil {
		return nil, fmt.Errorf("compete: no judge profile configured")
	}

	system := req.System
	if req.UseMemory && req.UserID != "" && s.retriever != nil {
		res, err := s.retriever.Retrieve(ctx, memory.Query{
			UserID:  req.UserID,
			Queries: []string{req.Prompt},
			Method:  memory.MethodRAG,
		})
		if err != nil {
			log.Printf("[SERVICE] memory context unavailable for round: %v", err)
		} else if res.Context != "" {
			system = joinSystem(system, "Known about the user:\n"+res.Context)
		}
	}

	result, err := s.arena.Compete(ctx, arena.Request{
		Prompt:   req.Prompt,
		System:   system,
		Backends: req.Backends,
	})
	if err != nil {
		return nil, err
	}

	if req.RecordOutcome && req.UserID != "" && s.pipeline != nil && result.Winner != nil {
		s.recordOutcome(req.UserID, req.Prompt, result)
	}
	return result, nil
}

// outcomeSummary flattens a round result into the feedback text that is
// memorized: query, winning backend and response, every candidate's
// score, and the round timestamp.
func outcomeSummary(prompt string, result *arena.RoundResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "At %s, the question %q was won by backend %s with the answer: %s\n",
		time.Now().UTC().Format(time.RFC3339), prompt, result.Winner.Backend, result.Winner.Output)
	b.WriteString("Candidate scores:\n")
	for _, c := range result.Candidates {
		switch {
		case c.Err != nil:
			fmt.Fprintf(&b, "- %s: failed (%v)\n", c.Backend, c.Err)
		case c.Score == nil:
			fmt.Fprintf(&b, "- %s: not judged\n", c.Backend)
		default:
			fmt.Fprintf(&b, "- %s: %.2f\n", c.Backend, c.Score.Aggregate)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// recordOutcome memorizes a round result asynchronously so the caller is
// never blocked on the pipeline.
func (s *Service) recordOutcome(userID, prompt string, result *arena.RoundResult) {
	winner := result.Winner
	summary := outcomeSummary(prompt, result)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if _, err := s.pipeline.Ingest(ctx, memory.IngestRequest{
			UserID:     userID,
			Modality:   "interaction-outcome",
			Content:    summary,
			Provenance: "arena:" + winner.Backend,
		}); err != nil {
			log.Printf("[SERVICE] outcome memorization failed for user %s: %v", userID, err)
		}
	}()
}

// Stats returns the arena's per-backend performance snapshot.
func (s *Service) Stats() []arena.PerfSnapshot {
	if s.arena == nil {
		return nil
	}
	return s.arena.Stats().Snapshot()
}

// ResetStats clears the arena's performance record.
func (s *Service) ResetStats() {
	if s.arena != nil {
		s.arena.Stats().Reset()
	}
}

func joinSystem(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// boundGenerator adapts one gateway backend to the pipeline's Generator.
type boundGenerator struct {
	gw        *gateway.Gateway
	backendID string
}

func (b boundGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return b.gw.Generate(ctx, b.backendID, prompt, gateway.Params{})
}

// boundEmbedder adapts one gateway backend to the pipeline's Embedder.
type boundEmbedder struct {
	gw        *gateway.Gateway
	backendID string
}

func (b boundEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.gw.Embed(ctx, b.backendID, text)
}
