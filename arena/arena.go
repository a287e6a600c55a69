// Package arena runs competitive generation rounds: the same prompt is
// fanned out to several backends, the answers are judged blind, and a
// selector picks a winner using scores plus the historical performance
// record.
package arena

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/core"
	"github.com/stratamem/strata-go-sdk/gateway"
)

// Request is one competitive generation round.
type Request struct {
	Prompt string
	System string

	// Backends restricts the round to a subset. Empty means every
	// backend the arena was created with.
	Backends []string
}

// Candidate is one backend's entry in a round. Backend identity is
// carried for audit; the judge never receives it.
type Candidate struct {
	Backend string
	Output  string
	Latency time.Duration
	Score   *Scorecard
	Err     error
}

// PerfDelta is one backend's performance record before and after the
// round moved it.
type PerfDelta struct {
	Backend string
	Before  PerfSnapshot
	After   PerfSnapshot
}

// RoundResult is the audited outcome of a round.
type RoundResult struct {
	Winner     *Candidate
	Candidates []*Candidate
	Deltas     []PerfDelta
	Duration   time.Duration
}

// Arena orchestrates fan-out/fan-in rounds over a fixed backend roster.
type Arena struct {
	caller   Caller
	judge    *Judge
	selector *Selector
	stats    *Stats
	backends []string

	roundTimeout time.Duration
	minSuccess   int
}

// New creates an arena. backends is the default roster; stats is shared
// with the selector and kept for the life of the process. Per-call
// deadlines and the transient retry budget belong to the caller (the
// gateway); the arena only bounds the round as a whole.
func New(caller Caller, judge *Judge, stats *Stats, backends []string, cfg config.ArenaConfig) *Arena {
	roundTimeout := time.Duration(cfg.RoundTimeoutSec) * time.Second
	if roundTimeout <= 0 {
		roundTimeout = time.Duration(config.DefaultRoundTimeoutSec) * time.Second
	}
	return &Arena{
		caller:       caller,
		judge:        judge,
		selector:     NewSelector(stats),
		stats:        stats,
		backends:     append([]string(nil), backends...),
		roundTimeout: roundTimeout,
		minSuccess:   cfg.MinSuccess,
	}
}

// Stats exposes the arena's performance tracker.
func (a *Arena) Stats() *Stats {
	return a.stats
}

// Compete runs one round. Generation is isolated per backend: one
// failure never aborts the others. When every backend fails, or every
// successful candidate is dropped from judging, the error is a
// *core.RoundFailure carrying each backend's reason.
func (a *Arena) Compete(ctx context.Context, req Request) (*RoundResult, error) {
	roster := req.Backends
	if len(roster) == 0 {
		roster = a.backends
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("compete: no backends in roster")
	}

	start := time.Now()
	roundCtx, cancel := context.WithTimeout(ctx, a.roundTimeout)
	defer cancel()

	candidates := a.fanOut(roundCtx, cancel, roster, req)

	failures := map[string]error{}
	successes := 0
	for _, c := range candidates {
		if c.Err != nil {
			failures[c.Backend] = c.Err
		} else {
			successes++
		}
	}
	if successes == 0 {
		return nil, &core.RoundFailure{Reasons: failures}
	}

	// Judging runs after the round deadline: a slow judge must not eat
	// into generation time. A judging failure drops that candidate from
	// selection; when every candidate is dropped the round fails.
	judgeCtx, judgeCancel := context.WithTimeout(ctx, a.roundTimeout)
	defer judgeCancel()
	judged := 0
	for _, c := range candidates {
		if c.Err != nil {
			continue
		}
		card, err := a.judge.Score(judgeCtx, req.Prompt, c.Output)
		if err != nil {
			log.Printf("[ARENA] judging %s failed: %v", c.Backend, err)
			failures[c.Backend] = fmt.Errorf("judging: %w", err)
			continue
		}
		c.Score = card
		judged++
	}
	if judged == 0 {
		return nil, &core.RoundFailure{Reasons: failures}
	}

	winner := a.selector.Pick(candidates)
	deltas := make([]PerfDelta, 0, len(candidates))
	for _, c := range candidates {
		if c.Err != nil {
			continue
		}
		before := a.stats.SnapshotOf(c.Backend)
		if c.Score != nil {
			a.stats.Record(c.Backend, c.Score.Aggregate, c.Latency, c == winner)
		} else {
			a.stats.RecordUnscored(c.Backend)
		}
		deltas = append(deltas, PerfDelta{
			Backend: c.Backend,
			Before:  before,
			After:   a.stats.SnapshotOf(c.Backend),
		})
	}

	return &RoundResult{
		Winner:     winner,
		Candidates: candidates,
		Deltas:     deltas,
		Duration:   time.Since(start),
	}, nil
}

// fanOut runs every backend concurrently and waits for all of them or
// the deadline. Each worker sees only the request, never its rivals.
// When MinSuccess is configured, reaching it cancels the stragglers.
func (a *Arena) fanOut(ctx context.Context, cancel context.CancelFunc, roster []string, req Request) []*Candidate {
	candidates := make([]*Candidate, len(roster))
	results := make(chan int, len(roster))

	var wg sync.WaitGroup
	for i, backendID := range roster {
		candidates[i] = &Candidate{Backend: backendID}
		wg.Add(1)
		go func(i int, backendID string) {
			defer wg.Done()
			c := candidates[i]

			// The caller owns the per-attempt deadline and retry budget;
			// wrapping another deadline here would starve the retry.
			callStart := time.Now()
			out, err := a.caller.Generate(ctx, backendID, req.Prompt, gateway.Params{System: req.System})
			c.Latency = time.Since(callStart)
			if err != nil {
				c.Err = err
				results <- i
				return
			}
			c.Output = out
			results <- i
		}(i, backendID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	succeeded := 0
	outstanding := len(roster)
	for outstanding > 0 {
		select {
		case i := <-results:
			outstanding--
			if candidates[i].Err == nil {
				succeeded++
				if a.minSuccess > 0 && succeeded >= a.minSuccess {
					cancel()
				}
			}
		case <-done:
			outstanding = 0
		}
	}
	wg.Wait()

	for _, c := range candidates {
		if c.Err == nil && c.Output == "" {
			c.Err = fmt.Errorf("empty output")
		}
	}
	return candidates
}
