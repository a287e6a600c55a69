package arena

import (
	"errors"
	"testing"
	"time"

	"github.com/stratamem/strata-go-sdk/config"
)

func scored(backend string, aggregate float64) *Candidate {
	return &Candidate{
		Backend: backend,
		Output:  "answer",
		Score:   &Scorecard{Aggregate: aggregate},
	}
}

func TestPickHighestAggregate(t *testing.T) {
	s := NewSelector(NewStats(config.SelectorConfig{}))
	winner := s.Pick([]*Candidate{
		scored("a", 0.5),
		scored("b", 0.9),
		scored("c", 0.7),
	})
	if winner.Backend != "b" {
		t.Errorf("winner = %s", winner.Backend)
	}
}

func TestPickSkipsFailed(t *testing.T) {
	s := NewSelector(NewStats(config.SelectorConfig{}))
	winner := s.Pick([]*Candidate{
		{Backend: "a", Err: errors.New("timeout")},
		scored("b", 0.1),
	})
	if winner.Backend != "b" {
		t.Errorf("winner = %s", winner.Backend)
	}
	if s.Pick([]*Candidate{{Backend: "a", Err: errors.New("down")}}) != nil {
		t.Error("all-failed roster must pick no winner")
	}
}

func TestTieBreakByHistoricalAverage(t *testing.T) {
	stats := NewStats(config.SelectorConfig{})
	stats.Record("steady", 0.9, time.Millisecond, true)
	stats.Record("shaky", 0.2, time.Millisecond, false)

	s := NewSelector(stats)
	winner := s.Pick([]*Candidate{
		scored("shaky", 0.8),
		scored("steady", 0.8),
	})
	if winner.Backend != "steady" {
		t.Errorf("winner = %s, want the historically stronger backend", winner.Backend)
	}
}

func TestTieBreakByRoundLatency(t *testing.T) {
	s := NewSelector(NewStats(config.SelectorConfig{}))
	slow := scored("slow", 0.8)
	slow.Latency = 80 * time.Millisecond
	fast := scored("fast", 0.8)
	fast.Latency = 10 * time.Millisecond

	if winner := s.Pick([]*Candidate{slow, fast}); winner.Backend != "fast" {
		t.Errorf("winner = %s, want the lower-latency candidate", winner.Backend)
	}
}

func TestTieBreakOrderIsConfigurable(t *testing.T) {
	// "steady" carries the better history; "quick" answered faster this
	// round. The configured rule order decides which tie-break wins.
	mkStats := func(order []string) *Stats {
		stats := NewStats(config.SelectorConfig{TieBreak: order})
		stats.Record("steady", 0.9, 50*time.Millisecond, true)
		stats.Record("quick", 0.2, 50*time.Millisecond, false)
		return stats
	}
	candidates := func() []*Candidate {
		steady := scored("steady", 0.8)
		steady.Latency = 40 * time.Millisecond
		quick := scored("quick", 0.8)
		quick.Latency = 5 * time.Millisecond
		return []*Candidate{steady, quick}
	}

	s := NewSelector(mkStats([]string{config.TieBreakHistory, config.TieBreakLatency}))
	if winner := s.Pick(candidates()); winner.Backend != "steady" {
		t.Errorf("history-first winner = %s, want steady", winner.Backend)
	}
	s = NewSelector(mkStats([]string{config.TieBreakLatency, config.TieBreakHistory}))
	if winner := s.Pick(candidates()); winner.Backend != "quick" {
		t.Errorf("latency-first winner = %s, want quick", winner.Backend)
	}
}

func TestTieBreakDeterministicWithoutHistory(t *testing.T) {
	s := NewSelector(NewStats(config.SelectorConfig{}))
	candidates := []*Candidate{
		scored("zeta", 0.8),
		scored("alpha", 0.8),
	}
	for i := 0; i < 3; i++ {
		if winner := s.Pick(candidates); winner.Backend != "alpha" {
			t.Fatalf("run %d: winner = %s, want alpha", i, winner.Backend)
		}
	}
}

func TestUnjudgedCandidateIsNeverPicked(t *testing.T) {
	s := NewSelector(NewStats(config.SelectorConfig{}))
	winner := s.Pick([]*Candidate{
		{Backend: "unjudged", Output: "answer"},
		scored("judged", 0.1),
	})
	if winner.Backend != "judged" {
		t.Errorf("winner = %s", winner.Backend)
	}
	if s.Pick([]*Candidate{{Backend: "unjudged", Output: "answer"}}) != nil {
		t.Error("a roster with no judged candidate must pick no winner")
	}
}
