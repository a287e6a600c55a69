package arena

import "github.com/stratamem/strata-go-sdk/config"

// Selector picks the winning candidate of a round using judged scores
// and the historical performance record. Only judged candidates are
// eligible: a candidate that failed generation or was dropped from
// judging is never selected.
type Selector struct {
	stats *Stats
}

// NewSelector creates a selector over the shared stats tracker. The
// tie-break order comes from the tracker's configuration.
func NewSelector(stats *Stats) *Selector {
	return &Selector{stats: stats}
}

// Pick returns the winner among the given candidates, or nil when none
// qualifies. Ties in aggregate score are broken by the configured rule
// order, then by backend ID for determinism.
func (s *Selector) Pick(candidates []*Candidate) *Candidate {
	var winner *Candidate
	for _, c := range candidates {
		if c.Err != nil || c.Score == nil {
			continue
		}
		if winner == nil || s.better(c, winner) {
			winner = c
		}
	}
	return winner
}

func (s *Selector) better(a, b *Candidate) bool {
	if a.Score.Aggregate != b.Score.Aggregate {
		return a.Score.Aggregate > b.Score.Aggregate
	}
	for _, rule := range s.stats.tieBreak {
		switch rule {
		case config.TieBreakHistory:
			avgA, _ := s.stats.Average(a.Backend)
			avgB, _ := s.stats.Average(b.Backend)
			if avgA != avgB {
				return avgA > avgB
			}
		case config.TieBreakLatency:
			if a.Latency != b.Latency {
				return a.Latency < b.Latency
			}
		}
	}
	return a.Backend < b.Backend
}
