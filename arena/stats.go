package arena

import (
	"sort"
	"sync"
	"time"

	"github.com/stratamem/strata-go-sdk/config"
)

// Stats tracks per-backend performance across arena rounds for the
// lifetime of the process. Records are independent per backend so
// concurrent rounds do not serialize on a global lock.
type Stats struct {
	averaging string
	window    int
	alpha     float64
	tieBreak  []string

	mu       sync.RWMutex
	backends map[string]*backendRecord
}

type backendRecord struct {
	mu sync.Mutex

	rounds int
	wins   int

	// sma state
	scores    []float64
	latencies []time.Duration

	// ema state
	emaScore   float64
	emaLatency time.Duration
	emaSeeded  bool
}

// PerfSnapshot is a point-in-time copy of one backend's record.
type PerfSnapshot struct {
	Backend    string
	Rounds     int
	Wins       int
	AvgScore   float64
	AvgLatency time.Duration
}

// NewStats creates a tracker with the configured averaging rule.
func NewStats(cfg config.SelectorConfig) *Stats {
	averaging := cfg.Averaging
	if averaging == "" {
		averaging = config.AveragingSimple
	}
	window := cfg.Window
	if window <= 0 {
		window = config.DefaultStatsWindow
	}
	alpha := cfg.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = config.DefaultEMAAlpha
	}
	tieBreak := cfg.TieBreak
	if len(tieBreak) == 0 {
		tieBreak = config.DefaultTieBreak
	}
	return &Stats{
		averaging: averaging,
		window:    window,
		alpha:     alpha,
		tieBreak:  append([]string(nil), tieBreak...),
		backends:  map[string]*backendRecord{},
	}
}

func (s *Stats) record(backendID string) *backendRecord {
	s.mu.RLock()
	rec, ok := s.backends[backendID]
	s.mu.RUnlock()
	if ok {
		return rec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.backends[backendID]; ok {
		return rec
	}
	rec = &backendRecord{}
	s.backends[backendID] = rec
	return rec
}

// Record folds one round outcome into a backend's record.
func (s *Stats) Record(backendID string, score float64, latency time.Duration, won bool) {
	rec := s.record(backendID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.rounds++
	if won {
		rec.wins++
	}
	switch s.averaging {
	case config.AveragingExponential:
		if !rec.emaSeeded {
			rec.emaScore = score
			rec.emaLatency = latency
			rec.emaSeeded = true
			return
		}
		rec.emaScore = s.alpha*score + (1-s.alpha)*rec.emaScore
		rec.emaLatency = time.Duration(s.alpha*float64(latency) + (1-s.alpha)*float64(rec.emaLatency))
	default:
		rec.scores = append(rec.scores, score)
		if len(rec.scores) > s.window {
			rec.scores = rec.scores[len(rec.scores)-s.window:]
		}
		rec.latencies = append(rec.latencies, latency)
		if len(rec.latencies) > s.window {
			rec.latencies = rec.latencies[len(rec.latencies)-s.window:]
		}
	}
}

// RecordUnscored counts a round in which the backend produced a
// successful candidate that was never judged. The round counter moves;
// the rolling averages do not.
func (s *Stats) RecordUnscored(backendID string) {
	rec := s.record(backendID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.rounds++
}

// Average returns the rolling average score and latency for a backend.
// An unseen backend reports zeros.
func (s *Stats) Average(backendID string) (score float64, latency time.Duration) {
	s.mu.RLock()
	rec, ok := s.backends[backendID]
	s.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.averagesLocked(s.averaging)
}

func (r *backendRecord) averagesLocked(averaging string) (float64, time.Duration) {
	if averaging == config.AveragingExponential {
		return r.emaScore, r.emaLatency
	}
	if len(r.scores) == 0 {
		return 0, 0
	}
	var scoreSum float64
	for _, v := range r.scores {
		scoreSum += v
	}
	var latencySum time.Duration
	for _, v := range r.latencies {
		latencySum += v
	}
	return scoreSum / float64(len(r.scores)), latencySum / time.Duration(len(r.latencies))
}

// SnapshotOf returns one backend's record. An unseen backend reports a
// zero record.
func (s *Stats) SnapshotOf(backendID string) PerfSnapshot {
	s.mu.RLock()
	rec, ok := s.backends[backendID]
	s.mu.RUnlock()
	if !ok {
		return PerfSnapshot{Backend: backendID}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	avgScore, avgLatency := rec.averagesLocked(s.averaging)
	return PerfSnapshot{
		Backend:    backendID,
		Rounds:     rec.rounds,
		Wins:       rec.wins,
		AvgScore:   avgScore,
		AvgLatency: avgLatency,
	}
}

// Snapshot returns a copy of every backend record, ordered by backend ID.
func (s *Stats) Snapshot() []PerfSnapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.backends))
	for id := range s.backends {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]PerfSnapshot, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		rec := s.backends[id]
		s.mu.RUnlock()
		rec.mu.Lock()
		avgScore, avgLatency := rec.averagesLocked(s.averaging)
		out = append(out, PerfSnapshot{
			Backend:    id,
			Rounds:     rec.rounds,
			Wins:       rec.wins,
			AvgScore:   avgScore,
			AvgLatency: avgLatency,
		})
		rec.mu.Unlock()
	}
	return out
}

// Reset drops all accumulated records.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = map[string]*backendRecord{}
}
