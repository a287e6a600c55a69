package arena

import (
	"math"
	"testing"
	"time"

	"github.com/stratamem/strata-go-sdk/config"
)

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestSimpleMovingAverageWindow(t *testing.T) {
	s := NewStats(config.SelectorConfig{Averaging: config.AveragingSimple, Window: 2})

	s.Record("a", 0.2, 10*time.Millisecond, false)
	s.Record("a", 0.4, 20*time.Millisecond, false)
	s.Record("a", 0.8, 40*time.Millisecond, true)

	// Window of 2 keeps only the last two observations.
	score, latency := s.Average("a")
	if !approx(score, 0.6) {
		t.Errorf("avg score = %v, want 0.6", score)
	}
	if latency != 30*time.Millisecond {
		t.Errorf("avg latency = %v, want 30ms", latency)
	}
}

func TestExponentialMovingAverage(t *testing.T) {
	s := NewStats(config.SelectorConfig{Averaging: config.AveragingExponential, Alpha: 0.5})

	s.Record("a", 0.4, 10*time.Millisecond, false)
	s.Record("a", 0.8, 30*time.Millisecond, true)

	// First observation seeds; second folds in at alpha 0.5.
	score, latency := s.Average("a")
	if !approx(score, 0.6) {
		t.Errorf("ema score = %v, want 0.6", score)
	}
	if latency != 20*time.Millisecond {
		t.Errorf("ema latency = %v, want 20ms", latency)
	}
}

func TestRoundsAndWinsAccumulate(t *testing.T) {
	s := NewStats(config.SelectorConfig{})
	for i := 0; i < 5; i++ {
		s.Record("a", 0.5, time.Millisecond, i == 0)
		s.Record("b", 0.5, time.Millisecond, i != 0)
	}

	snaps := s.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	if snaps[0].Backend != "a" || snaps[1].Backend != "b" {
		t.Errorf("snapshot order: %v, %v", snaps[0].Backend, snaps[1].Backend)
	}
	if snaps[0].Rounds != 5 || snaps[1].Rounds != 5 {
		t.Errorf("rounds = %d, %d", snaps[0].Rounds, snaps[1].Rounds)
	}
	if snaps[0].Wins+snaps[1].Wins != 5 {
		t.Errorf("total wins = %d, want 5 (one winner per round)", snaps[0].Wins+snaps[1].Wins)
	}
}

func TestRecordUnscoredMovesOnlyTheRoundCounter(t *testing.T) {
	s := NewStats(config.SelectorConfig{})
	s.Record("a", 0.8, 10*time.Millisecond, true)
	s.RecordUnscored("a")

	snap := s.SnapshotOf("a")
	if snap.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", snap.Rounds)
	}
	if snap.Wins != 1 {
		t.Errorf("wins = %d, want 1", snap.Wins)
	}
	if !approx(snap.AvgScore, 0.8) {
		t.Errorf("avg score = %v, want the judged observation only", snap.AvgScore)
	}
}

func TestSnapshotOfUnseenBackend(t *testing.T) {
	s := NewStats(config.SelectorConfig{})
	snap := s.SnapshotOf("ghost")
	if snap.Backend != "ghost" || snap.Rounds != 0 || snap.Wins != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestUnseenBackendReportsZero(t *testing.T) {
	s := NewStats(config.SelectorConfig{})
	score, latency := s.Average("ghost")
	if score != 0 || latency != 0 {
		t.Errorf("got %v, %v", score, latency)
	}
}

func TestReset(t *testing.T) {
	s := NewStats(config.SelectorConfig{})
	s.Record("a", 1, time.Millisecond, true)
	s.Reset()
	if len(s.Snapshot()) != 0 {
		t.Error("reset left records behind")
	}
}
