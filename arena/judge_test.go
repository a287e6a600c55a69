package arena

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/gateway"
)

// fakeCaller scripts gateway responses per backend id and records calls.
type fakeCaller struct {
	mu      sync.Mutex
	respond map[string]func(ctx context.Context, prompt string, p gateway.Params) (string, error)
	calls   map[string][]string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		respond: map[string]func(context.Context, string, gateway.Params) (string, error){},
		calls:   map[string][]string{},
	}
}

func (f *fakeCaller) on(backendID string, fn func(context.Context, string, gateway.Params) (string, error)) {
	f.respond[backendID] = fn
}

func (f *fakeCaller) reply(backendID, text string) {
	f.on(backendID, func(context.Context, string, gateway.Params) (string, error) { return text, nil })
}

func (f *fakeCaller) Generate(ctx context.Context, backendID, prompt string, p gateway.Params) (string, error) {
	f.mu.Lock()
	f.calls[backendID] = append(f.calls[backendID], p.System+"\n"+prompt)
	fn := f.respond[backendID]
	f.mu.Unlock()
	if fn == nil {
		return "", errors.New("no script for " + backendID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fn(ctx, prompt, p)
}

func (f *fakeCaller) callsTo(backendID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[backendID]...)
}

func TestJudgeScoresAndAggregatesMean(t *testing.T) {
	caller := newFakeCaller()
	caller.reply("judge", `{"scores":{"accuracy":0.8,"depth":0.6,"clarity":1.0,"relevance":0.6},"rationale":"solid"}`)

	j := NewJudge(caller, config.JudgeConfig{Profile: "judge"})
	card, err := j.Score(context.Background(), "q", "a")
	if err != nil {
		t.Fatal(err)
	}
	if !approx(card.Aggregate, 0.75) {
		t.Errorf("aggregate = %v, want 0.75", card.Aggregate)
	}
	if card.Rationale != "solid" {
		t.Errorf("rationale = %q", card.Rationale)
	}
}

func TestJudgeWeightedAggregation(t *testing.T) {
	caller := newFakeCaller()
	caller.reply("judge", `{"scores":{"accuracy":1.0,"depth":0.0},"rationale":"r"}`)

	j := NewJudge(caller, config.JudgeConfig{
		Profile:     "judge",
		Criteria:    []string{"accuracy", "depth"},
		Aggregation: config.AggregationWeighted,
		Weights:     map[string]float64{"accuracy": 3, "depth": 1},
	})
	card, err := j.Score(context.Background(), "q", "a")
	if err != nil {
		t.Fatal(err)
	}
	if !approx(card.Aggregate, 0.75) {
		t.Errorf("aggregate = %v, want 0.75", card.Aggregate)
	}
}

func TestJudgeClampsAndFillsMissingCriteria(t *testing.T) {
	caller := newFakeCaller()
	caller.reply("judge", `{"scores":{"accuracy":1.7}}`)

	j := NewJudge(caller, config.JudgeConfig{
		Profile:  "judge",
		Criteria: []string{"accuracy", "depth"},
	})
	card, err := j.Score(context.Background(), "q", "a")
	if err != nil {
		t.Fatal(err)
	}
	if card.Criteria["accuracy"] != 1 {
		t.Errorf("accuracy not clamped: %v", card.Criteria["accuracy"])
	}
	if card.Criteria["depth"] != 0 {
		t.Errorf("missing criterion must score zero: %v", card.Criteria["depth"])
	}
	if !approx(card.Aggregate, 0.5) {
		t.Errorf("aggregate = %v", card.Aggregate)
	}
}

func TestJudgeAcceptsFencedReply(t *testing.T) {
	caller := newFakeCaller()
	caller.reply("judge", "```json\n{\"scores\":{\"accuracy\":0.5,\"depth\":0.5,\"clarity\":0.5,\"relevance\":0.5}}\n```")

	j := NewJudge(caller, config.JudgeConfig{Profile: "judge"})
	card, err := j.Score(context.Background(), "q", "a")
	if err != nil {
		t.Fatal(err)
	}
	if !approx(card.Aggregate, 0.5) {
		t.Errorf("aggregate = %v", card.Aggregate)
	}
}

func TestJudgeRejectsGarbage(t *testing.T) {
	caller := newFakeCaller()
	caller.reply("judge", "I think it's pretty good!")

	j := NewJudge(caller, config.JudgeConfig{Profile: "judge"})
	if _, err := j.Score(context.Background(), "q", "a"); err == nil {
		t.Error("expected parse error")
	}
}

func TestJudgePromptCarriesCriteriaNotIdentity(t *testing.T) {
	caller := newFakeCaller()
	caller.reply("judge", `{"scores":{"accuracy":0.5,"depth":0.5,"clarity":0.5,"relevance":0.5}}`)

	j := NewJudge(caller, config.JudgeConfig{Profile: "judge"})
	if _, err := j.Score(context.Background(), "the question", "the answer"); err != nil {
		t.Fatal(err)
	}
	calls := caller.callsTo("judge")
	if len(calls) != 1 {
		t.Fatalf("judge calls = %d", len(calls))
	}
	for _, criterion := range config.DefaultCriteria {
		if !strings.Contains(calls[0], criterion) {
			t.Errorf("judge prompt missing criterion %q", criterion)
		}
	}
	if !strings.Contains(calls[0], "the answer") {
		t.Error("judge prompt missing candidate answer")
	}
}
