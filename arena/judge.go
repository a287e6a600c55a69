package arena

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/gateway"
)

// Caller abstracts the model gateway surface the arena needs.
// *gateway.Gateway satisfies it.
type Caller interface {
	Generate(ctx context.Context, backendID, prompt string, p gateway.Params) (string, error)
}

// Scorecard is one candidate's judged outcome.
type Scorecard struct {
	Criteria  map[string]float64 `json:"scores"`
	Rationale string             `json:"rationale"`
	Aggregate float64            `json:"-"`
}

const judgeSystemPrompt = `You are an impartial answer judge. Score the candidate answer on each criterion from 0.0 (worst) to 1.0 (best). You do not know which model produced the answer; score the text alone.

Return a strict JSON object:
{"scores":{%s},"rationale":"one short sentence"}`

const judgePromptTemplate = `Question:
%s

Candidate answer:
%s`

// Judge scores candidate answers against a fixed criterion set. The
// judge never sees which backend produced an answer.
type Judge struct {
	caller      Caller
	profile     string
	criteria    []string
	aggregation string
	weights     map[string]float64
}

// NewJudge creates a judge bound to the configured backend profile.
func NewJudge(caller Caller, cfg config.JudgeConfig) *Judge {
	criteria := cfg.Criteria
	if len(criteria) == 0 {
		criteria = config.DefaultCriteria
	}
	aggregation := cfg.Aggregation
	if aggregation == "" {
		aggregation = config.AggregationMean
	}
	return &Judge{
		caller:      caller,
		profile:     cfg.Profile,
		criteria:    criteria,
		aggregation: aggregation,
		weights:     cfg.Weights,
	}
}

// Criteria returns the criterion set this judge scores against.
func (j *Judge) Criteria() []string {
	return append([]string(nil), j.criteria...)
}

// Score judges one candidate answer. Missing criteria in the reply score
// zero; out-of-range scores are clamped.
func (j *Judge) Score(ctx context.Context, question, answer string) (*Scorecard, error) {
	var keys []string
	for _, c := range j.criteria {
		keys = append(keys, fmt.Sprintf("%q:0.0", c))
	}
	raw, err := j.caller.Generate(ctx, j.profile,
		fmt.Sprintf(judgePromptTemplate, question, answer),
		gateway.Params{System: fmt.Sprintf(judgeSystemPrompt, strings.Join(keys, ","))})
	if err != nil {
		return nil, fmt.Errorf("judge call: %w", err)
	}

	card := &Scorecard{}
	if err := json.Unmarshal([]byte(stripFences(raw)), card); err != nil {
		return nil, fmt.Errorf("parse judge output: %w", err)
	}
	if card.Criteria == nil {
		card.Criteria = map[string]float64{}
	}
	for _, c := range j.criteria {
		card.Criteria[c] = clampScore(card.Criteria[c])
	}
	card.Aggregate = j.aggregate(card.Criteria)
	return card, nil
}

// aggregate folds per-criterion scores into one number. The unweighted
// mean is the default; weighted aggregation normalizes by total weight.
func (j *Judge) aggregate(scores map[string]float64) float64 {
	if len(j.criteria) == 0 {
		return 0
	}
	if j.aggregation == config.AggregationWeighted && len(j.weights) > 0 {
		var sum, total float64
		for _, c := range j.criteria {
			w := j.weights[c]
			sum += w * scores[c]
			total += w
		}
		if total == 0 {
			return 0
		}
		return sum / total
	}
	var sum float64
	for _, c := range j.criteria {
		sum += scores[c]
	}
	return sum / float64(len(j.criteria))
}

func clampScore(v float64) float64 {
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
