package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/core"
	"github.com/stratamem/strata-go-sdk/gateway/mock"
	"github.com/stratamem/strata-go-sdk/memory"
	"github.com/stratamem/strata-go-sdk/service"
)

const extractionMarker = "memory extraction engine"

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Profiles = map[string]config.Profile{
		"fast":    {Provider: config.ProviderCustom, Model: "fast-1"},
		"careful": {Provider: config.ProviderCustom, Model: "careful-1"},
		"judge":   {Provider: config.ProviderCustom, Model: "judge-1"},
	}
	cfg.Memory.ExtractionProfile = "fast"
	cfg.Memory.Categories = []config.CategorySeed{
		{Name: "preferences", Description: "what the user likes"},
	}
	cfg.Judge.Profile = "judge"
	cfg.Retrieve.MinSimilarity = 0.1
	return cfg
}

// extractorBackend doubles as extractor and competitor.
func extractorBackend(answer string) *mock.Backend {
	return &mock.Backend{Respond: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, extractionMarker):
			return `{"items":[{"content":"User prefers dark mode","category":"preferences","confidence":0.9}]}`, nil
		case strings.Contains(prompt, "You maintain the profile category"):
			return "User prefers dark interfaces.", nil
		default:
			return answer, nil
		}
	}}
}

func judgeBackend() *mock.Backend {
	return &mock.Backend{Respond: func(prompt string) (string, error) {
		score := 0.3
		if strings.Contains(prompt, "dark") {
			score = 0.9
		}
		return fmt.Sprintf(
			`{"scores":{"accuracy":%v,"depth":%v,"clarity":%v,"relevance":%v},"rationale":"r"}`,
			score, score, score, score), nil
	}}
}

func newService(t *testing.T, cfg *config.Config) *service.Service {
	t.Helper()
	svc, err := service.New(cfg,
		service.WithProvider("fast", extractorBackend("A plain answer.")),
		service.WithProvider("careful", extractorBackend("Use dark mode, as you prefer.")),
		service.WithProvider("judge", judgeBackend()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestMemorizeThenRetrieve(t *testing.T) {
	svc := newService(t, baseConfig())
	ctx := context.Background()

	res, err := svc.Memorize(ctx, service.MemorizeRequest{
		UserID:  "u",
		Content: "User: please use dark mode everywhere.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != memory.StateItemsExtracted || res.ItemCount != 1 {
		t.Fatalf("result = %+v", res)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.WaitIdle(waitCtx); err != nil {
		t.Fatal(err)
	}

	found, err := svc.Retrieve(ctx, memory.Query{
		UserID:  "u",
		Queries: []string{"What mode does the user prefer?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(found.Hits) == 0 {
		t.Fatal("no hits after memorize")
	}
	if !strings.Contains(found.Context, "dark mode") && !strings.Contains(found.Context, "dark interfaces") {
		t.Errorf("context = %q", found.Context)
	}
}

func TestRetrieveIsScopedPerUser(t *testing.T) {
	svc := newService(t, baseConfig())
	ctx := context.Background()

	if _, err := svc.Memorize(ctx, service.MemorizeRequest{
		UserID: "alice", Content: "User: dark mode please.",
	}); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = svc.WaitIdle(waitCtx)

	found, err := svc.Retrieve(ctx, memory.Query{
		UserID:  "bob",
		Queries: []string{"What mode does the user prefer?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(found.Hits) != 0 {
		t.Errorf("bob retrieved %d of alice's memories", len(found.Hits))
	}
}

func TestCompeteEndToEnd(t *testing.T) {
	svc := newService(t, baseConfig())
	ctx := context.Background()

	result, err := svc.Compete(ctx, service.CompeteRequest{Prompt: "How should I set up my editor?"})
	if err != nil {
		t.Fatal(err)
	}
	// The judge favors the dark-mode answer; the judge itself never competes.
	if result.Winner == nil || result.Winner.Backend != "careful" {
		t.Fatalf("winner = %+v", result.Winner)
	}
	for _, c := range result.Candidates {
		if c.Backend == "judge" {
			t.Error("judge profile must not be in the roster")
		}
	}

	snaps := svc.Stats()
	wins := 0
	for _, snap := range snaps {
		if snap.Rounds != 1 {
			t.Errorf("%s rounds = %d", snap.Backend, snap.Rounds)
		}
		wins += snap.Wins
	}
	if wins != 1 {
		t.Errorf("total wins = %d, want 1", wins)
	}

	svc.ResetStats()
	if len(svc.Stats()) != 0 {
		t.Error("stats survived reset")
	}
}

func TestCompeteInjectsMemoryContext(t *testing.T) {
	fast := extractorBackend("plain")
	careful := extractorBackend("Use dark mode, as you prefer.")
	cfg := baseConfig()
	svc, err := service.New(cfg,
		service.WithProvider("fast", fast),
		service.WithProvider("careful", careful),
		service.WithProvider("judge", judgeBackend()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	ctx := context.Background()

	if _, err := svc.Memorize(ctx, service.MemorizeRequest{
		UserID: "u", Content: "User: dark mode please.",
	}); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = svc.WaitIdle(waitCtx)

	if _, err := svc.Compete(ctx, service.CompeteRequest{
		Prompt:    "How should I configure my display preferences?",
		UserID:    "u",
		UseMemory: true,
	}); err != nil {
		t.Fatal(err)
	}

	var sawContext bool
	for _, system := range careful.Systems() {
		if strings.Contains(system, "Known about the user") && strings.Contains(system, "dark") {
			sawContext = true
		}
	}
	if !sawContext {
		t.Fatalf("retrieved memory never reached the candidates: %q", careful.Systems())
	}
}

func TestCompeteRecordsOutcome(t *testing.T) {
	svc := newService(t, baseConfig())
	ctx := context.Background()

	if _, err := svc.Compete(ctx, service.CompeteRequest{
		Prompt:        "Recommend an editor theme.",
		UserID:        "u",
		RecordOutcome: true,
	}); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.WaitIdle(waitCtx); err != nil {
		t.Fatal(err)
	}

	resources, err := svc.Store().ListResources(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	var outcome *memory.Resource
	for _, r := range resources {
		if r.Modality == "interaction-outcome" {
			outcome = r
		}
	}
	if outcome == nil {
		t.Fatal("round outcome not memorized")
	}
	if !strings.HasPrefix(outcome.Provenance, "arena:") {
		t.Errorf("provenance = %q", outcome.Provenance)
	}
	// The feedback text carries the query, the winning backend, every
	// candidate's score, and a timestamp.
	if !strings.Contains(outcome.Content, "Recommend an editor theme.") {
		t.Errorf("content missing the query: %q", outcome.Content)
	}
	if !strings.Contains(outcome.Content, "won by backend careful") {
		t.Errorf("content missing the winning backend: %q", outcome.Content)
	}
	for _, backend := range []string{"fast", "careful"} {
		if !strings.Contains(outcome.Content, "- "+backend+": ") {
			t.Errorf("content missing %s's score: %q", backend, outcome.Content)
		}
	}
	if !strings.Contains(outcome.Content, time.Now().UTC().Format("2006-01-02")) {
		t.Errorf("content missing the round timestamp: %q", outcome.Content)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Storage.Kind = "postgres"
	_, err := service.New(cfg)
	var ce *core.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *core.ConfigError, got %v", err)
	}
}

func TestOperationsRequireProfiles(t *testing.T) {
	cfg := config.Default()
	cfg.Profiles = map[string]config.Profile{
		"only": {Provider: config.ProviderCustom, Model: "m"},
	}
	svc, err := service.New(cfg, service.WithProvider("only", mock.New("x")))
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	if _, err := svc.Memorize(context.Background(), service.MemorizeRequest{UserID: "u", Content: "c"}); err == nil {
		t.Error("memorize must fail without an extraction profile")
	}
	if _, err := svc.Compete(context.Background(), service.CompeteRequest{Prompt: "q"}); err == nil {
		t.Error("compete must fail without a judge profile")
	}
}
