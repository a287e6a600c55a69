package chromem

import (
	"context"
	"testing"

	"github.com/stratamem/strata-go-sdk/gateway/mock"
	"github.com/stratamem/strata-go-sdk/memory"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func seed(t *testing.T, s *Store, userID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutResource(ctx, &memory.Resource{ID: "r1", UserID: userID, Content: "chat"}); err != nil {
		t.Fatal(err)
	}
	for _, it := range []struct{ id, content string }{
		{"dark", "user prefers dark mode on all screens"},
		{"tea", "user drinks green tea in the morning"},
	} {
		err := s.PutItem(ctx, &memory.Item{
			ID: it.id, UserID: userID, ResourceID: "r1",
			Content: it.content, Category: "preferences",
			Embedding: mock.Embedding(it.content),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestSearchScopedToUser(t *testing.T) {
	s := newStore(t)
	seed(t, s, "alice")

	hits, err := s.SimilaritySearch(context.Background(), "bob",
		mock.Embedding("dark mode"), memory.LayerItem, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("bob's search returned %d of alice's records", len(hits))
	}
}

func TestSearchRanksBySimilarity(t *testing.T) {
	s := newStore(t)
	seed(t, s, "u")

	hits, err := s.SimilaritySearch(context.Background(), "u",
		mock.Embedding("what screen mode does the user prefer"), memory.LayerItem, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits", len(hits))
	}
	if hits[0].ID() != "dark" {
		t.Errorf("top hit = %s, want dark", hits[0].ID())
	}
}

func TestSupersededItemLeavesSearchIndex(t *testing.T) {
	s := newStore(t)
	seed(t, s, "u")
	ctx := context.Background()

	err := s.PutItem(ctx, &memory.Item{
		ID: "dark2", UserID: "u", ResourceID: "r1",
		Content:    "user prefers dark mode only at night",
		Supersedes: "dark",
		Embedding:  mock.Embedding("user prefers dark mode only at night"),
	})
	if err != nil {
		t.Fatal(err)
	}

	old, err := s.GetItem(ctx, "u", "dark")
	if err != nil {
		t.Fatalf("stale item must stay readable: %v", err)
	}
	if !old.Stale() {
		t.Error("old item not marked stale")
	}

	hits, err := s.SimilaritySearch(ctx, "u", mock.Embedding("dark mode"), memory.LayerItem, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.ID() == "dark" {
			t.Error("stale item still served by search")
		}
	}
}

func TestCategoryUpsertReplacesDocument(t *testing.T) {
	s := newStore(t)
	seed(t, s, "u")
	ctx := context.Background()

	for _, desc := range []string{"v1 about preferences", "v2 user prefers dark ui themes"} {
		err := s.UpsertCategory(ctx, &memory.Category{
			ID: "c1", UserID: "u", Label: "preferences",
			Description: desc,
			ItemIDs:     []string{"dark", "tea"},
			Embedding:   mock.Embedding(desc),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SimilaritySearch(ctx, "u", mock.Embedding("preferences"), memory.LayerCategory, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one category document after replace, got %d", len(hits))
	}
	if got := hits[0].Category.Description; got != "v2 user prefers dark ui themes" {
		t.Errorf("description = %q", got)
	}
}

func TestTopKLargerThanCollection(t *testing.T) {
	s := newStore(t)
	seed(t, s, "u")

	hits, err := s.SimilaritySearch(context.Background(), "u",
		mock.Embedding("tea"), memory.LayerItem, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want all 2", len(hits))
	}
}

func TestEmptyPartition(t *testing.T) {
	s := newStore(t)
	hits, err := s.SimilaritySearch(context.Background(), "nobody",
		mock.Embedding("anything"), memory.LayerItem, 5)
	if err != nil {
		t.Fatal(err)
	}
	if hits != nil {
		t.Errorf("expected no hits, got %v", hits)
	}
}
