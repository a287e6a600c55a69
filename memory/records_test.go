package memory

import (
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors = %v, want 1", got)
	}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("orthogonal vectors = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched lengths = %v, want 0", got)
	}
	if got := CosineSimilarity(nil, nil); got != 0 {
		t.Errorf("empty vectors = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{0, 0, 0}); got != 0 {
		t.Errorf("zero vector = %v, want 0", got)
	}
}

func TestSearchHitAccessors(t *testing.T) {
	ts := time.Now()
	item := SearchHit{Layer: LayerItem, Item: &Item{ID: "i1", Content: "fact", CreatedAt: ts}}
	if item.ID() != "i1" || item.Text() != "fact" || !item.CreatedAt().Equal(ts) {
		t.Errorf("item hit accessors: %v %v %v", item.ID(), item.Text(), item.CreatedAt())
	}

	cat := SearchHit{Layer: LayerCategory, Category: &Category{
		ID: "c1", Label: "preferences", Description: "likes tea", UpdatedAt: ts,
	}}
	if cat.ID() != "c1" || cat.Text() != "preferences: likes tea" {
		t.Errorf("category hit accessors: %v %v", cat.ID(), cat.Text())
	}
}

func TestTruncateRunesKeepsValidUTF8(t *testing.T) {
	if got := truncateRunes("abc", 10); got != "abc" {
		t.Errorf("short input changed: %q", got)
	}
	// "→" is three bytes; a cut at byte 4 lands inside it.
	if got := truncateRunes("ab→", 4); got != "ab" {
		t.Errorf("mid-rune cut = %q, want %q", got, "ab")
	}
	long := strings.Repeat("héllo wörld ", 40)
	got := truncateRunes(long, 100)
	if len(got) > 100 {
		t.Errorf("len = %d, want <= 100", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncation produced invalid UTF-8: %q", got)
	}
}

func TestItemStale(t *testing.T) {
	it := &Item{ID: "a"}
	if it.Stale() {
		t.Error("fresh item reported stale")
	}
	it.SupersededBy = "b"
	if !it.Stale() {
		t.Error("superseded item not stale")
	}
}
