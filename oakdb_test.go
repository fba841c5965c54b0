package oakdb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"oakdb/internal/embed"
)

func openTestOak(t *testing.T) *Oak {
	t.Helper()
	dir := t.TempDir()
	oak, err := Open(filepath.Join(dir, "oak.db"), embed.NewStub(8))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { oak.Close() })
	return oak
}

func mustBase(t *testing.T, oak *Oak, name string) *Base {
	t.Helper()
	b, err := oak.Base(name)
	if err != nil {
		t.Fatalf("Base(%q): %v", name, err)
	}
	return b
}

func TestBaseMemoization(t *testing.T) {
	oak := openTestOak(t)
	b1 := mustBase(t, oak, "widgets")
	b2 := mustBase(t, oak, "widgets")
	if b1 != b2 {
		t.Fatal("expected the same Base instance to be returned for a repeat name")
	}
}

func TestInvalidBaseName(t *testing.T) {
	oak := openTestOak(t)
	if _, err := oak.Base("not a valid name"); err == nil {
		t.Fatal("expected error for a base name with spaces")
	}
}

func TestCRUDRoundTrip(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "people")
	ctx := context.Background()

	resp := base.Add(ctx, map[string]any{"name": "John", "age": float64(30)}, "", false)
	if err := resp.Err(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if resp.Key == "" {
		t.Fatal("expected a generated key")
	}

	got := base.Get(ctx, resp.Key)
	if err := got.Err(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := json.Marshal(got.Data)
	want, _ := json.Marshal(map[string]any{"name": "John", "age": float64(30)})
	if string(data) != string(want) {
		t.Fatalf("round-trip mismatch: got %s, want %s", data, want)
	}

	del := base.Delete(ctx, resp.Key)
	if err := del.Err(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !del.Deleted {
		t.Fatal("expected deleted=true")
	}

	after := base.Get(ctx, resp.Key)
	if after.Error != "Key not found" {
		t.Fatalf("expected 'Key not found', got %q", after.Error)
	}
}

func TestOverridePreservesCreatedTimestamp(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "counters")
	ctx := context.Background()

	resp := base.Add(ctx, map[string]any{"x": float64(1)}, "k", false)
	if err := resp.Err(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	first := base.Get(ctx, "k")
	t0 := first.Created

	time.Sleep(1100 * time.Millisecond) // unix-second resolution: cross a tick boundary

	resp = base.Add(ctx, map[string]any{"x": float64(2)}, "k", true)
	if err := resp.Err(); err != nil {
		t.Fatalf("Add (override): %v", err)
	}
	second := base.Get(ctx, "k")
	if second.Created != t0 {
		t.Fatalf("expected created to be preserved: %d != %d", second.Created, t0)
	}
	if second.Updated <= t0 {
		t.Fatalf("expected updated to advance past created: %d <= %d", second.Updated, t0)
	}
}

func TestAddWithExistingKeyWithoutOverrideErrors(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "people")
	ctx := context.Background()

	resp := base.Add(ctx, map[string]any{"v": float64(1)}, "dup", false)
	if err := resp.Err(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	resp = base.Add(ctx, map[string]any{"v": float64(2)}, "dup", false)
	if resp.Err() == nil {
		t.Fatal("expected an error adding a duplicate key without override")
	}
}

func TestAddsGeneratesUniqueKeys(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "batch")
	ctx := context.Background()

	items := []any{
		map[string]any{"n": float64(1)},
		map[string]any{"n": float64(2)},
		map[string]any{"n": float64(3)},
	}
	resp := base.Adds(ctx, items, false)
	if err := resp.Err(); err != nil {
		t.Fatalf("Adds: %v", err)
	}
	if len(resp.Keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(resp.Keys))
	}
	seen := map[string]bool{}
	for _, k := range resp.Keys {
		if seen[k] {
			t.Fatalf("expected unique keys, got duplicate %q", k)
		}
		seen[k] = true
	}
}

func seedAges(t *testing.T, base *Base, ages []int) {
	t.Helper()
	ctx := context.Background()
	for _, age := range ages {
		resp := base.Add(ctx, map[string]any{"age": float64(age)}, "", false)
		if err := resp.Err(); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
}

func TestFetchFilterOperators(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "people")
	ctx := context.Background()
	seedAges(t, base, []int{25, 30, 35, 40, 45})

	resp := base.Fetch(ctx, FetchOptions{Filters: map[string]any{"age__gt": float64(35)}})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("expected 2 matches for age__gt 35, got %d", resp.Total)
	}

	resp = base.Fetch(ctx, FetchOptions{Filters: map[string]any{"age__range": []any{float64(30), float64(40)}}})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Total != 3 {
		t.Fatalf("expected 3 matches for age range [30,40], got %d", resp.Total)
	}
}

func TestFetchOrGroupDecomposition(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "mixed")
	ctx := context.Background()

	for _, d := range []map[string]any{
		{"age": float64(30)},
		{"height": float64(1.7)},
		{"age": float64(99)},
	} {
		resp := base.Add(ctx, d, "", false)
		if err := resp.Err(); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	resp := base.Fetch(ctx, FetchOptions{Filters: []map[string]any{
		{"age": float64(30)},
		{"height": float64(1.7)},
	}})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("expected 2 matches across the OR group, got %d", resp.Total)
	}
}

func TestFetchNestedPaths(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "users")
	ctx := context.Background()

	base.Add(ctx, map[string]any{"user": map[string]any{"name": "John"}}, "", false)
	base.Add(ctx, map[string]any{"user": map[string]any{"name": "Jane"}}, "", false)

	resp := base.Fetch(ctx, FetchOptions{Filters: map[string]any{"user.name": "John"}})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("expected 1 match for user.name=John, got %d", resp.Total)
	}

	resp = base.Fetch(ctx, FetchOptions{Filters: map[string]any{"user.name__contains": "Jo"}})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("expected 1 match for user.name contains Jo, got %d", resp.Total)
	}
}

func TestFetchPaginationBeyondAvailableData(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "people")
	ctx := context.Background()
	seedAges(t, base, []int{1, 2, 3})

	resp := base.Fetch(ctx, FetchOptions{Limit: 1, Page: 1})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Pages != 3 || resp.Total != 3 {
		t.Fatalf("unexpected pagination metadata: %+v", resp)
	}

	resp = base.Fetch(ctx, FetchOptions{Limit: 1, Page: 99})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(resp.Items) != 0 {
		t.Fatalf("expected no items for a page beyond the data, got %d", len(resp.Items))
	}
	if resp.Pages != 3 || resp.Total != 3 {
		t.Fatalf("expected accurate pagination metadata even past the end, got %+v", resp)
	}
}

func TestFetchLimitAndPageClampToOne(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "people")
	ctx := context.Background()
	seedAges(t, base, []int{1, 2})

	resp := base.Fetch(ctx, FetchOptions{Limit: -5, Page: -1})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Limit != 1 {
		t.Fatalf("expected negative limit clamped to 1, got %d", resp.Limit)
	}
	if resp.Page != 1 {
		t.Fatalf("expected page clamped to 1, got %d", resp.Page)
	}

	resp = base.Fetch(ctx, FetchOptions{})
	if err := resp.Err(); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Limit != defaultFetchLimit {
		t.Fatalf("expected zero limit to fall back to the default, got %d", resp.Limit)
	}
}

func TestSearchRequiresEnabling(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "notes")
	ctx := context.Background()
	resp := base.Search(ctx, "hello", SearchOptions{})
	if resp.Error != "search is not enabled" {
		t.Fatalf("expected search-not-enabled error, got %q", resp.Error)
	}
}

func TestSearchLexicalQueryWithFilter(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "notes")
	ctx := context.Background()
	if _, err := base.EnableSearch(ctx); err != nil {
		t.Fatalf("EnableSearch: %v", err)
	}

	base.Add(ctx, map[string]any{"name": "John Joe", "age": float64(50)}, "", false)
	base.Add(ctx, map[string]any{"name": "Bob Lee", "age": float64(20)}, "", false)
	base.Add(ctx, map[string]any{"name": "Charlie Leemon", "age": float64(45)}, "", false)

	resp := base.Search(ctx, "lee*", SearchOptions{
		Filters: map[string]any{"age__gt": float64(42)},
		Order:   "rank__asc",
	})
	if err := resp.Err(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected exactly one match, got %d: %+v", len(resp.Items), resp.Items)
	}
}

func TestSimilarRequiresEnabling(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "docs")
	ctx := context.Background()
	resp := base.Similar(ctx, "query", SimilarOptions{})
	if resp.Error != "vector search is not enabled" {
		t.Fatalf("expected vector-not-enabled error, got %q", resp.Error)
	}
}

func TestSimilarWithScoreFilter(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "docs")
	ctx := context.Background()
	if _, err := base.EnableVector(ctx, ""); err != nil {
		t.Fatalf("EnableVector: %v", err)
	}

	// With vector search enabled, Add embeds the document body itself; no
	// explicit embedding step is needed.
	for i := 0; i < 10; i++ {
		score := float64(25 + i*5)
		resp := base.Add(ctx, map[string]any{"text": "ai research note", "score": score}, "", false)
		if err := resp.Err(); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	resp := base.Similar(ctx, "ai", SimilarOptions{
		Filters: map[string]any{"score__gt": float64(20)}, Distance: "L1",
	})
	if err := resp.Err(); err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(resp.Items) == 0 {
		t.Fatal("expected non-empty results for score__gt 20")
	}

	empty := base.Similar(ctx, "ai", SimilarOptions{Filters: map[string]any{"score__lt": float64(20)}})
	if err := empty.Err(); err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(empty.Items) != 0 {
		t.Fatalf("expected empty results for score__lt 20, got %d", len(empty.Items))
	}
}

func TestSimilarUnsupportedDistance(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "docs")
	ctx := context.Background()
	if _, err := base.EnableVector(ctx, ""); err != nil {
		t.Fatalf("EnableVector: %v", err)
	}
	resp := base.Similar(ctx, "q", SimilarOptions{Distance: "hamming"})
	if resp.Error != "Unsupported distance function." {
		t.Fatalf("expected unsupported-distance error, got %q", resp.Error)
	}
}

func TestAddsEmptyBatch(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "batch")
	resp := base.Adds(context.Background(), nil, false)
	if resp.Error != "No items" {
		t.Fatalf("expected 'No items', got %q", resp.Error)
	}
}

func TestAddExtractsEmbeddedKey(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "people")
	ctx := context.Background()

	doc := map[string]any{"key": "alice", "name": "Alice"}
	resp := base.Add(ctx, doc, "", false)
	if err := resp.Err(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if resp.Key != "alice" {
		t.Fatalf("expected embedded key to be used, got %q", resp.Key)
	}
	if _, still := doc["key"]; !still {
		t.Fatal("expected the caller's map to be left untouched")
	}

	got := base.Get(ctx, "alice")
	if err := got.Err(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, ok := got.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected map body, got %T", got.Data)
	}
	if _, leaked := body["key"]; leaked {
		t.Fatal("expected the key field to be stripped from the stored body")
	}
}

func TestAddRejectsInvalidEmbeddedKeyType(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "people")
	resp := base.Add(context.Background(), map[string]any{"key": []any{"not", "a", "key"}}, "", false)
	if resp.Error != "Invalid `key` type" {
		t.Fatalf("expected invalid-key-type error, got %q", resp.Error)
	}
}

func TestEnableFlagsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oak.db")

	oak, err := Open(path, embed.NewStub(8))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base, err := oak.Base("articles")
	if err != nil {
		t.Fatalf("Base: %v", err)
	}
	if _, err := base.EnableSearch(context.Background()); err != nil {
		t.Fatalf("EnableSearch: %v", err)
	}
	if err := oak.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	oak2, err := Open(path, embed.NewStub(8))
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer oak2.Close()
	base2, err := oak2.Base("articles")
	if err != nil {
		t.Fatalf("Base (reopen): %v", err)
	}
	if !base2.SearchEnabled() {
		t.Fatal("expected the search flag to persist across reopen")
	}
}

func TestEnableDisableSearchRoundTrip(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "articles")
	ctx := context.Background()

	status, err := base.EnableSearch(ctx)
	if err != nil {
		t.Fatalf("EnableSearch: %v", err)
	}
	if status != "enabled" {
		t.Fatalf("expected 'enabled', got %q", status)
	}
	status, err = base.EnableSearch(ctx)
	if err != nil {
		t.Fatalf("EnableSearch (repeat): %v", err)
	}
	if status != "already enabled" {
		t.Fatalf("expected 'already enabled', got %q", status)
	}

	if err := base.DisableSearch(ctx); err != nil {
		t.Fatalf("DisableSearch: %v", err)
	}
	if base.SearchEnabled() {
		t.Fatal("expected search to be disabled")
	}
}

func TestDropRequiresNameConfirmation(t *testing.T) {
	oak := openTestOak(t)
	base := mustBase(t, oak, "articles")
	ctx := context.Background()
	if err := base.Drop(ctx, "wrong-name", false); err == nil {
		t.Fatal("expected Drop to require a matching name")
	}
	if err := base.Drop(ctx, "articles", false); err != nil {
		t.Fatalf("Drop: %v", err)
	}
}
