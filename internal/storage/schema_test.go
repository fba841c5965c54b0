package storage

import (
	"context"
	"testing"

	"oakdb/internal/query"
)

func TestCreateFTSTableBackfillsAndSyncs(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.Initialize(ctx, "articles"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.Add(ctx, "articles", "a1", `{"title":"hello world"}`, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := b.CreateFTSTable(ctx, "articles"); err != nil {
		t.Fatalf("CreateFTSTable: %v", err)
	}

	has, err := b.HasFTSTable(ctx, "articles")
	if err != nil {
		t.Fatalf("HasFTSTable: %v", err)
	}
	if !has {
		t.Fatal("expected FTS table to exist")
	}

	rows, _, err := b.SearchQuery(ctx, query.SearchParams{
		Base: "articles", Query: "hello", Order: "rank__desc", Limit: 10,
	})
	if err != nil {
		t.Fatalf("SearchQuery: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "a1" {
		t.Fatalf("expected the pre-existing row to be backfilled into the FTS index, got %v", rows)
	}

	// A row added after enabling search should reach the index via the
	// insert trigger, with no explicit sync step.
	if err := b.Add(ctx, "articles", "a2", `{"title":"goodbye world"}`, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rows, _, err = b.SearchQuery(ctx, query.SearchParams{
		Base: "articles", Query: "goodbye", Order: "rank__desc", Limit: 10,
	})
	if err != nil {
		t.Fatalf("SearchQuery: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "a2" {
		t.Fatalf("expected insert trigger to sync new row into FTS index, got %v", rows)
	}
}

func TestDropTablesSearchOnlyLeavesMainTable(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.Initialize(ctx, "articles"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.CreateFTSTable(ctx, "articles"); err != nil {
		t.Fatalf("CreateFTSTable: %v", err)
	}

	if err := b.DropTables(ctx, "articles", DropSearch); err != nil {
		t.Fatalf("DropTables: %v", err)
	}

	has, err := b.HasFTSTable(ctx, "articles")
	if err != nil {
		t.Fatalf("HasFTSTable: %v", err)
	}
	if has {
		t.Fatal("expected FTS table to be dropped")
	}

	// Main table and its rows must survive a search-only drop.
	if err := b.Add(ctx, "articles", "a1", `{}`, false); err != nil {
		t.Fatalf("Add after dropping search: %v", err)
	}
}

func TestDropTablesSearchIsIdempotent(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.Initialize(ctx, "articles"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.DropTables(ctx, "articles", DropSearch); err != nil {
		t.Fatalf("DropTables on never-enabled search should be a no-op: %v", err)
	}
	if err := b.CreateFTSTable(ctx, "articles"); err != nil {
		t.Fatalf("CreateFTSTable: %v", err)
	}
	if err := b.DropTables(ctx, "articles", DropSearch); err != nil {
		t.Fatalf("DropTables: %v", err)
	}
	if err := b.DropTables(ctx, "articles", DropSearch); err != nil {
		t.Fatalf("DropTables called twice should still be a no-op: %v", err)
	}
}

func TestCreateFTSTableTriggersSurviveReenable(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.Initialize(ctx, "articles"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.CreateFTSTable(ctx, "articles"); err != nil {
		t.Fatalf("CreateFTSTable: %v", err)
	}
	if err := b.DropTables(ctx, "articles", DropSearch); err != nil {
		t.Fatalf("DropTables: %v", err)
	}
	// Re-enabling must recreate working triggers under the same names
	// drop used, not leave stale ones behind.
	if err := b.CreateFTSTable(ctx, "articles"); err != nil {
		t.Fatalf("CreateFTSTable (re-enable): %v", err)
	}
	if err := b.Add(ctx, "articles", "a1", `{"title":"rebuilt index"}`, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rows, _, err := b.SearchQuery(ctx, query.SearchParams{
		Base: "articles", Query: "rebuilt", Order: "rank__desc", Limit: 10,
	})
	if err != nil {
		t.Fatalf("SearchQuery: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected re-enabled search to sync new writes, got %v", rows)
	}
}
