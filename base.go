package oakdb

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"oakdb/internal/metrics"
	"oakdb/internal/query"
	"oakdb/internal/storage"
)

// validBaseName restricts collection names to a safe SQL identifier shape
// since they're interpolated directly into table and trigger names; the
// query builders never parameterize a base name.
var validBaseName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	defaultFetchLimit  = 1000
	defaultFetchOrder  = "created__desc"
	defaultSearchLimit = 10
	defaultSearchOrder = "rank__desc"
	defaultSimilarN    = 3
	defaultSimilarDist = DistanceCosine
)

// DistanceFunc selects the distance family Similar ranks by.
type DistanceFunc = storage.DistanceFunc

const (
	DistanceL1     = storage.DistanceL1
	DistanceL2     = storage.DistanceL2
	DistanceCosine = storage.DistanceCosine
)

// Base is one named collection inside an Oak: a primary table, with an
// optional lexical mirror (search) and an optional vector mirror
// (similar) layered on top.
type Base struct {
	name    string
	backend *storage.Backend

	searchEnabled bool
	vectorEnabled bool
}

func newBase(name string, backend *storage.Backend) (*Base, error) {
	if !validBaseName.MatchString(name) {
		return nil, fmt.Errorf("oakdb: invalid base name %q", name)
	}

	ctx := context.Background()
	if err := backend.Initialize(ctx, name); err != nil {
		return nil, fmt.Errorf("oakdb: initialize %q: %w", name, err)
	}

	b := &Base{name: name, backend: backend}

	if v, ok, err := backend.GetConfig(ctx, name+"_search"); err == nil && ok {
		b.searchEnabled = v == "1"
	}
	if v, ok, err := backend.GetConfig(ctx, name+"_vector"); err == nil && ok {
		b.vectorEnabled = v == "1"
	}
	return b, nil
}

// Name returns the collection's name.
func (b *Base) Name() string { return b.name }

// SearchEnabled reports whether lexical search is currently enabled.
func (b *Base) SearchEnabled() bool { return b.searchEnabled }

// VectorEnabled reports whether vector similarity search is currently enabled.
func (b *Base) VectorEnabled() bool { return b.vectorEnabled }

// EnableSearch builds the FTS5 mirror and its sync triggers. It's
// idempotent: calling it again once enabled is a no-op that returns
// "already enabled".
func (b *Base) EnableSearch(ctx context.Context) (string, error) {
	if b.searchEnabled {
		return "already enabled", nil
	}
	if err := b.backend.CreateFTSTable(ctx, b.name); err != nil {
		return "", fmt.Errorf("oakdb: enable search: %w", err)
	}
	if err := b.backend.SetConfig(ctx, b.name+"_search", "1"); err != nil {
		return "", fmt.Errorf("oakdb: enable search: %w", err)
	}
	b.searchEnabled = true
	return "enabled", nil
}

// DisableSearch drops the lexical mirror and its triggers.
func (b *Base) DisableSearch(ctx context.Context) error {
	if err := b.backend.DropTables(ctx, b.name, storage.DropSearch); err != nil {
		return fmt.Errorf("oakdb: disable search: %w", err)
	}
	if err := b.backend.SetConfig(ctx, b.name+"_search", "0"); err != nil {
		return fmt.Errorf("oakdb: disable search: %w", err)
	}
	b.searchEnabled = false
	return nil
}

// EnableVector probes the configured embedder's output dimension, builds
// the vector mirror and its sync triggers, and backfills any rows that
// already carry an embedding. probeText overrides the dimension-probe
// string; pass "" for the default.
func (b *Base) EnableVector(ctx context.Context, probeText string) (string, error) {
	if b.vectorEnabled {
		return "already enabled", nil
	}
	if _, err := b.backend.InitVectorSearch(ctx, b.name, probeText); err != nil {
		return "", fmt.Errorf("oakdb: enable vector: %w", err)
	}
	if err := b.backend.SetConfig(ctx, b.name+"_vector", "1"); err != nil {
		return "", fmt.Errorf("oakdb: enable vector: %w", err)
	}
	b.vectorEnabled = true
	return "enabled", nil
}

// DisableVector drops the vector mirror and its triggers.
func (b *Base) DisableVector(ctx context.Context) error {
	if err := b.backend.DropTables(ctx, b.name, storage.DropVector); err != nil {
		return fmt.Errorf("oakdb: disable vector: %w", err)
	}
	if err := b.backend.SetConfig(ctx, b.name+"_vector", "0"); err != nil {
		return fmt.Errorf("oakdb: disable vector: %w", err)
	}
	b.vectorEnabled = false
	return nil
}

// Drop removes the collection's tables. name must match this Base's name,
// guarding against a mistaken call dropping the wrong collection.
// mainOnly drops only the primary table, leaving its mirrors orphaned but
// present; the zero value drops everything.
func (b *Base) Drop(ctx context.Context, name string, mainOnly bool) error {
	if name != b.name {
		return fmt.Errorf("oakdb: drop: name %q does not match base %q", name, b.name)
	}
	kind := storage.DropAll
	if mainOnly {
		kind = storage.DropMain
	}
	if err := b.backend.DropTables(ctx, b.name, kind); err != nil {
		return fmt.Errorf("oakdb: drop: %w", err)
	}
	b.searchEnabled = false
	b.vectorEnabled = false
	return nil
}

// extractKey pulls an embedded "key" field out of a map-shaped document.
// It mutates a shallow copy, never the caller's map. The embedded key must
// be a string, a number, or null; anything else is rejected.
func extractKey(data any) (any, string, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return data, "", nil
	}
	key, has := m["key"]
	if !has {
		return data, "", nil
	}
	cp := make(map[string]any, len(m)-1)
	for k, v := range m {
		if k == "key" {
			continue
		}
		cp[k] = v
	}
	switch k := key.(type) {
	case nil:
		return cp, "", nil
	case string:
		return cp, k, nil
	case float64, float32, int, int64, uint64, json.Number:
		return cp, fmt.Sprintf("%v", k), nil
	default:
		return cp, "", fmt.Errorf("Invalid `key` type")
	}
}

// Add inserts one document. If key is "", a key embedded in the document
// body (a "key" field, for map-shaped data) is used if present, otherwise
// one is generated. override controls whether an existing key is replaced
// (preserving its original created time) or rejected.
func (b *Base) Add(ctx context.Context, data any, key string, override bool) AddResponse {
	metrics.IncOp(b.name, "add")
	body, embeddedKey, err := extractKey(data)
	if err != nil {
		return AddResponse{Error: err.Error()}
	}
	if key == "" {
		key = embeddedKey
	}
	if key == "" {
		genKey, err := b.backend.GenKey(0)
		if err != nil {
			return AddResponse{Error: err.Error()}
		}
		key = genKey
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return AddResponse{Error: fmt.Sprintf("encode data: %s", err)}
	}

	if err := b.backend.Add(ctx, b.name, key, string(raw), override); err != nil {
		if isUniqueConstraint(err) {
			return AddResponse{Error: fmt.Sprintf("Item with key '%s' already exists", key)}
		}
		return AddResponse{Error: err.Error()}
	}

	if b.vectorEnabled {
		if err := b.backend.EmbedAndSet(ctx, b.name, key, string(raw)); err != nil {
			return AddResponse{Key: key, Data: body, Error: err.Error()}
		}
	}
	return AddResponse{Key: key, Data: body}
}

// Adds inserts a batch of documents. Each item may embed its own "key"
// field the same way Add does; any without one gets a generated key. The
// whole batch commits or rolls back atomically.
func (b *Base) Adds(ctx context.Context, items []any, override bool) AddsResponse {
	metrics.IncOp(b.name, "adds")
	if len(items) == 0 {
		return AddsResponse{Success: false, Error: "No items"}
	}

	keys := make([]string, len(items))
	rows := make([]storage.AddItem, len(items))
	for i, item := range items {
		body, embeddedKey, err := extractKey(item)
		if err != nil {
			return AddsResponse{Success: false, Error: err.Error()}
		}
		key := embeddedKey
		if key == "" {
			genKey, err := b.backend.GenKey(0)
			if err != nil {
				return AddsResponse{Success: false, Error: err.Error()}
			}
			key = genKey
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return AddsResponse{Success: false, Error: fmt.Sprintf("encode data: %s", err)}
		}
		keys[i] = key
		rows[i] = storage.AddItem{Key: key, Data: string(raw)}
	}

	res := b.backend.Adds(ctx, b.name, rows, override)
	if res.Success && b.vectorEnabled {
		if err := b.backend.EmbedManyAndSet(ctx, b.name, rows); err != nil {
			return AddsResponse{Keys: keys, Success: false, Error: err.Error()}
		}
	}
	return AddsResponse{Keys: keys, Success: res.Success, Error: res.Error}
}

// Get reads one document by key.
func (b *Base) Get(ctx context.Context, key string) GetResponse {
	metrics.IncOp(b.name, "get")
	if key == "" {
		return GetResponse{Error: "Key is empty"}
	}
	row, ok, err := b.backend.Get(ctx, b.name, key)
	if err != nil {
		return GetResponse{Key: key, Error: err.Error()}
	}
	if !ok {
		return GetResponse{Key: key, Error: "Key not found"}
	}
	var data any
	if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
		return GetResponse{Key: key, Error: fmt.Sprintf("decode data: %s", err)}
	}
	return GetResponse{Key: row.Key, Data: data, Created: row.Created.Unix(), Updated: row.Updated.Unix()}
}

// Delete removes one document by key.
func (b *Base) Delete(ctx context.Context, key string) DeleteResponse {
	metrics.IncOp(b.name, "delete")
	if key == "" {
		return DeleteResponse{Error: "Key is empty"}
	}
	removed, err := b.backend.Delete(ctx, b.name, key)
	if err != nil {
		return DeleteResponse{Key: key, Error: err.Error()}
	}
	return DeleteResponse{Key: key, Deleted: removed}
}

// Deletes removes multiple documents by key.
func (b *Base) Deletes(ctx context.Context, keys []string) DeletesResponse {
	metrics.IncOp(b.name, "deletes")
	if len(keys) == 0 {
		return DeletesResponse{Error: "No keys provided"}
	}
	n, err := b.backend.Deletes(ctx, b.name, keys)
	if err != nil {
		return DeletesResponse{Error: err.Error()}
	}
	return DeletesResponse{Deletes: n}
}

// FetchOptions configures Base.Fetch. The zero value uses the defaults
// (limit 1000, order "created__desc", page 1).
type FetchOptions struct {
	Filters any
	Limit   int
	Order   string
	Page    int
}

// Fetch retrieves a filtered, paginated page of documents from the
// primary table. Pagination is count-first: a page number beyond the
// available data returns an empty Items slice alongside accurate Page/
// Pages/Total metadata rather than an error.
func (b *Base) Fetch(ctx context.Context, opts FetchOptions) ItemsResponse {
	metrics.IncOp(b.name, "fetch")
	limit := clampLimit(opts.Limit, defaultFetchLimit)
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	order := opts.Order
	if order == "" {
		order = defaultFetchOrder
	}
	offset := (page - 1) * limit

	filters, err := normalizeFilters(opts.Filters)
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	_, total, err := b.backend.FetchQuery(ctx, query.FetchParams{
		Base: b.name, Filters: filters, Count: true,
	})
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	pages := pageCount(total, limit)
	if int64(page) > pages {
		return ItemsResponse{Page: page, Pages: int(pages), Total: int(total), Limit: limit}
	}

	rows, _, err := b.backend.FetchQuery(ctx, query.FetchParams{
		Base: b.name, Filters: filters, Limit: limit, Offset: offset, Order: order,
	})
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	items, err := itemsFromRows(rows)
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}
	return ItemsResponse{Items: items, Page: page, Pages: int(pages), Total: int(total), Limit: limit}
}

// SearchOptions configures Base.Search.
type SearchOptions struct {
	Filters any
	Limit   int
	Order   string
	Page    int
}

// Search runs a lexical query against the FTS5 mirror. Search must be
// enabled first via EnableSearch.
func (b *Base) Search(ctx context.Context, q string, opts SearchOptions) ItemsResponse {
	metrics.IncOp(b.name, "search")
	if !b.searchEnabled {
		return ItemsResponse{Error: "search is not enabled"}
	}
	if strings.TrimSpace(q) == "" {
		return ItemsResponse{Error: "provide a search query"}
	}

	limit := clampLimit(opts.Limit, defaultSearchLimit)
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	order := opts.Order
	if order == "" {
		order = defaultSearchOrder
	}
	offset := (page - 1) * limit

	filters, err := normalizeFilters(opts.Filters)
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	_, total, err := b.backend.SearchQuery(ctx, query.SearchParams{
		Base: b.name, Query: q, Filters: filters, Count: true,
	})
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	pages := pageCount(total, limit)
	if int64(page) > pages {
		return ItemsResponse{Page: page, Pages: int(pages), Total: int(total), Limit: limit}
	}

	rows, _, err := b.backend.SearchQuery(ctx, query.SearchParams{
		Base: b.name, Query: q, Filters: filters, Limit: limit, Offset: offset, Order: order,
	})
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		var data any
		if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
			return ItemsResponse{Error: fmt.Sprintf("decode data: %s", err)}
		}
		items = append(items, Item{Key: r.Key, Data: data, Created: r.Created.Unix(), Updated: r.Updated.Unix(), Rank: r.Rank})
	}
	return ItemsResponse{Items: items, Page: page, Pages: int(pages), Total: int(total), Limit: limit}
}

// SimilarOptions configures Base.Similar.
type SimilarOptions struct {
	Filters  any
	Limit    int
	Order    string
	Distance DistanceFunc
}

// Similar runs a nearest-neighbor vector query against the vector mirror.
// Vector search must be enabled first via EnableVector. Unlike Fetch and
// Search, there's no count/pagination: a similarity query is inherently
// top-k.
func (b *Base) Similar(ctx context.Context, q string, opts SimilarOptions) ItemsResponse {
	metrics.IncOp(b.name, "similar")
	if !b.vectorEnabled {
		return ItemsResponse{Error: "vector search is not enabled"}
	}
	if strings.TrimSpace(q) == "" {
		return ItemsResponse{Error: "provide a search query"}
	}

	limit := clampLimit(opts.Limit, defaultSimilarN)
	order := opts.Order
	if order == "" {
		order = "distance__desc"
	}
	dist := opts.Distance
	if dist == "" {
		dist = defaultSimilarDist
	}
	switch dist {
	case DistanceL1, DistanceL2, DistanceCosine:
	default:
		return ItemsResponse{Error: "Unsupported distance function."}
	}

	filters, err := normalizeFilters(opts.Filters)
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	rows, err := b.backend.VectorQuery(ctx, b.name, q, filters, limit, order, dist)
	if err != nil {
		return ItemsResponse{Error: err.Error()}
	}

	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		var data any
		if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
			return ItemsResponse{Error: fmt.Sprintf("decode data: %s", err)}
		}
		items = append(items, Item{Key: r.Key, Data: data, Created: r.Created.Unix(), Updated: r.Updated.Unix(), Distance: r.Distance})
	}
	return ItemsResponse{Items: items, Limit: limit}
}

// EmbedAndSet embeds text with the Oak's configured embedder and stores
// the resulting vector against key, for documents whose embeddable text
// isn't the whole JSON body.
func (b *Base) EmbedAndSet(ctx context.Context, key, text string) error {
	return b.backend.EmbedAndSet(ctx, b.name, key, text)
}

// normalizeFilters accepts the filter DSL's dict-or-list-of-dicts shape in
// whatever concrete type a caller reasonably hands it (a query.Group/
// []query.Group built programmatically, or a map[string]any/
// []map[string]any decoded from JSON by a CLI or HTTP layer) and reduces
// it to the internal/query package's own Group/[]Group types.
func normalizeFilters(filters any) (any, error) {
	switch v := filters.(type) {
	case nil:
		return nil, nil
	case query.Group:
		return v, nil
	case []query.Group:
		return v, nil
	case map[string]any:
		return query.Group(v), nil
	case []map[string]any:
		groups := make([]query.Group, len(v))
		for i, g := range v {
			groups[i] = query.Group(g)
		}
		return groups, nil
	default:
		return nil, fmt.Errorf("unsupported filter type %T", filters)
	}
}

func itemsFromRows(rows []storage.Row) ([]Item, error) {
	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		var data any
		if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		items = append(items, Item{Key: r.Key, Data: data, Created: r.Created.Unix(), Updated: r.Updated.Unix()})
	}
	return items, nil
}

// clampLimit maps the zero value to the query kind's default page size
// and clamps an explicit non-positive limit to 1.
func clampLimit(limit, def int) int {
	if limit == 0 {
		return def
	}
	if limit < 0 {
		return 1
	}
	return limit
}

func pageCount(total int64, limit int) int64 {
	if limit <= 0 {
		return 0
	}
	return (total + int64(limit) - 1) / int64(limit)
}

func isUniqueConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
