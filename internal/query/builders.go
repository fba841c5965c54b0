package query

import (
	"fmt"
	"strings"
)

var baseOrderFields = map[string]bool{
	"key": true, "data": true, "created": true, "updated": true,
}

// splitOrder validates an order literal against an allow-list of extra
// fields (e.g. "rank" for search, "distance" for similar) on top of the
// always-valid key/data/created/updated set, and returns (field, "ASC"|"DESC").
func splitOrder(order string, extra map[string]bool) (string, string, error) {
	parts := strings.SplitN(order, "__", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid order literal: %q", order)
	}
	field, dir := parts[0], strings.ToLower(parts[1])
	if dir != "asc" && dir != "desc" {
		return "", "", fmt.Errorf("invalid order literal: %q", order)
	}
	if !baseOrderFields[field] && !extra[field] {
		return "", "", fmt.Errorf("invalid order literal: %q", order)
	}
	return field, strings.ToUpper(dir), nil
}

// FetchParams holds the arguments to BuildFetch.
type FetchParams struct {
	Base    string
	Filters any // nil, Group, or []Group
	Limit   int
	Offset  int
	Order   string
	Count   bool
}

// BuildFetch produces a plain filtered query over the base's primary
// table: a row count, or a page of (key, data, created, updated).
func BuildFetch(p FetchParams) (string, []any, error) {
	whereSQL, params, err := BuildWhereClause(p.Filters, "data")
	if err != nil {
		return "", nil, err
	}

	if p.Count {
		sql := fmt.Sprintf("SELECT COUNT(*) FROM %s", p.Base)
		if whereSQL != "" {
			sql += " WHERE " + whereSQL
		}
		return sql, params, nil
	}

	field, dir, err := splitOrder(p.Order, nil)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf("SELECT key, data, created, updated FROM %s", p.Base)
	if whereSQL != "" {
		sql += " WHERE " + whereSQL
	}
	sql += fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", field, dir)
	params = append(params, p.Limit, p.Offset)
	return sql, params, nil
}

var searchExtraOrder = map[string]bool{"rank": true}

// SearchParams holds the arguments to BuildSearch.
type SearchParams struct {
	Base    string
	Query   string
	Filters any
	Limit   int
	Offset  int
	Order   string
	Count   bool
}

// BuildSearch produces a lexical MATCH query against the base's FTS
// mirror table.
func BuildSearch(p SearchParams) (string, []any, error) {
	if strings.TrimSpace(p.Query) == "" {
		return "", nil, fmt.Errorf("search query cannot be empty")
	}

	whereSQL, whereParams, err := BuildWhereClause(p.Filters, "data")
	if err != nil {
		return "", nil, err
	}

	params := []any{p.Query}
	params = append(params, whereParams...)

	ftsTable := p.Base + "_fts"

	if p.Count {
		sql := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE data MATCH ?", ftsTable)
		if whereSQL != "" {
			sql += " AND " + whereSQL
		}
		return sql, params, nil
	}

	field, dir, err := splitOrder(p.Order, searchExtraOrder)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf("SELECT key, data, created, updated, rank FROM %s WHERE %s MATCH ?", ftsTable, ftsTable)
	if whereSQL != "" {
		sql += " AND " + whereSQL
	}
	sql += fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", field, dir)
	params = append(params, p.Limit, p.Offset)
	return sql, params, nil
}

var similarExtraOrder = map[string]bool{"distance": true}

// DistanceFunc is one of the vector extension's supported distance
// families.
type DistanceFunc string

const (
	DistanceL1     DistanceFunc = "L1"
	DistanceL2     DistanceFunc = "L2"
	DistanceCosine DistanceFunc = "cosine"
)

// SimilarParams holds the arguments to BuildSimilar.
type SimilarParams struct {
	Base         string
	QueryVector  []byte
	Filters      any
	Limit        int
	Order        string
	DistanceFunc DistanceFunc
}

// BuildSimilar produces a top-k vector similarity query: it joins the
// base's primary table to its vector mirror and ranks by the requested
// distance function. There is no count mode — distance-ordered queries
// are inherently top-k.
func BuildSimilar(p SimilarParams) (string, []any, error) {
	switch p.DistanceFunc {
	case DistanceL1, DistanceL2, DistanceCosine:
	default:
		return "", nil, fmt.Errorf("unsupported distance function %q", p.DistanceFunc)
	}

	field, dir, err := splitOrder(p.Order, similarExtraOrder)
	if err != nil {
		return "", nil, err
	}

	whereSQL, whereParams, err := BuildWhereClause(p.Filters, "tb.data")
	if err != nil {
		return "", nil, err
	}

	params := []any{p.QueryVector}
	params = append(params, whereParams...)
	params = append(params, p.Limit)

	orderCol := "tb." + field
	if field == "distance" {
		orderCol = "distance"
	}

	sql := fmt.Sprintf(`SELECT tb.key, tb.data, tb.created, tb.updated, vec_distance_%s(vb.embedding, ?) AS distance
FROM %s AS tb
INNER JOIN %s_vec AS vb ON vb.key = tb.key`, strings.ToLower(string(p.DistanceFunc)), p.Base, p.Base)
	if whereSQL != "" {
		sql += " WHERE " + whereSQL
	}
	sql += fmt.Sprintf(" ORDER BY %s %s LIMIT ?", orderCol, dir)

	return sql, params, nil
}
