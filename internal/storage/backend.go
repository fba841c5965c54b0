// Package storage owns the database connection and the physical schema:
// primary tables, the lexical (FTS5) mirror, the vector mirror, and the
// oak_conf flag table. It executes the SQL the internal/query builders
// produce; it never decides what that SQL should look like.
package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"oakdb/internal/embed"
	"oakdb/internal/query"
)

// keyAlphabet deliberately excludes look-alike characters (the
// "non-quirky" alphabet): no 'g', 'j', 'p', 'q', 'y', which are easy to
// confuse once handwritten or read aloud.
const keyAlphabet = "abcdefhiklmnorstuvwxz1234567890"

const defaultKeyLength = 12

// Row is one primary-table record as read back from the store.
type Row struct {
	Key     string
	Data    string // raw JSON text
	Created time.Time
	Updated time.Time
}

// SearchRow is a Row plus the lexical engine's relevance score.
type SearchRow struct {
	Row
	Rank float64
}

// SimilarRow is a Row plus the vector engine's distance to the query.
type SimilarRow struct {
	Row
	Distance float64
}

// AddItem is one row of a batch insert: an already-assigned key and its
// serialized JSON body.
type AddItem struct {
	Key  string
	Data string
}

// AddsResult reports the outcome of a batch insert.
type AddsResult struct {
	Success      bool
	RowsAffected int
	Error        string
}

// DistanceFunc selects the vector distance family a similarity query
// ranks by. Aliased from internal/query so the facade and CLI don't
// import the query package just to name it.
type DistanceFunc = query.DistanceFunc

const (
	DistanceL1     = query.DistanceL1
	DistanceL2     = query.DistanceL2
	DistanceCosine = query.DistanceCosine
)

// DropKind selects which tables/triggers drop_tables removes.
type DropKind string

const (
	DropAll    DropKind = "all"
	DropMain   DropKind = "main"
	DropSearch DropKind = "search"
	DropVector DropKind = "vector"
)

// Backend owns the single *sql.DB for one physical store file. It is the
// exclusive owner of the connection; Base instances only ever reach the
// database through it.
//
// database/sql's pool hands out connections safely across goroutines, so
// "one writer at a time" reduces to capping the pool at a single
// connection rather than managing per-goroutine handles by hand. SQLite's
// own file-level locking covers any other process on the same file.
type Backend struct {
	db       *sql.DB
	path     string
	embedder embed.Embedder
}

// Open opens (creating if necessary) the SQLite file at path and returns
// a ready Backend. embedder may be nil; set one later with SetEmbedder
// before calling InitVectorSearch.
func Open(path string, embedder embed.Embedder) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create directory %q: %w", dir, err)
		}
	}

	// The driver binds registered functions when a connection opens, so
	// they must exist before the pool opens its (single) connection.
	if err := registerVectorFunctions(); err != nil {
		return nil, fmt.Errorf("storage: register vector functions: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}

	return &Backend{db: db, path: path, embedder: embedder}, nil
}

// Close releases the underlying connection.
func (b *Backend) Close() error { return b.db.Close() }

// Path returns the backing file path.
func (b *Backend) Path() string { return b.path }

// SetEmbedder swaps the embedder used by InitVectorSearch and the
// embed/query adapters. Safe to call before enabling vector search even
// if one was already provided to Open.
func (b *Backend) SetEmbedder(e embed.Embedder) { b.embedder = e }

// GenKey generates a random key over the non-quirky alphabet.
func (b *Backend) GenKey(length int) (string, error) {
	if length <= 0 {
		length = defaultKeyLength
	}
	buf := make([]byte, length)
	idx := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("storage: generate key: %w", err)
	}
	for i, b := range buf {
		idx[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(idx), nil
}

// Initialize creates the primary table and the oak_conf table for base if
// they don't already exist.
func (b *Backend) Initialize(ctx context.Context, base string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			data TEXT,
			embedding BLOB,
			created INTEGER,
			updated INTEGER
		);`, base)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS oak_conf (
			key TEXT PRIMARY KEY,
			value TEXT
		);`)
		return err
	})
}

func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Add inserts one record. When override is false, a duplicate key fails
// with a constraint error the caller (Base) translates into its own
// error string. When override is true, it upserts while preserving the
// original created timestamp.
func (b *Backend) Add(ctx context.Context, base, key, data string, override bool) error {
	now := time.Now().Unix()
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if override {
			sqlText := fmt.Sprintf(`INSERT INTO %s (key, data, created, updated)
				VALUES (?, ?, COALESCE((SELECT created FROM %s WHERE key = ?), ?), ?)
				ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated = excluded.updated`, base, base)
			_, err := tx.ExecContext(ctx, sqlText, key, data, key, now, now)
			return err
		}
		sqlText := fmt.Sprintf(`INSERT INTO %s (key, data, created, updated) VALUES (?, ?, ?, ?)`, base)
		_, err := tx.ExecContext(ctx, sqlText, key, data, now, now)
		return err
	})
}

// Adds performs a batch insert. Batch writes are atomic: any row's
// constraint violation rolls back the whole batch and reports a failure.
func (b *Backend) Adds(ctx context.Context, base string, items []AddItem, override bool) AddsResult {
	now := time.Now().Unix()
	var rowsAffected int

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var sqlText string
		if override {
			sqlText = fmt.Sprintf(`INSERT INTO %s (key, data, created, updated)
				VALUES (?, ?, COALESCE((SELECT created FROM %s WHERE key = ?), ?), ?)
				ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated = excluded.updated`, base, base)
		} else {
			sqlText = fmt.Sprintf(`INSERT INTO %s (key, data, created, updated) VALUES (?, ?, ?, ?)`, base)
		}
		stmt, err := tx.PrepareContext(ctx, sqlText)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, item := range items {
			var res sql.Result
			if override {
				res, err = stmt.ExecContext(ctx, item.Key, item.Data, item.Key, now, now)
			} else {
				res, err = stmt.ExecContext(ctx, item.Key, item.Data, now, now)
			}
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			rowsAffected += int(n)
		}
		return nil
	})

	if err != nil {
		return AddsResult{Success: false, RowsAffected: 0, Error: err.Error()}
	}
	return AddsResult{Success: true, RowsAffected: rowsAffected}
}

// Get reads one record by key. ok is false when the key doesn't exist.
func (b *Backend) Get(ctx context.Context, base, key string) (row Row, ok bool, err error) {
	sqlText := fmt.Sprintf(`SELECT key, data, created, updated FROM %s WHERE key = ?`, base)
	var created, updated int64
	err = b.db.QueryRowContext(ctx, sqlText, key).Scan(&row.Key, &row.Data, &created, &updated)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	row.Created = time.Unix(created, 0).UTC()
	row.Updated = time.Unix(updated, 0).UTC()
	return row, true, nil
}

// Delete removes one record by key. It reports whether a row was removed.
func (b *Backend) Delete(ctx context.Context, base, key string) (bool, error) {
	var removed bool
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, base), key)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// Deletes removes multiple records by key and returns the count removed.
func (b *Backend) Deletes(ctx context.Context, base string, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	var removed int
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		sqlText := fmt.Sprintf(`DELETE FROM %s WHERE key IN (%s)`, base, joinComma(placeholders))
		res, err := tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// FetchQuery executes a fetch-shaped query over the primary table and
// returns a count or the matching rows.
func (b *Backend) FetchQuery(ctx context.Context, p query.FetchParams) ([]Row, int64, error) {
	sqlText, params, err := query.BuildFetch(p)
	if err != nil {
		return nil, 0, err
	}
	if p.Count {
		var n int64
		if err := b.db.QueryRowContext(ctx, sqlText, params...).Scan(&n); err != nil {
			return nil, 0, err
		}
		return nil, n, nil
	}

	rows, err := b.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var created, updated int64
		if err := rows.Scan(&r.Key, &r.Data, &created, &updated); err != nil {
			return nil, 0, err
		}
		r.Created = time.Unix(created, 0).UTC()
		r.Updated = time.Unix(updated, 0).UTC()
		out = append(out, r)
	}
	return out, 0, rows.Err()
}

// SearchQuery executes a lexical MATCH query against the FTS mirror.
func (b *Backend) SearchQuery(ctx context.Context, p query.SearchParams) ([]SearchRow, int64, error) {
	sqlText, params, err := query.BuildSearch(p)
	if err != nil {
		return nil, 0, err
	}
	if p.Count {
		var n int64
		if err := b.db.QueryRowContext(ctx, sqlText, params...).Scan(&n); err != nil {
			return nil, 0, err
		}
		return nil, n, nil
	}

	rows, err := b.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []SearchRow
	for rows.Next() {
		var r SearchRow
		var created, updated int64
		if err := rows.Scan(&r.Key, &r.Data, &created, &updated, &r.Rank); err != nil {
			return nil, 0, err
		}
		r.Created = time.Unix(created, 0).UTC()
		r.Updated = time.Unix(updated, 0).UTC()
		out = append(out, r)
	}
	return out, 0, rows.Err()
}

// VectorQuery executes a similarity query against the vector mirror,
// embedding queryText with the configured embedder first.
func (b *Backend) VectorQuery(ctx context.Context, base, queryText string, filters any, limit int, order string, distanceFn query.DistanceFunc) ([]SimilarRow, error) {
	if b.embedder == nil {
		return nil, fmt.Errorf("storage: no embedder configured")
	}
	vec, err := b.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("storage: embed query: %w", err)
	}

	sqlText, params, err := query.BuildSimilar(query.SimilarParams{
		Base:         base,
		QueryVector:  embed.SerializeFloat32(vec),
		Filters:      filters,
		Limit:        limit,
		Order:        order,
		DistanceFunc: distanceFn,
	})
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarRow
	for rows.Next() {
		var r SimilarRow
		var created, updated int64
		if err := rows.Scan(&r.Key, &r.Data, &created, &updated, &r.Distance); err != nil {
			return nil, err
		}
		r.Created = time.Unix(created, 0).UTC()
		r.Updated = time.Unix(updated, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
