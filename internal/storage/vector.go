package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"sync"

	"modernc.org/sqlite"

	"oakdb/internal/embed"
)

// registerVectorFunctions installs vec_distance_l1/l2/cosine as scalar
// SQL functions on the modernc.org/sqlite driver. modernc.org/sqlite's
// function registry is process-global (it applies to every connection
// opened through the driver afterward), so this only needs to run once
// regardless of how many Backends are opened.
//
// sqlite-vec's cgo bindings only work against mattn/go-sqlite3, which
// would put a second driver alongside modernc.org/sqlite for one logical
// store; these scalar functions operate on the same float32 byte layout
// sqlite-vec uses, so stored vectors stay interoperable.
var registerVectorFunctionsOnce sync.Once
var registerVectorFunctionsErr error

func registerVectorFunctions() error {
	registerVectorFunctionsOnce.Do(func() {
		registerVectorFunctionsErr = registerOneVectorFunction("vec_distance_l1", distanceL1)
		if registerVectorFunctionsErr != nil {
			return
		}
		registerVectorFunctionsErr = registerOneVectorFunction("vec_distance_l2", distanceL2)
		if registerVectorFunctionsErr != nil {
			return
		}
		registerVectorFunctionsErr = registerOneVectorFunction("vec_distance_cosine", distanceCosine)
	})
	return registerVectorFunctionsErr
}

func registerOneVectorFunction(name string, fn func(a, b []float32) float64) error {
	return sqlite.RegisterDeterministicScalarFunction(name, 2,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			aBlob, ok := args[0].([]byte)
			if !ok {
				return nil, fmt.Errorf("%s: first argument must be a BLOB", name)
			}
			bBlob, ok := args[1].([]byte)
			if !ok {
				return nil, fmt.Errorf("%s: second argument must be a BLOB", name)
			}
			a, err := embed.DeserializeFloat32(aBlob)
			if err != nil {
				return nil, err
			}
			b, err := embed.DeserializeFloat32(bBlob)
			if err != nil {
				return nil, err
			}
			if len(a) != len(b) {
				return nil, fmt.Errorf("%s: dimension mismatch: %d vs %d", name, len(a), len(b))
			}
			return fn(a, b), nil
		})
}

func distanceL1(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

func distanceL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func distanceCosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// vecTriggerNames returns the three trigger names the create and drop
// paths must agree on. Both call this function, so a disable can never
// leave a subset of the triggers behind.
func vecTriggerNames(base string) (insert, update, delete string) {
	return base + "_embi", base + "_embu", base + "_embd"
}

const defaultProbeText = "oaks are nice"

// InitVectorSearch creates the base_vec mirror table and its sync
// triggers, probing the configured embedder for its output dimension on
// every call. probeText overrides the default probe
// string used for that dimension check; pass "" for the default.
func (b *Backend) InitVectorSearch(ctx context.Context, base, probeText string) (int, error) {
	if b.embedder == nil {
		return 0, fmt.Errorf("storage: no embedder configured")
	}
	if err := registerVectorFunctions(); err != nil {
		return 0, fmt.Errorf("storage: register vector functions: %w", err)
	}
	if probeText == "" {
		probeText = defaultProbeText
	}

	probeVec, err := b.embedder.EmbedQuery(ctx, probeText)
	if err != nil {
		return 0, fmt.Errorf("storage: probe embedder: %w", err)
	}
	dims := len(probeVec)

	vecTable := base + "_vec"
	insertTrig, updateTrig, deleteTrig := vecTriggerNames(base)

	err = b.withTx(ctx, func(tx *sql.Tx) error {
		// The declared type records the probed dimensionality the way a
		// vec0 virtual table would; SQLite treats it as an ordinary blob.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, embedding FLOAT32(%d));`, vecTable, dims)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (key, embedding) SELECT key, embedding FROM %s WHERE embedding IS NOT NULL;`,
			vecTable, base)); err != nil {
			return err
		}

		for _, trig := range []string{insertTrig, updateTrig, deleteTrig} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s;`, trig)); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s
			WHEN new.embedding IS NOT NULL BEGIN
			INSERT OR REPLACE INTO %s (key, embedding) VALUES (new.key, new.embedding);
		END;`, insertTrig, base, vecTable)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s BEGIN
			DELETE FROM %s WHERE key = old.key;
			INSERT OR REPLACE INTO %s (key, embedding) SELECT new.key, new.embedding WHERE new.embedding IS NOT NULL;
		END;`, updateTrig, base, vecTable, vecTable)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s BEGIN
			DELETE FROM %s WHERE key = old.key;
		END;`, deleteTrig, base, vecTable)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return dims, nil
}

func (b *Backend) dropVectorTable(ctx context.Context, tx *sql.Tx, base string) error {
	insertTrig, updateTrig, deleteTrig := vecTriggerNames(base)
	for _, trig := range []string{insertTrig, updateTrig, deleteTrig} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s;`, trig)); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, base+"_vec"))
	return err
}

// HasVectorTable reports whether base's vector mirror currently exists.
func (b *Backend) HasVectorTable(ctx context.Context, base string) (bool, error) {
	return b.tableExists(ctx, base+"_vec")
}

// EmbedAndSet embeds text and writes it into base's embedding column for
// key, letting the AFTER UPDATE trigger keep the vector mirror current.
func (b *Backend) EmbedAndSet(ctx context.Context, base, key, text string) error {
	if b.embedder == nil {
		return fmt.Errorf("storage: no embedder configured")
	}
	vecs, err := b.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("storage: embed document: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("storage: embedder returned %d vectors for 1 input", len(vecs))
	}
	blob := embed.SerializeFloat32(vecs[0])
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET embedding = ? WHERE key = ?`, base), blob, key)
		return err
	})
}

// EmbedManyAndSet embeds each item's text in one embedder call and writes
// the vectors into base's embedding column in one transaction. Used by the
// facade's batch insert when vector search is enabled.
func (b *Backend) EmbedManyAndSet(ctx context.Context, base string, items []AddItem) error {
	if b.embedder == nil {
		return fmt.Errorf("storage: no embedder configured")
	}
	if len(items) == 0 {
		return nil
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Data
	}
	vecs, err := b.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("storage: embed documents: %w", err)
	}
	if len(vecs) != len(items) {
		return fmt.Errorf("storage: embedder returned %d vectors for %d inputs", len(vecs), len(items))
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`UPDATE %s SET embedding = ? WHERE key = ?`, base))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, it := range items {
			if _, err := stmt.ExecContext(ctx, embed.SerializeFloat32(vecs[i]), it.Key); err != nil {
				return err
			}
		}
		return nil
	})
}
