package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ftsTriggerNames returns the three trigger names the create and drop
// paths must agree on. Both call this function, so the names can never
// drift apart and leave orphaned triggers behind on disable.
func ftsTriggerNames(base string) (insert, update, delete string) {
	return base + "_ai", base + "_au", base + "_ad"
}

// CreateFTSTable builds the base_fts FTS5 mirror over (key, data, created,
// updated), backfills it from any existing rows, and installs the sync
// triggers. It's idempotent: calling it twice on an already-enabled base is
// a no-op apart from recreating the triggers.
func (b *Backend) CreateFTSTable(ctx context.Context, base string) error {
	ftsTable := base + "_fts"
	insertTrig, updateTrig, deleteTrig := ftsTriggerNames(base)

	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(key, data, created, updated);`,
			ftsTable)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(key, data, created, updated)
			SELECT key, data, created, updated FROM %s WHERE key NOT IN (SELECT key FROM %s);`, ftsTable, base, ftsTable)); err != nil {
			return err
		}

		// Triggers are recreated unconditionally so a schema change here
		// always takes effect on the next enable_search call, and so a
		// crash between statements in a prior run can't leave stale ones.
		for _, trig := range []string{insertTrig, updateTrig, deleteTrig} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s;`, trig)); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s BEGIN
			INSERT INTO %s(key, data, created, updated) VALUES (new.key, new.data, new.created, new.updated);
		END;`, insertTrig, base, ftsTable)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s BEGIN
			DELETE FROM %s WHERE key = old.key;
			INSERT INTO %s(key, data, created, updated) VALUES (new.key, new.data, new.created, new.updated);
		END;`, updateTrig, base, ftsTable, ftsTable)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s BEGIN
			DELETE FROM %s WHERE key = old.key;
		END;`, deleteTrig, base, ftsTable)); err != nil {
			return err
		}
		return nil
	})
}

// dropFTSTable removes the FTS mirror and its triggers, using the exact
// names CreateFTSTable installed.
func (b *Backend) dropFTSTable(ctx context.Context, tx *sql.Tx, base string) error {
	insertTrig, updateTrig, deleteTrig := ftsTriggerNames(base)
	for _, trig := range []string{insertTrig, updateTrig, deleteTrig} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s;`, trig)); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, base+"_fts"))
	return err
}

// HasFTSTable reports whether base's lexical mirror currently exists.
func (b *Backend) HasFTSTable(ctx context.Context, base string) (bool, error) {
	return b.tableExists(ctx, base+"_fts")
}

func (b *Backend) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DropTables removes base's tables according to kind. DropAll removes the
// primary table, oak_conf, and both mirrors with their triggers. DropMain
// removes only the primary table, leaving any mirrors orphaned but present
// (matching Base.Drop's mainOnly contract). DropSearch and DropVector each
// remove only their own mirror. Every statement uses IF EXISTS so calling
// this on already-torn-down state is a no-op, not an error.
func (b *Backend) DropTables(ctx context.Context, base string, kind DropKind) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		switch kind {
		case DropAll:
			if err := b.dropFTSTable(ctx, tx, base); err != nil {
				return err
			}
			if err := b.dropVectorTable(ctx, tx, base); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS oak_conf;`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, base))
			return err
		case DropMain:
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, base))
			return err
		case DropSearch:
			return b.dropFTSTable(ctx, tx, base)
		case DropVector:
			return b.dropVectorTable(ctx, tx, base)
		default:
			return fmt.Errorf("storage: unknown drop kind %q", kind)
		}
	})
}
