// Package oakdb is an embedded document store: one SQLite file per Oak,
// any number of named collections (Bases) inside it, each addressable by
// JSON filter, full-text query, or vector similarity once enabled.
package oakdb

import (
	"context"
	"fmt"
	"sync"

	"oakdb/internal/embed"
	"oakdb/internal/metrics"
	"oakdb/internal/storage"
)

// Oak owns the physical file and memoizes the Base facades opened against
// it, so repeated Base(name) calls return the same instance.
type Oak struct {
	backend *storage.Backend

	mu    sync.Mutex
	bases map[string]*Base
}

// Open opens (creating if necessary) the SQLite file at path. embedder may
// be nil if this Oak will never enable vector search; it can be supplied
// later with SetEmbedder.
func Open(path string, embedder embed.Embedder) (*Oak, error) {
	backend, err := storage.Open(path, embedder)
	if err != nil {
		return nil, fmt.Errorf("oakdb: open %q: %w", path, err)
	}
	return &Oak{backend: backend, bases: make(map[string]*Base)}, nil
}

// Close releases the underlying connection.
func (o *Oak) Close() error { return o.backend.Close() }

// SetEmbedder installs (or replaces) the embedder used by every Base this
// Oak opens from this point forward, and by any Base that later calls
// EnableVector.
func (o *Oak) SetEmbedder(e embed.Embedder) { o.backend.SetEmbedder(e) }

// Base returns the named collection, opening and memoizing it on first
// use. Base names must be valid SQL identifiers since they're interpolated
// directly into DDL and table names; see validBaseName.
func (o *Oak) Base(name string) (*Base, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if b, ok := o.bases[name]; ok {
		return b, nil
	}
	b, err := newBase(name, o.backend)
	if err != nil {
		return nil, err
	}
	o.bases[name] = b
	return b, nil
}

// Configs returns every key/value flag in the shared oak_conf table (the
// search/vector enablement flags for every Base this Oak has ever
// initialized), for diagnostics and the oakctl status command.
func (o *Oak) Configs(ctx context.Context) (map[string]string, error) {
	return o.backend.Configs(ctx)
}

// Metrics returns a snapshot of per-base operation counters (add, adds,
// get, delete, deletes, fetch, search, similar) accumulated since process
// start.
func (o *Oak) Metrics() metrics.Snapshot {
	return metrics.Export()
}
