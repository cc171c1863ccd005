// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

// DefaultGoldenThreshold is the cosine similarity for a cache hit.
const DefaultGoldenThreshold = 0.85

// goldenKeyPrefix namespaces golden entries in the shared badger DB.
const goldenKeyPrefix = "golden/"

// GoldenEntry is one validated canonical route.
type GoldenEntry struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Collection string    `json:"collection"`
	Fallbacks  []string  `json:"fallbacks,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// FromSnapshot marks entries loaded from the operator snapshot
	// file; they are replaced wholesale on reload.
	FromSnapshot bool `json:"from_snapshot,omitempty"`
}

// snapshotEntry is the operator-editable snapshot format. Embeddings
// are computed at load, never written by hand.
type snapshotEntry struct {
	Query      string   `json:"query"`
	Collection string   `json:"collection"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
	Answer     string   `json:"answer,omitempty"`
}

// GoldenCache caches validated routes keyed by embedding similarity.
//
// The cache is an explicit handle constructed once at startup and
// passed into the Router; all state sits behind its own mutex.
type GoldenCache struct {
	mu      sync.RWMutex
	entries map[string]*GoldenEntry

	embedder   retrieval.Embedder
	db         *badger.DB
	threshold  float64
	maxEntries int
	log        *slog.Logger

	snapshotPath string
	watcher      *fsnotify.Watcher
	done         chan struct{}
}

// GoldenOption configures a GoldenCache.
type GoldenOption func(*GoldenCache)

// WithGoldenThreshold overrides the similarity threshold.
func WithGoldenThreshold(t float64) GoldenOption {
	return func(c *GoldenCache) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

// WithGoldenStore persists entries to badger and loads existing ones
// at construction.
func WithGoldenStore(db *badger.DB) GoldenOption {
	return func(c *GoldenCache) { c.db = db }
}

// WithGoldenSnapshot loads canonical routes from a JSON file and
// reloads it on change.
func WithGoldenSnapshot(path string) GoldenOption {
	return func(c *GoldenCache) { c.snapshotPath = path }
}

// WithGoldenMaxEntries caps the cache; oldest entries are evicted.
func WithGoldenMaxEntries(n int) GoldenOption {
	return func(c *GoldenCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithGoldenLogger sets the logger.
func WithGoldenLogger(log *slog.Logger) GoldenOption {
	return func(c *GoldenCache) {
		if log != nil {
			c.log = log
		}
	}
}

// NewGoldenCache builds the cache, loads persisted entries, loads the
// snapshot file when configured, and starts the snapshot watcher.
func NewGoldenCache(embedder retrieval.Embedder, opts ...GoldenOption) (*GoldenCache, error) {
	if embedder == nil {
		return nil, fmt.Errorf("golden cache requires an embedder")
	}
	c := &GoldenCache{
		entries:    make(map[string]*GoldenEntry),
		embedder:   embedder,
		threshold:  DefaultGoldenThreshold,
		maxEntries: 512,
		log:        slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.db != nil {
		if err := c.loadFromStore(); err != nil {
			return nil, fmt.Errorf("loading golden routes: %w", err)
		}
	}
	if c.snapshotPath != "" {
		if err := c.reloadSnapshot(); err != nil {
			// A malformed snapshot degrades to persisted entries only.
			c.log.Warn("golden snapshot load failed",
				slog.String("path", c.snapshotPath),
				slog.String("error", err.Error()))
		}
		if err := c.watchSnapshot(); err != nil {
			c.log.Warn("golden snapshot watch failed",
				slog.String("error", err.Error()))
		}
	}
	return c, nil
}

// Close stops the snapshot watcher. The badger DB is owned by the
// caller and is not closed here.
func (c *GoldenCache) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// Len returns the current entry count.
func (c *GoldenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lookup returns the best entry with similarity at or above the
// threshold, or nil on a miss.
func (c *GoldenCache) Lookup(ctx context.Context, query string) (*GoldenEntry, error) {
	if c.Len() == 0 {
		observability.GoldenRouteHits.WithLabelValues("miss").Inc()
		return nil, nil
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		observability.GoldenRouteHits.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *GoldenEntry
	bestSim := 0.0
	for _, e := range c.entries {
		if len(e.Embedding) == 0 {
			continue
		}
		sim := retrieval.CosineSimilarity(vec, e.Embedding)
		if sim > bestSim {
			bestSim = sim
			best = e
		}
	}

	if best == nil || bestSim < c.threshold {
		observability.GoldenRouteHits.WithLabelValues("miss").Inc()
		return nil, nil
	}
	observability.GoldenRouteHits.WithLabelValues("hit").Inc()
	c.log.Debug("golden route hit",
		slog.String("canonical_query", best.Query),
		slog.Float64("similarity", bestSim))

	cp := *best
	return &cp, nil
}

// Record stores a validated route, persisting it when a store is
// configured.
func (c *GoldenCache) Record(ctx context.Context, query string, decision *RouteDecision, answer string) error {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embedding canonical query: %w", err)
	}

	entry := &GoldenEntry{
		ID:         uuid.NewString(),
		Query:      query,
		Embedding:  vec,
		Collection: decision.Primary,
		Fallbacks:  append([]string(nil), decision.Fallbacks...),
		Answer:     answer,
		CreatedAt:  time.Now().UTC(),
	}

	c.mu.Lock()
	c.entries[entry.ID] = entry
	c.evictLocked()
	c.mu.Unlock()

	if c.db != nil {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding golden entry: %w", err)
		}
		err = c.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(goldenKeyPrefix+entry.ID), raw)
		})
		if err != nil {
			return fmt.Errorf("persisting golden entry: %w", err)
		}
	}
	return nil
}

// evictLocked drops the oldest non-snapshot entries past the cap.
// Caller holds the write lock.
func (c *GoldenCache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		var oldestID string
		var oldest time.Time
		for id, e := range c.entries {
			if e.FromSnapshot {
				continue
			}
			if oldestID == "" || e.CreatedAt.Before(oldest) {
				oldestID = id
				oldest = e.CreatedAt
			}
		}
		if oldestID == "" {
			return
		}
		delete(c.entries, oldestID)
		if c.db != nil {
			_ = c.db.Update(func(txn *badger.Txn) error {
				return txn.Delete([]byte(goldenKeyPrefix + oldestID))
			})
		}
	}
}

func (c *GoldenCache) loadFromStore() error {
	loaded := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(goldenKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry GoldenEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				c.log.Warn("skipping corrupt golden entry",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()))
				continue
			}
			c.entries[entry.ID] = &entry
			loaded++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if loaded > 0 {
		c.log.Info("golden routes loaded", slog.Int("count", loaded))
	}
	return nil
}

// reloadSnapshot replaces all snapshot-sourced entries with the file's
// current contents, embedding each canonical query.
func (c *GoldenCache) reloadSnapshot() error {
	raw, err := os.ReadFile(c.snapshotPath)
	if err != nil {
		return err
	}
	var rows []snapshotEntry
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("parsing %s: %w", c.snapshotPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fresh := make([]*GoldenEntry, 0, len(rows))
	for _, row := range rows {
		if row.Query == "" || row.Collection == "" {
			continue
		}
		vec, err := c.embedder.Embed(ctx, row.Query)
		if err != nil {
			return fmt.Errorf("embedding snapshot query %q: %w", row.Query, err)
		}
		fresh = append(fresh, &GoldenEntry{
			ID:           uuid.NewString(),
			Query:        row.Query,
			Embedding:    vec,
			Collection:   row.Collection,
			Fallbacks:    row.Fallbacks,
			Answer:       row.Answer,
			CreatedAt:    time.Now().UTC(),
			FromSnapshot: true,
		})
	}

	c.mu.Lock()
	for id, e := range c.entries {
		if e.FromSnapshot {
			delete(c.entries, id)
		}
	}
	for _, e := range fresh {
		c.entries[e.ID] = e
	}
	c.mu.Unlock()

	c.log.Info("golden snapshot loaded",
		slog.String("path", c.snapshotPath),
		slog.Int("count", len(fresh)))
	return nil
}

func (c *GoldenCache) watchSnapshot() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(c.snapshotPath); err != nil {
		w.Close()
		return err
	}
	c.watcher = w

	go func() {
		for {
			select {
			case <-c.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reloadSnapshot(); err != nil {
					c.log.Warn("golden snapshot reload failed",
						slog.String("error", err.Error()))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("golden snapshot watcher error",
					slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}
