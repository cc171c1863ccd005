// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianAnswers/services/engine/storage"
)

var tracer = otel.Tracer("answers.engine.graph")

// Key layout in the shared badger DB.
const (
	entityKeyPrefix = "graph/entity/"
	relKeyPrefix    = "graph/rel/"
)

// Store persists the knowledge graph in badger.
//
// Thread Safety: all operations run inside badger transactions;
// concurrent writers may receive a transient conflict error, which is
// retryable per the storage classification.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// NewStore builds a graph store over an open badger DB.
func NewStore(db *badger.DB, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("graph store requires a database")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}, nil
}

// AddEntity upserts an entity by EntityID.
//
// Description:
//
//	An existing entity is merged rather than replaced: the new
//	fields win, but source chunk ids accumulate as an ordered set
//	so repeated extraction runs stay idempotent.
//
// Outputs:
//
//	error - A classified *storage.Error on validation or write
//	        failure; nil on success.
func (s *Store) AddEntity(ctx context.Context, e Entity) error {
	_, span := tracer.Start(ctx, "graph.AddEntity")
	defer span.End()

	if !e.Valid() {
		return storage.WrapError("graph.add_entity",
			fmt.Errorf("%w: %w", storage.ErrConstraintViolation, ErrInvalidEntity))
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(entityKeyPrefix + e.EntityID)
		if item, err := txn.Get(key); err == nil {
			var existing Entity
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err == nil {
				e.SourceChunkIDs = mergeOrdered(existing.SourceChunkIDs, e.SourceChunkIDs)
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
	return storage.WrapError("graph.add_entity", err)
}

// AddRelationship upserts a relationship by RelationshipID.
//
// Both endpoints must already exist; a missing endpoint fails the
// whole transaction with a referential error and persists nothing.
func (s *Store) AddRelationship(ctx context.Context, r Relationship) error {
	_, span := tracer.Start(ctx, "graph.AddRelationship")
	defer span.End()

	if !r.Valid() {
		return storage.WrapError("graph.add_relationship",
			fmt.Errorf("%w: %w", storage.ErrConstraintViolation, ErrInvalidRelationship))
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range []string{r.SourceEntityID, r.TargetEntityID} {
			if _, err := txn.Get([]byte(entityKeyPrefix + id)); err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: %w: %s", storage.ErrReferentialViolation, ErrUnknownEntity, id)
			} else if err != nil {
				return err
			}
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return txn.Set([]byte(relKeyPrefix+r.RelationshipID), raw)
	})
	return storage.WrapError("graph.add_relationship", err)
}

// GetEntity returns the entity with the given id, or nil.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var e *Entity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entityKeyPrefix + id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var got Entity
			if err := json.Unmarshal(val, &got); err != nil {
				return err
			}
			e = &got
			return nil
		})
	})
	return e, storage.WrapError("graph.get_entity", err)
}

// FindEntities returns entities whose name or description contains
// the query, case-insensitively, sorted by descending confidence.
func (s *Store) FindEntities(ctx context.Context, query string, limit int) ([]Entity, error) {
	_, span := tracer.Start(ctx, "graph.FindEntities")
	defer span.End()

	needle := strings.ToLower(query)
	all, _, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	var matches []Entity
	for _, e := range all {
		if strings.Contains(strings.ToLower(e.Name), needle) ||
			strings.Contains(strings.ToLower(e.Description), needle) {
			matches = append(matches, e)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Neighbors returns the relationships touching an entity id.
func (s *Store) Neighbors(ctx context.Context, entityID string) ([]Relationship, error) {
	_, rels, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	var out []Relationship
	for _, r := range rels {
		if r.SourceEntityID == entityID || r.TargetEntityID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Snapshot returns all entities and relationships, each sorted by id
// for deterministic exports.
func (s *Store) Snapshot(ctx context.Context) ([]Entity, []Relationship, error) {
	_, span := tracer.Start(ctx, "graph.Snapshot")
	defer span.End()
	return s.snapshot()
}

func (s *Store) snapshot() ([]Entity, []Relationship, error) {
	var entities []Entity
	var rels []Relationship

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entityKeyPrefix)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				it.Close()
				return err
			}
			entities = append(entities, e)
		}
		it.Close()

		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte(relKeyPrefix)
		it = txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r Relationship
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			rels = append(rels, r)
		}
		return nil
	})
	if err != nil {
		return nil, nil, storage.WrapError("graph.snapshot", err)
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].EntityID < entities[j].EntityID })
	sort.Slice(rels, func(i, j int) bool { return rels[i].RelationshipID < rels[j].RelationshipID })
	return entities, rels, nil
}

// Counts returns the entity and relationship totals.
func (s *Store) Counts(ctx context.Context) (int, int, error) {
	entities, rels, err := s.snapshot()
	if err != nil {
		return 0, 0, err
	}
	return len(entities), len(rels), nil
}

// mergeOrdered appends the new ids that are not already present,
// preserving first-seen order.
func mergeOrdered(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
