// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// docKeyPrefix namespaces structured documents in the shared DB.
const docKeyPrefix = "docs/"

// DocStore is a structured-document view over badger: JSON rows
// addressed by (table, key). It backs the database-lookup tool and
// user profile storage.
type DocStore struct {
	db *badger.DB
}

// NewDocStore builds a DocStore over an open badger DB.
func NewDocStore(db *badger.DB) (*DocStore, error) {
	if db == nil {
		return nil, fmt.Errorf("doc store requires a database")
	}
	return &DocStore{db: db}, nil
}

func docKey(table, key string) []byte {
	return []byte(docKeyPrefix + table + "/" + key)
}

// Put upserts a row.
func (d *DocStore) Put(ctx context.Context, table, key string, row map[string]any) error {
	if table == "" || key == "" {
		return WrapError("docs.put",
			fmt.Errorf("%w: empty table or key", ErrConstraintViolation))
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return WrapError("docs.put", err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(table, key), raw)
	})
	return WrapError("docs.put", err)
}

// Get returns a row and whether it exists.
func (d *DocStore) Get(ctx context.Context, table, key string) (map[string]any, bool, error) {
	var row map[string]any
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(table, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	return row, found, WrapError("docs.get", err)
}

// Scan returns up to limit rows of a table whose key starts with
// keyPrefix; an empty prefix scans the whole table.
func (d *DocStore) Scan(ctx context.Context, table, keyPrefix string, limit int) ([]map[string]any, error) {
	var rows []map[string]any
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = docKey(table, keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(rows) >= limit {
				return nil
			}
			var row map[string]any
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if row == nil {
				row = map[string]any{}
			}
			key := string(it.Item().Key())
			row["_key"] = strings.TrimPrefix(key, docKeyPrefix+table+"/")
			rows = append(rows, row)
		}
		return nil
	})
	return rows, WrapError("docs.scan", err)
}
