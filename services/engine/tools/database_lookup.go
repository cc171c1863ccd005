// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianAnswers/services/engine/storage"
)

// DatabaseLookup reads structured rows from the document store. It is
// restricted to an allow-listed set of tables; the model cannot reach
// internal tables like user profiles.
type DatabaseLookup struct {
	docs   *storage.DocStore
	tables []string
}

// NewDatabaseLookup builds the tool over an allow-listed table set.
func NewDatabaseLookup(docs *storage.DocStore, tables []string) (*DatabaseLookup, error) {
	if docs == nil {
		return nil, fmt.Errorf("database lookup requires a doc store")
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("database lookup requires at least one table")
	}
	return &DatabaseLookup{docs: docs, tables: append([]string(nil), tables...)}, nil
}

func (d *DatabaseLookup) Name() string { return "database_lookup" }
func (d *DatabaseLookup) Kind() Kind   { return KindDatabaseLookup }

func (d *DatabaseLookup) Description() string {
	return fmt.Sprintf(
		"Exact lookup of structured records. Arguments: {\"table\": one of [%s], \"key\": record key or key prefix}",
		strings.Join(d.tables, ", "))
}

func (d *DatabaseLookup) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	table, err := stringArg(args, "table")
	if err != nil {
		return nil, err
	}
	if !d.allowed(table) {
		return nil, fmt.Errorf("table %q is not available to this tool", table)
	}
	key, err := stringArg(args, "key")
	if err != nil {
		return nil, err
	}

	row, found, err := d.docs.Get(ctx, table, key)
	if err != nil {
		return nil, fmt.Errorf("looking up %s/%s: %w", table, key, err)
	}
	if found {
		return &Result{Content: renderRows(table, []map[string]any{row})}, nil
	}

	// Fall back to a prefix scan; partial keys are common in model
	// calls.
	rows, err := d.docs.Scan(ctx, table, key, 5)
	if err != nil {
		return nil, fmt.Errorf("scanning %s/%s: %w", table, key, err)
	}
	if len(rows) == 0 {
		return &Result{Content: fmt.Sprintf("No record in %s matches %q.", table, key)}, nil
	}
	return &Result{Content: renderRows(table, rows)}, nil
}

func (d *DatabaseLookup) allowed(table string) bool {
	for _, t := range d.tables {
		if t == table {
			return true
		}
	}
	return false
}

func renderRows(table string, rows []map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d record(s) from %s:\n", len(rows), table)
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			continue
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	return b.String()
}
