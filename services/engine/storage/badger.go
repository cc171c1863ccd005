// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the embedded key-value store shared by the
// knowledge graph, golden-route cache, and conversation memory, plus
// the error classification used by callers to decide on retries.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Store wraps a badger DB with lifecycle management.
//
// Thread Safety: badger transactions are safe for concurrent use; the
// GC goroutine is stopped by Close.
type Store struct {
	DB *badger.DB

	log  *slog.Logger
	done chan struct{}
}

// Open creates or opens the embedded database at dir.
//
// Description:
//
//	Creates dir when missing, opens badger with its own logging
//	routed to slog, and starts a background value-log GC loop.
//
// Inputs:
//
//	dir - Database directory; "" opens an in-memory store.
//	log - Logger; nil falls back to slog.Default().
//
// Outputs:
//
//	*Store - The opened store.
//	error - Non-nil if the directory or DB cannot be opened.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage dir %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(filepath.Clean(dir))
	}
	opts = opts.WithLogger(badgerSlogAdapter{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", dir, err)
	}

	s := &Store{DB: db, log: log, done: make(chan struct{})}
	if dir != "" {
		go s.gcLoop()
	}
	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	close(s.done)
	return s.DB.Close()
}

// gcLoop reclaims value-log space periodically. badger returns an
// error when nothing was collected; that is the common case and is
// not logged.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for {
				if err := s.DB.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// badgerSlogAdapter routes badger's internal logging to slog at
// reduced severity; badger is chatty at INFO.
type badgerSlogAdapter struct {
	log *slog.Logger
}

func (a badgerSlogAdapter) Errorf(format string, args ...any) {
	a.log.Error("badger: " + fmt.Sprintf(format, args...))
}

func (a badgerSlogAdapter) Warningf(format string, args ...any) {
	a.log.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (a badgerSlogAdapter) Infof(format string, args ...any) {
	a.log.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (a badgerSlogAdapter) Debugf(format string, args ...any) {
	a.log.Debug("badger: " + fmt.Sprintf(format, args...))
}
