// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnswers/services/engine/storage"
	"github.com/AleutianAI/AleutianAnswers/services/llm"
)

// overlapGenerator fails the test if two extractions run at once.
type overlapGenerator struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
	content string
}

func (g *overlapGenerator) Generate(_ context.Context, _ []llm.Message, _ llm.Tier, _ llm.GenerationParams) (*llm.Response, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		max := g.maxSeen.Load()
		if n <= max || g.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	g.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return &llm.Response{Content: g.content}, nil
}

func testDocs(t *testing.T) *storage.DocStore {
	t.Helper()
	db, err := storage.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	docs, err := storage.NewDocStore(db.DB)
	require.NoError(t, err)
	return docs
}

func TestWriteMemorySerializedPerUser(t *testing.T) {
	gen := &overlapGenerator{content: `[{"fact": "prefers metric units", "category": "preference"}]`}
	m, err := NewManager(gen, testDocs(t), NewLockRegistry(16), 5*time.Second, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WriteMemory(context.Background(), "user-1", "s1",
				"convert this to metric", "done")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Extraction runs under the per-user lock, so calls never overlap.
	assert.Equal(t, int32(1), gen.maxSeen.Load())
	assert.Equal(t, int32(10), gen.calls.Load())

	// The same fact is promoted once, not ten times.
	profile, err := m.LoadProfile(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, profile.Facts, 1)
	assert.Equal(t, "prefers metric units", profile.Facts[0].Fact)
}

func TestWriteMemoryLockTimeoutSkips(t *testing.T) {
	gen := &overlapGenerator{content: `[]`}
	locks := NewLockRegistry(16)
	m, err := NewManager(gen, testDocs(t), locks, 20*time.Millisecond, nil)
	require.NoError(t, err)

	release, err := locks.Acquire(context.Background(), "user-1", time.Second)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	err = m.WriteMemory(context.Background(), "user-1", "s1", "q", "a")
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestLockRegistryLazyCreationAndBound(t *testing.T) {
	r := NewLockRegistry(2)

	for _, id := range []string{"a", "b", "c"} {
		release, err := r.Acquire(context.Background(), id, time.Second)
		require.NoError(t, err)
		release()
	}
	// Bounded: the oldest idle lock was evicted.
	assert.Equal(t, 2, r.Len())
}

func TestLockRegistryNeverEvictsHeldLock(t *testing.T) {
	r := NewLockRegistry(1)

	releaseA, err := r.Acquire(context.Background(), "a", time.Second)
	require.NoError(t, err)

	// "a" is held and must survive the capacity squeeze from "b".
	releaseB, err := r.Acquire(context.Background(), "b", time.Second)
	require.NoError(t, err)
	releaseB()
	releaseA()

	// "a" still works after the churn.
	release, err := r.Acquire(context.Background(), "a", 50*time.Millisecond)
	require.NoError(t, err)
	release()
}

func TestLockRegistryNeverEvictsPinnedWaiter(t *testing.T) {
	r := NewLockRegistry(1)

	// A caller that has entered Acquire but not yet taken the
	// semaphore pins the lock.
	waiting := r.pin("a")

	// Capacity churn from other users must not evict it.
	for _, id := range []string{"b", "c", "d"} {
		release, err := r.Acquire(context.Background(), id, time.Second)
		require.NoError(t, err)
		release()
	}

	same := r.pin("a")
	assert.Same(t, waiting, same, "pinned lock was replaced during eviction")
	r.unpin(same)
	r.unpin(waiting)

	// Unpinned, the lock is evictable again and the bound holds.
	release, err := r.Acquire(context.Background(), "e", time.Second)
	require.NoError(t, err)
	release()
	assert.LessOrEqual(t, r.Len(), 1)
}

func TestLockRegistrySerializationSurvivesCapacityChurn(t *testing.T) {
	r := NewLockRegistry(1)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Even-numbered goroutines churn through other user ids to
			// keep eviction pressure on "hot".
			if n%2 == 0 {
				for j := 0; j < 20; j++ {
					release, err := r.Acquire(context.Background(), fmt.Sprintf("cold-%d-%d", n, j), time.Second)
					if err == nil {
						release()
					}
				}
				return
			}
			for j := 0; j < 20; j++ {
				release, err := r.Acquire(context.Background(), "hot", 5*time.Second)
				require.NoError(t, err)
				cur := inFlight.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				inFlight.Add(-1)
				release()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "two concurrent holders for one user")
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	r := NewLockRegistry(16)
	release, err := r.Acquire(context.Background(), "u", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = r.Acquire(context.Background(), "u", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestExtractionFailureDoesNotFailWrite(t *testing.T) {
	gen := &overlapGenerator{content: "not json at all"}
	m, err := NewManager(gen, testDocs(t), nil, time.Second, nil)
	require.NoError(t, err)

	err = m.WriteMemory(context.Background(), "user-1", "s1", "q", "a")
	assert.NoError(t, err)

	profile, err := m.LoadProfile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, profile.Facts)
}

func TestLoadProfileUnknownUser(t *testing.T) {
	m, err := NewManager(nil, testDocs(t), nil, time.Second, nil)
	require.NoError(t, err)

	profile, err := m.LoadProfile(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", profile.UserID)
	assert.Empty(t, profile.Facts)
}
