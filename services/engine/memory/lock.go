// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory persists conversation facts per user, serialized by
// a per-user lock so writes for one user never interleave.
package memory

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a user's lock cannot be acquired in
// time. Callers log and skip the write rather than block a response.
var ErrLockTimeout = errors.New("memory lock acquisition timed out")

// DefaultLockCapacity bounds the registry; idle locks past the bound
// are evicted least-recently-used.
const DefaultLockCapacity = 1024

// userLock is a one-slot semaphore with LRU bookkeeping. waiters
// counts callers between pin and unpin, holders included; a lock with
// waiters > 0 must never be evicted, or two callers could hold fresh
// semaphores for the same user.
type userLock struct {
	sem     chan struct{}
	userID  string
	element *list.Element
	waiters int
}

// LockRegistry hands out one cooperative lock per user id. Locks are
// created lazily on first use and live until evicted.
//
// Thread Safety: all methods are safe for concurrent use.
type LockRegistry struct {
	mu       sync.Mutex
	locks    map[string]*userLock
	lru      *list.List
	capacity int
}

// NewLockRegistry builds a registry bounded to capacity locks.
func NewLockRegistry(capacity int) *LockRegistry {
	if capacity <= 0 {
		capacity = DefaultLockCapacity
	}
	return &LockRegistry{
		locks:    make(map[string]*userLock),
		lru:      list.New(),
		capacity: capacity,
	}
}

// Acquire takes the user's lock, waiting up to timeout.
//
// Outputs:
//
//	func() - Release; must be called exactly once on success.
//	error - ErrLockTimeout when the lock stayed held, or the
//	        context's error on cancellation.
func (r *LockRegistry) Acquire(ctx context.Context, userID string, timeout time.Duration) (func(), error) {
	lock := r.pin(userID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock.sem <- struct{}{}:
		release := func() {
			<-lock.sem
			r.unpin(lock)
		}
		return release, nil
	case <-timer.C:
		r.unpin(lock)
		return nil, fmt.Errorf("%w: user %s after %s", ErrLockTimeout, userID, timeout)
	case <-ctx.Done():
		r.unpin(lock)
		return nil, ctx.Err()
	}
}

// Len returns the current lock count.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// pin returns the user's lock with its waiter count incremented,
// creating it lazily and refreshing its LRU position. The caller must
// unpin exactly once, whether or not the semaphore was acquired.
func (r *LockRegistry) pin(userID string) *userLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[userID]
	if ok {
		r.lru.MoveToFront(lock.element)
	} else {
		lock = &userLock{sem: make(chan struct{}, 1), userID: userID}
		lock.element = r.lru.PushFront(lock)
		r.locks[userID] = lock
	}
	lock.waiters++

	r.evictOverCapacity()
	return lock
}

// unpin drops one waiter and retries any eviction the pin blocked.
func (r *LockRegistry) unpin(lock *userLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock.waiters--
	r.evictOverCapacity()
}

// evictOverCapacity drops least-recently-used locks until the bound
// holds or only pinned locks remain. Caller holds r.mu.
func (r *LockRegistry) evictOverCapacity() {
	for len(r.locks) > r.capacity {
		if !r.evictOldest() {
			return
		}
	}
}

// evictOldest drops the least-recently-used unpinned lock. Caller
// holds r.mu.
func (r *LockRegistry) evictOldest() bool {
	for el := r.lru.Back(); el != nil; el = el.Prev() {
		lock := el.Value.(*userLock)
		if lock.waiters > 0 {
			continue
		}
		r.lru.Remove(el)
		delete(r.locks, lock.userID)
		return true
	}
	return false
}
