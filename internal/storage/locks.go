package storage

import (
	"fmt"
	"sync"
	"time"
)

// lockEntry is one keyed mutex plus the last time it was acquired, so the
// arena can be swept for quiescent entries without a background goroutine.
type lockEntry struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// LockArena is a pool of mutexes keyed by (fact_id, agent_id), serializing
// concurrent votes by the same agent on the same fact; votes from different
// agents take different mutexes and are serialized only by the writer
// mutex. Entries are evicted lazily on insertion once they have been
// quiescent past quiescenceWindow, so the map never grows unbounded across
// the lifetime of a long-running process.
type LockArena struct {
	mu               sync.Mutex
	entries          map[string]*lockEntry
	quiescenceWindow time.Duration
}

// DefaultQuiescenceWindow is how long an idle lock entry survives before a
// sweep may reclaim it.
const DefaultQuiescenceWindow = 5 * time.Minute

// NewLockArena creates an arena using DefaultQuiescenceWindow.
func NewLockArena() *LockArena {
	return &LockArena{
		entries:          make(map[string]*lockEntry),
		quiescenceWindow: DefaultQuiescenceWindow,
	}
}

func voteKey(factID int64, agentID string) string {
	return fmt.Sprintf("%d:%s", factID, agentID)
}

// Lock acquires the mutex for (factID, agentID), creating it on first use
// and sweeping stale entries opportunistically. The returned func releases
// the lock and must be called exactly once.
func (a *LockArena) Lock(factID int64, agentID string) func() {
	key := voteKey(factID, agentID)

	a.mu.Lock()
	a.sweepLocked()
	entry, ok := a.entries[key]
	if !ok {
		entry = &lockEntry{}
		a.entries[key] = entry
	}
	entry.lastUsed = time.Now()
	a.mu.Unlock()

	entry.mu.Lock()
	return entry.mu.Unlock
}

// sweepLocked removes entries idle past the quiescence window. Must be
// called with a.mu held. A lock currently held elsewhere is never removed
// because TryLock fails on it.
func (a *LockArena) sweepLocked() {
	cutoff := time.Now().Add(-a.quiescenceWindow)
	for key, entry := range a.entries {
		if entry.lastUsed.After(cutoff) {
			continue
		}
		if entry.mu.TryLock() {
			entry.mu.Unlock()
			delete(a.entries, key)
		}
	}
}
