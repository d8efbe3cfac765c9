package setup

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/juju/clock"
)

// indexEntry orders setups by scheduled time, then key.
type indexEntry struct {
	at  time.Time
	key string
}

func lessEntry(a, b indexEntry) bool {
	if c := a.at.Compare(b.at); c != 0 {
		return c < 0
	}
	return a.key < b.key
}

// Registry is a concurrency-safe key to Setup store with a time index. The
// map and the index are only ever touched together, under one mutex, and
// the mutex is never held while callers do I/O.
type Registry struct {
	clock clock.Clock

	mu     sync.Mutex
	setups map[string]Setup
	index  *btree.BTreeG[indexEntry]
}

// NewRegistry returns an empty registry reading the time from clk.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		clock:  clk,
		setups: make(map[string]Setup),
		index:  btree.NewG(16, lessEntry),
	}
}

// Store inserts or replaces the setup under key. The index entry of a
// replaced setup is removed first.
func (r *Registry) Store(key string, s Setup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.setups[key]; ok {
		r.index.Delete(indexEntry{at: old.NextBackupTime, key: key})
	}
	r.setups[key] = s
	r.index.ReplaceOrInsert(indexEntry{at: s.NextBackupTime, key: key})
}

// Remove deletes key. Removing an absent key is a no-op.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.setups[key]
	if !ok {
		return
	}
	delete(r.setups, key)
	r.index.Delete(indexEntry{at: old.NextBackupTime, key: key})
}

// Retrieve returns the setup stored under key.
func (r *Registry) Retrieve(key string) (Setup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.setups[key]
	return s, ok
}

// Len returns the number of setups.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.setups)
}

// List yields all keys in sorted order, as of the call.
func (r *Registry) List() iter.Seq[string] {
	r.mu.Lock()
	keys := slices.Sorted(maps.Keys(r.setups))
	r.mu.Unlock()
	return slices.Values(keys)
}

// ListReadySetups yields the setups whose next backup time is at or before
// now, in ascending time order (ties by key), as of the call.
func (r *Registry) ListReadySetups() iter.Seq2[string, Setup] {
	now := r.clock.Now()

	type ready struct {
		key   string
		setup Setup
	}
	var snapshot []ready

	r.mu.Lock()
	r.index.Ascend(func(e indexEntry) bool {
		if e.at.After(now) {
			return false
		}
		snapshot = append(snapshot, ready{key: e.key, setup: r.setups[e.key]})
		return true
	})
	r.mu.Unlock()

	return func(yield func(string, Setup) bool) {
		for _, rs := range snapshot {
			if !yield(rs.key, rs.setup) {
				return
			}
		}
	}
}

// Check verifies that the index holds exactly one entry per setup, at the
// setup's current time.
func (r *Registry) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var problems []string
	if n, m := r.index.Len(), len(r.setups); n != m {
		problems = append(problems, fmt.Sprintf("index has %d entries, map has %d", n, m))
	}
	seen := make(map[string]bool, len(r.setups))
	r.index.Ascend(func(e indexEntry) bool {
		s, ok := r.setups[e.key]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("index entry %q has no setup", e.key))
		case !s.NextBackupTime.Equal(e.at):
			problems = append(problems, fmt.Sprintf("index entry %q is stale: %v != %v", e.key, e.at, s.NextBackupTime))
		case seen[e.key]:
			problems = append(problems, fmt.Sprintf("index entry %q is duplicated", e.key))
		}
		seen[e.key] = true
		return true
	})
	if len(problems) > 0 {
		return fmt.Errorf("setup registry inconsistent: %s", strings.Join(problems, "; "))
	}
	return nil
}
