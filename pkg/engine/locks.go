package engine

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// lockTable hands out one mutex per key. Every mutation of a resource record
// or key task happens while holding its key's mutex, so each record has a
// single writer at a time. Provider calls are never made under a lock.
//
// Entries are reference counted and removed by the last holder to release,
// so the table only grows with the number of keys in use at once.
type lockTable struct {
	locks cmap.ConcurrentMap[string, *lockEntry]
}

type lockEntry struct {
	mu   sync.Mutex
	refs int // guarded by the map shard
}

func newLockTable() *lockTable {
	return &lockTable{locks: cmap.New[*lockEntry]()}
}

// lock acquires the mutex for key and returns its release func.
func (t *lockTable) lock(key string) func() {
	entry := t.locks.Upsert(key, nil, func(exist bool, cur *lockEntry, _ *lockEntry) *lockEntry {
		if !exist {
			cur = &lockEntry{}
		}
		cur.refs++
		return cur
	})
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		t.locks.RemoveCb(key, func(_ string, cur *lockEntry, exists bool) bool {
			if !exists || cur != entry {
				return false
			}
			cur.refs--
			return cur.refs == 0
		})
	}
}

// len reports how many keys currently have an entry.
func (t *lockTable) len() int {
	return t.locks.Count()
}

func taskLockKey(taskID string) string {
	return "task/" + taskID
}

func projectLockKey(name string) string {
	return "project/" + name
}
