package votes

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type voterKey struct {
	noteID int64
	userID int64
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes work per (note, user). Entries are reference counted
// and dropped once the last holder releases, so idle voters cost nothing.
type keyedMutex struct {
	entries *xsync.MapOf[voterKey, *keyLockEntry]
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: xsync.NewMapOf[voterKey, *keyLockEntry]()}
}

func (k *keyedMutex) lock(key voterKey) func() {
	entry, _ := k.entries.Compute(key, func(old *keyLockEntry, loaded bool) (*keyLockEntry, bool) {
		if !loaded {
			old = &keyLockEntry{}
		}
		old.refs++
		return old, false
	})
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.entries.Compute(key, func(old *keyLockEntry, loaded bool) (*keyLockEntry, bool) {
			if !loaded {
				return old, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

func (k *keyedMutex) size() int {
	return k.entries.Size()
}
