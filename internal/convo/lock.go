package convo

import "sync"

type lockKey struct {
	userID int64
	chatID int64
}

// lockTable hands out one mutex per conversation. Entries are refcounted
// and removed when the last holder releases, so the table stays bounded by
// the number of in-flight conversations.
type lockTable struct {
	mu      sync.Mutex
	entries map[lockKey]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[lockKey]*lockEntry)}
}

func (t *lockTable) acquire(k lockKey) func() {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok {
		e = &lockEntry{}
		t.entries[k] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, k)
		}
		t.mu.Unlock()
	}
}
