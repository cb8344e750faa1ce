package engine

import "sync"

// lockTable serializes work per vehicle assignment without blocking unrelated
// vehicles. Entries are reference-counted so the table does not grow with the
// lifetime of the process.
type lockTable struct {
    mu    sync.Mutex
    locks map[string]*entry
}

type entry struct {
    mu   sync.Mutex
    refs int
}

func newLockTable() *lockTable {
    return &lockTable{locks: map[string]*entry{}}
}

// acquire blocks until the per-key lock is held and returns the release func.
func (t *lockTable) acquire(key string) func() {
    t.mu.Lock()
    e := t.locks[key]
    if e == nil {
        e = &entry{}
        t.locks[key] = e
    }
    e.refs++
    t.mu.Unlock()

    e.mu.Lock()
    return func() {
        e.mu.Unlock()
        t.mu.Lock()
        e.refs--
        if e.refs == 0 {
            delete(t.locks, key)
        }
        t.mu.Unlock()
    }
}
