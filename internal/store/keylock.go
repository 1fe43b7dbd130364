package store

import (
	"slices"
	"sync"

	"github.com/atmx/parimutuel/internal/model"
)

// KeyLock hands out exclusive per-key locks. Entries are reference counted
// and dropped when no holder or waiter remains, so the map only grows with
// concurrently contended keys.
type KeyLock struct {
	mu    sync.Mutex
	locks map[model.ID]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[model.ID]*keyEntry)}
}

// Lock acquires every key in canonical order and returns a function that
// releases them. Duplicates are collapsed.
func (l *KeyLock) Lock(keys ...model.ID) (unlock func()) {
	ordered := canonicalKeys(keys)
	entries := make([]*keyEntry, len(ordered))

	for i, k := range ordered {
		l.mu.Lock()
		e, ok := l.locks[k]
		if !ok {
			e = &keyEntry{}
			l.locks[k] = e
		}
		e.refs++
		l.mu.Unlock()

		e.mu.Lock()
		entries[i] = e
	}

	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()

			l.mu.Lock()
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(l.locks, ordered[i])
			}
			l.mu.Unlock()
		}
	}
}

// canonicalKeys returns keys sorted and deduplicated. Acquiring in this
// order prevents deadlock between overlapping scopes.
func canonicalKeys(keys []model.ID) []model.ID {
	out := slices.Clone(keys)
	slices.SortFunc(out, func(a, b model.ID) int { return a.Compare(b) })
	return slices.Compact(out)
}
