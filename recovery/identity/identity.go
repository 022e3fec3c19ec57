// Package identity derives operation ids and serializes concurrent
// attempts against the same id.
package identity

import (
	"sync"

	"github.com/google/uuid"
)

// OverrideKey is the reserved argument key a caller uses to pin an
// operation id for resumption.
const OverrideKey = "_recovery_operation_id"

// New generates a fresh version-4 UUID operation id.
func New() string {
	return uuid.New().String()
}

// KeyFunc computes a stable operation id from call arguments, enabling
// deduplication of logically-identical in-flight calls.
type KeyFunc func(args, kwargs interface{}) string

// Locks serializes concurrent advances of the same operation id: at most
// one wrapper instance may hold an id's lock at a time, so two callers
// racing on the same id observe one another's terminal state rather than
// corrupting shared state. Entries are reference-counted and removed once
// the last holder releases, so the table stays bounded by the number of
// in-flight ids rather than growing with every id ever seen.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu      sync.Mutex
	holders int
}

// NewLocks creates an empty per-id lock table.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*idLock)}
}

// Acquire blocks until the lock for id is held by the caller, then
// returns a release function. Release must be called exactly once.
func (l *Locks) Acquire(id string) (release func()) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &idLock{}
		l.locks[id] = e
	}
	e.holders++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.holders--
		if e.holders == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
