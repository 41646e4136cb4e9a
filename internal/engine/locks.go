package engine

import "sync"

// entityLocks serializes work per entity; different entities never contend.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

// lock acquires the entity's lock and returns its release func.
func (l *entityLocks) lock(entityID string) func() {
	l.mu.Lock()
	el, ok := l.locks[entityID]
	if !ok {
		el = &entityLock{}
		l.locks[entityID] = el
	}
	el.refs++
	l.mu.Unlock()

	el.Lock()
	return func() {
		el.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, entityID)
		}
		l.mu.Unlock()
	}
}
