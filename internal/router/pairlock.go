// internal/router/pairlock.go
package router

import "sync"

type pairMutex struct {
	mu   sync.Mutex
	refs int
}

// pairLocks serializes membership changes of one (session, player) pair:
// a join and its bind, or a liveness check and the leave it decides.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairMutex
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairMutex)}
}

// Lock blocks until the pair is free and returns its unlock function.
// Never hold two pairs at once.
func (p *pairLocks) Lock(code, playerID string) (unlock func()) {
	key := pairKey{code, playerID}

	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &pairMutex{}
		p.locks[key] = m
	}
	m.refs++
	p.mu.Unlock()

	m.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Unlock()
			p.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(p.locks, key)
			}
			p.mu.Unlock()
		})
	}
}
