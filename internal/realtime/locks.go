package realtime

import "sync"

// sessionLocks hands out one mutex per session id and forgets it once no
// goroutine holds or waits for it.
type sessionLocks struct {
	edit    sync.Mutex
	waiters map[string]int
	mutexes map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		waiters: make(map[string]int),
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (l *sessionLocks) Lock(key string) {
	l.edit.Lock()
	m := l.mutexes[key]
	if m == nil {
		m = &sync.Mutex{}
		l.mutexes[key] = m
	}
	l.waiters[key]++
	l.edit.Unlock()

	m.Lock()
}

func (l *sessionLocks) Unlock(key string) {
	l.edit.Lock()
	defer l.edit.Unlock()

	m := l.mutexes[key]
	if m == nil {
		return
	}
	m.Unlock()

	l.waiters[key]--
	if l.waiters[key] == 0 {
		delete(l.mutexes, key)
		delete(l.waiters, key)
	}
}

func (l *sessionLocks) size() int {
	l.edit.Lock()
	defer l.edit.Unlock()
	return len(l.mutexes)
}
