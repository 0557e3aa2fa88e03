package state

import (
	"sync"

	"github.com/aquemy/ballast/pkg/backend"
)

// connRegistry tracks open proxied pairs so that drain timeouts and
// shutdown can force-close the sockets that outlived their deadline.
// Entries are keyed by the backend instance, not the id: after an
// address change the old and new instance share an id, and only the old
// one's sockets may be reaped.
type connRegistry struct {
	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]registeredConn
}

type registeredConn struct {
	target *backend.Backend
	close  func()
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[uint64]registeredConn)}
}

func (r *connRegistry) register(target *backend.Backend, closer func()) func() {
	r.mu.Lock()
	key := r.nextID
	r.nextID++
	r.conns[key] = registeredConn{target: target, close: closer}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.conns, key)
			r.mu.Unlock()
		})
	}
}

func (r *connRegistry) forceClose(target *backend.Backend) int {
	r.mu.Lock()
	victims := make([]func(), 0)
	for key, rc := range r.conns {
		if rc.target == target {
			victims = append(victims, rc.close)
			delete(r.conns, key)
		}
	}
	r.mu.Unlock()

	for _, close := range victims {
		close()
	}
	return len(victims)
}

func (r *connRegistry) forceCloseAll() int {
	r.mu.Lock()
	victims := make([]func(), 0, len(r.conns))
	for key, rc := range r.conns {
		victims = append(victims, rc.close)
		delete(r.conns, key)
	}
	r.mu.Unlock()

	for _, close := range victims {
		close()
	}
	return len(victims)
}
