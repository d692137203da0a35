// Package locks provides an in-process keyed mutex. The orchestrator and the
// streak engine serialize their read-modify-write sections per user with it;
// the deployment is a single instance over one sqlite file, so no
// cross-process coordination is needed.
package locks

import "sync"

// PerKey hands out one mutex per key. Mutexes are retained for the process
// lifetime; the key space here is active user identifiers, which is small.
type PerKey struct {
	mutexes sync.Map
}

// Lock acquires the mutex for the key and returns its unlock function.
func (l *PerKey) Lock(key string) func() {
	value, _ := l.mutexes.LoadOrStore(key, &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}
