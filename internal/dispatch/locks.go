package dispatch

import (
	"hash/fnv"
	"sync"
)

// stripedLocks serializes work per aggregate without holding one global
// lock. Aggregates hash onto a fixed set of mutexes, so two distinct
// aggregates may share a stripe but a single aggregate always maps to the
// same one.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu
}
