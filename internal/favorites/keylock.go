package favorites

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// keyLock is a fixed set of mutexes striped by key hash. Two keys may share a
// stripe; one key always maps to the same stripe.
type keyLock struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripe for key and returns its unlock function.
func (l *keyLock) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}
