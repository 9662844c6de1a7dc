// Per-key mutual exclusion, for when one mutex per possible key would be too many
package mutexmap

import (
	"context"
	"sync"
)

// Think of this as an infinite number of named bathroom stalls. Each named stall can only
// be occupied by one person. Lock() waits for the stall, TryLock() walks away if occupied.
// Either way you leave the stall by calling the unlock func you were handed.
type M[K comparable] struct {
	// value is closed when the holder unlocks, so waiters know to retry
	locks    map[K]chan struct{}
	masterMu sync.Mutex
}

func New[K comparable]() *M[K] {
	return &M[K]{
		locks: map[K]chan struct{}{},
	}
}

func (m *M[K]) Lock(key K) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// like Lock(), but gives up when ctx is done
func (m *M[K]) LockContext(ctx context.Context, key K) (func(), error) {
	for {
		unlock, released := m.tryLockInternal(key)
		if unlock != nil {
			return unlock, nil
		}

		// not guaranteed to get it after release, someone else might be quicker
		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// returns false if someone holds the key. when true, you have to call the unlock func
func (m *M[K]) TryLock(key K) (func(), bool) {
	unlock, _ := m.tryLockInternal(key)
	return unlock, unlock != nil
}

func (m *M[K]) Held(key K) bool {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	_, held := m.locks[key]
	return held
}

// either returns "unlock" func or a chan whose close signals the current holder left
func (m *M[K]) tryLockInternal(key K) (func(), <-chan struct{}) {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	if released, held := m.locks[key]; held {
		return nil, released
	}

	released := make(chan struct{})
	m.locks[key] = released

	once := sync.Once{}

	return func() {
		once.Do(func() {
			m.masterMu.Lock()
			defer m.masterMu.Unlock()

			delete(m.locks, key)
			close(released)
		})
	}, nil
}
