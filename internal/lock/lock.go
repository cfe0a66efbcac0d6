// Package lock serializes work per user. Every read-modify-write of a wallet record
// and every trade submission happens while holding the user's key.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotHeld = errors.New("lock: not held")

// Unlock releases a held key. Calling it more than once is a no-op.
type Unlock func()

type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock returns immediately; ok is false when another holder has key.
	TryLock(ctx context.Context, key string) (Unlock, bool, error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Idle keys are dropped from the map.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*entry)}
}

func (k *KeyedMutex) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.keys[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.keys[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.keys, key)
	}
}

func (k *KeyedMutex) unlocker(key string, e *entry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	e := k.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return k.unlocker(key, e), nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	e := k.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return k.unlocker(key, e), true, nil
	default:
		k.release(key, e)
		return nil, false, nil
	}
}

// Held reports whether key is currently locked in this process.
func (k *KeyedMutex) Held(key string) bool {
	k.mu.Lock()
	e, ok := k.keys[key]
	k.mu.Unlock()
	return ok && len(e.sem) == 1
}
