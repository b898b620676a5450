package pool

import (
	"context"
	"sort"
	"sync"
)

// KeyLocks provides per-key mutual exclusion for concurrent executions.
// Each key gets a one-slot channel, so waiting for a key can be abandoned
// when the context ends.
type KeyLocks struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]chan struct{} // Per-key semaphores
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{
		locks: make(map[string]chan struct{}),
	}
}

func (k *KeyLocks) sem(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()

	ch, exists := k.locks[key]
	if !exists {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	return ch
}

// Lock acquires key, or returns the context's cause if ctx ends first.
func (k *KeyLocks) Lock(ctx context.Context, key string) error {
	select {
	case k.sem(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Unlock releases key. Unlocking a free key is a no-op.
func (k *KeyLocks) Unlock(key string) {
	select {
	case <-k.sem(key):
	default:
	}
}

// Held reports whether key is currently locked.
func (k *KeyLocks) Held(key string) bool {
	return len(k.sem(key)) == 1
}

// LockAll acquires every key in sorted order so that two callers with
// overlapping sets cannot deadlock. On failure the keys already taken
// are released.
func (k *KeyLocks) LockAll(ctx context.Context, keys []string) error {
	sorted := sortedKeys(keys)
	for i, key := range sorted {
		if err := k.Lock(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				k.Unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// UnlockAll releases keys in reverse sorted order.
func (k *KeyLocks) UnlockAll(keys []string) {
	sorted := sortedKeys(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(sorted[i])
	}
}

func sortedKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return sorted
}
