package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestKeyLocks_BasicLockUnlock verifies basic lock/unlock operations.
func TestKeyLocks_BasicLockUnlock(t *testing.T) {
	locks := NewKeyLocks()
	ctx := context.Background()

	if err := locks.Lock(ctx, "db"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if !locks.Held("db") {
		t.Error("expected key to be held")
	}
	locks.Unlock("db")
	if locks.Held("db") {
		t.Error("expected key to be free")
	}

	// Unlocking a free key is harmless.
	locks.Unlock("db")

	if err := locks.Lock(ctx, "db"); err != nil {
		t.Fatalf("Lock() after unlock error = %v", err)
	}
	locks.Unlock("db")
}

// TestKeyLocks_SameKeyBlocks verifies that locking the same key blocks concurrent access.
func TestKeyLocks_SameKeyBlocks(t *testing.T) {
	locks := NewKeyLocks()
	orderChan := make(chan int, 2)

	go func() {
		locks.Lock(context.Background(), "db")
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		locks.Unlock("db")
	}()

	time.Sleep(10 * time.Millisecond)

	go func() {
		locks.Lock(context.Background(), "db")
		orderChan <- 2
		locks.Unlock("db")
	}()

	first := <-orderChan
	second := <-orderChan

	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestKeyLocks_DifferentKeysConcurrent verifies that different keys don't block each other.
func TestKeyLocks_DifferentKeysConcurrent(t *testing.T) {
	locks := NewKeyLocks()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		locks.Lock(context.Background(), "a")
		aLocked.Store(true)
		time.Sleep(20 * time.Millisecond)
		locks.Unlock("a")
	}()
	go func() {
		defer wg.Done()
		locks.Lock(context.Background(), "b")
		bLocked.Store(true)
		time.Sleep(20 * time.Millisecond)
		locks.Unlock("b")
	}()

	time.Sleep(10 * time.Millisecond)

	if !aLocked.Load() || !bLocked.Load() {
		t.Error("Both goroutines should have acquired their locks concurrently")
	}

	wg.Wait()
}

// TestKeyLocks_LockAllOrdering verifies that LockAll sorts and prevents deadlocks.
func TestKeyLocks_LockAllOrdering(t *testing.T) {
	locks := NewKeyLocks()
	var wg sync.WaitGroup
	ctx := context.Background()

	wg.Add(2)
	go func() {
		defer wg.Done()
		locks.LockAll(ctx, []string{"b", "a"})
		time.Sleep(10 * time.Millisecond)
		locks.UnlockAll([]string{"b", "a"})
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		locks.LockAll(ctx, []string{"a", "b"})
		time.Sleep(10 * time.Millisecond)
		locks.UnlockAll([]string{"a", "b"})
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deadlock detected: LockAll did not prevent deadlock through ordering")
	}
}

// TestKeyLocks_LockAllHonoursContext verifies that a cancelled wait releases partial locks.
func TestKeyLocks_LockAllHonoursContext(t *testing.T) {
	locks := NewKeyLocks()
	if err := locks.Lock(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("gave up")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(cause)
	}()

	err := locks.LockAll(ctx, []string{"a", "b"})
	if !errors.Is(err, cause) {
		t.Fatalf("LockAll() error = %v, want %v", err, cause)
	}
	if locks.Held("a") {
		t.Error("partially acquired key was not released")
	}
	if !locks.Held("b") {
		t.Error("key held by another owner was released")
	}
}

// TestKeyLocks_EmptyKeys verifies that empty key sets are no-ops.
func TestKeyLocks_EmptyKeys(t *testing.T) {
	locks := NewKeyLocks()
	if err := locks.LockAll(context.Background(), nil); err != nil {
		t.Fatalf("LockAll(nil) error = %v", err)
	}
	locks.UnlockAll(nil)
}
