package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "order-7")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// non-atomic read-modify-write
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no entries left, got %d", m.Len())
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.LockContext(ctx, "7"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected no entries left, got %d", m.Len())
	}
}

func TestKeyedMutex_DistinctKeysIndependent(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock1, err := m.LockContext(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock1()

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(timeoutCtx, "2")
	if err != nil {
		t.Fatalf("different key blocked: %v", err)
	}
	unlock2()
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, ok := m.TryLock("9")
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := m.TryLock("9"); ok {
		t.Fatal("expected second TryLock to fail")
	}
	unlock()
	unlock() // second call is a no-op

	unlock, ok = m.TryLock("9")
	if !ok {
		t.Fatal("expected TryLock after unlock to succeed")
	}
	unlock()
}

func TestKeyedMutex_UnlockWakesWaiter(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire lock after release")
	}
}
