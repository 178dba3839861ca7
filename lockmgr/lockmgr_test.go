package lockmgr

import (
	"context"
	"testing"
	"time"
)

func TestManager_SharedLocksAreCompatible(t *testing.T) {
	m := New(4)
	ctx := context.Background()

	if _, err := m.LockShared(ctx, 1, 0, []byte("a"), NoWait); err != nil {
		t.Fatalf("txn1 LockShared: %v", err)
	}
	if _, err := m.LockShared(ctx, 2, 0, []byte("a"), NoWait); err != nil {
		t.Fatalf("txn2 LockShared: %v", err)
	}
}

func TestManager_ExclusiveBlocksShared(t *testing.T) {
	m := New(4)
	ctx := context.Background()

	if _, err := m.LockExclusive(ctx, 1, 0, []byte("a"), Forever); err != nil {
		t.Fatalf("txn1 LockExclusive: %v", err)
	}
	res, err := m.LockShared(ctx, 2, 0, []byte("a"), NoWait)
	if err != nil {
		t.Fatalf("txn2 LockShared: %v", err)
	}
	if res != TimedOut {
		t.Fatalf("txn2 LockShared against txn1's exclusive hold = %v, want TimedOut", res)
	}
}

func TestManager_ReleaseUnblocksWaiter(t *testing.T) {
	m := New(4)
	ctx := context.Background()

	if _, err := m.LockExclusive(ctx, 1, 0, []byte("a"), Forever); err != nil {
		t.Fatalf("txn1 LockExclusive: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.LockExclusive(ctx, 2, 0, []byte("a"), Forever)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release(0, 1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("txn2 LockExclusive after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("txn2 never woke up after txn1 released")
	}
}

func TestManager_DeadlockDetected(t *testing.T) {
	m := New(4)
	ctx := context.Background()

	if _, err := m.LockExclusive(ctx, 1, 0, []byte("a"), Forever); err != nil {
		t.Fatalf("txn1 lock a: %v", err)
	}
	if _, err := m.LockExclusive(ctx, 2, 0, []byte("b"), Forever); err != nil {
		t.Fatalf("txn2 lock b: %v", err)
	}

	go func() {
		_, _ = m.LockExclusive(ctx, 1, 0, []byte("b"), Forever)
	}()
	time.Sleep(20 * time.Millisecond)

	if _, err := m.LockExclusive(ctx, 2, 0, []byte("a"), Forever); err == nil {
		t.Fatal("expected deadlock error for txn2 waiting on a cycle with txn1")
	}
}

func TestManager_AcquireForIsolation(t *testing.T) {
	m := New(4)
	ctx := context.Background()

	if _, err := m.AcquireForIsolation(ctx, 1, 0, []byte("a"), ReadUncommitted, NoWait); err != nil {
		t.Fatalf("ReadUncommitted should never block: %v", err)
	}
	// ReadUncommitted takes no lock at all, so an unrelated exclusive
	// holder must not block a second ReadUncommitted reader.
	if _, err := m.LockExclusive(ctx, 2, 0, []byte("a"), Forever); err != nil {
		t.Fatalf("txn2 LockExclusive: %v", err)
	}
	if _, err := m.AcquireForIsolation(ctx, 3, 0, []byte("a"), ReadUncommitted, NoWait); err != nil {
		t.Fatalf("ReadUncommitted under concurrent exclusive: %v", err)
	}
}
