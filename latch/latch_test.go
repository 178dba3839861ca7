package latch

import (
	"sync"
	"testing"
	"time"
)

func TestLatch_SharedAllowsMultipleReaders(t *testing.T) {
	var l Latch
	l.AcquireShared()
	if l.TryAcquireShared() == false {
		t.Fatal("second shared acquire should not be blocked by the first")
	}
	l.ReleaseShared()
	l.ReleaseShared()
}

func TestLatch_ExclusiveExcludesShared(t *testing.T) {
	var l Latch
	l.AcquireExclusive()
	if l.TryAcquireShared() {
		t.Fatal("shared acquire should fail while exclusive is held")
	}
	l.ReleaseExclusive()
	if !l.TryAcquireShared() {
		t.Fatal("shared acquire should succeed once exclusive is released")
	}
	l.ReleaseShared()
}

func TestLatch_ExclusiveIsMutuallyExclusive(t *testing.T) {
	var l Latch
	if !l.TryAcquireExclusive() {
		t.Fatal("first exclusive acquire should succeed")
	}
	if l.TryAcquireExclusive() {
		t.Fatal("second exclusive acquire should fail while held")
	}

	done := make(chan struct{})
	go func() {
		l.AcquireExclusive()
		close(done)
		l.ReleaseExclusive()
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("blocked AcquireExclusive returned before the holder released")
	default:
	}

	l.ReleaseExclusive()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireExclusive never woke up after release")
	}
}

func TestCommitLock_DowngradeLetsReadersIn(t *testing.T) {
	var c CommitLock
	c.AcquireWrite()
	c.Downgrade()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.AcquireRead()
		c.ReleaseRead()
	}()
	wg.Wait()
	c.ReleaseRead()
}
