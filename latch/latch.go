// Package latch implements the C4 component: a non-reentrant shared/
// exclusive latch used for short in-memory critical sections (node
// contents, the page cache's hash buckets, free-list bookkeeping). It is
// distinct from lockmgr's transaction-scoped row Lock.
//
// Grounded on the teacher's BLTRWLock/SpinLatch usage in bufmgr.go
// (PageLock/PageUnlock dispatching to readWr/access/parent sub-latches) and
// spec §4.3's "fixed number of spins before descending to OS park" contract,
// which the teacher's pure-spin implementation does not itself model.
package latch

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// spinLimit is how many times Acquire* busy-spins on the CAS before
// parking on the wait queue. Advisory, per spec §9's "thread-priority bumps
// ... are advisory and may be elided" sibling guidance for this kind of
// tunable.
const spinLimit = 64

// state bit layout: bit 31 is the exclusive bit; bits 0-30 are the shared
// holder count. A held-exclusive latch has state == exclusiveBit.
const exclusiveBit = uint32(1) << 31

// Latch is a non-reentrant, fair-ish shared/exclusive lock. Re-entry is
// not detected: acquiring it exclusively a second time on the same
// goroutine while already held deadlocks, and a second shared acquire
// simply adds another shared hold -- callers must release before
// re-entering, per spec §4.3.
type Latch struct {
	state uint32

	mu   sync.Mutex
	cond sync.Cond
	// initialized lazily so the zero value of Latch is usable.
	once sync.Once
}

func (l *Latch) initCond() {
	l.once.Do(func() { l.cond.L = &l.mu })
}

// TryAcquireShared attempts to add a shared holder without blocking.
func (l *Latch) TryAcquireShared() bool {
	for {
		s := atomic.LoadUint32(&l.state)
		if s&exclusiveBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&l.state, s, s+1) {
			return true
		}
	}
}

// AcquireShared blocks until a shared hold is granted.
func (l *Latch) AcquireShared() {
	for spins := 0; ; spins++ {
		if l.TryAcquireShared() {
			return
		}
		if spins < spinLimit {
			runtime.Gosched()
			continue
		}
		l.parkUntil(func() bool { return atomic.LoadUint32(&l.state)&exclusiveBit == 0 })
	}
}

// ReleaseShared releases one shared hold and wakes parked waiters.
func (l *Latch) ReleaseShared() {
	atomic.AddUint32(&l.state, ^uint32(0)) // -1
	l.wake()
}

// TryAcquireExclusive attempts to take the latch exclusively without
// blocking.
func (l *Latch) TryAcquireExclusive() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, exclusiveBit)
}

// AcquireExclusive blocks until the latch is held exclusively.
func (l *Latch) AcquireExclusive() {
	for spins := 0; ; spins++ {
		if l.TryAcquireExclusive() {
			return
		}
		if spins < spinLimit {
			runtime.Gosched()
			continue
		}
		l.parkUntil(func() bool { return atomic.LoadUint32(&l.state) == 0 })
	}
}

// ReleaseExclusive releases the exclusive hold and wakes parked waiters.
func (l *Latch) ReleaseExclusive() {
	atomic.StoreUint32(&l.state, 0)
	l.wake()
}

func (l *Latch) parkUntil(ready func() bool) {
	l.initCond()
	l.mu.Lock()
	for !ready() {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

// downgradeExclusiveToShared converts an exclusive hold into a single
// shared hold without ever exposing a state where the latch looks free,
// so a waiting AcquireExclusive can never sneak in between. Used by
// CommitLock.Downgrade.
func (l *Latch) downgradeExclusiveToShared() {
	atomic.StoreUint32(&l.state, 1)
	l.wake()
}

func (l *Latch) wake() {
	l.initCond()
	l.mu.Lock()
	l.cond.Broadcast()
	l.mu.Unlock()
}
