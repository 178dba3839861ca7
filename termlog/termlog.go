// Package termlog implements C9: the append-only, range-tracking log
// replication uses for one term, with commit wait/notify, gap detection
// and term truncation. No teacher analogue exists (the teacher has no
// replication at all); grounded on
// intellect4all-storage-engines/btree/wal.go's segment-append/fsync idiom
// and other_examples/22755354_Chocapikk-pgdump-offline__pgdump-wal.go.go's
// gap/range bookkeeping style, reshaped to spec §4.6's exact contract.
package termlog

import (
	"math"
	"sort"
	"sync"

	"github.com/ryogrid/duskbase/internal/duskerr"
)

// Index is a position in a term's monotonically increasing index space.
type Index = int64

// Unbounded is the endIndex sentinel for a term that has not finished,
// spec §4.6's Long.MAX_VALUE.
const Unbounded Index = math.MaxInt64

// byteRange is a half-open [start, end) span of indices that has been
// written (not necessarily committed).
type byteRange struct {
	start, end Index
}

// TermLog is a per-term append log over a segmented backing store.
type TermLog struct {
	term      int64
	prevTerm  int64
	prevIndex Index

	segs *segmentStore

	mu           sync.Mutex
	cond         sync.Cond
	ranges       []byteRange // sorted, non-overlapping, written spans
	highestIndex Index       // largest contiguous index written from prevIndex
	commitIndex  Index
	endIndex     Index // Unbounded until finish_term
}

// Open creates a TermLog for (term, prevTerm, prevIndex) backed by dir,
// starting empty at prevIndex.
func Open(dir string, term, prevTerm int64, prevIndex Index) (*TermLog, error) {
	segs, err := openSegmentStore(dir)
	if err != nil {
		return nil, err
	}
	t := &TermLog{
		term:         term,
		prevTerm:     prevTerm,
		prevIndex:    prevIndex,
		segs:         segs,
		highestIndex: prevIndex,
		commitIndex:  prevIndex,
		endIndex:     Unbounded,
	}
	t.cond.L = &t.mu
	return t, nil
}

func (t *TermLog) Term() int64      { return t.term }
func (t *TermLog) PrevTerm() int64  { return t.prevTerm }
func (t *TermLog) PrevIndex() Index { return t.prevIndex }

func (t *TermLog) HighestIndex() Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highestIndex
}

func (t *TermLog) CommitIndex() Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitIndex
}

func (t *TermLog) EndIndex() Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endIndex
}

// write appends buf starting at index, returning the number of bytes
// actually written (0 if index is already >= endIndex, a short count if
// [index, index+len(buf)) crosses endIndex). Called by LogWriter.Write.
func (t *TermLog) write(index Index, buf []byte) (int, error) {
	t.mu.Lock()
	end := t.endIndex
	t.mu.Unlock()

	if index >= end {
		return 0, nil
	}
	n := len(buf)
	if index+Index(n) > end {
		n = int(end - index)
		buf = buf[:n]
	}
	if n == 0 {
		return 0, nil
	}
	if err := t.segs.writeAt(index, buf); err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.insertRangeLocked(byteRange{start: index, end: index + Index(n)})
	t.recomputeHighestLocked()
	t.mu.Unlock()
	return n, nil
}

// insertRangeLocked merges r into t.ranges, coalescing overlaps/adjacency.
func (t *TermLog) insertRangeLocked(r byteRange) {
	merged := append(t.ranges, r)
	sort.Slice(merged, func(i, j int) bool { return merged[i].start < merged[j].start })
	out := merged[:0]
	for _, cur := range merged {
		if len(out) > 0 && cur.start <= out[len(out)-1].end {
			if cur.end > out[len(out)-1].end {
				out[len(out)-1].end = cur.end
			}
			continue
		}
		out = append(out, cur)
	}
	t.ranges = out
}

func (t *TermLog) recomputeHighestLocked() {
	for _, r := range t.ranges {
		if r.start <= t.highestIndex && r.end > t.highestIndex {
			t.highestIndex = r.end
		}
	}
}

// read reads up to len(buf) bytes starting at index from already-written
// data, returning the count actually available contiguously (0 if index
// has no data yet).
func (t *TermLog) read(index Index, buf []byte) (int, error) {
	t.mu.Lock()
	avail := Index(0)
	for _, r := range t.ranges {
		if r.start <= index && index < r.end {
			avail = r.end - index
			break
		}
	}
	t.mu.Unlock()
	if avail <= 0 {
		return 0, nil
	}
	n := len(buf)
	if Index(n) > avail {
		n = int(avail)
	}
	if err := t.segs.readAt(index, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// Commit advances commitIndex monotonically (lower values ignored) and
// wakes every waiter whose waitFor <= commitIndex.
func (t *TermLog) Commit(index Index) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index > t.endIndex {
		index = t.endIndex
	}
	if index > t.commitIndex {
		t.commitIndex = index
	}
	t.cond.Broadcast()
}

// WaitForCommit blocks until commitIndex >= waitFor or the term finishes
// with endIndex < waitFor (returning -1), per spec §4.6.
func (t *TermLog) WaitForCommit(waitFor Index) Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.commitIndex >= waitFor {
			return t.commitIndex
		}
		if t.endIndex < waitFor {
			return -1
		}
		t.cond.Wait()
	}
}

// UponCommit registers fn to run (in its own goroutine) as soon as
// commitIndex >= waitFor, or immediately with -1 if the term has already
// finished short of waitFor.
func (t *TermLog) UponCommit(waitFor Index, fn func(Index)) {
	go fn(t.WaitForCommit(waitFor))
}

// FinishTerm sets endIndex, truncating any recorded range strictly past
// index and clamping highestIndex, per spec §4.6's finish_term contract.
func (t *TermLog) FinishTerm(index Index) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index == t.endIndex {
		return nil
	}
	if index > t.endIndex {
		return duskerr.ErrIllegalState
	}
	if index < t.commitIndex {
		return duskerr.ErrIllegalArgument
	}

	out := t.ranges[:0]
	for _, r := range t.ranges {
		if r.start >= index {
			continue
		}
		if r.end > index {
			r.end = index
		}
		out = append(out, r)
	}
	t.ranges = out
	if t.highestIndex > index {
		t.highestIndex = index
	}
	t.endIndex = index
	t.cond.Broadcast()
	return nil
}

// RangeSink receives gaps reported by CheckForMissingData.
type RangeSink interface {
	Range(start, end Index)
}

type RangeSinkFunc func(start, end Index)

func (f RangeSinkFunc) Range(start, end Index) { f(start, end) }

// CheckForMissingData reports, via sink.Range, every gap between
// contiguousUpTo and the end of the last written range, plus the trailing
// gap up to endIndex once the term is finished (none while endIndex is
// Unbounded), and returns the new contiguous upper bound, per spec
// §4.6/Testable Property 7. Passing Unbounded returns it unchanged and
// reports nothing.
func (t *TermLog) CheckForMissingData(contiguousUpTo Index, sink RangeSink) Index {
	t.mu.Lock()
	ranges := append([]byteRange(nil), t.ranges...)
	end := t.endIndex
	t.mu.Unlock()

	if contiguousUpTo == Unbounded {
		return contiguousUpTo
	}

	cursor := contiguousUpTo
	newContiguous := contiguousUpTo
	extendingContiguous := true

	for _, r := range ranges {
		if r.end <= cursor {
			continue
		}
		if r.start > cursor {
			sink.Range(cursor, r.start)
			extendingContiguous = false
		}
		cursor = r.end
		if extendingContiguous {
			newContiguous = cursor
		}
	}
	if end != Unbounded && cursor < end {
		sink.Range(cursor, end)
	}
	return newContiguous
}

// Sync fsyncs the backing segment files. The first call on an empty term
// is a no-op, matching the teacher-idiom wal.go's guard against syncing
// a file that was never written.
func (t *TermLog) Sync() error {
	t.mu.Lock()
	empty := len(t.ranges) == 0
	t.mu.Unlock()
	if empty {
		return nil
	}
	return t.segs.sync()
}

// Close releases the backing segment files.
func (t *TermLog) Close() error { return t.segs.close() }
