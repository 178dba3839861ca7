// Package btree implements C6 (Node) and C7 (BTree): the copy-on-write
// B+ tree built over a pagestore.PageDb.
//
// Node's binary layout, binary search, in-place compaction and the overall
// "pages allocated from low and high ends, split at the 50% mark" shape are
// grounded directly on the teacher's bltree.go (Key/Value/KeyOffset/
// SetKeyOffset/Dead/SetDead/ClearSlot accessors and the cleanPage garbage
// collector at bltree.go:513-636), reworked from the teacher's 1-byte
// length-prefixed C-struct-style layout into a flags+varint-free,
// length-prefixed layout that supports duskbase's 64-bit page ids and
// fragmented (out-of-line) entries, which the teacher does not support.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ryogrid/duskbase/internal/duskerr"
	"github.com/ryogrid/duskbase/latch"
	"github.com/ryogrid/duskbase/pagefile"
)

// Node type-byte bit fields, per spec §3.
const (
	flagLeaf         byte = 1 << 0
	flagInternal     byte = 1 << 1
	flagLowExtremity byte = 1 << 2
	flagHighExtremity byte = 1 << 3
	flagStub         byte = 1 << 4
)

// Fixed page header layout.
const (
	hdrType    = 0
	hdrLvl     = 1
	hdrCnt     = 2 // uint16
	hdrAct     = 4 // uint16
	hdrMin     = 6 // uint16, lowest in-use byte offset of the entry tail region
	hdrGarbage = 8 // uint16, bytes reclaimable by compaction
	hdrRight   = 10 // uint64: leaf right-sibling page id, or an internal node's rightmost (beyond the last separator) child
	hdrStubID  = 18 // uint64: id of the root that replaced this page, valid only when flagStub is set
	NodeHeaderSize = 32

	entryFlagDead       byte = 1 << 0
	entryFlagFragmented byte = 1 << 1
)

// Split is the transient descriptor staged on a Node mid-split, per spec
// §4.5. It is never serialized; it lives only in the in-memory Node while
// readers route around it during descent and the parent has not yet
// absorbed the new sibling.
type Split struct {
	SeparatorKey []byte
	RightPageID  pagefile.PageID
	RightNode    *Node
}

// Node is the in-memory, latched representation of one B+ tree page.
type Node struct {
	PageID   pagefile.PageID
	buf      []byte // PageSize() bytes, raw page contents
	pageSize int

	Latch latch.Latch

	// transient, never serialized:
	Split       *Split
	usedRecently bool   // clock "used recently" bit for the cache's eviction pass
	nodeMapNext *Node   // intrusive hash-map chaining in the page cache
	dirty       bool
}

// NewNode allocates a zeroed leaf node of the given page size.
func NewNode(id pagefile.PageID, pageSize int) *Node {
	n := &Node{PageID: id, buf: make([]byte, pageSize), pageSize: pageSize}
	n.setType(flagLeaf)
	n.setMin(uint16(pageSize))
	return n
}

// LoadNode wraps an already-read page buffer (exactly pageSize bytes) as a
// Node, e.g. after PageDb.ReadPage.
func LoadNode(id pagefile.PageID, buf []byte) *Node {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return &Node{PageID: id, buf: cp, pageSize: len(buf)}
}

// Bytes returns the raw page buffer, e.g. to hand to PageDb.WritePage.
func (n *Node) Bytes() []byte { return n.buf }

func (n *Node) MarkDirty()   { n.dirty = true }
func (n *Node) IsDirty() bool { return n.dirty }
func (n *Node) ClearDirty()  { n.dirty = false }

func (n *Node) typeByte() byte        { return n.buf[hdrType] }
func (n *Node) setType(f byte)        { n.buf[hdrType] = f }
func (n *Node) hasFlag(f byte) bool   { return n.buf[hdrType]&f != 0 }
func (n *Node) setFlag(f byte, v bool) {
	if v {
		n.buf[hdrType] |= f
	} else {
		n.buf[hdrType] &^= f
	}
}

func (n *Node) IsLeaf() bool         { return n.hasFlag(flagLeaf) }
func (n *Node) IsInternal() bool     { return n.hasFlag(flagInternal) }
func (n *Node) IsStub() bool         { return n.hasFlag(flagStub) }
func (n *Node) LowExtremity() bool   { return n.hasFlag(flagLowExtremity) }
func (n *Node) HighExtremity() bool  { return n.hasFlag(flagHighExtremity) }
func (n *Node) SetLowExtremity(v bool)  { n.setFlag(flagLowExtremity, v) }
func (n *Node) SetHighExtremity(v bool) { n.setFlag(flagHighExtremity, v) }

// MakeStub converts n (the former root) in place into a sentinel stub node
// recording the page id of the root that replaced it, per spec §3/§4.5.
func (n *Node) MakeStub(newRootID pagefile.PageID) {
	n.setType(flagStub)
	n.SetCnt(0)
	n.SetAct(0)
	binary.LittleEndian.PutUint64(n.buf[hdrStubID:], uint64(newRootID))
	n.MarkDirty()
}

// StubFormerRoot returns the page id MakeStub recorded: the root that
// replaced this stub's page.
func (n *Node) StubFormerRoot() pagefile.PageID {
	return pagefile.PageID(binary.LittleEndian.Uint64(n.buf[hdrStubID:]))
}

func (n *Node) Lvl() uint8     { return n.buf[hdrLvl] }
func (n *Node) SetLvl(l uint8) { n.buf[hdrLvl] = l }

func (n *Node) Cnt() uint16     { return binary.LittleEndian.Uint16(n.buf[hdrCnt:]) }
func (n *Node) SetCnt(c uint16) { binary.LittleEndian.PutUint16(n.buf[hdrCnt:], c) }

func (n *Node) Act() uint16     { return binary.LittleEndian.Uint16(n.buf[hdrAct:]) }
func (n *Node) SetAct(a uint16) { binary.LittleEndian.PutUint16(n.buf[hdrAct:], a) }

func (n *Node) min() uint16     { return binary.LittleEndian.Uint16(n.buf[hdrMin:]) }
func (n *Node) setMin(m uint16) { binary.LittleEndian.PutUint16(n.buf[hdrMin:], m) }

func (n *Node) Garbage() uint16     { return binary.LittleEndian.Uint16(n.buf[hdrGarbage:]) }
func (n *Node) setGarbage(g uint16) { binary.LittleEndian.PutUint16(n.buf[hdrGarbage:], g) }

// Right is the leaf right-sibling page id (0 if none), or for an internal
// node the child beyond the last separator.
func (n *Node) Right() pagefile.PageID { return pagefile.PageID(binary.LittleEndian.Uint64(n.buf[hdrRight:])) }
func (n *Node) SetRight(id pagefile.PageID) {
	binary.LittleEndian.PutUint64(n.buf[hdrRight:], uint64(id))
}

func (n *Node) slotOffset(i int) int { return NodeHeaderSize + i*2 }

func (n *Node) entryOffset(i int) uint16 {
	return binary.LittleEndian.Uint16(n.buf[n.slotOffset(i):])
}

func (n *Node) setEntryOffset(i int, off uint16) {
	binary.LittleEndian.PutUint16(n.buf[n.slotOffset(i):], off)
}

// freeSpace is the number of unused bytes between the search vector's end
// and the entry tail region's start.
func (n *Node) freeSpace() int {
	vectorEnd := NodeHeaderSize + int(n.Cnt())*2
	return int(n.min()) - vectorEnd
}

// entry layout accessors -----------------------------------------------

func (n *Node) entryFlags(i int) byte { return n.buf[n.entryOffset(i)] }

func (n *Node) IsDead(i int) bool { return n.entryFlags(i)&entryFlagDead != 0 }

func (n *Node) SetDead(i int, dead bool) {
	off := n.entryOffset(i)
	if dead {
		n.buf[off] |= entryFlagDead
	} else {
		n.buf[off] &^= entryFlagDead
	}
}

func (n *Node) isFragmented(i int) bool { return n.entryFlags(i)&entryFlagFragmented != 0 }

func (n *Node) keyLen(i int) int {
	off := n.entryOffset(i)
	return int(binary.LittleEndian.Uint16(n.buf[off+1:]))
}

// Key returns entry i's key bytes (shared with the page buffer; callers
// must not retain across a mutation).
func (n *Node) Key(i int) []byte {
	off := int(n.entryOffset(i))
	kl := n.keyLen(i)
	return n.buf[off+3 : off+3+kl]
}

// childValueOffset is where the fixed-size trailing value (child page id
// for internal nodes, inline value/fragment-header for leaves) begins.
func (n *Node) childValueOffset(i int) int {
	off := int(n.entryOffset(i))
	return off + 3 + n.keyLen(i)
}

// ChildPageID reads the child pointer of an internal entry.
func (n *Node) ChildPageID(i int) pagefile.PageID {
	vo := n.childValueOffset(i)
	return pagefile.PageID(binary.LittleEndian.Uint64(n.buf[vo:]))
}

// SetChildPageID overwrites an internal entry's child pointer in place.
func (n *Node) SetChildPageID(i int, id pagefile.PageID) {
	vo := n.childValueOffset(i)
	binary.LittleEndian.PutUint64(n.buf[vo:], uint64(id))
	n.MarkDirty()
}

// FindChildSlot returns the index of the internal entry whose ChildPageID
// is childID, or -1 if childID is instead this node's Right() pointer.
func (n *Node) FindChildSlot(childID pagefile.PageID) int {
	for i := 0; i < int(n.Cnt()); i++ {
		if n.ChildPageID(i) == childID {
			return i
		}
	}
	return -1
}

// Value returns a leaf entry's inline value. For a fragmented entry, use
// frag.go's reader instead -- IsFragmented reports which applies.
func (n *Node) Value(i int) []byte {
	vo := n.childValueOffset(i)
	vl := int(binary.LittleEndian.Uint32(n.buf[vo:]))
	return n.buf[vo+4 : vo+4+vl]
}

func (n *Node) IsFragmented(i int) bool { return n.isFragmented(i) }

// FragmentHeader returns (totalLength, firstPageID) for a fragmented entry.
func (n *Node) FragmentHeader(i int) (int64, pagefile.PageID) {
	vo := n.childValueOffset(i)
	total := int64(binary.LittleEndian.Uint64(n.buf[vo:]))
	first := pagefile.PageID(binary.LittleEndian.Uint64(n.buf[vo+8:]))
	return total, first
}

// entrySize computes the on-page footprint of a leaf entry.
func leafEntrySize(keyLen, valueLen int) int { return 1 + 2 + keyLen + 4 + valueLen }
func leafFragEntrySize(keyLen int) int       { return 1 + 2 + keyLen + 8 + 8 }
func internalEntrySize(keyLen int) int       { return 1 + 2 + keyLen + 8 }

// KeyCompare is unsigned lexicographic comparison on raw bytes, per spec
// §4.5.
func KeyCompare(a, b []byte) int { return bytes.Compare(a, b) }

// Find does a binary search for key among this node's slots. It returns
// the 0-based slot such that, for a leaf, slot is the position of key if
// present or the insertion point if not (ok reports which). On an
// internal node the same search runs over the separators; routing a key
// to the child whose range contains it is ChildIndex's job (the
// internal_pos rounding spec §4.5 describes).
func (n *Node) Find(key []byte) (slot int, ok bool) {
	lo, hi := 0, int(n.Cnt())
	for lo < hi {
		mid := (lo + hi) / 2
		c := KeyCompare(n.Key(mid), key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// ChildIndex implements internal_pos: for an internal node with separators
// s_0<...<s_{cnt-1} and children c_0..c_cnt (c_i, i<cnt, stored as entry
// i's ChildPageID -- the child to s_i's left; c_cnt stored in Right(), the
// child to the right of every separator), it returns the entry index to
// descend into via ChildPageID, or -1 to mean "use Right() instead"
// because key is >= every separator.
func (n *Node) ChildIndex(key []byte) int {
	cnt := int(n.Cnt())
	lo, hi := 0, cnt
	for lo < hi {
		mid := (lo + hi) / 2
		if KeyCompare(n.Key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo = count of separators <= key
	if lo == cnt {
		return -1
	}
	return lo
}

// InsertLeafEntry inserts (key, value) at the correct sorted slot. Caller
// must have already verified FreeSpaceFor(LeafEntrySize(key, value)) and
// hold the node exclusively latched; without room it returns
// ErrIllegalState. It does not replace: if key is already present the new
// entry is placed after it, so callers needing replace semantics clear
// the old slot first.
func (n *Node) InsertLeafEntry(key, value []byte) error {
	return n.insertAt(key, func(off int) int {
		n.writeLeafEntry(off, key, value)
		return leafEntrySize(len(key), len(value))
	}, leafEntrySize(len(key), len(value)))
}

// InsertFragmentedLeafEntry inserts a leaf entry whose value lives
// out-of-line in a fragment chain (frag.go).
func (n *Node) InsertFragmentedLeafEntry(key []byte, totalLen int64, firstPage pagefile.PageID) error {
	size := leafFragEntrySize(len(key))
	return n.insertAt(key, func(off int) int {
		n.buf[off] = entryFlagFragmented
		binary.LittleEndian.PutUint16(n.buf[off+1:], uint16(len(key)))
		copy(n.buf[off+3:], key)
		vo := off + 3 + len(key)
		binary.LittleEndian.PutUint64(n.buf[vo:], uint64(totalLen))
		binary.LittleEndian.PutUint64(n.buf[vo+8:], uint64(firstPage))
		return size
	}, size)
}

// InsertInternalEntry inserts a separator key pointing at child.
func (n *Node) InsertInternalEntry(key []byte, child pagefile.PageID) error {
	size := internalEntrySize(len(key))
	return n.insertAt(key, func(off int) int {
		n.buf[off] = 0
		binary.LittleEndian.PutUint16(n.buf[off+1:], uint16(len(key)))
		copy(n.buf[off+3:], key)
		binary.LittleEndian.PutUint64(n.buf[off+3+len(key):], uint64(child))
		return size
	}, size)
}

func (n *Node) writeLeafEntry(off int, key, value []byte) {
	n.buf[off] = 0
	binary.LittleEndian.PutUint16(n.buf[off+1:], uint16(len(key)))
	copy(n.buf[off+3:], key)
	vo := off + 3 + len(key)
	binary.LittleEndian.PutUint32(n.buf[vo:], uint32(len(value)))
	copy(n.buf[vo+4:], value)
}

// insertAt allocates `size` bytes at the tail, writes via write(off), and
// threads a new search-vector slot into sorted position.
func (n *Node) insertAt(key []byte, write func(off int) int, size int) error {
	if n.freeSpace() < size+2 {
		return duskerr.ErrIllegalState // caller should have split first
	}
	newMin := int(n.min()) - size
	write(newMin)

	slot, found := n.Find(key)
	if found && n.IsLeaf() {
		slot++ // insert after an identical key is a caller bug, but stay safe
	}
	cnt := int(n.Cnt())
	// shift slots [slot, cnt) right by one
	for i := cnt; i > slot; i-- {
		n.setEntryOffset(i, n.entryOffset(i-1))
	}
	n.setEntryOffset(slot, uint16(newMin))
	n.setMin(uint16(newMin))
	n.SetCnt(uint16(cnt + 1))
	n.SetAct(n.Act() + 1)
	n.MarkDirty()
	return nil
}

// ClearSlot removes the search-vector entry at i (entry bytes become
// garbage, reclaimed on next compaction).
func (n *Node) ClearSlot(i int) {
	cnt := int(n.Cnt())
	off := n.entryOffset(i)
	var size int
	if n.IsInternal() {
		size = internalEntrySize(n.keyLen(i))
	} else if n.isFragmented(i) {
		size = leafFragEntrySize(n.keyLen(i))
	} else {
		size = leafEntrySize(n.keyLen(i), len(n.Value(i)))
	}
	dead := n.IsDead(i)
	n.setGarbage(n.Garbage() + uint16(size))
	for j := i; j < cnt-1; j++ {
		n.setEntryOffset(j, n.entryOffset(j+1))
	}
	n.SetCnt(uint16(cnt - 1))
	if !dead {
		n.SetAct(n.Act() - 1)
	}
	n.MarkDirty()
	_ = off
}

// FreeSpaceFor reports whether a new entry of this footprint fits without
// compaction.
func (n *Node) FreeSpaceFor(size int) bool { return n.freeSpace() >= size+2 }

// LeafEntrySize computes the footprint InsertLeafEntry needs.
func LeafEntrySize(key, value []byte) int { return leafEntrySize(len(key), len(value)) }

// InternalEntrySize computes the footprint InsertInternalEntry needs.
func InternalEntrySize(key []byte) int { return internalEntrySize(len(key)) }

// Compact performs in-place garbage collection: it rewrites every live
// entry into a freshly packed tail region, reclaiming Garbage() bytes.
// Grounded on the teacher's cleanPage (bltree.go:513-636).
func (n *Node) Compact() {
	cnt := int(n.Cnt())
	type live struct {
		entry []byte
		key   []byte
	}
	entries := make([][]byte, 0, cnt)
	for i := 0; i < cnt; i++ {
		if n.IsDead(i) {
			continue
		}
		off := int(n.entryOffset(i))
		var size int
		if n.IsInternal() {
			size = internalEntrySize(n.keyLen(i))
		} else if n.isFragmented(i) {
			size = leafFragEntrySize(n.keyLen(i))
		} else {
			size = leafEntrySize(n.keyLen(i), len(n.Value(i)))
		}
		entry := make([]byte, size)
		copy(entry, n.buf[off:off+size])
		entries = append(entries, entry)
	}

	newMin := n.pageSize
	for i, e := range entries {
		newMin -= len(e)
		copy(n.buf[newMin:], e)
		n.setEntryOffset(i, uint16(newMin))
	}
	n.setMin(uint16(newMin))
	n.SetCnt(uint16(len(entries)))
	n.setGarbage(0)
	n.MarkDirty()
}

// NeedsCompaction reports whether Garbage() makes it worth compacting
// before declaring the node truly full.
func (n *Node) NeedsCompaction(needed int) bool {
	return !n.FreeSpaceFor(needed) && int(n.Garbage()) >= needed
}

// rawEntrySize returns the on-page footprint of entry i regardless of node
// kind, used by split/merge reconstruction.
func (n *Node) rawEntrySize(i int) int {
	if n.IsInternal() {
		return internalEntrySize(n.keyLen(i))
	}
	if n.isFragmented(i) {
		return leafFragEntrySize(n.keyLen(i))
	}
	return leafEntrySize(n.keyLen(i), len(n.Value(i)))
}

// RawEntryBytes returns a copy of entry i's full on-page bytes (flags, key,
// value/child), independent of node kind. Used by split.go/merge.go to
// relocate entries between nodes without re-deriving their shape.
func (n *Node) RawEntryBytes(i int) []byte {
	off := int(n.entryOffset(i))
	size := n.rawEntrySize(i)
	out := make([]byte, size)
	copy(out, n.buf[off:off+size])
	return out
}

// ResetEntries clears every entry and the search vector, keeping the
// node's type/level/extremity flags and Right() pointer intact. Used by
// split.go/merge.go immediately before replaying a new, already-sorted
// entry list via AppendRawEntry.
func (n *Node) ResetEntries() {
	n.SetCnt(0)
	n.SetAct(0)
	n.setGarbage(0)
	n.setMin(uint16(n.pageSize))
	n.MarkDirty()
}

// AppendRawEntry appends entry (as returned by RawEntryBytes) as the new
// highest-keyed slot. Caller must append in ascending key order.
func (n *Node) AppendRawEntry(entry []byte) error {
	if n.freeSpace() < len(entry)+2 {
		return duskerr.ErrIllegalState
	}
	newMin := int(n.min()) - len(entry)
	copy(n.buf[newMin:], entry)
	cnt := int(n.Cnt())
	n.setEntryOffset(cnt, uint16(newMin))
	n.setMin(uint16(newMin))
	n.SetCnt(uint16(cnt + 1))
	if entry[0]&entryFlagDead == 0 {
		n.SetAct(n.Act() + 1)
	}
	n.MarkDirty()
	return nil
}

// rawEntryKey extracts the key from a raw entry byte slice as returned by
// RawEntryBytes, without requiring it to already be installed in a node.
func rawEntryKey(entry []byte) []byte {
	kl := int(binary.LittleEndian.Uint16(entry[1:]))
	return entry[3 : 3+kl]
}

func (n *Node) String() string {
	return fmt.Sprintf("Node{id=%d leaf=%v lvl=%d cnt=%d act=%d}", n.PageID, n.IsLeaf(), n.Lvl(), n.Cnt(), n.Act())
}

// Validate checks that the node's live keys are strictly increasing (spec
// Testable Property 3), used by BTree.Verify. It does not check child key
// ranges against the parent's separators.
func (n *Node) Validate() error {
	cnt := int(n.Cnt())
	for i := 1; i < cnt; i++ {
		if n.IsDead(i) || n.IsDead(i-1) {
			continue
		}
		if KeyCompare(n.Key(i-1), n.Key(i)) >= 0 {
			return fmt.Errorf("duskbase: node %d keys out of order at slot %d", n.PageID, i)
		}
	}
	return nil
}
