package btree

import (
	"github.com/ryogrid/duskbase/pagefile"
)

// Splitting redistributes a full node's entries roughly 50/50 with a new
// right sibling, grounded on the teacher's splitPage/splitKeys/splitRoot
// at bltree.go:700-900. The teacher's single-page C-struct layout is
// replaced by the raw-entry relocation Node.RawEntryBytes/AppendRawEntry
// expose, since duskbase's variable-length fragmented entries make a
// straight memmove unsafe.

// splitLeaf redistributes n's entries with a freshly allocated right
// sibling newRight (already zeroed, same page size, leaf flag set by the
// caller). It returns the separator key to promote to the parent: the
// first key now owned by newRight, copied so it outlives either node's
// buffer mutations.
func splitLeaf(n, newRight *Node) []byte {
	cnt := int(n.Cnt())
	mid := cnt / 2

	entries := make([][]byte, cnt)
	for i := 0; i < cnt; i++ {
		entries[i] = n.RawEntryBytes(i)
	}

	n.ResetEntries()
	for i := 0; i < mid; i++ {
		_ = n.AppendRawEntry(entries[i])
	}
	for i := mid; i < cnt; i++ {
		_ = newRight.AppendRawEntry(entries[i])
	}

	newRight.SetRight(n.Right())
	n.SetRight(newRight.PageID)
	if n.HighExtremity() {
		n.SetHighExtremity(false)
		newRight.SetHighExtremity(true)
	}

	sep := make([]byte, len(rawEntryKey(entries[mid])))
	copy(sep, rawEntryKey(entries[mid]))
	return sep
}

// splitInternal redistributes n's separator/child entries with a freshly
// allocated right sibling. Unlike a leaf split, the median separator is
// promoted to the parent and does NOT survive in either child: the left
// half keeps the median's child pointer by moving it into Right(), and
// the right half starts from the entry just past the median.
func splitInternal(n, newRight *Node) []byte {
	cnt := int(n.Cnt())
	mid := cnt / 2

	entries := make([][]byte, cnt)
	for i := 0; i < cnt; i++ {
		entries[i] = n.RawEntryBytes(i)
	}
	medianChild := n.ChildPageID(mid)
	oldRight := n.Right()

	n.ResetEntries()
	for i := 0; i < mid; i++ {
		_ = n.AppendRawEntry(entries[i])
	}
	n.SetRight(medianChild)

	for i := mid + 1; i < cnt; i++ {
		_ = newRight.AppendRawEntry(entries[i])
	}
	newRight.SetRight(oldRight)
	if n.HighExtremity() {
		n.SetHighExtremity(false)
		newRight.SetHighExtremity(true)
	}
	newRight.SetLvl(n.Lvl())

	sep := make([]byte, len(rawEntryKey(entries[mid])))
	copy(sep, rawEntryKey(entries[mid]))
	return sep
}

// needsSplit reports whether inserting an entry of the given footprint
// into n requires splitting first (after accounting for what Compact
// could reclaim).
func needsSplit(n *Node, entrySize int) bool {
	if n.FreeSpaceFor(entrySize) {
		return false
	}
	if n.NeedsCompaction(entrySize) {
		n.Compact()
		return !n.FreeSpaceFor(entrySize)
	}
	return true
}

// splitDescriptor bundles a completed split for the caller to absorb into
// the parent, per spec §4.5's staged-split protocol: readers already
// holding a latch on n see n.Split and route into RightNode without
// waiting for the parent absorption step.
type splitDescriptor struct {
	separator []byte
	right     *Node
}

// performSplit splits n (already determined to be full) and stages the
// result on n.Split, allocating the right sibling via newPage.
func performSplit(n *Node, newPage func() (*Node, error)) (*splitDescriptor, error) {
	right, err := newPage()
	if err != nil {
		return nil, err
	}
	right.SetLvl(n.Lvl())
	if n.IsLeaf() {
		right.setType(flagLeaf)
	} else {
		right.setType(flagInternal)
	}

	var sep []byte
	if n.IsLeaf() {
		sep = splitLeaf(n, right)
	} else {
		sep = splitInternal(n, right)
	}

	desc := &splitDescriptor{separator: sep, right: right}
	n.Split = &Split{SeparatorKey: sep, RightPageID: right.PageID, RightNode: right}
	n.MarkDirty()
	right.MarkDirty()
	return desc, nil
}

// absorbSplit installs a completed child split into its parent, renamed
// from the teacher's insertSplitChildRef. Before the split, whatever
// entry (or Right()) referenced child.PageID covered the whole range now
// split between child (smaller keys) and desc.right (larger keys); this
// inserts a new separator/child entry for child's now-narrower range and
// repoints that old reference at desc.right. Once this returns without
// needing a further split, child.Split is cleared -- future descents no
// longer need to route around it.
func absorbSplit(parent, child *Node, desc *splitDescriptor) (needsParentSplit bool) {
	entrySize := InternalEntrySize(desc.separator)
	if needsSplit(parent, entrySize) {
		return true
	}
	oldSlot := parent.FindChildSlot(child.PageID)
	_ = parent.InsertInternalEntry(desc.separator, child.PageID)
	if oldSlot < 0 {
		parent.SetRight(desc.right.PageID)
	} else {
		// desc.separator sorts below the old entry's key, so InsertInternalEntry
		// shifted it one slot to the right.
		parent.SetChildPageID(oldSlot+1, desc.right.PageID)
	}
	child.Split = nil
	return false
}
