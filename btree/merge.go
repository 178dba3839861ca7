package btree

import "github.com/ryogrid/duskbase/pagefile"

// Merging combines an underfull node with a sibling, the inverse of
// split.go, grounded on the teacher's deletePage/fixFence at
// bltree.go:98-360. Leaf siblings merge directly (no separator to
// reconcile); internal siblings additionally pull the parent's separating
// key back down between their entries, mirroring how split.go promotes an
// internal node's median key up instead of keeping a copy.

// canMerge reports whether left and right's entries would fit in a single
// page, accounting for an extra pulled-down separator when merging
// internal nodes.
func canMerge(left, right *Node, pulledSeparator []byte) bool {
	used := NodeHeaderSize + (int(left.Cnt())+int(right.Cnt()))*2
	for i := 0; i < int(left.Cnt()); i++ {
		used += left.rawEntrySize(i)
	}
	for i := 0; i < int(right.Cnt()); i++ {
		used += right.rawEntrySize(i)
	}
	if pulledSeparator != nil {
		used += InternalEntrySize(pulledSeparator) + 2
	}
	return used <= left.pageSize
}

// mergeLeaves absorbs right's entries into left and relinks the leaf
// sibling chain. left and right must be adjacent leaves with left < right.
func mergeLeaves(left, right *Node) {
	cnt := int(left.Cnt())
	entries := make([][]byte, cnt)
	for i := 0; i < cnt; i++ {
		entries[i] = left.RawEntryBytes(i)
	}
	rcnt := int(right.Cnt())
	rEntries := make([][]byte, rcnt)
	for i := 0; i < rcnt; i++ {
		rEntries[i] = right.RawEntryBytes(i)
	}

	left.ResetEntries()
	for _, e := range entries {
		_ = left.AppendRawEntry(e)
	}
	for _, e := range rEntries {
		_ = left.AppendRawEntry(e)
	}
	left.SetRight(right.Right())
	if right.HighExtremity() {
		left.SetHighExtremity(true)
	}
	left.MarkDirty()
}

// mergeInternal absorbs right's separators/children into left, pulling
// the parent's separating key (pulledSeparator) down as the new boundary
// between left's old rightmost child (left.Right()) and right's entries.
func mergeInternal(left, right *Node, pulledSeparator []byte) {
	cnt := int(left.Cnt())
	entries := make([][]byte, cnt)
	for i := 0; i < cnt; i++ {
		entries[i] = left.RawEntryBytes(i)
	}
	oldRight := left.Right()

	rcnt := int(right.Cnt())
	rEntries := make([][]byte, rcnt)
	for i := 0; i < rcnt; i++ {
		rEntries[i] = right.RawEntryBytes(i)
	}

	left.ResetEntries()
	for _, e := range entries {
		_ = left.AppendRawEntry(e)
	}
	_ = left.InsertInternalEntry(pulledSeparator, oldRight)
	for _, e := range rEntries {
		_ = left.AppendRawEntry(e)
	}
	left.SetRight(right.Right())
	if right.HighExtremity() {
		left.SetHighExtremity(true)
	}
	left.MarkDirty()
}

// removeChildRef removes the parent's reference to right (which has just
// been merged into left and is about to be freed), together with the
// separator that divided left from right. Exactly one of two shapes
// holds: right was reachable via some entry i's ChildPageID, so left is
// entry i-1; entry i-1 (whose separator now lies inside the merged range)
// is dropped and entry i is repointed at left, which keeps entry i's
// separator as its upper bound. Or right was the Right() pointer, in
// which case left takes over as the new Right() and the now-redundant
// last entry (which used to bound left) is dropped.
func removeChildRef(parent *Node, left, right pagefile.PageID) {
	if idx := parent.FindChildSlot(right); idx >= 0 {
		parent.SetChildPageID(idx, left)
		parent.ClearSlot(idx - 1)
		return
	}
	parent.SetRight(left)
	if cnt := int(parent.Cnt()); cnt > 0 {
		parent.ClearSlot(cnt - 1)
	}
}
