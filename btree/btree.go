// Package btree: BTree ties Node, split/merge, stubs and the node cache
// together into the actual copy-on-write structure, grounded on the
// teacher's FindKey/RangeScan/GetRangeItr descent loops (bltree.go:
// 395-1294), generalized from the teacher's single forward iterator into
// the full CursorFrame stack spec §4.5 describes.
package btree

import (
	"github.com/ryogrid/duskbase/internal/duskerr"
	"github.com/ryogrid/duskbase/latch"
	"github.com/ryogrid/duskbase/pagefile"
	"github.com/ryogrid/duskbase/pagestore"
)

// maxInlineValue bounds how large a leaf value may be before it is
// written out-of-line as a fragment chain (frag.go) instead of inline.
const maxInlineValue = 512

// catalogSize is the footprint BTree persists into its catalog page: root
// page id + stub list head, both 8-byte page ids.
const catalogSize = 16

// BTree is one copy-on-write B+ tree instance over a pagestore.PageDb.
// Multiple BTree values may share one PageDb (duskbase's catalog tree,
// reserved id 0, and every user tree do), each with its own catalog page
// holding its root id.
type BTree struct {
	db    *pagestore.PageDb
	cache *nodeCache

	catalogID pagefile.PageID

	rootLatch latch.Latch
	rootID    pagefile.PageID
	stubHead  pagefile.PageID
}

// CreateTree allocates a fresh, empty leaf root and a catalog page to
// track it, returning a ready-to-use BTree.
func CreateTree(db *pagestore.PageDb, cacheCapacity int) (*BTree, error) {
	cache := newNodeCache(db, cacheCapacity)

	rootID, err := db.AllocPage()
	if err != nil {
		return nil, err
	}
	root := NewNode(rootID, int(db.PageSize()))
	root.SetLowExtremity(true)
	root.SetHighExtremity(true)
	root.MarkDirty()
	cache.Insert(root)

	catalogID, err := db.AllocPage()
	if err != nil {
		return nil, err
	}

	t := &BTree{db: db, cache: cache, catalogID: catalogID, rootID: rootID}
	if err := t.writeCatalog(); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenTree loads an existing BTree whose catalog page is catalogID.
func OpenTree(db *pagestore.PageDb, catalogID pagefile.PageID, cacheCapacity int) (*BTree, error) {
	buf := make([]byte, catalogSize)
	if err := db.ReadPage(catalogID, buf, 0); err != nil {
		return nil, err
	}
	rootID := pagefile.PageID(le64(buf[0:]))
	stubHead := pagefile.PageID(le64(buf[8:]))
	return &BTree{
		db:        db,
		cache:     newNodeCache(db, cacheCapacity),
		catalogID: catalogID,
		rootID:    rootID,
		stubHead:  stubHead,
	}, nil
}

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func put64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func (t *BTree) writeCatalog() error {
	buf := make([]byte, catalogSize)
	put64(buf[0:], uint64(t.rootID))
	put64(buf[8:], uint64(t.stubHead))
	return t.db.WritePage(t.catalogID, buf, 0)
}

// CatalogPageID exposes the page a Database uses to remember which
// BTree a reserved/user tree id maps to.
func (t *BTree) CatalogPageID() pagefile.PageID { return t.catalogID }

// IsNodeCached reports whether id is currently resident in the node
// cache -- the signal Tree.Evict's autoload=false path uses to skip
// pages it would otherwise have to fetch from disk just to evaluate a
// filter.
func (t *BTree) IsNodeCached(id pagefile.PageID) bool { return t.cache.contains(id) }

// EvictNode drops id from the node cache if it is present, clean, and
// not exclusively latched, returning whether it did. The underlying
// page is untouched; a later Fetch reloads it from the page store.
func (t *BTree) EvictNode(id pagefile.PageID) bool { return t.cache.evictID(id) }

func (t *BTree) newPage(leaf bool) (*Node, error) {
	id, err := t.db.AllocPage()
	if err != nil {
		return nil, err
	}
	n := NewNode(id, int(t.db.PageSize()))
	if !leaf {
		n.setType(flagInternal)
	}
	t.cache.Insert(n)
	return n, nil
}

func (t *BTree) fetchRoot() (*Node, error) {
	t.rootLatch.AcquireShared()
	id := t.rootID
	t.rootLatch.ReleaseShared()
	return t.cache.Fetch(id)
}

// Get performs a lock-coupled descent for key, returning its value (or
// the reassembled fragment chain contents) and whether it was found.
func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	n, err := t.fetchRoot()
	if err != nil {
		return nil, false, err
	}
	n.Latch.AcquireShared()

	for {
		if n.Split != nil && KeyCompare(key, n.Split.SeparatorKey) >= 0 {
			right := n.Split.RightNode
			right.Latch.AcquireShared()
			n.Latch.ReleaseShared()
			n = right
			continue
		}
		if n.IsLeaf() {
			break
		}
		childID := t.childFor(n, key)
		child, err := t.cache.Fetch(childID)
		if err != nil {
			n.Latch.ReleaseShared()
			return nil, false, err
		}
		child.Latch.AcquireShared()
		n.Latch.ReleaseShared()
		n = child
	}
	defer n.Latch.ReleaseShared()

	slot, ok := n.Find(key)
	if !ok {
		return nil, false, nil
	}
	if n.IsDead(slot) {
		return nil, false, nil
	}
	if n.IsFragmented(slot) {
		total, first := n.FragmentHeader(slot)
		v, err := ReadFragmentChain(t.db, first, total)
		return v, true, err
	}
	v := make([]byte, len(n.Value(slot)))
	copy(v, n.Value(slot))
	return v, true, nil
}

// childFor routes key through an internal node using ChildIndex's
// convention, returning Right() when the key is past the last separator.
func (t *BTree) childFor(n *Node, key []byte) pagefile.PageID {
	idx := n.ChildIndex(key)
	if idx < 0 {
		return n.Right()
	}
	return n.ChildPageID(idx)
}

// Insert writes (key, value), replacing any existing value for key.
func (t *BTree) Insert(key, value []byte) error {
	var path []*Node
	n, err := t.fetchRoot()
	if err != nil {
		return err
	}
	n.Latch.AcquireExclusive()
	for {
		if n.Split != nil && KeyCompare(key, n.Split.SeparatorKey) >= 0 {
			right := n.Split.RightNode
			right.Latch.AcquireExclusive()
			n.Latch.ReleaseExclusive()
			n = right
			continue
		}
		path = append(path, n)
		if n.IsLeaf() {
			break
		}
		childID := t.childFor(n, key)
		child, err := t.cache.Fetch(childID)
		if err != nil {
			t.unwindExclusive(path)
			return err
		}
		child.Latch.AcquireExclusive()
		n = child
	}

	leaf := path[len(path)-1]
	var entrySize int
	fragmented := len(value) > maxInlineValue
	var fragFirst pagefile.PageID
	if fragmented {
		id, err := WriteFragmentChain(t.db, value)
		if err != nil {
			t.unwindExclusive(path)
			return err
		}
		fragFirst = id
		entrySize = leafFragEntrySize(len(key))
	} else {
		entrySize = leafEntrySize(len(key), len(value))
	}

	if slot, ok := leaf.Find(key); ok && !leaf.IsDead(slot) {
		leaf.ClearSlot(slot)
	}

	if needsSplit(leaf, entrySize) {
		if err := t.splitAndInsert(path, key, value, fragmented, fragFirst); err != nil {
			t.unwindExclusive(path)
			return err
		}
		t.unwindExclusive(path)
		return nil
	}

	var err2 error
	if fragmented {
		err2 = leaf.InsertFragmentedLeafEntry(key, int64(len(value)), fragFirst)
	} else {
		err2 = leaf.InsertLeafEntry(key, value)
	}
	t.unwindExclusive(path)
	return err2
}

func (t *BTree) unwindExclusive(path []*Node) {
	for i := len(path) - 1; i >= 0; i-- {
		path[i].Latch.ReleaseExclusive()
	}
}

// splitAndInsert splits the leaf at the bottom of path (which has no room
// for (key,value)), inserts the new entry into whichever half now owns
// its key range, then walks back up the path absorbing the split into
// each ancestor, splitting ancestors in turn as needed, and finally
// growing the root if the split propagates past it.
func (t *BTree) splitAndInsert(path []*Node, key, value []byte, fragmented bool, fragFirst pagefile.PageID) error {
	leaf := path[len(path)-1]
	desc, err := performSplit(leaf, func() (*Node, error) { return t.newPage(true) })
	if err != nil {
		return err
	}

	target := leaf
	if KeyCompare(key, desc.separator) >= 0 {
		target = desc.right
	}
	if fragmented {
		if err := target.InsertFragmentedLeafEntry(key, int64(len(value)), fragFirst); err != nil {
			return err
		}
	} else {
		if err := target.InsertLeafEntry(key, value); err != nil {
			return err
		}
	}

	childDesc := desc
	child := leaf
	for i := len(path) - 2; i >= 0; i-- {
		parent := path[i]
		needsParentSplit := absorbSplit(parent, child, childDesc)
		if !needsParentSplit {
			return nil
		}
		parentDesc, err := performSplit(parent, func() (*Node, error) { return t.newPage(false) })
		if err != nil {
			return err
		}
		// the separator/child we failed to absorb into parent belongs to
		// whichever half of parent's own split now owns its key range.
		dest := parent
		if KeyCompare(childDesc.separator, parentDesc.separator) >= 0 {
			dest = parentDesc.right
		}
		_ = absorbSplit(dest, child, childDesc)
		childDesc = parentDesc
		child = parent
	}

	// The split propagated past the existing root: grow a new one.
	return t.growRoot(child, childDesc)
}

// growRoot builds a brand new internal root over the former root
// (oldRoot) and its split-off right sibling, reusing a stub page if the
// tree has one banked from an earlier shrink (the "stub consumption on
// root growth" supplement).
func (t *BTree) growRoot(oldRoot *Node, desc *splitDescriptor) error {
	t.rootLatch.AcquireExclusive()
	defer t.rootLatch.ReleaseExclusive()

	var newRoot *Node
	if id, ok, err := popStub(t.cache, &t.stubHead); err != nil {
		return err
	} else if ok {
		newRoot, err = t.cache.Fetch(id)
		if err != nil {
			return err
		}
		newRoot.ResetEntries()
		newRoot.setType(flagInternal)
	} else {
		newRoot, err = t.newPage(false)
		if err != nil {
			return err
		}
	}
	newRoot.SetLvl(oldRoot.Lvl() + 1)
	newRoot.SetLowExtremity(true)
	newRoot.SetHighExtremity(true)
	_ = newRoot.InsertInternalEntry(desc.separator, oldRoot.PageID)
	newRoot.SetRight(desc.right.PageID)
	newRoot.MarkDirty()
	oldRoot.Split = nil

	t.rootID = newRoot.PageID
	return t.writeCatalog()
}

// Delete removes key, merging underfull nodes back together where
// possible and shrinking the root to a stub if it empties out to a
// single child.
func (t *BTree) Delete(key []byte) error {
	var path []*Node
	n, err := t.fetchRoot()
	if err != nil {
		return err
	}
	n.Latch.AcquireExclusive()
	for {
		if n.Split != nil && KeyCompare(key, n.Split.SeparatorKey) >= 0 {
			right := n.Split.RightNode
			right.Latch.AcquireExclusive()
			n.Latch.ReleaseExclusive()
			n = right
			continue
		}
		path = append(path, n)
		if n.IsLeaf() {
			break
		}
		childID := t.childFor(n, key)
		child, err := t.cache.Fetch(childID)
		if err != nil {
			t.unwindExclusive(path)
			return err
		}
		child.Latch.AcquireExclusive()
		n = child
	}

	leaf := path[len(path)-1]
	slot, ok := leaf.Find(key)
	if !ok || leaf.IsDead(slot) {
		t.unwindExclusive(path)
		return duskerr.ErrIllegalArgument
	}
	if leaf.IsFragmented(slot) {
		total, first := leaf.FragmentHeader(slot)
		if err := DeleteFragmentChain(t.db, first, total); err != nil {
			t.unwindExclusive(path)
			return err
		}
	}
	leaf.ClearSlot(slot)

	if len(path) > 1 {
		if err := t.mergeUp(path); err != nil {
			t.unwindExclusive(path)
			return err
		}
	}
	t.unwindExclusive(path)
	return nil
}

// mergeUp examines the node at the bottom of path (already exclusively
// latched, already mutated by the caller) and, when it and a sibling
// under their shared parent would together fit in a single page, merges
// them -- per spec §4.5 "a leaf or internal node whose siblings together
// fit into one page is merged", not only nodes that have emptied out
// completely. It propagates upward through ancestors that themselves
// become merge candidates as a result, and shrinks the root to a stub if
// the top ends up with a single remaining child (an emptied internal
// node is simply the degenerate case of "fits in one page" -- its
// content is ~0 bytes, so it always qualifies).
func (t *BTree) mergeUp(path []*Node) error {
	for len(path) > 1 {
		node := path[len(path)-1]
		parent := path[len(path)-2]

		siblingID, pulledSeparator, nodeIsLeft := t.pickMergeSibling(parent, node.PageID, node.IsLeaf())
		if siblingID == node.PageID {
			// node is parent's only child; nothing to merge with here.
			return nil
		}
		sibling, err := t.cache.Fetch(siblingID)
		if err != nil {
			return err
		}
		sibling.Latch.AcquireExclusive()

		var left, right *Node
		if nodeIsLeft {
			left, right = node, sibling
		} else {
			left, right = sibling, node
		}

		if !canMerge(left, right, pulledSeparator) {
			sibling.Latch.ReleaseExclusive()
			return nil
		}

		if node.IsLeaf() {
			mergeLeaves(left, right)
		} else {
			mergeInternal(left, right, pulledSeparator)
		}
		removeChildRef(parent, left.PageID, right.PageID)
		t.cache.Invalidate(right.PageID)
		sibling.Latch.ReleaseExclusive()
		if err := t.db.DeletePage(right.PageID); err != nil {
			return err
		}

		path = path[:len(path)-1]
		if len(path) == 1 && parent.Cnt() == 0 {
			return t.shrinkRootToStub(parent, parent.Right())
		}
	}
	return nil
}

// pickMergeSibling returns a neighboring child of parent to merge childID
// with, the separator key between the two (copied out of parent's
// buffer, since it must outlive the merge call below; nil for leaves,
// which carry no separator), and whether childID is the left of the
// pair. Prefers the child immediately to the right.
func (t *BTree) pickMergeSibling(parent *Node, childID pagefile.PageID, isLeaf bool) (sibling pagefile.PageID, separator []byte, childIsLeft bool) {
	sep := func(i int) []byte {
		if isLeaf {
			return nil
		}
		return append([]byte(nil), parent.Key(i)...)
	}

	idx := parent.FindChildSlot(childID)
	cnt := int(parent.Cnt())
	if idx < 0 {
		// childID is Right(); its left neighbor is the last entry's child.
		if cnt > 0 {
			return parent.ChildPageID(cnt - 1), sep(cnt - 1), false
		}
		return childID, nil, true
	}
	if idx+1 < cnt {
		return parent.ChildPageID(idx + 1), sep(idx), true
	}
	if idx+1 == cnt {
		return parent.Right(), sep(idx), true
	}
	return parent.ChildPageID(idx - 1), sep(idx - 1), false
}

// shrinkRootToStub converts the current root (now holding exactly one
// child, via Right(), and zero separators) into a stub standing in for
// newRootID, banks it on the reusable stub list, and installs newRootID
// as the tree's new root.
func (t *BTree) shrinkRootToStub(oldRoot *Node, newRootID pagefile.PageID) error {
	t.rootLatch.AcquireExclusive()
	defer t.rootLatch.ReleaseExclusive()

	collapseToStub(oldRoot, newRootID)
	pushStub(oldRoot, &t.stubHead)
	t.rootID = newRootID
	return t.writeCatalog()
}

// Verify walks every reachable node, checking per-node key ordering
// (Testable Property 3) and that every internal child pointer resolves.
func (t *BTree) Verify() error {
	root, err := t.fetchRoot()
	if err != nil {
		return err
	}
	return t.verifyNode(root)
}

func (t *BTree) verifyNode(n *Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.IsLeaf() || n.IsStub() {
		return nil
	}
	for i := 0; i < int(n.Cnt()); i++ {
		child, err := t.cache.Fetch(n.ChildPageID(i))
		if err != nil {
			return err
		}
		if err := t.verifyNode(child); err != nil {
			return err
		}
	}
	right, err := t.cache.Fetch(n.Right())
	if err != nil {
		return err
	}
	return t.verifyNode(right)
}

// Stats summarizes a tree's shape, per spec's analyze() tree/cursor op.
type Stats struct {
	Leaves   int64
	Internal int64
	Keys     int64
	Depth    int
}

// Analyze walks the whole tree tallying node and live-key counts and the
// deepest leaf level, grounded on the same recursive walk Verify uses.
func (t *BTree) Analyze() (Stats, error) {
	root, err := t.fetchRoot()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	depth, err := t.analyzeNode(root, 1, &s)
	if err != nil {
		return Stats{}, err
	}
	s.Depth = depth
	return s, nil
}

func (t *BTree) analyzeNode(n *Node, level int, s *Stats) (int, error) {
	if n.IsLeaf() {
		s.Leaves++
		for i := 0; i < int(n.Cnt()); i++ {
			if !n.IsDead(i) {
				s.Keys++
			}
		}
		return level, nil
	}
	s.Internal++
	maxDepth := level
	for i := 0; i < int(n.Cnt()); i++ {
		child, err := t.cache.Fetch(n.ChildPageID(i))
		if err != nil {
			return 0, err
		}
		d, err := t.analyzeNode(child, level+1, s)
		if err != nil {
			return 0, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}
	right, err := t.cache.Fetch(n.Right())
	if err != nil {
		return 0, err
	}
	d, err := t.analyzeNode(right, level+1, s)
	if err != nil {
		return 0, err
	}
	if d > maxDepth {
		maxDepth = d
	}
	return maxDepth, nil
}

// VerifyObserver receives every structural violation VerifyObserved
// finds, instead of Verify's stop-at-the-first-error behavior.
type VerifyObserver interface {
	Violation(id pagefile.PageID, err error)
}

// VerifyObserverFunc adapts a plain function to VerifyObserver.
type VerifyObserverFunc func(id pagefile.PageID, err error)

// Violation implements VerifyObserver.
func (f VerifyObserverFunc) Violation(id pagefile.PageID, err error) { f(id, err) }

// VerifyObserved walks every reachable node like Verify, but reports each
// violation to obs (when non-nil) instead of stopping at the first one.
// It still returns the first error encountered, if any, so callers that
// pass a nil observer get Verify's exact behavior.
func (t *BTree) VerifyObserved(obs VerifyObserver) error {
	root, err := t.fetchRoot()
	if err != nil {
		return err
	}
	var first error
	t.verifyNodeObserved(root, obs, &first)
	return first
}

func (t *BTree) verifyNodeObserved(n *Node, obs VerifyObserver, first *error) {
	if err := n.Validate(); err != nil {
		if obs != nil {
			obs.Violation(n.PageID, err)
		}
		if *first == nil {
			*first = err
		}
	}
	if n.IsLeaf() || n.IsStub() {
		return
	}
	for i := 0; i < int(n.Cnt()); i++ {
		child, err := t.cache.Fetch(n.ChildPageID(i))
		if err != nil {
			if obs != nil {
				obs.Violation(n.ChildPageID(i), err)
			}
			if *first == nil {
				*first = err
			}
			continue
		}
		t.verifyNodeObserved(child, obs, first)
	}
	right, err := t.cache.Fetch(n.Right())
	if err != nil {
		if obs != nil {
			obs.Violation(n.Right(), err)
		}
		if *first == nil {
			*first = err
		}
		return
	}
	t.verifyNodeObserved(right, obs, first)
}

// Destroy recycles every page reachable from the root (including stub
// pages banked on the free-for-reuse list) plus the catalog page itself.
// Intended for temporary trees only: recycled pages are immediately
// reusable with no rollback protection, which is only safe when nothing
// durable still references this tree -- exactly the case for a temporary
// tree being discarded after a graft (spec §4.5's "delete the victim
// tree from the database's grafted-temp set").
func (t *BTree) Destroy() error {
	root, err := t.fetchRoot()
	if err != nil {
		return err
	}
	if err := t.recycleSubtree(root); err != nil {
		return err
	}
	for {
		id, ok, err := popStub(t.cache, &t.stubHead)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := t.db.RecyclePage(id); err != nil {
			return err
		}
	}
	return t.db.RecyclePage(t.catalogID)
}

func (t *BTree) recycleSubtree(n *Node) error {
	if n.IsInternal() {
		for i := 0; i < int(n.Cnt()); i++ {
			child, err := t.cache.Fetch(n.ChildPageID(i))
			if err != nil {
				return err
			}
			if err := t.recycleSubtree(child); err != nil {
				return err
			}
		}
		right, err := t.cache.Fetch(n.Right())
		if err != nil {
			return err
		}
		if err := t.recycleSubtree(right); err != nil {
			return err
		}
	} else if n.IsLeaf() {
		for i := 0; i < int(n.Cnt()); i++ {
			if n.IsFragmented(i) {
				total, first := n.FragmentHeader(i)
				if err := DeleteFragmentChain(t.db, first, total); err != nil {
					return err
				}
			}
		}
	}
	t.cache.Invalidate(n.PageID)
	return t.db.RecyclePage(n.PageID)
}

// Prepare implements pagestore.CommitCallback: it flushes every dirty
// cached node to the page store before the two-header commit swap writes
// the new header, per spec §4.1 step 4.
func (t *BTree) Prepare() error {
	for _, n := range t.cache.DirtyNodes() {
		if err := t.db.WritePage(n.PageID, n.Bytes(), 0); err != nil {
			return err
		}
		n.ClearDirty()
	}
	return t.writeCatalog()
}
