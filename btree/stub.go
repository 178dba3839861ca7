package btree

import "github.com/ryogrid/duskbase/pagefile"

// Stubs are sentinel pages left behind at a former root's page id when
// the tree shrinks (its single child becomes the new root), so that any
// cursor frame still latched on or pointing at the old root id finds a
// well-defined, empty node instead of a freed/reused page. Spec §3/§4.5
// calls this out explicitly as behavior the teacher's bltree.go drops
// (the teacher frees the old root outright in collapseRoot, bltree.go
// :98-190); this is a SPEC_FULL supplemented feature with no teacher
// analogue, built fresh in the teacher's page-flag idiom.
//
// Stub pages are threaded into a free-for-reuse list via their Right()
// field (unused otherwise, since a stub carries no entries), so that a
// later root *growth* (a fresh split promoting a brand new root) can
// reclaim one instead of allocating a new page -- the "stub consumption
// on root growth" supplement.

// pushStub adds a freshly made stub node to the head of the reusable
// stub list.
func pushStub(stub *Node, head *pagefile.PageID) {
	stub.SetRight(*head)
	*head = stub.PageID
	stub.MarkDirty()
}

// popStub removes and returns the head of the reusable stub list, or ok
// is false if the list is empty.
func popStub(cache *nodeCache, head *pagefile.PageID) (id pagefile.PageID, ok bool, err error) {
	if *head == 0 {
		return 0, false, nil
	}
	id = *head
	n, err := cache.Fetch(id)
	if err != nil {
		return 0, false, err
	}
	*head = n.Right()
	return id, true, nil
}

// collapseToStub converts a shrinking root in place into a stub recording
// newRootID; the caller then pushes it onto the stub list.
func collapseToStub(formerRoot *Node, newRootID pagefile.PageID) {
	formerRoot.MakeStub(newRootID)
}
