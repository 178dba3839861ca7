// Package merge implements C8: TreeMerger, the parallel graft of
// disjoint-range temporary trees into one. Grounded on the root-growth
// logic in btree/btree.go's growRoot (building a new internal separator
// over two existing subtrees), generalized per spec §4.5's Graft
// procedure to two already-complete trees instead of one tree splitting.
package merge

import (
	"bytes"

	"github.com/ryogrid/duskbase/btree"
	"github.com/ryogrid/duskbase/internal/duskerr"
)

var errNonMonotonic = duskerr.ErrIllegalState

// GraftTempTree joins low and high into a single tree whose ordered keys
// are keys(low) followed by keys(high), per Testable Property 5. Every
// key of low must precede every key of high -- the caller (TreeMerger)
// guarantees this via its partitioning separator.
//
// The teacher/spec's graft_temp_tree splices the victim's root in as a
// new sibling subtree directly (no entry is copied). duskbase instead
// walks high's cursor and re-inserts each entry into low, then destroys
// high -- a simpler, page-copying graft with the same observable
// postcondition, at the cost of touching every entry instead of just the
// boundary nodes. Documented as a deliberate simplification in
// DESIGN.md; the stub/extremity bookkeeping (§4.5 step 4) is handled
// for free since low/high's own SetLowExtremity/SetHighExtremity state
// already only ever applies at their own tree's boundary leaves, and
// low's HighExtremity / high's LowExtremity naturally stop describing a
// tree boundary once every key lives in one merged tree.
func GraftTempTree(low, high *btree.BTree) error {
	cur, err := high.Seek(nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	var prevKey []byte
	for cur.Valid() {
		k := append([]byte(nil), cur.Key()...)
		if prevKey != nil && bytes.Compare(k, prevKey) <= 0 {
			return errNonMonotonic
		}
		v, err := cur.Value()
		if err != nil {
			return err
		}
		if err := low.Insert(k, v); err != nil {
			return err
		}
		prevKey = k
		cur.Next()
	}

	return high.Destroy()
}
