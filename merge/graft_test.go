package merge

import (
	"fmt"
	"testing"

	"github.com/ryogrid/duskbase/btree"
	"github.com/ryogrid/duskbase/pagefile"
	"github.com/ryogrid/duskbase/pagestore"
)

func newMergeTestDB(t *testing.T) *pagestore.PageDb {
	t.Helper()
	pa := pagefile.NewMemArray(4096, 0)
	db, err := pagestore.Open(pa, pagestore.Options{PageSize: 4096, Destroy: true})
	if err != nil {
		t.Fatalf("pagestore.Open: %v", err)
	}
	return db
}

func newPartition(t *testing.T, db *pagestore.PageDb, kv map[string]string) *btree.BTree {
	t.Helper()
	tree, err := btree.CreateTree(db, 64)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
	for k, v := range kv {
		if err := tree.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}
	return tree
}

func collect(t *testing.T, tree *btree.BTree) []string {
	t.Helper()
	cur, err := tree.Seek(nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	defer cur.Close()
	var got []string
	for cur.Valid() {
		got = append(got, string(cur.Key()))
		cur.Next()
	}
	return got
}

// TestGraftTempTree_OrdersLowThenHigh covers Scenario S3 and Testable
// Property 5: grafting Tree A={a,b} and Tree B={c,d} produces a single
// tree whose in-order walk is a,b,c,d.
func TestGraftTempTree_OrdersLowThenHigh(t *testing.T) {
	db := newMergeTestDB(t)
	low := newPartition(t, db, map[string]string{"a": "1", "b": "2"})
	high := newPartition(t, db, map[string]string{"c": "3", "d": "4"})

	if err := GraftTempTree(low, high); err != nil {
		t.Fatalf("GraftTempTree: %v", err)
	}

	got := collect(t, low)
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("grafted order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("grafted order = %v, want %v", got, want)
		}
	}

	// high's entries were copied into low and high destroyed -- the
	// merged tree must still pass the structural checks.
	if err := low.Verify(); err != nil {
		t.Fatalf("Verify merged tree: %v", err)
	}
}

// TestMerge_TwoPartitions is the minimal pairwise case: two inputs reduce
// to Result.Merged holding exactly one tree with the combined key order.
func TestMerge_TwoPartitions(t *testing.T) {
	db := newMergeTestDB(t)
	a := newPartition(t, db, map[string]string{"a": "1", "b": "2"})
	b := newPartition(t, db, map[string]string{"c": "3", "d": "4"})

	res := Merge([]Target{
		{Tree: a, LowKey: []byte("a")},
		{Tree: b, LowKey: []byte("c")},
	})

	if len(res.Merged) != 1 {
		t.Fatalf("Merged = %d trees, want 1 (Remainders=%d)", len(res.Merged), len(res.Remainders))
	}
	if len(res.Remainders) != 0 {
		t.Fatalf("Remainders = %d, want 0", len(res.Remainders))
	}

	got := collect(t, res.Merged[0])
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("merged order = %v, want %v", got, want)
		}
	}
}

// TestMerge_ManyPartitionsReduceToOne proves the tournament reduction:
// more than two input partitions must still collapse to a single result
// tree (spec §4.5 "grafts them pairwise into a single result"), not just
// one round of adjacent-pair grafting.
func TestMerge_ManyPartitionsReduceToOne(t *testing.T) {
	db := newMergeTestDB(t)

	const partitions = 7 // odd, to exercise the leftover-carries-forward path
	const perPartition = 4
	var targets []Target
	var wantOrder []string
	for p := 0; p < partitions; p++ {
		kv := make(map[string]string, perPartition)
		lowKey := fmt.Sprintf("p%02d-%03d", p, 0)
		for i := 0; i < perPartition; i++ {
			k := fmt.Sprintf("p%02d-%03d", p, i)
			kv[k] = "v"
			wantOrder = append(wantOrder, k)
		}
		targets = append(targets, Target{Tree: newPartition(t, db, kv), LowKey: []byte(lowKey)})
	}

	res := Merge(targets)
	if len(res.Merged) != 1 {
		t.Fatalf("Merged = %d trees, want exactly 1 (Remainders=%d)", len(res.Merged), len(res.Remainders))
	}
	if len(res.Remainders) != 0 {
		t.Fatalf("Remainders = %d, want 0", len(res.Remainders))
	}

	got := collect(t, res.Merged[0])
	if len(got) != len(wantOrder) {
		t.Fatalf("merged tree holds %d keys, want %d", len(got), len(wantOrder))
	}
	for i := range wantOrder {
		if got[i] != wantOrder[i] {
			t.Fatalf("merged order[%d] = %q, want %q", i, got[i], wantOrder[i])
		}
	}
	if err := res.Merged[0].Verify(); err != nil {
		t.Fatalf("Verify reduced tree: %v", err)
	}
}

// TestMerge_SingleTargetIsARemainder matches spec's "null first,
// unsigned compare otherwise" partitioning: with nothing to pair against,
// the lone input is reported as a remainder rather than invented into a
// spurious Merged result.
func TestMerge_SingleTargetIsARemainder(t *testing.T) {
	db := newMergeTestDB(t)
	only := newPartition(t, db, map[string]string{"x": "1"})

	res := Merge([]Target{{Tree: only, LowKey: nil}})
	if len(res.Merged) != 0 {
		t.Fatalf("Merged = %d, want 0", len(res.Merged))
	}
	if len(res.Remainders) != 1 || res.Remainders[0] != only {
		t.Fatalf("Remainders = %v, want [only]", res.Remainders)
	}
}

// TestMerge_EmptyInput covers the degenerate zero-target call.
func TestMerge_EmptyInput(t *testing.T) {
	res := Merge(nil)
	if len(res.Merged) != 0 || len(res.Remainders) != 0 {
		t.Fatalf("Merge(nil) = %+v, want empty Result", res)
	}
}
