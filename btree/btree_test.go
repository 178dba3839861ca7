package btree

import (
	"fmt"
	"testing"

	"github.com/ryogrid/duskbase/pagefile"
	"github.com/ryogrid/duskbase/pagestore"
)

func newTestDB(t *testing.T) *pagestore.PageDb {
	t.Helper()
	pa := pagefile.NewMemArray(4096, 0)
	db, err := pagestore.Open(pa, pagestore.Options{PageSize: 4096, Destroy: true})
	if err != nil {
		t.Fatalf("pagestore.Open: %v", err)
	}
	return db
}

func TestBTree_InsertGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	tree, err := CreateTree(db, 64)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	want := map[string]string{
		"apple":  "fruit",
		"banana": "also fruit",
		"carrot": "vegetable",
	}
	for k, v := range want {
		if err := tree.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	for k, v := range want {
		got, found, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q): %v", k, err)
		}
		if !found {
			t.Fatalf("Get(%q): not found", k)
		}
		if string(got) != v {
			t.Fatalf("Get(%q) = %q, want %q", k, got, v)
		}
	}

	if _, found, err := tree.Get([]byte("durian")); err != nil || found {
		t.Fatalf("Get(missing) = (found=%v, err=%v), want (false, nil)", found, err)
	}
}

func TestBTree_SplitsAndStaysSorted(t *testing.T) {
	db := newTestDB(t)
	tree, err := CreateTree(db, 256)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		if err := tree.Insert(key, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	if err := tree.Verify(); err != nil {
		t.Fatalf("Verify after %d inserts: %v", n, err)
	}

	for i := 0; i < n; i += 37 {
		key := []byte(fmt.Sprintf("key-%06d", i))
		got, found, err := tree.Get(key)
		if err != nil || !found {
			t.Fatalf("Get(%s) = (found=%v, err=%v)", key, found, err)
		}
		want := fmt.Sprintf("value-%d", i)
		if string(got) != want {
			t.Fatalf("Get(%s) = %q, want %q", key, got, want)
		}
	}

	cur, err := tree.Seek(nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	defer cur.Close()
	count := 0
	var prev []byte
	for cur.Valid() {
		k := cur.Key()
		if prev != nil && string(prev) >= string(k) {
			t.Fatalf("cursor out of order: %q then %q", prev, k)
		}
		prev = append(prev[:0:0], k...)
		count++
		cur.Next()
	}
	if count != n {
		t.Fatalf("cursor visited %d keys, want %d", count, n)
	}
}

func TestBTree_DeleteShrinksBackToEmpty(t *testing.T) {
	db := newTestDB(t)
	tree, err := CreateTree(db, 256)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	const n = 500
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k-%05d", i))
		if err := tree.Insert(keys[i], []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tree.Verify(); err != nil {
		t.Fatalf("Verify after inserts: %v", err)
	}

	for _, k := range keys {
		if err := tree.Delete(k); err != nil {
			t.Fatalf("Delete(%s): %v", k, err)
		}
	}
	if err := tree.Verify(); err != nil {
		t.Fatalf("Verify after deletes: %v", err)
	}

	for _, k := range keys {
		if _, found, err := tree.Get(k); err != nil || found {
			t.Fatalf("Get(%s) after delete = (found=%v, err=%v)", k, found, err)
		}
	}
}

// TestBTree_DeleteMergesUnderfullSiblings proves that deleting keys down to
// a small but non-empty remainder merges leaves back together (spec §4.5:
// siblings that together fit in one page are merged), not only the
// delete-to-exactly-zero case.
func TestBTree_DeleteMergesUnderfullSiblings(t *testing.T) {
	db := newTestDB(t)
	tree, err := CreateTree(db, 256)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	const n = 800
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k-%05d", i))
		if err := tree.Insert(keys[i], []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tree.Verify(); err != nil {
		t.Fatalf("Verify after inserts: %v", err)
	}
	before, err := tree.Analyze()
	if err != nil {
		t.Fatalf("Analyze after inserts: %v", err)
	}
	if before.Leaves <= 1 {
		t.Fatalf("want the insert phase to have split into multiple leaves, got %d", before.Leaves)
	}

	// Delete every other key: each surviving leaf drops to roughly half
	// its entries, well past the single-page merge threshold, while
	// leaving every deleted key's neighbor still present.
	for i := 0; i < n; i += 2 {
		if err := tree.Delete(keys[i]); err != nil {
			t.Fatalf("Delete(%s): %v", keys[i], err)
		}
	}
	if err := tree.Verify(); err != nil {
		t.Fatalf("Verify after thinning deletes: %v", err)
	}

	after, err := tree.Analyze()
	if err != nil {
		t.Fatalf("Analyze after deletes: %v", err)
	}
	if after.Leaves >= before.Leaves {
		t.Fatalf("leaf count did not shrink from underfull merging: before=%d after=%d", before.Leaves, after.Leaves)
	}
	if after.Keys != int64(n/2) {
		t.Fatalf("Analyze reports %d live keys, want %d", after.Keys, n/2)
	}

	for i := 1; i < n; i += 2 {
		if _, found, err := tree.Get(keys[i]); err != nil || !found {
			t.Fatalf("Get(%s) after thinning = (found=%v, err=%v)", keys[i], found, err)
		}
	}
	for i := 0; i < n; i += 2 {
		if _, found, err := tree.Get(keys[i]); err != nil || found {
			t.Fatalf("Get(%s) after delete = (found=%v, err=%v)", keys[i], found, err)
		}
	}
}

// TestBTree_DeleteMergesInternalNodes proves internal-node merging: once
// enough leaves have merged away, the internal level above them must also
// shrink, not just the leaf level mergeUp was previously exercised at.
func TestBTree_DeleteMergesInternalNodes(t *testing.T) {
	db := newTestDB(t)
	tree, err := CreateTree(db, 256)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	const n = 40000
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k-%06d", i))
		if err := tree.Insert(keys[i], []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	before, err := tree.Analyze()
	if err != nil {
		t.Fatalf("Analyze after inserts: %v", err)
	}
	if before.Internal <= 1 {
		t.Fatalf("want the insert phase to have grown multiple internal nodes, got %d", before.Internal)
	}

	// Drop all but the first tenth of keys so most leaves and their
	// parent internal nodes collapse back together.
	for i := n / 10; i < n; i++ {
		if err := tree.Delete(keys[i]); err != nil {
			t.Fatalf("Delete(%s): %v", keys[i], err)
		}
	}
	if err := tree.Verify(); err != nil {
		t.Fatalf("Verify after bulk delete: %v", err)
	}

	after, err := tree.Analyze()
	if err != nil {
		t.Fatalf("Analyze after bulk delete: %v", err)
	}
	if after.Internal >= before.Internal {
		t.Fatalf("internal node count did not shrink: before=%d after=%d", before.Internal, after.Internal)
	}
	if after.Keys != int64(n/10) {
		t.Fatalf("Analyze reports %d live keys, want %d", after.Keys, n/10)
	}

	for i := 0; i < n/10; i++ {
		if _, found, err := tree.Get(keys[i]); err != nil || !found {
			t.Fatalf("Get(%s) after bulk delete = (found=%v, err=%v)", keys[i], found, err)
		}
	}
}

func TestBTree_FragmentedValue(t *testing.T) {
	db := newTestDB(t)
	tree, err := CreateTree(db, 64)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	big := make([]byte, maxInlineValue*4)
	for i := range big {
		big[i] = byte(i)
	}
	if err := tree.Insert([]byte("huge"), big); err != nil {
		t.Fatalf("Insert big value: %v", err)
	}

	got, found, err := tree.Get([]byte("huge"))
	if err != nil || !found {
		t.Fatalf("Get(huge) = (found=%v, err=%v)", found, err)
	}
	if len(got) != len(big) {
		t.Fatalf("Get(huge) len = %d, want %d", len(got), len(big))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("Get(huge)[%d] = %d, want %d", i, got[i], big[i])
		}
	}
}

func TestBTree_ReopenAfterPrepare(t *testing.T) {
	db := newTestDB(t)
	tree, err := CreateTree(db, 64)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Commit(tree); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reopened, err := OpenTree(db, tree.CatalogPageID(), 64)
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	got, found, err := reopened.Get([]byte("k"))
	if err != nil || !found || string(got) != "v" {
		t.Fatalf("Get after reopen = (%q, %v, %v)", got, found, err)
	}
}
