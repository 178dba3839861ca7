package duskbase

import (
	"fmt"
	"testing"

	"github.com/ryogrid/duskbase/lockmgr"
	"github.com/ryogrid/duskbase/pagefile"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	pa := pagefile.NewMemArray(4096, 0)
	db, err := Open(pa, WithDestroy(true), WithCacheSize(64))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func TestDatabase_OpenTreePutGet(t *testing.T) {
	db := newTestDatabase(t)
	defer db.Close()

	tree, err := db.OpenTree("widgets")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	if err := tree.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, found, err := tree.Get([]byte("a"))
	if err != nil || !found || string(got) != "1" {
		t.Fatalf("Get = (%q, %v, %v), want (1, true, nil)", got, found, err)
	}

	if err := tree.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, err := tree.Get([]byte("a")); err != nil || found {
		t.Fatalf("Get after delete = (found=%v, err=%v)", found, err)
	}
}

func TestDatabase_OpenTreeIsIdempotentByName(t *testing.T) {
	db := newTestDatabase(t)
	defer db.Close()

	first, err := db.OpenTree("same")
	if err != nil {
		t.Fatalf("OpenTree first: %v", err)
	}
	second, err := db.OpenTree("same")
	if err != nil {
		t.Fatalf("OpenTree second: %v", err)
	}
	if first != second {
		t.Fatalf("OpenTree returned distinct handles for the same name")
	}
}

func TestDatabase_CommitAndReopenPersistsData(t *testing.T) {
	pa := pagefile.NewMemArray(4096, 0)
	db, err := Open(pa, WithDestroy(true), WithCacheSize(64))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tree, err := db.OpenTree("durable")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		if err := tree.Put(k, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(pa, WithCacheSize(64))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rtree, err := reopened.OpenTree("durable")
	if err != nil {
		t.Fatalf("OpenTree after reopen: %v", err)
	}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		got, found, err := rtree.Get(k)
		if err != nil || !found || string(got) != "v" {
			t.Fatalf("Get(%s) after reopen = (%q, %v, %v)", k, got, found, err)
		}
	}
}

func TestTree_PutWithLockThenGetWithLock(t *testing.T) {
	db := newTestDatabase(t)
	defer db.Close()

	tree, err := db.OpenTree("locked")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	var txn lockmgr.TxnID = 1
	if err := tree.PutWithLock(txn, []byte("x"), []byte("y")); err != nil {
		t.Fatalf("PutWithLock: %v", err)
	}
	got, found, err := tree.GetWithLock(txn, []byte("x"), lockmgr.RepeatableRead)
	if err != nil || !found || string(got) != "y" {
		t.Fatalf("GetWithLock = (%q, %v, %v)", got, found, err)
	}
}

func TestTree_Seek(t *testing.T) {
	db := newTestDatabase(t)
	defer db.Close()

	tree, err := db.OpenTree("seek")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	for _, k := range []string{"b", "a", "c"} {
		if err := tree.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	cur, err := tree.Seek(nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	defer cur.Close()

	var order []string
	for cur.Valid() {
		order = append(order, string(cur.Key()))
		cur.Next()
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("Seek order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Seek order = %v, want %v", order, want)
		}
	}
}
