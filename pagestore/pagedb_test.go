package pagestore

import (
	"testing"

	"github.com/ryogrid/duskbase/pagefile"
)

type noopCallback struct{}

func (noopCallback) Prepare() error { return nil }

func TestPageDb_FreshCreateSeedsBothHeaders(t *testing.T) {
	pa := pagefile.NewMemArray(4096, 0)
	db, err := Open(pa, Options{PageSize: 4096, Destroy: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if got := db.CommitNumber(); got != 1 {
		t.Fatalf("CommitNumber after fresh create = %d, want 1", got)
	}
}

func TestPageDb_AllocWriteCommitReopen(t *testing.T) {
	pa := pagefile.NewMemArray(4096, 0)
	db, err := Open(pa, Options{PageSize: 4096, Destroy: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id, err := db.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if id != pagefile.PageID(2) {
		t.Fatalf("first AllocPage = %d, want 2 (pages 0/1 are headers)", id)
	}

	buf := make([]byte, 4096)
	copy(buf, []byte("payload"))
	if err := db.WritePage(id, buf, 0); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := db.Commit(noopCallback{}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(pa, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got := make([]byte, 4096)
	if err := reopened.ReadPage(id, got, 0); err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	if string(got[:7]) != "payload" {
		t.Fatalf("ReadPage after reopen = %q, want payload prefix", got[:7])
	}
}

func TestPageDb_HeaderPagesAreProtected(t *testing.T) {
	pa := pagefile.NewMemArray(4096, 0)
	db, err := Open(pa, Options{PageSize: 4096, Destroy: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	buf := make([]byte, 4096)
	if err := db.WritePage(0, buf, 0); err == nil {
		t.Fatal("WritePage(0, ...) should be rejected, header pages are not directly writable")
	}
	if err := db.DeletePage(1); err == nil {
		t.Fatal("DeletePage(1) should be rejected")
	}
}

func TestPageDb_ClosedDatabaseRejectsOperations(t *testing.T) {
	pa := pagefile.NewMemArray(4096, 0)
	db, err := Open(pa, Options{PageSize: 4096, Destroy: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := db.AllocPage(); err == nil {
		t.Fatal("AllocPage after Close should fail")
	}
}
