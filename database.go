// Package duskbase is the facade over the four core subsystems spec.md
// names: the paged store (pagestore), the B+ tree (btree), the
// concurrency substrate (latch + lockmgr), and replication's term log
// (termlog). Database ties them together the way the teacher's BufMgr
// ties PageDb-equivalent state to tree operations, generalized from the
// teacher's single embedded tree into named, independently opened trees.
package duskbase

import (
	"encoding/binary"
	"sync"

	"github.com/ryogrid/duskbase/btree"
	"github.com/ryogrid/duskbase/internal/duskerr"
	"github.com/ryogrid/duskbase/lockmgr"
	"github.com/ryogrid/duskbase/pagefile"
	"github.com/ryogrid/duskbase/pagestore"
)

// catalogBootstrapPageID is where the catalog tree's own root/stub-list
// bookkeeping lives. It is fixed rather than looked up because it has
// nowhere else to be looked up from: PageManager's very first two
// allocations on a freshly initialized PageDb are deterministic (page 2
// for the catalog tree's root, page 3 for its catalog page), so a fresh
// Database pins page 3 as this well-known bootstrap location instead of
// needing a catalog to find its own catalog.
const catalogBootstrapPageID = pagefile.PageID(3)

// Database is an open duskbase instance: one PageDb plus every
// currently-open named Tree.
type Database struct {
	pagedb *pagestore.PageDb
	opts   Options
	locks  *lockmgr.Manager

	catalog *btree.BTree // tree 0: name -> user tree's catalog page id

	mu         sync.Mutex
	trees      map[string]*Tree
	nextTreeID uint32
}

// Open opens (or creates, per Options.Destroy) a Database over pa.
func Open(pa pagefile.PageArray, opts ...Option) (*Database, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	pagedb, err := pagestore.Open(pa, pagestore.Options{
		PageSize: o.PageSize,
		Destroy:  o.Destroy,
		Log:      o.Log,
	})
	if err != nil {
		return nil, err
	}

	db := &Database{
		pagedb:     pagedb,
		opts:       o,
		locks:      lockmgr.New(64),
		trees:      make(map[string]*Tree),
		nextTreeID: firstUserTreeID,
	}

	fresh := pagedb.PageSize() > 0 && isFreshCatalog(pagedb)
	if fresh {
		catalog, err := btree.CreateTree(pagedb, o.CacheSize)
		if err != nil {
			return nil, err
		}
		if catalog.CatalogPageID() != catalogBootstrapPageID {
			return nil, duskerr.ErrCorruptDatabase
		}
		db.catalog = catalog
	} else {
		catalog, err := btree.OpenTree(pagedb, catalogBootstrapPageID, o.CacheSize)
		if err != nil {
			return nil, err
		}
		db.catalog = catalog
	}

	return db, nil
}

// isFreshCatalog reports whether the catalog tree's bootstrap page has
// never been written, i.e. this PageDb was just created.
func isFreshCatalog(pagedb *pagestore.PageDb) bool {
	buf := make([]byte, 16)
	if err := pagedb.ReadPage(catalogBootstrapPageID, buf, 0); err != nil {
		return true
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// OpenTree opens an existing named tree, or creates it if it does not
// exist, matching the catalog entry if present.
func (db *Database) OpenTree(name string) (*Tree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if t, ok := db.trees[name]; ok {
		return t, nil
	}

	catalogPageBuf, found, err := db.catalog.Get([]byte(name))
	if err != nil {
		return nil, err
	}

	var bt *btree.BTree
	if found {
		pageID := pagefile.PageID(binary.LittleEndian.Uint64(catalogPageBuf))
		bt, err = btree.OpenTree(db.pagedb, pageID, db.opts.CacheSize)
	} else {
		bt, err = btree.CreateTree(db.pagedb, db.opts.CacheSize)
		if err == nil {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(bt.CatalogPageID()))
			err = db.catalog.Insert([]byte(name), buf)
		}
	}
	if err != nil {
		return nil, err
	}

	id := db.nextTreeID
	db.nextTreeID++
	t := &Tree{db: db, id: id, name: name, bt: bt}
	db.trees[name] = t
	return t, nil
}

// DropTree removes a tree from the catalog and destroys its backing
// pages. It delegates to Tree.Drop, so a non-empty tree is refused with
// ErrIllegalState rather than silently destroyed.
func (db *Database) DropTree(name string) error {
	db.mu.Lock()
	t, ok := db.trees[name]
	db.mu.Unlock()
	if !ok {
		return duskerr.ErrIllegalArgument
	}
	return t.Drop()
}

// dropEmptyTree is Tree.Drop's Database-side half: it destroys t's
// backing pages, removes its catalog entry, and forgets the handle. The
// caller (Tree.Drop) has already verified t is empty.
func (db *Database) dropEmptyTree(t *Tree) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.trees[t.name]; !ok {
		return duskerr.ErrIllegalArgument
	}
	if err := t.bt.Destroy(); err != nil {
		return err
	}
	if err := db.catalog.Delete([]byte(t.name)); err != nil {
		return err
	}
	t.close()
	delete(db.trees, t.name)
	return nil
}

// closeTree detaches t's handle without touching its stored data,
// Tree.Close's Database-side half.
func (db *Database) closeTree(t *Tree) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.trees[t.name]; !ok {
		return duskerr.ErrIllegalArgument
	}
	t.close()
	delete(db.trees, t.name)
	return nil
}

// Prepare implements pagestore.CommitCallback: it flushes every open
// tree's dirty nodes (including the catalog tree) before the two-header
// commit swap, per spec §4.1 step 4.
func (db *Database) Prepare() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.catalog.Prepare(); err != nil {
		return err
	}
	for _, t := range db.trees {
		if err := t.bt.Prepare(); err != nil {
			return err
		}
	}
	return nil
}

// Commit durably commits every pending mutation across all open trees,
// driving PageDb's two-header swap (spec §4.1).
func (db *Database) Commit() error {
	return db.pagedb.Commit(db)
}

// Lock exposes the database's shared LockManager for callers that need
// to acquire/release row locks directly (e.g. a transaction manager
// layered above duskbase).
func (db *Database) Lock() *lockmgr.Manager { return db.locks }

// Close releases the backing PageDb. Any mutation not already durably
// committed via Commit is discarded, per the copy-on-write contract: an
// uncommitted dirty node was never reachable from a published header.
func (db *Database) Close() error {
	db.mu.Lock()
	for _, t := range db.trees {
		t.close()
	}
	db.mu.Unlock()
	return db.pagedb.Close()
}
