package duskbase

import (
	"bytes"
	"context"

	"github.com/ryogrid/duskbase/btree"
	"github.com/ryogrid/duskbase/internal/duskerr"
	"github.com/ryogrid/duskbase/lockmgr"
	"github.com/ryogrid/duskbase/pagefile"
)

// Reserved tree ids, per spec §9's note that "the reserved tree id range
// ([0, 255]) ... encode[s] global, mutable state; model as database-scoped
// singletons created at open and destroyed at close." Only catalogTreeID
// is functionally wired: the schema/trigger registries are reserved slots
// for features spec.md scopes out (schemata are explicitly unfinished in
// the original source; triggers beyond the CAS protocol itself are not
// part of this spec's four core subsystems), kept allocated so a future
// tree in this id range never collides with a user tree.
const (
	catalogTreeID   = 0
	schemaTreeID    = 1
	termIndexTreeID = 2
	triggerTreeID   = 3
	firstUserTreeID = 4
)

// Tree is an open, named B+ tree within a Database.
type Tree struct {
	db   *Database
	id   uint32
	name string
	bt   *btree.BTree

	closed bool
}

// Name returns the tree's catalog name.
func (t *Tree) Name() string { return t.name }

// Get looks up key, per spec §4.5's descent contract (no locking here --
// callers wanting isolation-level read locks use GetWithLock).
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if t.closed {
		return nil, false, duskerr.ErrClosedIndex
	}
	return t.bt.Get(key)
}

// GetWithLock acquires the lock isolation requires before reading key
// under txn, then performs the lookup, per spec §4.5's "short-circuit to
// a lock-acquire path" description. READ_COMMITTED releases its shared
// lock the moment the read completes; REPEATABLE_READ (and stronger
// levels) retain it for the rest of the transaction, per spec §4.4 --
// the two are not interchangeable even though both acquire shared.
func (t *Tree) GetWithLock(txn lockmgr.TxnID, key []byte, isolation lockmgr.Isolation) ([]byte, bool, error) {
	if t.closed {
		return nil, false, duskerr.ErrClosedIndex
	}
	if _, err := t.db.locks.AcquireForIsolation(context.Background(), txn, t.id, key, isolation, lockmgr.Forever); err != nil {
		return nil, false, err
	}
	value, found, err := t.bt.Get(key)
	if isolation == lockmgr.ReadCommitted {
		t.db.locks.ReleaseKey(t.id, txn, key)
	}
	return value, found, err
}

// Put inserts or replaces key's value.
func (t *Tree) Put(key, value []byte) error {
	if t.closed {
		return duskerr.ErrClosedIndex
	}
	return t.bt.Insert(key, value)
}

// PutWithLock acquires an exclusive lock on key under txn before writing.
func (t *Tree) PutWithLock(txn lockmgr.TxnID, key, value []byte) error {
	if t.closed {
		return duskerr.ErrClosedIndex
	}
	if _, err := t.db.locks.LockExclusive(context.Background(), txn, t.id, key, lockmgr.Forever); err != nil {
		return err
	}
	return t.bt.Insert(key, value)
}

// Delete removes key.
func (t *Tree) Delete(key []byte) error {
	if t.closed {
		return duskerr.ErrClosedIndex
	}
	return t.bt.Delete(key)
}

// Store upserts key unconditionally. Spec §6 names this alongside load;
// it is Put under another name.
func (t *Tree) Store(key, value []byte) error { return t.Put(key, value) }

// Load looks up key. Spec §6 names this alongside store; it is Get under
// another name.
func (t *Tree) Load(key []byte) ([]byte, bool, error) { return t.Get(key) }

// Exchange stores value at key and returns whatever value it replaced
// (if any).
func (t *Tree) Exchange(key, value []byte) (old []byte, existed bool, err error) {
	if t.closed {
		return nil, false, duskerr.ErrClosedIndex
	}
	old, existed, err = t.bt.Get(key)
	if err != nil {
		return nil, false, err
	}
	if err := t.bt.Insert(key, value); err != nil {
		return nil, false, err
	}
	return old, existed, nil
}

// Insert stores (key, value) only if key does not already exist,
// reporting whether it did. Per spec §8's round-trip property, Insert on
// an absent key is idempotent (repeatable with the same observable
// outcome); when key already exists Insert is a no-op, not an error.
// This check-then-act is not atomic against a concurrent writer to the
// same key that isn't going through PutWithLock/an external lock --
// acceptable for a reference engine, documented in DESIGN.md.
func (t *Tree) Insert(key, value []byte) (bool, error) {
	if t.closed {
		return false, duskerr.ErrClosedIndex
	}
	_, existed, err := t.bt.Get(key)
	if err != nil {
		return false, err
	}
	if existed {
		return false, nil
	}
	return true, t.bt.Insert(key, value)
}

// Replace stores value at key only if key already exists, reporting
// whether it did. Per spec §8, Replace on an absent key is a no-op, not
// an error.
func (t *Tree) Replace(key, value []byte) (bool, error) {
	if t.closed {
		return false, duskerr.ErrClosedIndex
	}
	_, existed, err := t.bt.Get(key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	return true, t.bt.Insert(key, value)
}

// Update requires key to already exist, storing value only in that
// case; it shares Replace's require-existing contract under spec's
// separate name for it.
func (t *Tree) Update(key, value []byte) (bool, error) { return t.Replace(key, value) }

// Seek returns a Cursor positioned at the first key >= start (or the
// first key overall if start is nil).
func (t *Tree) Seek(start []byte) (*Cursor, error) {
	if t.closed {
		return nil, duskerr.ErrClosedIndex
	}
	c, err := t.bt.Seek(start)
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: c}, nil
}

// NewCursor returns a cursor positioned at the tree's first entry. txn is
// accepted per spec §6's signature; cursor reads spanning many keys are
// left to the caller to lock per entry visited (GetWithLock already
// covers the single-key case -- a cursor-wide lock-acquisition policy is
// an open area spec does not pin down).
func (t *Tree) NewCursor(txn lockmgr.TxnID) (*Cursor, error) {
	if t.closed {
		return nil, duskerr.ErrClosedIndex
	}
	return t.Seek(nil)
}

// ViewGe returns a cursor positioned at the first key >= key.
func (t *Tree) ViewGe(key []byte) (*Cursor, error) { return t.Seek(key) }

// ViewGt returns a cursor positioned at the first key > key.
func (t *Tree) ViewGt(key []byte) (*Cursor, error) {
	c, err := t.Seek(key)
	if err != nil {
		return nil, err
	}
	if c.Valid() && bytes.Equal(c.Key(), key) {
		c.Next()
	}
	return c, nil
}

// ViewLe returns a cursor positioned at the last key <= key.
func (t *Tree) ViewLe(key []byte) (*Cursor, error) {
	if t.closed {
		return nil, duskerr.ErrClosedIndex
	}
	bc, err := t.bt.Seek(key)
	if err != nil {
		return nil, err
	}
	if bc.Valid() && btree.KeyCompare(bc.Key(), key) == 0 {
		return &Cursor{inner: bc}, nil
	}
	if !bc.Valid() {
		last, err := t.bt.Last()
		if err != nil {
			return nil, err
		}
		return &Cursor{inner: last}, nil
	}
	bc.Previous()
	return &Cursor{inner: bc}, nil
}

// ViewLt returns a cursor positioned at the last key < key.
func (t *Tree) ViewLt(key []byte) (*Cursor, error) {
	c, err := t.ViewLe(key)
	if err != nil {
		return nil, err
	}
	if c.Valid() && bytes.Equal(c.Key(), key) {
		c.Previous()
	}
	return c, nil
}

// ViewPrefix returns a cursor ranging in ascending order over every key
// sharing prefix.
func (t *Tree) ViewPrefix(prefix []byte) (*Cursor, error) {
	if t.closed {
		return nil, duskerr.ErrClosedIndex
	}
	bc, err := t.bt.Seek(prefix)
	if err != nil {
		return nil, err
	}
	bc.SetUpperBound(btree.PrefixUpperBound(prefix))
	return &Cursor{inner: bc}, nil
}

// Count returns the number of live keys in [low, high); nil bounds are
// open-ended.
func (t *Tree) Count(low, high []byte) (int64, error) {
	if t.closed {
		return 0, duskerr.ErrClosedIndex
	}
	bc, err := t.bt.Seek(low)
	if err != nil {
		return 0, err
	}
	defer bc.Close()

	var n int64
	for bc.Valid() {
		if high != nil && btree.KeyCompare(bc.Key(), high) >= 0 {
			break
		}
		n++
		bc.Next()
	}
	return n, nil
}

// EvictFilter decides whether a cached node holding key/value should be
// dropped from the in-memory node cache.
type EvictFilter func(key, value []byte) bool

// Evict walks [low, high) and, for every distinct leaf page visited,
// asks filter whether to drop that page from the node cache -- eviction
// only frees memory, the data remains durable on disk regardless.
// autoload controls what happens when a leaf in range is not currently
// cached: true loads it so filter can inspect it, false skips it
// untouched, per spec §4.5's evict(txn, low, high, filter, autoload). txn
// is accepted per that signature; eviction itself needs no lock.
func (t *Tree) Evict(txn lockmgr.TxnID, low, high []byte, filter EvictFilter, autoload bool) (int, error) {
	if t.closed {
		return 0, duskerr.ErrClosedIndex
	}
	bc, err := t.bt.Seek(low)
	if err != nil {
		return 0, err
	}
	defer bc.Close()

	evicted := 0
	var lastLeaf pagefile.PageID
	first := true
	for bc.Valid() {
		if high != nil && btree.KeyCompare(bc.Key(), high) >= 0 {
			break
		}
		leafID := bc.LeafPageID()
		if first || leafID != lastLeaf {
			first = false
			lastLeaf = leafID
			if t.bt.IsNodeCached(leafID) || autoload {
				value, verr := bc.Value()
				if verr == nil && (filter == nil || filter(bc.Key(), value)) {
					if t.bt.EvictNode(leafID) {
						evicted++
					}
				}
			}
		}
		bc.Next()
	}
	return evicted, nil
}

// Random returns a cursor positioned at a pseudo-randomly chosen live
// entry.
func (t *Tree) Random() (*Cursor, error) {
	if t.closed {
		return nil, duskerr.ErrClosedIndex
	}
	c, err := t.bt.Random()
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: c}, nil
}

// RandomNode returns the page id of a pseudo-randomly chosen currently
// cached node, the driver spec §4.5 describes for an approximate-LRU
// eviction pass on top of the node cache's clock sweep.
func (t *Tree) RandomNode() (pagefile.PageID, bool, error) {
	if t.closed {
		return 0, false, duskerr.ErrClosedIndex
	}
	id, ok := t.bt.RandomNode()
	return id, ok, nil
}

// Analyze reports summary statistics about the tree's shape.
func (t *Tree) Analyze() (btree.Stats, error) {
	if t.closed {
		return btree.Stats{}, duskerr.ErrClosedIndex
	}
	return t.bt.Analyze()
}

// Verify walks the tree checking structural invariants (Testable
// Properties 3/4), reporting every violation found to observer instead
// of stopping at the first one. Pass nil for fail-fast behavior.
func (t *Tree) Verify(observer btree.VerifyObserver) error {
	if t.closed {
		return duskerr.ErrClosedIndex
	}
	return t.bt.VerifyObserved(observer)
}

// CatalogPageID returns the page the tree's root/stub-list bookkeeping is
// persisted under, used by Database's own catalog tree to remember it.
func (t *Tree) CatalogPageID() pagefile.PageID { return t.bt.CatalogPageID() }

// IsClosed reports whether Close or Drop has already detached this
// handle.
func (t *Tree) IsClosed() bool { return t.closed }

// IsModifyAtomic reports whether a single Put/Delete either fully
// succeeds or leaves the tree exactly as it was, with no partial
// mutation observable -- true for every duskbase tree, since Insert and
// Delete hold an exclusive latch across their whole root-to-leaf path
// and never publish a partially-updated node.
func (t *Tree) IsModifyAtomic() bool { return true }

// Close detaches this handle from its Database without destroying the
// tree's stored data, distinct from Drop.
func (t *Tree) Close() error {
	if t.closed {
		return duskerr.ErrClosedIndex
	}
	return t.db.closeTree(t)
}

// Drop destroys the tree's backing pages and removes it from the
// catalog. It refuses a non-empty tree with ErrIllegalState -- callers
// that intend to discard data regardless must delete every key first.
func (t *Tree) Drop() error {
	if t.closed {
		return duskerr.ErrClosedIndex
	}
	n, err := t.Count(nil, nil)
	if err != nil {
		return err
	}
	if n != 0 {
		return duskerr.ErrIllegalState
	}
	return t.db.dropEmptyTree(t)
}

func (t *Tree) close() { t.closed = true }
