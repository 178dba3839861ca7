package pagestore

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ryogrid/duskbase/internal/diag"
	"github.com/ryogrid/duskbase/internal/duskerr"
	"github.com/ryogrid/duskbase/latch"
	"github.com/ryogrid/duskbase/pagefile"
)

// CommitCallback lets higher layers (the node cache) flush dirty pages
// before PageDb publishes a new header, per spec §4.1 step 4.
type CommitCallback interface {
	// Prepare must return only once every dirty user page has been
	// written via PageDb.WritePage.
	Prepare() error
}

// Options configures PageDb.Open.
type Options struct {
	PageSize int
	Destroy  bool
	Log      *diag.Logger
}

// PageDb is C3: the two-header commit protocol described in spec §4.1.
// Never overwrites a page visible to the last good commit until the next
// commit has durably succeeded.
type PageDb struct {
	pa   pagefile.PageArray
	opts Options
	log  *diag.Logger

	commitLock  latch.CommitLock
	headerLatch latch.Latch

	databaseID [16]byte
	pageSize   uint32
	commitNum  uint32 // protected by headerLatch

	mgr *PageManager

	closedFlag atomic.Bool
	closeErr   error
}

// Open implements spec §4.1 open(files, options, crypto?, destroy?). crypto
// is modeled by the caller handing in an already-wrapped pagefile.PageArray
// (e.g. pagefile.NewCryptoArray(inner, ...)); PageDb itself is agnostic to
// the decorator stack beneath it.
func Open(pa pagefile.PageArray, opts Options) (*PageDb, error) {
	if opts.Log == nil {
		opts.Log = diag.Nop()
	}
	db := &PageDb{pa: pa, opts: opts, log: opts.Log, pageSize: uint32(opts.PageSize)}

	count, err := pa.PageCount()
	if err != nil {
		return nil, err
	}

	if count < 2 || opts.Destroy {
		return db.initFresh()
	}
	return db.openExisting()
}

func (db *PageDb) initFresh() (*PageDb, error) {
	if err := db.pa.Extend(2); err != nil {
		return nil, err
	}
	db.databaseID = newDatabaseID()
	db.mgr = NewPageManager(db.pa, 2)
	db.commitNum = 0xFFFFFFFF // so the first commit() below rolls to 0
	// Seed both headers durably, per spec §4.1 "commit twice so both
	// headers are valid".
	if err := db.commitLocked(nil); err != nil {
		return nil, err
	}
	if err := db.commitLocked(nil); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *PageDb) openExisting() (*PageDb, error) {
	buf0 := make([]byte, HeaderSize)
	buf1 := make([]byte, HeaderSize)
	err0 := db.pa.ReadPartial(0, 0, buf0, 0, HeaderSize)
	err1 := db.pa.ReadPartial(1, 0, buf1, 0, HeaderSize)

	var h0, h1 *header
	var decErr0, decErr1 error
	if err0 == nil {
		h0, decErr0 = decodeHeader(buf0, 0)
	}
	if err1 == nil {
		h1, decErr1 = decodeHeader(buf1, 0)
	}

	valid0 := err0 == nil && decErr0 == nil
	valid1 := err1 == nil && decErr1 == nil

	var chosen *header
	switch {
	case valid0 && valid1:
		if h0.pageSize != h1.pageSize {
			return nil, duskerr.ErrCorruptDatabase
		}
		if h0.commitNum == h1.commitNum {
			return nil, duskerr.ErrCorruptDatabase
		}
		if commitNewer(h0.commitNum, h1.commitNum) {
			chosen = h0
		} else {
			chosen = h1
		}
	case valid0 && !valid1:
		chosen = h0
	case valid1 && !valid0:
		chosen = h1
	default:
		return nil, duskerr.ErrCorruptDatabase
	}

	db.databaseID = chosen.databaseID
	db.pageSize = chosen.pageSize
	db.commitNum = chosen.commitNum
	count, err := db.pa.PageCount()
	if err != nil {
		return nil, err
	}
	db.mgr = LoadFromHeader(db.pa, chosen.mgrHeader[:])
	if db.mgr.totalPages < count {
		db.mgr.totalPages = count
	}
	return db, nil
}

// DatabaseID returns the 16-byte random database identity established on
// first creation (stable across Open calls against the same files).
func (db *PageDb) DatabaseID() [16]byte { return db.databaseID }

// CommitNumber returns the commit number of the currently active header.
func (db *PageDb) CommitNumber() uint32 {
	db.headerLatch.AcquireShared()
	defer db.headerLatch.ReleaseShared()
	return db.commitNum
}

func (db *PageDb) checkOpen() error {
	if db.closedFlag.Load() {
		if db.closeErr != nil {
			return fmt.Errorf("duskbase: database closed: %w", db.closeErr)
		}
		return duskerr.ErrClosedIndex
	}
	return nil
}

// closeOnFailure implements spec §7's "any exception from any operation
// closes the database" policy.
func (db *PageDb) closeOnFailure(err error) error {
	if err == nil {
		return nil
	}
	if db.closedFlag.CompareAndSwap(false, true) {
		db.closeErr = err
		_ = db.pa.Close()
	}
	return err
}

// AllocPage returns a fresh or recycled page id, serialized against commit
// via the commit lock's read side, per spec §4.1.
func (db *PageDb) AllocPage() (pagefile.PageID, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	db.commitLock.AcquireRead()
	defer db.commitLock.ReleaseRead()
	id, err := db.mgr.Alloc()
	if err != nil {
		return 0, db.closeOnFailure(err)
	}
	return id, nil
}

// DeletePage frees id, unusable by AllocPage until the next commit
// returns. Ids 0 and 1 (the headers) can never be deleted or written
// directly by callers, per spec §4.1.
func (db *PageDb) DeletePage(id pagefile.PageID) error {
	if id <= 1 {
		return duskerr.ErrIllegalArgument
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.commitLock.AcquireRead()
	defer db.commitLock.ReleaseRead()
	return db.closeOnFailure(db.mgr.Delete(id))
}

// RecyclePage immediately returns id to the allocatable pool, with no
// rollback protection -- the caller is asserting the page is not visible
// in any durable header.
func (db *PageDb) RecyclePage(id pagefile.PageID) error {
	if id <= 1 {
		return duskerr.ErrIllegalArgument
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.commitLock.AcquireRead()
	defer db.commitLock.ReleaseRead()
	return db.closeOnFailure(db.mgr.Recycle(id))
}

// ReadPage reads page id into buf[off:off+PageSize].
func (db *PageDb) ReadPage(id pagefile.PageID, buf []byte, off int) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.pa.ReadPage(id, buf, off); err != nil {
		return db.closeOnFailure(err)
	}
	return nil
}

// ReadPartial reads length bytes starting at byte start within page id.
func (db *PageDb) ReadPartial(id pagefile.PageID, start int, buf []byte, off, length int) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.pa.ReadPartial(id, start, buf, off, length); err != nil {
		return db.closeOnFailure(err)
	}
	return nil
}

// WritePage writes buf[off:off+PageSize] into page id. id must be > 1.
func (db *PageDb) WritePage(id pagefile.PageID, buf []byte, off int) error {
	if id <= 1 {
		return duskerr.ErrIllegalArgument
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.pa.WritePage(id, buf, off); err != nil {
		return db.closeOnFailure(err)
	}
	return nil
}

// PageSize returns the fixed page size this database was opened with.
func (db *PageDb) PageSize() uint32 { return db.pageSize }

// Commit implements spec §4.1 commit(callback?): the two-header swap.
func (db *PageDb) Commit(callback CommitCallback) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.commitLocked(callback); err != nil {
		return db.closeOnFailure(err)
	}
	return nil
}

func (db *PageDb) commitLocked(callback CommitCallback) error {
	db.commitLock.AcquireWrite()
	db.commitLock.Downgrade()
	defer db.commitLock.ReleaseRead()

	nextCommit := db.commitNum + 1 // wraps at 2^32, matching spec's modulo-32 numbering

	buf := make([]byte, db.headerBufSize())
	if err := db.mgr.CommitStart(buf, offMgrHeader); err != nil {
		return err
	}

	if callback != nil {
		if err := callback.Prepare(); err != nil {
			return err
		}
	}

	h := &header{
		databaseID: db.databaseID,
		pageSize:   db.pageSize,
		commitNum:  nextCommit,
	}
	copy(h.mgrHeader[:], buf[offMgrHeader:offMgrHeader+mgrHeaderSize])
	pageBuf := make([]byte, db.headerBufSize())
	h.encode(pageBuf)
	replicateHeader(pageBuf, int(db.headerBufSize()))

	if err := db.pa.Sync(true); err != nil {
		return err
	}

	targetID := pagefile.PageID(nextCommit & 1)
	if dw, ok := db.pa.(pagefile.DurableWriter); ok {
		if err := dw.WritePageDurably(targetID, pageBuf, 0); err != nil {
			return err
		}
	} else {
		if err := db.pa.WritePage(targetID, pageBuf, 0); err != nil {
			return err
		}
		if err := db.pa.Sync(true); err != nil {
			return err
		}
	}

	db.headerLatch.AcquireExclusive()
	db.commitNum = nextCommit
	db.headerLatch.ReleaseExclusive()

	db.mgr.CommitEnd()
	db.log.Debugf("commit %d published", nextCommit)
	return nil
}

func (db *PageDb) headerBufSize() int {
	if db.pageSize == 0 {
		return HeaderSize
	}
	return int(db.pageSize)
}

// SnapshotReader streams a coherent point-in-time image of the database,
// per spec §6 "raw pages in ascending id order, beginning with page 0".
type SnapshotReader struct {
	db    *PageDb
	total uint64
	next  pagefile.PageID
}

// BeginSnapshot captures the current header's visible page count under the
// header latch's shared side, per spec §4.1 begin_snapshot.
func (db *PageDb) BeginSnapshot() (*SnapshotReader, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	db.headerLatch.AcquireShared()
	total := db.mgr.TotalPages()
	db.headerLatch.ReleaseShared()
	return &SnapshotReader{db: db, total: total}, nil
}

// Read implements io.Reader, yielding PageSize()-byte pages until the
// snapshot is exhausted.
func (s *SnapshotReader) Read(p []byte) (int, error) {
	size := int(s.db.pageSize)
	if len(p) < size {
		return 0, fmt.Errorf("pagestore: snapshot reads must be page-sized (>= %d)", size)
	}
	if uint64(s.next) >= s.total {
		return 0, io.EOF
	}
	if err := s.db.pa.ReadPage(s.next, p, 0); err != nil {
		return 0, err
	}
	s.next++
	return size, nil
}

// RestoreFromSnapshot is the inverse of BeginSnapshot: it streams pages
// from r into a fresh (empty) pagefile.PageArray and returns the
// reconstructed PageDb. destination must have zero pages.
func RestoreFromSnapshot(r io.Reader, destination pagefile.PageArray, pageSize int, opts Options) (*PageDb, error) {
	existing, err := destination.PageCount()
	if err != nil {
		return nil, err
	}
	if existing != 0 {
		return nil, fmt.Errorf("%w: restore destination is not empty", duskerr.ErrIllegalState)
	}

	first := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, first); err != nil {
		return nil, err
	}
	detectedSize := pageSize
	if detectedSize == 0 {
		detectedSize = int(decodeUint32(first, offPageSize))
	}

	var id uint64
	page := make([]byte, detectedSize)
	copy(page, first)
	if _, err := io.ReadFull(r, page[HeaderSize:]); err != nil {
		return nil, err
	}
	for {
		if err := destination.Extend(id + 1); err != nil {
			return nil, err
		}
		if err := destination.WritePage(pagefile.PageID(id), page, 0); err != nil {
			return nil, err
		}
		id++
		n, err := io.ReadFull(r, page)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if n < detectedSize {
			break
		}
	}

	opts.PageSize = detectedSize
	return Open(destination, opts)
}

func decodeUint32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

// Close closes the underlying page array. After Close, every subsequent
// call fails with ErrClosedIndex, per spec §7.
func (db *PageDb) Close() error {
	if db.closedFlag.CompareAndSwap(false, true) {
		return db.pa.Close()
	}
	return nil
}
