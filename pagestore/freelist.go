package pagestore

import (
	"encoding/binary"

	"github.com/ryogrid/duskbase/latch"
	"github.com/ryogrid/duskbase/pagefile"
)

// PageManager is C2: free-list and allocation bookkeeping over a
// pagefile.PageArray. It tracks two logical free lists per spec §4.2:
//
//   - regular: durable, subject to rollback -- pages delete()'d are only
//     safe to hand back out from alloc() once the commit in flight when
//     delete() was called has itself finished committing.
//   - recycle: non-durable, immediately reusable, no rollback protection.
//
// Both lists are threaded through the free pages themselves (the first 8
// bytes of a free page's content store the next free page id), exactly the
// way the teacher's bufmgr.go threads mgr.pageZero.chain through
// set.page.Right -- only generalized here into two independently-headed
// chains instead of one.
type PageManager struct {
	pa pagefile.PageArray

	mu latch.Latch // guards all fields below; short critical sections only

	totalPages uint64 // high-water mark of pages ever allocated

	regularHead  pagefile.PageID
	regularCount uint64

	recycleHead  pagefile.PageID
	recycleCount uint64

	// pending holds ids passed to Delete since the last CommitStart call;
	// not yet safe to hand out from Alloc.
	pending []pagefile.PageID
}

// NewPageManager creates a PageManager with no free pages and a total page
// count matching the array's current size.
func NewPageManager(pa pagefile.PageArray, totalPages uint64) *PageManager {
	return &PageManager{pa: pa, totalPages: totalPages}
}

// Alloc returns a page id ready to use: a recycled page if one is
// available, else a regular free page, else a freshly extended one.
func (m *PageManager) Alloc() (pagefile.PageID, error) {
	m.mu.AcquireExclusive()
	defer m.mu.ReleaseExclusive()

	if m.recycleCount > 0 {
		return m.popChain(&m.recycleHead, &m.recycleCount)
	}
	if m.regularCount > 0 {
		return m.popChain(&m.regularHead, &m.regularCount)
	}
	id := pagefile.PageID(m.totalPages)
	m.totalPages++
	if err := m.pa.Extend(m.totalPages); err != nil {
		m.totalPages--
		return 0, err
	}
	return id, nil
}

// popChain pops the head of a free chain, reading the next pointer from
// the freed page's own content.
func (m *PageManager) popChain(head *pagefile.PageID, count *uint64) (pagefile.PageID, error) {
	id := *head
	buf := make([]byte, 8)
	if err := m.pa.ReadPartial(id, 0, buf, 0, 8); err != nil {
		return 0, err
	}
	*head = pagefile.PageID(binary.LittleEndian.Uint64(buf))
	*count--
	return id, nil
}

// Delete returns id to the regular free list. Per spec §4.2/Invariant 2, it
// becomes allocatable only after the next successful commit -- modeled
// here by holding it in `pending` until CommitStart folds it in.
func (m *PageManager) Delete(id pagefile.PageID) error {
	m.mu.AcquireExclusive()
	m.pending = append(m.pending, id)
	m.mu.ReleaseExclusive()
	return nil
}

// Recycle returns id directly to the recycle list: immediately reusable by
// the very next Alloc, with no rollback protection. Callers must guarantee
// the page is not referenced by any durable header.
func (m *PageManager) Recycle(id pagefile.PageID) error {
	m.mu.AcquireExclusive()
	defer m.mu.ReleaseExclusive()
	if err := m.pushChain(id, &m.recycleHead); err != nil {
		return err
	}
	m.recycleCount++
	return nil
}

func (m *PageManager) pushChain(id pagefile.PageID, head *pagefile.PageID) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(*head))
	if err := m.pa.WritePage(id, zeroPad(buf, m.pa.PageSize()), 0); err != nil {
		return err
	}
	*head = id
	return nil
}

func zeroPad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}

// CommitStart folds pending deletions into the regular free list (making
// them the ones a restart onto the header this builds will see as free)
// and serializes the page-manager header into buf[offset:offset+96].
// Called with PageDb's commit read-lock held, per spec §4.1 step 3.
func (m *PageManager) CommitStart(buf []byte, offset int) error {
	m.mu.AcquireExclusive()
	pending := m.pending
	m.pending = nil
	for _, id := range pending {
		if err := m.pushChain(id, &m.regularHead); err != nil {
			m.mu.ReleaseExclusive()
			return err
		}
		m.regularCount++
	}
	total := m.totalPages
	regHead, regCnt := m.regularHead, m.regularCount
	recHead, recCnt := m.recycleHead, m.recycleCount
	m.mu.ReleaseExclusive()

	h := buf[offset : offset+mgrHeaderSize]
	binary.LittleEndian.PutUint64(h[0:], total)
	binary.LittleEndian.PutUint64(h[8:], uint64(regHead))
	binary.LittleEndian.PutUint64(h[16:], regCnt)
	binary.LittleEndian.PutUint64(h[24:], uint64(recHead))
	binary.LittleEndian.PutUint64(h[32:], recCnt)
	return nil
}

// CommitEnd retires bookkeeping now that the commit CommitStart prepared
// for is durable. duskbase's free chains live entirely in the pages
// themselves plus the header snapshot just written, so there is no
// separate "previous" snapshot object to discard; CommitEnd exists as the
// named hook spec §4.1/§4.2 describes and is where a future generation
// could release any retained rollback state.
func (m *PageManager) CommitEnd() {}

// LoadFromHeader reinitializes a PageManager's free-chain bookkeeping from
// a decoded header's manager-header bytes, used by PageDb.open.
func LoadFromHeader(pa pagefile.PageArray, mgrHeader []byte) *PageManager {
	m := &PageManager{pa: pa}
	m.totalPages = binary.LittleEndian.Uint64(mgrHeader[0:])
	m.regularHead = pagefile.PageID(binary.LittleEndian.Uint64(mgrHeader[8:]))
	m.regularCount = binary.LittleEndian.Uint64(mgrHeader[16:])
	m.recycleHead = pagefile.PageID(binary.LittleEndian.Uint64(mgrHeader[24:]))
	m.recycleCount = binary.LittleEndian.Uint64(mgrHeader[32:])
	return m
}

// TotalPages returns the current high-water mark of allocated pages.
func (m *PageManager) TotalPages() uint64 {
	m.mu.AcquireShared()
	defer m.mu.ReleaseShared()
	return m.totalPages
}
