package pagefile

import (
	"fmt"
	"io"
	"sync"

	"github.com/dsnet/golib/memfile"
)

// MemArray is an in-memory PageArray backed by dsnet/golib/memfile. It is
// used throughout duskbase's test suite in place of a real file,
// mirroring the role the
// teacher's parent_page_dummy.go in-memory [4096]byte backing played.
type MemArray struct {
	mu       sync.Mutex
	f        *memfile.File
	pageSize int
	pages    uint64
}

// NewMemArray creates an empty in-memory page array with the given page
// size and an initial page count.
func NewMemArray(pageSize int, initialPages uint64) *MemArray {
	buf := make([]byte, int(initialPages)*pageSize)
	return &MemArray{
		f:        memfile.New(buf),
		pageSize: pageSize,
		pages:    initialPages,
	}
}

func (m *MemArray) PageSize() int { return m.pageSize }

func (m *MemArray) PageCount() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages, nil
}

func (m *MemArray) Extend(count uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count <= m.pages {
		return nil
	}
	grown := make([]byte, int(count)*m.pageSize)
	copy(grown, m.f.Bytes())
	m.f = memfile.New(grown)
	m.pages = count
	return nil
}

func (m *MemArray) ReadPage(id PageID, buf []byte, off int) error {
	return m.ReadPartial(id, 0, buf, off, m.pageSize)
}

func (m *MemArray) ReadPartial(id PageID, start int, buf []byte, off int, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(id) >= m.pages {
		return fmt.Errorf("pagefile: read of out-of-range page %d", id)
	}
	base := int64(id)*int64(m.pageSize) + int64(start)
	if _, err := m.f.Seek(base, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(m.f, buf[off:off+length])
	return err
}

func (m *MemArray) WritePage(id PageID, buf []byte, off int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(id) >= m.pages {
		return fmt.Errorf("pagefile: write of out-of-range page %d", id)
	}
	base := int64(id) * int64(m.pageSize)
	if _, err := m.f.Seek(base, io.SeekStart); err != nil {
		return err
	}
	_, err := m.f.Write(buf[off : off+m.pageSize])
	return err
}

// WritePageDurably is a no-op sync beyond WritePage since MemArray has no
// backing storage to flush; it exists so MemArray satisfies DurableWriter
// for tests that exercise PageDb.commit without a real file.
func (m *MemArray) WritePageDurably(id PageID, buf []byte, off int) error {
	return m.WritePage(id, buf, off)
}

func (m *MemArray) Sync(metadata bool) error { return nil }

func (m *MemArray) Close() error { return nil }
