package pagefile

import (
	"fmt"
	"os"

	"github.com/ncw/directio"
)

// DirectFile is a file-backed PageArray opened with O_DIRECT where the
// platform supports it (via ncw/directio), falling back transparently to
// buffered I/O elsewhere. Pages must be a multiple of directio.AlignSize
// for the aligned path to be used; otherwise OpenDirectFile opens a
// regular buffered os.File instead, without logging anything.
type DirectFile struct {
	f        *os.File
	pageSize int
	aligned  bool
}

// OpenDirectFile opens (creating if necessary) a page file at path.
func OpenDirectFile(path string, pageSize int) (*DirectFile, error) {
	aligned := pageSize%directio.AlignSize == 0
	var f *os.File
	var err error
	if aligned {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("pagefile: open %s: %w", path, err)
	}
	return &DirectFile{f: f, pageSize: pageSize, aligned: aligned}, nil
}

func (d *DirectFile) PageSize() int { return d.pageSize }

func (d *DirectFile) PageCount() (uint64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()) / uint64(d.pageSize), nil
}

func (d *DirectFile) Extend(count uint64) error {
	cur, err := d.PageCount()
	if err != nil {
		return err
	}
	if count <= cur {
		return nil
	}
	return d.f.Truncate(int64(count) * int64(d.pageSize))
}

// alignedBuffer returns a directio-aligned scratch buffer sized to the
// page, used only on the O_DIRECT path; buffered mode reads/writes buf
// directly.
func (d *DirectFile) alignedBuffer() []byte {
	if d.pageSize >= directio.BlockSize {
		return directio.AlignedBlock(d.pageSize)
	}
	return directio.AlignedBlock(directio.BlockSize)
}

func (d *DirectFile) ReadPage(id PageID, buf []byte, off int) error {
	return d.ReadPartial(id, 0, buf, off, d.pageSize)
}

func (d *DirectFile) ReadPartial(id PageID, start int, buf []byte, off int, length int) error {
	base := int64(id)*int64(d.pageSize) + int64(start)
	if !d.aligned {
		_, err := d.f.ReadAt(buf[off:off+length], base)
		return err
	}
	scratch := d.alignedBuffer()
	n, err := d.f.ReadAt(scratch, int64(id)*int64(d.pageSize))
	if err != nil && n == 0 {
		return err
	}
	copy(buf[off:off+length], scratch[start:start+length])
	return nil
}

func (d *DirectFile) WritePage(id PageID, buf []byte, off int) error {
	base := int64(id) * int64(d.pageSize)
	if !d.aligned {
		_, err := d.f.WriteAt(buf[off:off+d.pageSize], base)
		return err
	}
	scratch := d.alignedBuffer()
	copy(scratch, buf[off:off+d.pageSize])
	_, err := d.f.WriteAt(scratch, base)
	return err
}

// WritePageDurably writes the page and fsyncs just the file; duskbase only
// calls this for the two header pages, each a single page wide.
func (d *DirectFile) WritePageDurably(id PageID, buf []byte, off int) error {
	if err := d.WritePage(id, buf, off); err != nil {
		return err
	}
	return d.f.Sync()
}

func (d *DirectFile) Sync(metadata bool) error {
	return d.f.Sync()
}

func (d *DirectFile) Close() error {
	return d.f.Close()
}
