package btree

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ryogrid/duskbase/pagefile"
)

// Fragmented values live in a chain of indirect pages, one allocation per
// chain link, referenced from the owning leaf entry by (totalLength,
// firstPageID). Per spec §4.5 "Fragmented entry": a length prefix and
// first-page id, with random read/write/length exposed over the chain.
// There is no teacher analogue (the teacher caps entries to one page) --
// built fresh per SPEC_FULL, in the teacher's own binary-layout idiom
// (fixed header + raw payload, next pointer first).
const fragChainHeaderSize = 8 // next page id

// fragPager is the minimal page-store surface frag.go needs, satisfied by
// pagestore.PageDb.
type fragPager interface {
	AllocPage() (pagefile.PageID, error)
	DeletePage(pagefile.PageID) error
	ReadPage(id pagefile.PageID, buf []byte, off int) error
	WritePage(id pagefile.PageID, buf []byte, off int) error
	PageSize() uint32
}

// WriteFragmentChain writes value as a chain of pages and returns the
// first page id.
func WriteFragmentChain(pager fragPager, value []byte) (pagefile.PageID, error) {
	pageSize := int(pager.PageSize())
	payload := pageSize - fragChainHeaderSize
	if payload <= 0 {
		return 0, fmt.Errorf("duskbase: page size too small for fragment chains")
	}

	var firstID pagefile.PageID
	var prevID pagefile.PageID
	hasPrev := false

	for off := 0; off < len(value) || off == 0; off += payload {
		id, err := pager.AllocPage()
		if err != nil {
			return 0, err
		}
		if !hasPrev {
			firstID = id
		} else {
			if err := linkNext(pager, prevID, id); err != nil {
				return 0, err
			}
		}
		end := off + payload
		if end > len(value) {
			end = len(value)
		}
		buf := make([]byte, pageSize)
		copy(buf[fragChainHeaderSize:], value[off:end])
		if err := pager.WritePage(id, buf, 0); err != nil {
			return 0, err
		}
		prevID = id
		hasPrev = true
		if end == len(value) {
			break
		}
	}
	return firstID, nil
}

func linkNext(pager fragPager, id, next pagefile.PageID) error {
	buf := make([]byte, pager.PageSize())
	if err := pager.ReadPage(id, buf, 0); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, uint64(next))
	return pager.WritePage(id, buf, 0)
}

// ReadFragmentChain reads totalLen bytes starting at firstID.
func ReadFragmentChain(pager fragPager, firstID pagefile.PageID, totalLen int64) ([]byte, error) {
	pageSize := int(pager.PageSize())
	payload := pageSize - fragChainHeaderSize
	out := make([]byte, 0, totalLen)
	id := firstID
	for int64(len(out)) < totalLen {
		buf := make([]byte, pageSize)
		if err := pager.ReadPage(id, buf, 0); err != nil {
			return nil, err
		}
		remain := totalLen - int64(len(out))
		n := payload
		if int64(n) > remain {
			n = int(remain)
		}
		out = append(out, buf[fragChainHeaderSize:fragChainHeaderSize+n]...)
		id = pagefile.PageID(binary.LittleEndian.Uint64(buf))
	}
	return out, nil
}

// ReadFragmentRange implements the tree value interface's random read over
// a fragment chain: it reads length bytes starting at byte offset start.
func ReadFragmentRange(pager fragPager, firstID pagefile.PageID, totalLen int64, start int64, length int) ([]byte, error) {
	if start < 0 || start+int64(length) > totalLen {
		return nil, io.ErrUnexpectedEOF
	}
	pageSize := int(pager.PageSize())
	payload := int64(pageSize - fragChainHeaderSize)

	id := firstID
	pos := int64(0)
	for pos+payload <= start {
		buf := make([]byte, fragChainHeaderSize)
		if err := pager.ReadPage(id, buf, 0); err != nil {
			return nil, err
		}
		id = pagefile.PageID(binary.LittleEndian.Uint64(buf))
		pos += payload
	}

	out := make([]byte, 0, length)
	offsetInPage := start - pos
	for int64(len(out)) < int64(length) {
		buf := make([]byte, pageSize)
		if err := pager.ReadPage(id, buf, 0); err != nil {
			return nil, err
		}
		avail := payload - offsetInPage
		need := int64(length) - int64(len(out))
		take := avail
		if take > need {
			take = need
		}
		from := fragChainHeaderSize + int(offsetInPage)
		out = append(out, buf[from:from+int(take)]...)
		id = pagefile.PageID(binary.LittleEndian.Uint64(buf))
		offsetInPage = 0
	}
	return out, nil
}

// DeleteFragmentChain frees every page in the chain.
func DeleteFragmentChain(pager fragPager, firstID pagefile.PageID, totalLen int64) error {
	pageSize := int(pager.PageSize())
	payload := int64(pageSize - fragChainHeaderSize)
	id := firstID
	remaining := totalLen
	for remaining > -payload { // at least one page even for zero-length values
		buf := make([]byte, fragChainHeaderSize)
		if err := pager.ReadPage(id, buf, 0); err != nil {
			return err
		}
		next := pagefile.PageID(binary.LittleEndian.Uint64(buf))
		if err := pager.DeletePage(id); err != nil {
			return err
		}
		if next == 0 {
			break
		}
		id = next
		remaining -= payload
	}
	return nil
}
