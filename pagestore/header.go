// Package pagestore implements C2 (PageManager) and C3 (PageDb): the
// durable, copy-on-write, two-header commit protocol over a pagefile.PageArray.
//
// Grounded on the teacher's bufmgr.go allocation-page and free-chain idiom
// (mgr.pageZero.chain, PageFree/NewPage's "use empty chain first, else
// extend" logic), generalized to the dual-header commit protocol spec §4.1
// describes, which the teacher itself does not implement.
package pagestore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/ryogrid/duskbase/internal/duskerr"
)

// HeaderSize is the fixed size of the database header occupying the first
// 512 bytes of pages 0 and 1, per spec §3.
const HeaderSize = 512

const (
	offMagic       = 0
	offDatabaseID  = 8
	offPageSize    = 24
	offCommitNum   = 28
	offChecksum    = 32
	offMgrHeader   = 36
	mgrHeaderSize  = 96
	offReserved    = offMgrHeader + mgrHeaderSize // 132
	reservedSize   = 124
	offExtra       = offReserved + reservedSize // 256
	extraSize      = 256
)

// magic identifies a duskbase page file. Arbitrary but stable.
const magic uint64 = 0x4b53555044 // bytes "DPUSK" when stored little-endian

// header is the in-memory decoding of one of the two header pages.
type header struct {
	databaseID  [16]byte
	pageSize    uint32
	commitNum   uint32
	mgrHeader   [mgrHeaderSize]byte
	extra       [extraSize]byte
}

// encode writes h into a HeaderSize buffer, computing the checksum last.
func (h *header) encode(buf []byte) {
	for i := range buf[:HeaderSize] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[offMagic:], magic)
	copy(buf[offDatabaseID:offDatabaseID+16], h.databaseID[:])
	binary.LittleEndian.PutUint32(buf[offPageSize:], h.pageSize)
	binary.LittleEndian.PutUint32(buf[offCommitNum:], h.commitNum)
	copy(buf[offMgrHeader:offMgrHeader+mgrHeaderSize], h.mgrHeader[:])
	copy(buf[offExtra:offExtra+extraSize], h.extra[:])
	binary.LittleEndian.PutUint32(buf[offChecksum:], 0)
	crc := crc32.ChecksumIEEE(buf[:HeaderSize])
	binary.LittleEndian.PutUint32(buf[offChecksum:], crc)
}

// decodeHeader parses buf into a header, validating the magic and checksum.
// expectPageSize is the page size the caller expects (0 to accept whatever the header says,
// used when probing an unknown file).
func decodeHeader(buf []byte, expectPageSize uint32) (*header, error) {
	if len(buf) < HeaderSize {
		return nil, duskerr.ErrCorruptDatabase
	}
	if binary.LittleEndian.Uint64(buf[offMagic:]) != magic {
		return nil, duskerr.ErrCorruptDatabase
	}
	gotChecksum := binary.LittleEndian.Uint32(buf[offChecksum:])
	tmp := make([]byte, HeaderSize)
	copy(tmp, buf[:HeaderSize])
	binary.LittleEndian.PutUint32(tmp[offChecksum:], 0)
	if crc32.ChecksumIEEE(tmp) != gotChecksum {
		return nil, duskerr.ErrCorruptDatabase
	}
	h := &header{}
	copy(h.databaseID[:], buf[offDatabaseID:offDatabaseID+16])
	h.pageSize = binary.LittleEndian.Uint32(buf[offPageSize:])
	h.commitNum = binary.LittleEndian.Uint32(buf[offCommitNum:])
	copy(h.mgrHeader[:], buf[offMgrHeader:offMgrHeader+mgrHeaderSize])
	copy(h.extra[:], buf[offExtra:offExtra+extraSize])
	if expectPageSize != 0 && h.pageSize != expectPageSize {
		return nil, duskerr.ErrCorruptDatabase
	}
	return h, nil
}

// newDatabaseID generates the 16-byte random database identity using
// google/uuid rather than a raw crypto/rand read, per SPEC_FULL's domain
// stack section.
func newDatabaseID() [16]byte {
	var id [16]byte
	copy(id[:], uuid.New()[:])
	return id
}

// commitNewer reports whether a is a strictly newer commit number than b
// under modulo-32 ("difference of little-endian u32 values, signed")
// comparison, per spec §4.1.
func commitNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

// replicateHeader duplicates the HeaderSize-byte header across the whole
// page (page_size/512 duplicates), for forensic recovery, per spec §3.
func replicateHeader(page []byte, pageSize int) {
	for off := HeaderSize; off+HeaderSize <= pageSize; off += HeaderSize {
		copy(page[off:off+HeaderSize], page[:HeaderSize])
	}
}
