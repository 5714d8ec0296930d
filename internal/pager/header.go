package pager

import "encoding/binary"

// File header layout (page 0, little-endian):
//
//	offset  size  field
//	0       4     magic 0x53514C42
//	4       4     format version (1)
//	8       4     page count (pages in use + free, header page included)
//	12      4     root page ID (0 = no root yet)
//	16      4     free-list head page ID (0 = empty)
//	20..    reserved
//
// The five fields are the whole fixed layout; extensions must bump the
// version field.
const (
	magicNumber   = 0x53514C42
	formatVersion = 1

	offMagic     = 0
	offVersion   = 4
	offPageCount = 8
	offRoot      = 12
	offFreeList  = 16
)

// header is the first page of the index file.
type header []byte

func (h header) magic() uint32     { return getU32(h, offMagic) }
func (h header) version() uint32   { return getU32(h, offVersion) }
func (h header) pageCount() uint32 { return getU32(h, offPageCount) }
func (h header) root() uint32      { return getU32(h, offRoot) }
func (h header) freeList() uint32  { return getU32(h, offFreeList) }

func (h header) setPageCount(n uint32) { putU32(h, offPageCount, n) }
func (h header) setRoot(id uint32)     { putU32(h, offRoot, id) }
func (h header) setFreeList(id uint32) { putU32(h, offFreeList, id) }

// init writes a fresh header: one page in use (the header itself), no
// root, empty free list.
func (h header) init() {
	clear(h)
	putU32(h, offMagic, magicNumber)
	putU32(h, offVersion, formatVersion)
	putU32(h, offPageCount, 1)
	putU32(h, offRoot, 0)
	putU32(h, offFreeList, 0)
}

func getU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func putU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}
