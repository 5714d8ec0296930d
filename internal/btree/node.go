package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"blsqdb/internal/pager"
)

// Node kinds. The values are part of the on-disk format: a freshly
// allocated (zeroed) page reads back as kindFree.
const (
	kindFree     uint32 = 0
	kindLeaf     uint32 = 1
	kindInternal uint32 = 2
	kindHeader   uint32 = 3
)

// Node header layout (little-endian, 16 bytes):
//
//	offset  size  field
//	0       4     kind (free / leaf / internal / header)
//	4       4     parent page ID (0 for the root)
//	8       4     next-leaf page ID (leaves only)
//	12      2     key count
//	14      2     leaf flag (redundant with kind, kept for a fast branch)
//	16..    payload
//
// Leaf payload: packed entries, keys ascending:
//
//	<key bytes> <0x00> <u16 value length> <value bytes>
//
// Internal payload: child0 first, then one pair per separator:
//
//	<u32 child0> { <key bytes> <0x00> <u32 child> }*
//
// N separators always carry N+1 children.
const (
	nodeHeaderSize = 16

	offKind     = 0
	offParent   = 4
	offNext     = 8
	offKeyCount = 12
	offLeafFlag = 14

	// payloadCap is the byte budget for a node's serialized payload.
	payloadCap = pager.PageSize - nodeHeaderSize
)

var (
	ErrNodeFull    = errors.New("btree: node payload full")
	ErrBadNode     = errors.New("btree: bad node")
	ErrKeyNotFound = errors.New("btree: key not found")
)

// node is a page slice viewed as a B+ tree node. It is never retained
// across a call that may remap the file; the tree re-fetches nodes after
// every allocation.
type node []byte

func (n node) kind() uint32   { return binary.LittleEndian.Uint32(n[offKind:]) }
func (n node) parent() uint32 { return binary.LittleEndian.Uint32(n[offParent:]) }
func (n node) next() uint32   { return binary.LittleEndian.Uint32(n[offNext:]) }
func (n node) keyCount() int  { return int(binary.LittleEndian.Uint16(n[offKeyCount:])) }
func (n node) isLeaf() bool   { return binary.LittleEndian.Uint16(n[offLeafFlag:]) != 0 }

func (n node) setParent(id uint32) { binary.LittleEndian.PutUint32(n[offParent:], id) }
func (n node) setNext(id uint32)   { binary.LittleEndian.PutUint32(n[offNext:], id) }
func (n node) setKeyCount(c int)   { binary.LittleEndian.PutUint16(n[offKeyCount:], uint16(c)) }

// initNode stamps a zeroed page as a fresh leaf or internal node.
func initNode(n node, leaf bool) {
	if leaf {
		binary.LittleEndian.PutUint32(n[offKind:], kindLeaf)
		binary.LittleEndian.PutUint16(n[offLeafFlag:], 1)
	} else {
		binary.LittleEndian.PutUint32(n[offKind:], kindInternal)
		binary.LittleEndian.PutUint16(n[offLeafFlag:], 0)
	}
	n.setParent(0)
	n.setNext(0)
	n.setKeyCount(0)
}

func (n node) payload() []byte {
	return n[nodeHeaderSize:]
}

// leafEntrySize is the serialized size of one leaf entry.
func leafEntrySize(key, value []byte) int {
	return len(key) + 1 + 2 + len(value)
}

// internalEntrySize is the serialized size of one separator entry.
func internalEntrySize(key []byte) int {
	return len(key) + 1 + 4
}

// parseLeafEntry reads the entry at off and returns its key, value and
// total size.
func (n node) parseLeafEntry(off int) (key, value []byte, size int) {
	p := n.payload()
	nul := bytes.IndexByte(p[off:], 0)
	if nul < 0 {
		panic(fmt.Sprintf("btree: unterminated key at payload offset %d", off))
	}
	key = p[off : off+nul]
	vlenOff := off + nul + 1
	vlen := int(binary.LittleEndian.Uint16(p[vlenOff:]))
	value = p[vlenOff+2 : vlenOff+2+vlen]
	return key, value, nul + 1 + 2 + vlen
}

// leafEntryOffset walks the payload to the start of the i-th entry.
func (n node) leafEntryOffset(i int) int {
	off := 0
	for j := 0; j < i; j++ {
		_, _, size := n.parseLeafEntry(off)
		off += size
	}
	return off
}

// leafKey returns the i-th key. 0 <= i < keyCount.
func (n node) leafKey(i int) []byte {
	key, _, _ := n.parseLeafEntry(n.leafEntryOffset(i))
	return key
}

// leafValue returns the i-th value. 0 <= i < keyCount.
func (n node) leafValue(i int) []byte {
	_, value, _ := n.parseLeafEntry(n.leafEntryOffset(i))
	return value
}

// internalEntryOffset walks to the start of the i-th separator entry
// (the key, not the leading child).
func (n node) internalEntryOffset(i int) int {
	p := n.payload()
	off := 4 // child0
	for j := 0; j < i; j++ {
		nul := bytes.IndexByte(p[off:], 0)
		if nul < 0 {
			panic(fmt.Sprintf("btree: unterminated separator at payload offset %d", off))
		}
		off += nul + 1 + 4
	}
	return off
}

// internalKey returns the i-th separator key. 0 <= i < keyCount.
func (n node) internalKey(i int) []byte {
	p := n.payload()
	off := n.internalEntryOffset(i)
	nul := bytes.IndexByte(p[off:], 0)
	if nul < 0 {
		panic(fmt.Sprintf("btree: unterminated separator at payload offset %d", off))
	}
	return p[off : off+nul]
}

// internalChild returns the i-th child page ID. 0 <= i <= keyCount.
func (n node) internalChild(i int) uint32 {
	p := n.payload()
	if i == 0 {
		return binary.LittleEndian.Uint32(p)
	}
	off := n.internalEntryOffset(i - 1)
	nul := bytes.IndexByte(p[off:], 0)
	return binary.LittleEndian.Uint32(p[off+nul+1:])
}

// setInternalChild overwrites the i-th child page ID in place.
func (n node) setInternalChild(i int, id uint32) {
	p := n.payload()
	if i == 0 {
		binary.LittleEndian.PutUint32(p, id)
		return
	}
	off := n.internalEntryOffset(i - 1)
	nul := bytes.IndexByte(p[off:], 0)
	binary.LittleEndian.PutUint32(p[off+nul+1:], id)
}

// usedBytes is the total payload size currently occupied.
func (n node) usedBytes() int {
	if n.isLeaf() {
		return n.leafEntryOffset(n.keyCount())
	}
	if n.keyCount() == 0 {
		// An internal node always carries at least child0.
		return 4
	}
	p := n.payload()
	off := n.internalEntryOffset(n.keyCount() - 1)
	nul := bytes.IndexByte(p[off:], 0)
	return off + nul + 1 + 4
}

// leafInsertAt shifts the tail right and writes a new entry at index i.
// The caller is expected to have verified fit; ErrNodeFull otherwise.
func (n node) leafInsertAt(i int, key, value []byte) error {
	size := leafEntrySize(key, value)
	used := n.usedBytes()
	if used+size > payloadCap {
		return ErrNodeFull
	}

	p := n.payload()
	off := n.leafEntryOffset(i)
	copy(p[off+size:used+size], p[off:used])

	copy(p[off:], key)
	p[off+len(key)] = 0
	binary.LittleEndian.PutUint16(p[off+len(key)+1:], uint16(len(value)))
	copy(p[off+len(key)+3:], value)

	n.setKeyCount(n.keyCount() + 1)
	return nil
}

// leafDeleteAt shifts the tail left over the i-th entry and zeroes the
// freed bytes.
func (n node) leafDeleteAt(i int) {
	used := n.usedBytes()
	off := n.leafEntryOffset(i)
	_, _, size := n.parseLeafEntry(off)

	p := n.payload()
	copy(p[off:], p[off+size:used])
	clear(p[used-size : used])
	n.setKeyCount(n.keyCount() - 1)
}

// leafUpdateAt replaces the value of the i-th entry in place, shifting
// the tail by the length delta. ErrNodeFull if the grown entry no longer
// fits; the caller then deletes and reinserts through the split path.
func (n node) leafUpdateAt(i int, value []byte) error {
	used := n.usedBytes()
	off := n.leafEntryOffset(i)
	key, old, size := n.parseLeafEntry(off)

	delta := len(value) - len(old)
	if used+delta > payloadCap {
		return ErrNodeFull
	}

	p := n.payload()
	tail := off + size
	copy(p[tail+delta:used+delta], p[tail:used])
	if delta < 0 {
		clear(p[used+delta : used])
	}

	vlenOff := off + len(key) + 1
	binary.LittleEndian.PutUint16(p[vlenOff:], uint16(len(value)))
	copy(p[vlenOff+2:], value)
	return nil
}

// internalInsertAt shifts the tail right and writes separator i with its
// right-hand child pointer.
func (n node) internalInsertAt(i int, key []byte, rightChild uint32) error {
	size := internalEntrySize(key)
	used := n.usedBytes()
	if used+size > payloadCap {
		return ErrNodeFull
	}

	p := n.payload()
	off := n.internalEntryOffset(i)
	copy(p[off+size:used+size], p[off:used])

	copy(p[off:], key)
	p[off+len(key)] = 0
	binary.LittleEndian.PutUint32(p[off+len(key)+1:], rightChild)

	n.setKeyCount(n.keyCount() + 1)
	return nil
}

// internalDeleteAt removes separator i together with the child pointer
// to its right.
func (n node) internalDeleteAt(i int) {
	used := n.usedBytes()
	off := n.internalEntryOffset(i)
	key := n.internalKey(i)
	size := internalEntrySize(key)

	p := n.payload()
	copy(p[off:], p[off+size:used])
	clear(p[used-size : used])
	n.setKeyCount(n.keyCount() - 1)
}

// leafSearch binary-searches the leaf for key. Returns the index of the
// first entry >= key and whether it is an exact match.
func (n node) leafSearch(key []byte) (int, bool) {
	lo, hi := 0, n.keyCount()
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.leafKey(mid), key) {
		case -1:
			lo = mid + 1
		case 0:
			return mid, true
		default:
			hi = mid
		}
	}
	return lo, false
}

// childIndex returns the descent index for key: the number of separators
// <= key. Equal keys descend right, matching leaf splits where the
// separator equals the first key of the right sibling.
func (n node) childIndex(key []byte) int {
	lo, hi := 0, n.keyCount()
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.internalKey(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
