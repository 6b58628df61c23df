package pathdb

import (
	"encoding/binary"
	"unsafe"
)

// pgno is a 64-bit page number (spec.md §3: "Fundamental types are all
// 64-bit little-endian on disk").
type pgno uint64

// txnid is a 64-bit transaction id.
type txnid uint64

// emptyTreeRoot marks a tree with no root page yet. Pgno 0 is always a
// meta page and is never allocated to tree data, so it doubles as the
// "no root" sentinel (spec: a fresh database's root is 0).
const emptyTreeRoot pgno = 0

// pageFlags identifies the kind of a tree page. Exactly one of
// pageBranch/pageLeaf is set for any live tree page (spec.md §3).
type pageFlags uint16

const (
	pageBranch   pageFlags = 1
	pageLeaf     pageFlags = 2
	pageOverflow pageFlags = 4
	pageFree     pageFlags = 8
)

// pageHeader is the 18-byte on-disk page header from spec.md §3:
//
//	pgno(8), flags(2), num_keys(2), lower(2), upper(2), padding(2)
type pageHeader struct {
	PageNo  pgno
	Flags   pageFlags
	NumKeys uint16
	Lower   uint16
	Upper   uint16
	_       uint16 // padding
}

// page is a zero-copy view over one page's bytes, whether that storage is
// a slice of the memory map (read path) or a private CoW buffer (write
// path). Every key/value slice handed out by a page borrowed from the map
// aliases the map directly, per spec.md's "zero-copy" leaf-node rule.
type page struct {
	data []byte
}

func pageAt(data []byte, pn pgno, pageSize int) *page {
	off := int(pn) * pageSize
	return &page{data: data[off : off+pageSize]}
}

func (p *page) header() *pageHeader {
	return (*pageHeader)(unsafe.Pointer(&p.data[0]))
}

func (p *page) pageNo() pgno       { return p.header().PageNo }
func (p *page) flags() pageFlags   { return p.header().Flags }
func (p *page) isBranch() bool     { return p.header().Flags&pageBranch != 0 }
func (p *page) isLeaf() bool       { return p.header().Flags&pageLeaf != 0 }
func (p *page) numKeys() int       { return int(p.header().NumKeys) }
func (p *page) freeSpace() int     { h := p.header(); return int(h.Upper) - int(h.Lower) }
func (p *page) pageSize() int      { return len(p.data) }

// init lays out an empty page of the given kind.
func (p *page) init(pn pgno, flags pageFlags) {
	h := p.header()
	h.PageNo = pn
	h.Flags = flags
	h.NumKeys = 0
	h.Lower = pageHeaderSize
	h.Upper = uint16(len(p.data))
}

// slotOffset returns the byte offset, within the slot array, of slot i.
func slotOffset(i int) int { return pageHeaderSize + i*2 }

// nodeOffsetAt returns the page-relative offset of the node stored in
// slot i.
func (p *page) nodeOffsetAt(i int) uint16 {
	return binary.LittleEndian.Uint16(p.data[slotOffset(i):])
}

func (p *page) setSlot(i int, nodeOffset uint16) {
	binary.LittleEndian.PutUint16(p.data[slotOffset(i):], nodeOffset)
}

// validate checks the structural invariants spec.md §3/§8 require.
func (p *page) validate() error {
	if len(p.data) < pageHeaderSize {
		return errPageTooSmall
	}
	h := p.header()
	if h.Flags&pageBranch == 0 && h.Flags&pageLeaf == 0 {
		return errPageInvalidFlags
	}
	if int(h.Lower) != pageHeaderSize+int(h.NumKeys)*2 {
		return errPageInvalidBounds
	}
	if h.Lower > h.Upper || int(h.Upper) > len(p.data) {
		return errPageInvalidBounds
	}
	return nil
}

// key returns the key bytes of the node in slot i, aliasing page storage.
func (p *page) key(i int) []byte {
	off := p.nodeOffsetAt(i)
	if p.isBranch() {
		ksz := binary.LittleEndian.Uint16(p.data[off+8:])
		return p.data[off+10 : off+10+ksz]
	}
	ksz := binary.LittleEndian.Uint16(p.data[off:])
	return p.data[off+4 : off+4+ksz]
}

// value returns the value bytes of a leaf node in slot i.
func (p *page) value(i int) []byte {
	off := p.nodeOffsetAt(i)
	ksz := binary.LittleEndian.Uint16(p.data[off:])
	dsz := binary.LittleEndian.Uint16(p.data[off+2:])
	start := off + 4 + ksz
	return p.data[start : start+dsz]
}

// childPgno returns the child page number of a branch node in slot i.
func (p *page) childPgno(i int) pgno {
	off := p.nodeOffsetAt(i)
	return pgno(binary.LittleEndian.Uint64(p.data[off:]))
}

// setChildPgno overwrites the child pointer of a branch node in slot i in
// place; the node's size is unaffected so no reslotting is needed.
func (p *page) setChildPgno(i int, child pgno) {
	off := p.nodeOffsetAt(i)
	binary.LittleEndian.PutUint64(p.data[off:], uint64(child))
}

// branchNodeSize returns the encoded size of a branch node for the given
// key length: child_pgno(8) + key_size(2) + key.
func branchNodeSize(keyLen int) int { return 8 + 2 + keyLen }

// leafNodeSize returns the encoded size of a leaf node: key_size(2) +
// data_size(2) + key + value.
func leafNodeSize(keyLen, valLen int) int { return 4 + keyLen + valLen }

// putBranchNode encodes a branch node into dst (must be exactly
// branchNodeSize(len(key)) bytes).
func putBranchNode(dst []byte, child pgno, key []byte) {
	binary.LittleEndian.PutUint64(dst, uint64(child))
	binary.LittleEndian.PutUint16(dst[8:], uint16(len(key)))
	copy(dst[10:], key)
}

// putLeafNode encodes a leaf node into dst (must be exactly
// leafNodeSize(len(key), len(val)) bytes).
func putLeafNode(dst []byte, key, val []byte) {
	binary.LittleEndian.PutUint16(dst, uint16(len(key)))
	binary.LittleEndian.PutUint16(dst[2:], uint16(len(val)))
	copy(dst[4:], key)
	copy(dst[4+len(key):], val)
}

// nodeSizeAt returns the encoded size of the node stored in slot i.
func (p *page) nodeSizeAt(i int) int {
	off := p.nodeOffsetAt(i)
	if p.isBranch() {
		ksz := binary.LittleEndian.Uint16(p.data[off+8:])
		return branchNodeSize(int(ksz))
	}
	ksz := binary.LittleEndian.Uint16(p.data[off:])
	dsz := binary.LittleEndian.Uint16(p.data[off+2:])
	return leafNodeSize(int(ksz), int(dsz))
}

// insertNode inserts nodeData as a new slot at position idx, shifting
// slots idx..numKeys-1 up by one. Returns false if there isn't room.
func (p *page) insertNode(idx int, nodeData []byte) bool {
	h := p.header()
	need := 2 + len(nodeData)
	if p.freeSpace() < need {
		p.compact()
		if p.freeSpace() < need {
			return false
		}
	}
	newUpper := int(h.Upper) - len(nodeData)
	copy(p.data[newUpper:], nodeData)
	h.Upper = uint16(newUpper)

	n := int(h.NumKeys)
	if idx < n {
		src := slotOffset(idx)
		dst := slotOffset(idx + 1)
		copy(p.data[dst:], p.data[src:slotOffset(n)])
	}
	p.setSlot(idx, uint16(newUpper))
	h.NumKeys++
	h.Lower += 2
	return true
}

// removeNode removes the slot at idx, leaving a hole in the heap that a
// later compact() reclaims. This matches spec.md §4.4's "accepts
// fragmentation" delete design.
func (p *page) removeNode(idx int) {
	h := p.header()
	n := int(h.NumKeys)
	if idx < n-1 {
		src := slotOffset(idx + 1)
		dst := slotOffset(idx)
		copy(p.data[dst:], p.data[src:slotOffset(n)])
	}
	h.NumKeys--
	h.Lower -= 2
}

// updateNode replaces the node at idx with nodeData, growing into the
// heap if necessary. Returns false if there's no room.
func (p *page) updateNode(idx int, nodeData []byte) bool {
	oldSize := p.nodeSizeAt(idx)
	if len(nodeData) <= oldSize {
		off := p.nodeOffsetAt(idx)
		copy(p.data[off:], nodeData)
		return true
	}
	h := p.header()
	extra := len(nodeData) - oldSize
	if p.freeSpace() < extra {
		p.compact()
		if p.freeSpace() < extra {
			return false
		}
	}
	newUpper := int(h.Upper) - len(nodeData)
	if newUpper < int(h.Lower) {
		return false
	}
	copy(p.data[newUpper:], nodeData)
	h.Upper = uint16(newUpper)
	p.setSlot(idx, uint16(newUpper))
	return true
}

// compact repacks the heap to eliminate holes left by removeNode/updateNode.
func (p *page) compact() {
	h := p.header()
	n := int(h.NumKeys)
	if n == 0 {
		h.Upper = uint16(len(p.data))
		return
	}
	sizes := make([]int, n)
	total := 0
	for i := 0; i < n; i++ {
		sizes[i] = p.nodeSizeAt(i)
		total += sizes[i]
	}
	tmp := make([]byte, total)
	pos := 0
	for i := 0; i < n; i++ {
		off := p.nodeOffsetAt(i)
		copy(tmp[pos:pos+sizes[i]], p.data[off:int(off)+sizes[i]])
		pos += sizes[i]
	}
	write := len(p.data)
	pos = 0
	for i := 0; i < n; i++ {
		write -= sizes[i]
		copy(p.data[write:write+sizes[i]], tmp[pos:pos+sizes[i]])
		pos += sizes[i]
		p.setSlot(i, uint16(write))
	}
	h.Upper = uint16(write)
}

// clone returns a private copy of the page's bytes (used to build a CoW
// buffer or a split sibling from scratch).
func (p *page) clone() []byte {
	buf := make([]byte, len(p.data))
	copy(buf, p.data)
	return buf
}

type pageError struct{ msg string }

func (e *pageError) Error() string { return "pathdb: " + e.msg }

var (
	errPageTooSmall      = &pageError{"page too small"}
	errPageInvalidFlags  = &pageError{"invalid page flags"}
	errPageInvalidBounds = &pageError{"lower/upper out of bounds"}
)
