package glmdb

import "encoding/binary"

// pgno is a page number. Byte offset in the file = pgno * pageSize.
type pgno uint32

// txnid identifies a committed (or committing) write transaction.
type txnid uint64

// invalidPgno marks an empty tree. Pages 0 and 1 are meta pages, so no tree
// page can ever carry this number.
const invalidPgno pgno = 0

// Page header layout (20 bytes):
//
//	Offset  Size  Field
//	0       4     pgno
//	4       2     flags
//	6       2     lower (end of slot array, relative to header)
//	8       2     upper (start of node data, relative to header)
//	10      2     reserved
//	12      8     txnid that wrote the page
//
// Overflow pages reuse lower/upper as a 32-bit page count.
const (
	offPgno  = 0
	offFlags = 4
	offLower = 6
	offUpper = 8
	offTxnid = 12
)

// page is a view over one page (or, for overflow runs, the whole run).
type page []byte

func (p page) pgno() pgno        { return pgno(binary.LittleEndian.Uint32(p[offPgno:])) }
func (p page) setPgno(n pgno)    { binary.LittleEndian.PutUint32(p[offPgno:], uint32(n)) }
func (p page) flags() pageFlags  { return pageFlags(binary.LittleEndian.Uint16(p[offFlags:])) }
func (p page) txnid() txnid      { return txnid(binary.LittleEndian.Uint64(p[offTxnid:])) }
func (p page) setTxnid(id txnid) { binary.LittleEndian.PutUint64(p[offTxnid:], uint64(id)) }
func (p page) lower() int        { return int(binary.LittleEndian.Uint16(p[offLower:])) }
func (p page) upper() int        { return int(binary.LittleEndian.Uint16(p[offUpper:])) }
func (p page) setLower(v int)    { binary.LittleEndian.PutUint16(p[offLower:], uint16(v)) }
func (p page) setUpper(v int)    { binary.LittleEndian.PutUint16(p[offUpper:], uint16(v)) }

func (p page) setFlags(f pageFlags) {
	binary.LittleEndian.PutUint16(p[offFlags:], uint16(f))
}

func (p page) isLeaf() bool     { return p.flags()&pageLeaf != 0 }
func (p page) isBranch() bool   { return p.flags()&pageBranch != 0 }
func (p page) isOverflow() bool { return p.flags()&pageOverflow != 0 }

// overflowPages returns the length of an overflow run, stored in lower/upper.
func (p page) overflowPages() int {
	return int(binary.LittleEndian.Uint32(p[offLower:]))
}

func (p page) setOverflowPages(n int) {
	binary.LittleEndian.PutUint32(p[offLower:], uint32(n))
}

// init clears the header and sets up an empty branch or leaf page.
func (p page) init(n pgno, f pageFlags, id txnid) {
	clear(p[:PageHeaderSize])
	p.setPgno(n)
	p.setFlags(f)
	p.setTxnid(id)
	p.setLower(0)
	p.setUpper(len(p) - PageHeaderSize)
}

// numKeys returns the number of nodes on a branch or leaf page.
func (p page) numKeys() int {
	return p.lower() / 2
}

// freeSpace returns the bytes between the slot array and the node data.
func (p page) freeSpace() int {
	return p.upper() - p.lower()
}

// used returns the bytes taken by slots and nodes.
func (p page) used() int {
	return len(p) - PageHeaderSize - p.freeSpace()
}

func (p page) nodeOffset(i int) int {
	return PageHeaderSize + int(binary.LittleEndian.Uint16(p[PageHeaderSize+2*i:]))
}

func (p page) setNodeOffset(i, off int) {
	binary.LittleEndian.PutUint16(p[PageHeaderSize+2*i:], uint16(off-PageHeaderSize))
}

// node returns the node at slot i.
func (p page) node(i int) node {
	return node(p[p.nodeOffset(i):])
}

// nodeSize returns the on-page size of node i, header included.
func (p page) nodeSize(i int) int {
	return p.node(i).size(p.isLeaf())
}

// rawNode returns a copy of the encoded node at slot i.
func (p page) rawNode(i int) []byte {
	off := p.nodeOffset(i)
	sz := p.nodeSize(i)
	out := make([]byte, sz)
	copy(out, p[off:off+sz])
	return out
}

// fits reports whether an encoded node of size sz fits with its slot.
func (p page) fits(sz int) bool {
	return p.freeSpace() >= sz+2
}

// insertNode places an encoded node at slot i. The caller checks fits.
func (p page) insertNode(i int, raw []byte) {
	n := p.numKeys()
	upper := p.upper() - len(raw)
	copy(p[PageHeaderSize+upper:], raw)
	base := PageHeaderSize + 2*i
	copy(p[base+2:PageHeaderSize+2*(n+1)], p[base:PageHeaderSize+2*n])
	p.setUpper(upper)
	p.setLower(p.lower() + 2)
	p.setNodeOffset(i, PageHeaderSize+upper)
}

// appendNode adds an encoded node after the last slot.
func (p page) appendNode(raw []byte) {
	p.insertNode(p.numKeys(), raw)
}

// removeNode deletes slot i and compacts the node area.
func (p page) removeNode(i int) {
	n := p.numKeys()
	off := p.nodeOffset(i)
	sz := p.nodeSize(i)
	start := PageHeaderSize + p.upper()

	// Shift every node stored below the removed one up by sz.
	copy(p[start+sz:off+sz], p[start:off])
	for j := 0; j < n; j++ {
		if o := p.nodeOffset(j); o < off {
			p.setNodeOffset(j, o+sz)
		}
	}

	base := PageHeaderSize + 2*i
	copy(p[base:PageHeaderSize+2*(n-1)], p[base+2:PageHeaderSize+2*n])
	p.setLower(p.lower() - 2)
	p.setUpper(p.upper() + sz)
}

// replaceNode swaps the node at slot i for raw. The caller checks that
// freeSpace plus the old node size covers the new node.
func (p page) replaceNode(i int, raw []byte) {
	if p.nodeSize(i) == len(raw) {
		copy(p[p.nodeOffset(i):], raw)
		return
	}
	p.removeNode(i)
	p.insertNode(i, raw)
}

// canReplace reports whether node i can be swapped for one of size sz.
func (p page) canReplace(i, sz int) bool {
	return p.freeSpace()+p.nodeSize(i) >= sz
}

// key returns the key of node i.
func (p page) key(i int) []byte {
	return p.node(i).key()
}

// searchLeaf returns the first slot whose key is >= key, and whether it is
// an exact match.
func (p page) searchLeaf(key []byte, cmp CmpFunc) (int, bool) {
	lo, hi := 0, p.numKeys()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(p.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	exact := lo < p.numKeys() && cmp(p.key(lo), key) == 0
	return lo, exact
}

// searchBranch returns the slot of the child whose range contains key.
// Slot 0 carries an empty key that stands for minus infinity.
func (p page) searchBranch(key []byte, cmp CmpFunc) int {
	lo, hi := 1, p.numKeys()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(p.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// child returns the child page number held by branch slot i.
func (p page) child(i int) pgno {
	return p.node(i).child()
}

// setChild rewrites the child pointer of branch slot i in place.
func (p page) setChild(i int, c pgno) {
	binary.LittleEndian.PutUint32(p[p.nodeOffset(i):], uint32(c))
}

// nodesFrom copies the encoded nodes of slots [from, to).
func (p page) nodesFrom(from, to int) [][]byte {
	out := make([][]byte, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, p.rawNode(i))
	}
	return out
}

// fill rebuilds the page body from encoded nodes.
func (p page) fill(nodes [][]byte) {
	p.setLower(0)
	p.setUpper(len(p) - PageHeaderSize)
	for _, raw := range nodes {
		p.appendNode(raw)
	}
}

// nodesSize returns the bytes needed to store nodes, slots included.
func nodesSize(nodes [][]byte) int {
	sz := 0
	for _, raw := range nodes {
		sz += len(raw) + 2
	}
	return sz
}
