package glmdb

import "encoding/binary"

// Node header layout (8 bytes):
//
//	Offset  Size  Field
//	0       4     data size (leaf) or child pgno (branch)
//	4       1     flags
//	5       1     reserved
//	6       2     key size
//
// The key follows the header. Leaf nodes then carry the data inline, or the
// 4-byte first pgno of an overflow run when nodeBig is set.
type node []byte

func (n node) dsize() int       { return int(binary.LittleEndian.Uint32(n[0:])) }
func (n node) child() pgno      { return pgno(binary.LittleEndian.Uint32(n[0:])) }
func (n node) flags() nodeFlags { return nodeFlags(n[4]) }
func (n node) ksize() int       { return int(binary.LittleEndian.Uint16(n[6:])) }

// setDsize rewrites the data size of a big node in place.
func (n node) setDsize(sz int) { binary.LittleEndian.PutUint32(n[0:], uint32(sz)) }

func (n node) key() []byte {
	return n[NodeHeaderSize : NodeHeaderSize+n.ksize()]
}

// payload returns the bytes stored after the key: the inline value, or the
// overflow pgno for big nodes.
func (n node) payload() []byte {
	start := NodeHeaderSize + n.ksize()
	if n.flags()&nodeBig != 0 {
		return n[start : start+4]
	}
	return n[start : start+n.dsize()]
}

func (n node) overflowPgno() pgno {
	return pgno(binary.LittleEndian.Uint32(n[NodeHeaderSize+n.ksize():]))
}

// size returns the encoded size of the node.
func (n node) size(leaf bool) int {
	if !leaf {
		return NodeHeaderSize + n.ksize()
	}
	if n.flags()&nodeBig != 0 {
		return NodeHeaderSize + n.ksize() + 4
	}
	return NodeHeaderSize + n.ksize() + n.dsize()
}

// makeLeafNode encodes a leaf node with inline data.
func makeLeafNode(key, data []byte, flags nodeFlags) []byte {
	raw := make([]byte, NodeHeaderSize+len(key)+len(data))
	binary.LittleEndian.PutUint32(raw[0:], uint32(len(data)))
	raw[4] = byte(flags)
	binary.LittleEndian.PutUint16(raw[6:], uint16(len(key)))
	copy(raw[NodeHeaderSize:], key)
	copy(raw[NodeHeaderSize+len(key):], data)
	return raw
}

// makeBigNode encodes a leaf node whose value lives in an overflow run.
func makeBigNode(key []byte, dsize int, ov pgno) []byte {
	raw := make([]byte, NodeHeaderSize+len(key)+4)
	binary.LittleEndian.PutUint32(raw[0:], uint32(dsize))
	raw[4] = byte(nodeBig)
	binary.LittleEndian.PutUint16(raw[6:], uint16(len(key)))
	copy(raw[NodeHeaderSize:], key)
	binary.LittleEndian.PutUint32(raw[NodeHeaderSize+len(key):], uint32(ov))
	return raw
}

// makeBranchNode encodes a branch node pointing at child.
func makeBranchNode(key []byte, child pgno) []byte {
	raw := make([]byte, NodeHeaderSize+len(key))
	binary.LittleEndian.PutUint32(raw[0:], uint32(child))
	binary.LittleEndian.PutUint16(raw[6:], uint16(len(key)))
	copy(raw[NodeHeaderSize:], key)
	return raw
}

// rawKey extracts the key of an encoded node.
func rawKey(raw []byte) []byte {
	return node(raw).key()
}

// withKey re-encodes a branch node with a different key.
func withKey(raw []byte, key []byte) []byte {
	return makeBranchNode(key, node(raw).child())
}

// nodeMax returns the largest node a branch or leaf page accepts. Two nodes
// of this size always fit in one page, so a split can always make room.
func nodeMax(pageSize int) int {
	return (pageSize-PageHeaderSize)/2 - 2
}

// maxKeySize returns the largest key for the page size. It leaves room for a
// sub-tree record next to the key.
func maxKeySize(pageSize int) int {
	return nodeMax(pageSize) - NodeHeaderSize - treeRecordSize
}
