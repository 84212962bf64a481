package glmdb

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// tree is the persistent record of one B+tree (48 bytes on disk).
//
// Memory layout:
//
//	Offset  Size  Field
//	0       2     flags
//	2       2     depth
//	4       4     dupfix size
//	8       4     root pgno
//	12      4     branch pages
//	16      4     leaf pages
//	20      4     overflow pages
//	24      8     sequence
//	32      8     items
//	40      8     mod txnid
type tree struct {
	Flags         uint16
	Depth         uint16
	DupfixSize    uint32
	Root          pgno
	BranchPages   uint32
	LeafPages     uint32
	OverflowPages uint32
	Sequence      uint64
	Items         uint64
	ModTxnid      txnid
}

func (t *tree) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], t.Flags)
	binary.LittleEndian.PutUint16(b[2:], t.Depth)
	binary.LittleEndian.PutUint32(b[4:], t.DupfixSize)
	binary.LittleEndian.PutUint32(b[8:], uint32(t.Root))
	binary.LittleEndian.PutUint32(b[12:], t.BranchPages)
	binary.LittleEndian.PutUint32(b[16:], t.LeafPages)
	binary.LittleEndian.PutUint32(b[20:], t.OverflowPages)
	binary.LittleEndian.PutUint64(b[24:], t.Sequence)
	binary.LittleEndian.PutUint64(b[32:], t.Items)
	binary.LittleEndian.PutUint64(b[40:], uint64(t.ModTxnid))
}

func (t *tree) bytes() []byte {
	b := make([]byte, treeRecordSize)
	t.encode(b)
	return b
}

func decodeTree(b []byte) tree {
	return tree{
		Flags:         binary.LittleEndian.Uint16(b[0:]),
		Depth:         binary.LittleEndian.Uint16(b[2:]),
		DupfixSize:    binary.LittleEndian.Uint32(b[4:]),
		Root:          pgno(binary.LittleEndian.Uint32(b[8:])),
		BranchPages:   binary.LittleEndian.Uint32(b[12:]),
		LeafPages:     binary.LittleEndian.Uint32(b[16:]),
		OverflowPages: binary.LittleEndian.Uint32(b[20:]),
		Sequence:      binary.LittleEndian.Uint64(b[24:]),
		Items:         binary.LittleEndian.Uint64(b[32:]),
		ModTxnid:      txnid(binary.LittleEndian.Uint64(b[40:])),
	}
}

// empty returns a tree with the same persistent flags and no pages.
func (t *tree) empty() tree {
	return tree{Flags: t.Flags, DupfixSize: t.DupfixSize, Sequence: t.Sequence}
}

// meta is the decoded content of a meta page.
//
// Memory layout (after the page header):
//
//	Offset  Size  Field
//	0       8     magic
//	8       4     format version
//	12      4     page size
//	16      8     map size
//	24      4     next pgno (high-water mark)
//	28      4     reserved
//	32      8     txnid
//	40      48    free tree
//	88      48    main tree
//	136     16    store uuid
//	152     8     blake3 checksum of bytes 0..152
type meta struct {
	magic    uint64
	version  uint32
	pageSize uint32
	mapSize  uint64
	nextPgno pgno
	txnid    txnid
	free     tree
	main     tree
	uuid     uuid.UUID
}

const (
	metaSumOffset = 152
	metaSize      = 160
)

func metaChecksum(body []byte) uint64 {
	sum := blake3.Sum256(body[:metaSumOffset])
	return binary.LittleEndian.Uint64(sum[:8])
}

// write encodes m into the meta page for slot.
func (m *meta) write(p page, slot pgno) {
	clear(p)
	p.setPgno(slot)
	p.setFlags(pageMeta)
	p.setTxnid(m.txnid)

	b := p[PageHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.magic)
	binary.LittleEndian.PutUint32(b[8:], m.version)
	binary.LittleEndian.PutUint32(b[12:], m.pageSize)
	binary.LittleEndian.PutUint64(b[16:], m.mapSize)
	binary.LittleEndian.PutUint32(b[24:], uint32(m.nextPgno))
	binary.LittleEndian.PutUint64(b[32:], uint64(m.txnid))
	m.free.encode(b[40:])
	m.main.encode(b[88:])
	copy(b[136:152], m.uuid[:])
	binary.LittleEndian.PutUint64(b[metaSumOffset:], metaChecksum(b))
}

// readMeta decodes and validates the meta page for slot.
func readMeta(p []byte, slot pgno) (*meta, error) {
	if len(p) < PageHeaderSize+metaSize {
		return nil, NewError(ErrInvalid)
	}
	pg := page(p)
	b := p[PageHeaderSize:]
	m := &meta{
		magic:    binary.LittleEndian.Uint64(b[0:]),
		version:  binary.LittleEndian.Uint32(b[8:]),
		pageSize: binary.LittleEndian.Uint32(b[12:]),
		mapSize:  binary.LittleEndian.Uint64(b[16:]),
		nextPgno: pgno(binary.LittleEndian.Uint32(b[24:])),
		txnid:    txnid(binary.LittleEndian.Uint64(b[32:])),
		free:     decodeTree(b[40:]),
		main:     decodeTree(b[88:]),
	}
	copy(m.uuid[:], b[136:152])

	if m.magic != Magic {
		return nil, NewError(ErrInvalid)
	}
	if m.version != DataVersion {
		return nil, NewError(ErrVersionMismatch)
	}
	if pg.flags() != pageMeta || pg.pgno() != slot {
		return nil, NewError(ErrCorrupted)
	}
	if binary.LittleEndian.Uint64(b[metaSumOffset:]) != metaChecksum(b) {
		return nil, NewError(ErrCorrupted)
	}
	if m.nextPgno < NumMetas || m.pageSize < MinPageSize || m.pageSize > MaxPageSize {
		return nil, NewError(ErrCorrupted)
	}
	return m, nil
}

// pickMeta returns the valid meta with the highest txnid. A torn copy is
// skipped; if neither copy is usable the error of the first one is returned.
func pickMeta(pages [NumMetas][]byte) (*meta, int, error) {
	var best *meta
	bestSlot := -1
	var firstErr error
	for i := 0; i < NumMetas; i++ {
		m, err := readMeta(pages[i], pgno(i))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if best == nil || m.txnid > best.txnid {
			best, bestSlot = m, i
		}
	}
	if best == nil {
		return nil, -1, firstErr
	}
	return best, bestSlot, nil
}

// metaSlot returns the meta page a commit with id writes to.
func metaSlot(id txnid) pgno {
	return pgno(uint64(id) % NumMetas)
}
