package glmdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jakobkordez/glmdb/internal/pageset"
)

// Stat holds the page and entry counters of a database.
type Stat struct {
	PageSize      uint32 // Page size in bytes
	Depth         uint32 // Tree depth
	BranchPages   uint64 // Number of branch pages
	LeafPages     uint64 // Number of leaf pages
	OverflowPages uint64 // Number of overflow pages
	Entries       uint64 // Number of entries, duplicates included
	Root          uint32 // Root page number (for debugging)
	ModTxnID      uint64 // Last modification transaction ID
}

func (txn *Txn) statOf(t tree) *Stat {
	return &Stat{
		PageSize:      uint32(txn.ps),
		Depth:         uint32(t.Depth),
		BranchPages:   uint64(t.BranchPages),
		LeafPages:     uint64(t.LeafPages),
		OverflowPages: uint64(t.OverflowPages),
		Entries:       t.Items,
		Root:          uint32(t.Root),
		ModTxnID:      uint64(t.ModTxnid),
	}
}

// Stat returns the counters of a database as seen by the transaction. The
// main database counts the records of named databases as entries.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	d, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	return txn.statOf(d.tree), nil
}

// Stat returns the counters of the whole store on the latest snapshot: the
// main database and every named database added together. Depth is the
// largest depth of any of them.
func (e *Env) Stat() (*Stat, error) {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()

	st := txn.statOf(txn.dbs[MainDBI].tree)
	names, err := txn.ListDBI()
	if err != nil {
		return nil, err
	}
	st.Entries -= uint64(len(names))
	for _, name := range names {
		rec, _, err := txn.findTreeRecord(name)
		if err != nil {
			return nil, err
		}
		st.Depth = max(st.Depth, uint32(rec.Depth))
		st.BranchPages += uint64(rec.BranchPages)
		st.LeafPages += uint64(rec.LeafPages)
		st.OverflowPages += uint64(rec.OverflowPages)
		st.Entries += rec.Items
	}
	return st, nil
}

// EnvInfo describes the environment and the pressure readers put on it.
type EnvInfo struct {
	MapSize     int64
	PageSize    uint32
	LastPgNo    uint64 // Highest allocated page
	LastTxnID   uint64
	MaxReaders  uint32
	NumReaders  uint32
	OldestTxnID uint64 // Snapshot of the oldest reader, 0 without readers
	ReaderLag   uint64 // Commits made since the oldest reader started
	FreePages   uint64 // Pages listed in the free list
	PinnedPages uint64 // Free pages no writer may reuse yet
	UUID        uuid.UUID
}

// Info returns information about the environment.
func (e *Env) Info() (*EnvInfo, error) {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return nil, NewError(ErrInvalid)
	}
	mapSize := e.mapSize
	e.mu.Unlock()

	// Sample the reader table before our own snapshot joins it.
	numReaders := e.lockFile.numReaders()
	oldest := e.lockFile.oldestReader()

	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()

	m := txn.meta
	info := &EnvInfo{
		MapSize:     mapSize,
		PageSize:    uint32(txn.ps),
		LastPgNo:    uint64(m.nextPgno) - 1,
		LastTxnID:   uint64(m.txnid),
		MaxReaders:  uint32(e.maxReaders),
		NumReaders:  uint32(numReaders),
		OldestTxnID: uint64(oldest),
		UUID:        m.uuid,
	}
	if oldest != 0 && oldest <= m.txnid {
		info.ReaderLag = uint64(m.txnid - oldest)
	}

	gate := m.txnid
	if oldest != 0 && oldest < gate {
		gate = oldest
	}
	err = txn.forEachFreeRecord(func(id txnid, pgs []pgno) error {
		info.FreePages += uint64(len(pgs))
		if id >= gate {
			info.PinnedPages += uint64(len(pgs))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// forEachFreeRecord calls fn for every free-list record in key order.
func (txn *Txn) forEachFreeRecord(fn func(id txnid, pgs []pgno) error) error {
	c, err := txn.cursor(FreeDBI)
	if err != nil {
		return err
	}
	k, v, err := c.Get(nil, nil, First)
	for err == nil {
		if len(k) != 8 {
			return NewError(ErrCorrupted)
		}
		pgs, derr := decodePgnos(v)
		if derr != nil {
			return derr
		}
		if ferr := fn(txnid(binary.BigEndian.Uint64(k)), pgs); ferr != nil {
			return ferr
		}
		k, v, err = c.Get(nil, nil, Next)
	}
	if IsNotFound(err) {
		return nil
	}
	return err
}

var errLeakedPages = errors.New("pages neither reachable nor free")

// treeCount is what a walk found in one tree.
type treeCount struct {
	branch, leaf, overflow uint64
	items                  uint64
	depth                  int
}

// checker walks trees read-only and verifies their structure.
type checker struct {
	txn  *Txn
	seen *pageset.Set
}

func newChecker(txn *Txn) *checker {
	return &checker{txn: txn, seen: pageset.New(uint32(txn.highWater()))}
}

// Check walks a database and verifies it: page kinds, key order inside
// pages, keys within the bounds set by the parent separators, equal leaf
// depth, no empty pages below the root, no page reached twice, and counters
// matching the tree record. It returns the counts the walk found.
func (txn *Txn) Check(dbi DBI) (*Stat, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	d, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	tc, err := newChecker(txn).tree(d.tree, d.cmp, d.dcmp)
	if err != nil {
		return nil, err
	}
	return &Stat{
		PageSize:      uint32(txn.ps),
		Depth:         uint32(tc.depth),
		BranchPages:   tc.branch,
		LeafPages:     tc.leaf,
		OverflowPages: tc.overflow,
		Entries:       tc.items,
		Root:          uint32(d.tree.Root),
		ModTxnID:      uint64(d.tree.ModTxnid),
	}, nil
}

// Verify checks every tree of a read-only snapshot and accounts for every
// page: each page below the high-water mark is reachable from exactly one
// tree or listed exactly once in the free list.
func (txn *Txn) Verify() error {
	if err := txn.usable(); err != nil {
		return err
	}
	if !txn.IsReadOnly() {
		return NewError(ErrIncompatible)
	}
	k := newChecker(txn)
	for _, dbi := range []DBI{FreeDBI, MainDBI} {
		d := txn.dbs[dbi]
		if _, err := k.tree(d.tree, d.cmp, d.dcmp); err != nil {
			return err
		}
	}
	names, err := txn.ListDBI()
	if err != nil {
		return err
	}
	for _, name := range names {
		rec, _, err := txn.findTreeRecord(name)
		if err != nil {
			return err
		}
		d := newTxnDB(rec, txn.env.infoByName(name))
		if _, err := k.tree(rec, d.cmp, d.dcmp); err != nil {
			return err
		}
	}

	err = txn.forEachFreeRecord(func(_ txnid, pgs []pgno) error {
		for _, pg := range pgs {
			if err := k.mark(pg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if k.seen.Len() != int(txn.meta.nextPgno)-NumMetas {
		missing := k.seen.Missing(NumMetas, 16)
		return WrapError(ErrCorrupted, fmt.Errorf("%w: %v", errLeakedPages, missing))
	}
	return nil
}

// highWater returns the first page number past the transaction's pages.
func (txn *Txn) highWater() pgno {
	if txn.IsReadOnly() {
		return txn.meta.nextPgno
	}
	return txn.nextPgno
}

// mark records pg as accounted for.
func (k *checker) mark(pg pgno) error {
	if pg < NumMetas || pg >= k.txn.highWater() {
		return NewError(ErrPageNotFound)
	}
	if !k.seen.Add(uint32(pg)) {
		return NewError(ErrCorrupted)
	}
	return nil
}

// tree walks one tree and compares the result with its record.
func (k *checker) tree(t tree, cmp, dcmp CmpFunc) (treeCount, error) {
	var tc treeCount
	if t.Root == invalidPgno {
		if t.Items != 0 || t.Depth != 0 {
			return tc, NewError(ErrCorrupted)
		}
		return tc, nil
	}
	if err := k.page(t.Root, 1, nil, nil, cmp, dcmp, &tc); err != nil {
		return tc, err
	}
	if tc.depth != int(t.Depth) || tc.items != t.Items ||
		tc.branch != uint64(t.BranchPages) || tc.leaf != uint64(t.LeafPages) ||
		tc.overflow != uint64(t.OverflowPages) {
		return tc, NewError(ErrCorrupted)
	}
	return tc, nil
}

// page walks the subtree at pg. Keys must lie in [lo, hi); nil bounds are
// open.
func (k *checker) page(pg pgno, depth int, lo, hi []byte, cmp, dcmp CmpFunc, tc *treeCount) error {
	if depth > CursorStackSize {
		return NewError(ErrCursorFull)
	}
	if err := k.mark(pg); err != nil {
		return err
	}
	p, err := k.txn.page(pg)
	if err != nil {
		return err
	}
	n := p.numKeys()
	if n == 0 && depth > 1 {
		return NewError(ErrCorrupted)
	}
	inRange := func(key []byte) bool {
		return (lo == nil || cmp(key, lo) >= 0) && (hi == nil || cmp(key, hi) < 0)
	}

	switch {
	case p.isBranch():
		tc.branch++
		for i := 0; i < n; i++ {
			clo, chi := lo, hi
			if i > 0 {
				key := p.key(i)
				if !inRange(key) || (i > 1 && cmp(p.key(i-1), key) >= 0) {
					return NewError(ErrCorrupted)
				}
				clo = key
			}
			if i+1 < n {
				chi = p.key(i + 1)
			}
			if err := k.page(p.child(i), depth+1, clo, chi, cmp, dcmp, tc); err != nil {
				return err
			}
		}
	case p.isLeaf():
		tc.leaf++
		if tc.depth == 0 {
			tc.depth = depth
		} else if tc.depth != depth {
			return NewError(ErrCorrupted)
		}
		for i := 0; i < n; i++ {
			key := p.key(i)
			if !inRange(key) || (i > 0 && cmp(p.key(i-1), key) >= 0) {
				return NewError(ErrCorrupted)
			}
			if err := k.leafNode(p.node(i), dcmp, tc); err != nil {
				return err
			}
		}
	default:
		return NewError(ErrCorrupted)
	}
	return nil
}

// leafNode accounts for the data of a leaf node.
func (k *checker) leafNode(nd node, dcmp CmpFunc, tc *treeCount) error {
	switch {
	case nd.flags()&nodeBig != 0:
		ov, err := k.txn.page(nd.overflowPgno())
		if err != nil {
			return err
		}
		cnt := ov.overflowPages()
		if !ov.isOverflow() || PageHeaderSize+nd.dsize() > cnt*k.txn.ps {
			return NewError(ErrCorrupted)
		}
		for j := 0; j < cnt; j++ {
			if err := k.mark(nd.overflowPgno() + pgno(j)); err != nil {
				return err
			}
		}
		tc.overflow += uint64(cnt)
		tc.items++
	case nd.flags()&nodeDup != 0:
		sub := decodeTree(nd.payload())
		if sub.Root == invalidPgno {
			return NewError(ErrCorrupted)
		}
		sc, err := k.tree(sub, dcmp, nil)
		if err != nil {
			return err
		}
		tc.branch += sc.branch
		tc.leaf += sc.leaf
		tc.overflow += sc.overflow
		tc.items += sc.items
	default:
		tc.items++
	}
	return nil
}
