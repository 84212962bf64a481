package glmdb

import (
	"slices"

	"github.com/jakobkordez/glmdb/internal/fastmap"
)

// txnState tracks the life of a transaction.
type txnState uint8

const (
	txnActive txnState = iota
	txnReset           // read-only, slot released, may be renewed
	txnDone            // committed or aborted
)

// txnDB is a transaction's view of one database: its tree record and the
// comparators that order it.
type txnDB struct {
	tree  tree
	cmp   CmpFunc
	dcmp  CmpFunc
	dirty bool // record must be written back at commit
}

// Txn is a read-only snapshot or the single read-write transaction.
type Txn struct {
	env    *Env
	lock   *lockFile // reader table and writer lock, outlives Env.Close
	parent *Txn
	child  *Txn
	flags  uint
	state  txnState
	id     txnid // snapshot read, or the id this write will commit as
	meta   meta  // meta the transaction started from

	mp   *mapping
	data []byte // mapped file, valid while mp is referenced
	ps   int
	slot int // reader slot, -1 for writers

	dbs []*txnDB

	// Write transaction state
	dirty     *fastmap.Map[page] // pgno -> private page (whole run for overflow)
	freed     []pgno             // pages of the snapshot made unreachable
	loose     []pgno             // pages allocated and released again in this transaction
	reclaimed []pgno             // reusable pages taken from free-tree records, sorted
	consumed  []txnid            // free-tree records the reclaimed pages came from
	lastGC    txnid              // highest free-tree key looked at
	oldest    txnid              // cached reuse gate, 0 until computed
	gcPinned  bool               // a free-tree record was held back by a reader
	warned    bool
	nextPgno  pgno
	mapSize   int64
	err       error  // sticky error (MapFull) poisoning further writes
	gcMode    bool   // commit is saving the free list
	gen       uint64 // bumped by every modification, cursors reseek on change
}

func newTxn(e *Env, mp *mapping, m *meta, flags uint) *Txn {
	txn := &Txn{
		env:   e,
		lock:  e.lockFile,
		flags: flags,
		meta:  *m,
		mp:    mp,
		data:  mp.m.Data(),
		ps:    e.pageSize,
		slot:  -1,
		id:    m.txnid,
	}
	if flags&TxnReadOnly == 0 {
		txn.id = m.txnid + 1
		txn.dirty = &fastmap.Map[page]{}
		txn.nextPgno = m.nextPgno
	}

	mainInfo := e.dbiInfo(MainDBI)
	txn.dbs = []*txnDB{
		FreeDBI: {tree: m.free, cmp: cmpLexical, dcmp: cmpLexical},
		MainDBI: newTxnDB(m.main, mainInfo),
	}
	return txn
}

func newTxnDB(t tree, info *dbiInfo) *txnDB {
	d := &txnDB{tree: t, cmp: keyCmp(uint(t.Flags)), dcmp: dupCmp(uint(t.Flags))}
	if info != nil {
		if info.cmp != nil {
			d.cmp = info.cmp
		}
		if info.dcmp != nil {
			d.dcmp = info.dcmp
		}
	}
	return d
}

// Env returns the transaction's environment.
func (txn *Txn) Env() *Env {
	return txn.env
}

// ID returns the snapshot txnid of a reader, or the txnid a writer will
// commit as.
func (txn *Txn) ID() uint64 {
	return uint64(txn.id)
}

// IsReadOnly returns true if this is a read-only transaction.
func (txn *Txn) IsReadOnly() bool {
	return txn.flags&TxnReadOnly != 0
}

// usable reports ErrBadTxn for finished transactions and for parents with
// an active child.
func (txn *Txn) usable() error {
	if txn == nil || txn.state != txnActive || txn.child != nil {
		return NewError(ErrBadTxn)
	}
	return nil
}

// writable checks that the transaction may modify the store.
func (txn *Txn) writable() error {
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return NewError(ErrPermissionDenied)
	}
	return txn.err
}

// beginChild starts a nested write transaction. The child works on copies
// of the parent's page lists and tree records and sees the parent's dirty
// pages through the parent chain.
func (txn *Txn) beginChild(flags uint) (*Txn, error) {
	if txn.IsReadOnly() || flags&TxnReadOnly != 0 {
		return nil, NewError(ErrIncompatible)
	}
	if err := txn.writable(); err != nil {
		return nil, err
	}

	child := &Txn{
		env:       txn.env,
		lock:      txn.lock,
		parent:    txn,
		flags:     TxnReadWrite,
		id:        txn.id,
		meta:      txn.meta,
		mp:        txn.mp,
		data:      txn.data,
		ps:        txn.ps,
		slot:      -1,
		dirty:     &fastmap.Map[page]{},
		freed:     slices.Clone(txn.freed),
		loose:     slices.Clone(txn.loose),
		reclaimed: slices.Clone(txn.reclaimed),
		consumed:  slices.Clone(txn.consumed),
		lastGC:    txn.lastGC,
		oldest:    txn.oldest,
		gcPinned:  txn.gcPinned,
		warned:    txn.warned,
		nextPgno:  txn.nextPgno,
		mapSize:   txn.mapSize,
		gen:       txn.gen,
	}
	child.dbs = make([]*txnDB, len(txn.dbs))
	for i, d := range txn.dbs {
		if d != nil {
			cp := *d
			child.dbs[i] = &cp
		}
	}
	txn.child = child
	return child, nil
}

// mergeIntoParent hands a committed child's work to its parent.
func (txn *Txn) mergeIntoParent() {
	p := txn.parent
	// Pages the child released that the parent had dirtied are gone for good.
	for _, pg := range txn.loose {
		p.dirty.Delete(uint32(pg))
	}
	txn.dirty.ForEach(func(pg uint32, buf page) {
		p.dirty.Set(pg, buf)
	})
	p.freed = txn.freed
	p.loose = txn.loose
	p.reclaimed = txn.reclaimed
	p.consumed = txn.consumed
	p.lastGC = txn.lastGC
	p.oldest = txn.oldest
	p.gcPinned = txn.gcPinned
	p.warned = txn.warned
	p.nextPgno = txn.nextPgno
	p.dbs = txn.dbs
	p.gen++
	p.child = nil
	txn.state = txnDone
	txn.dirty = nil
}

// Abort discards the transaction. Aborting twice is a no-op.
func (txn *Txn) Abort() {
	if txn == nil || txn.state == txnDone {
		return
	}
	if txn.child != nil {
		txn.child.Abort()
	}
	txn.end()
}

// end releases everything the transaction holds.
func (txn *Txn) end() {
	wasReset := txn.state == txnReset
	txn.state = txnDone
	switch {
	case txn.IsReadOnly():
		if !wasReset {
			txn.releaseSnapshot()
		}
	case txn.parent != nil:
		txn.parent.child = nil
	default:
		txn.lock.unlockWriter()
		txn.mp.release()
		txn.env.txnMu.Unlock()
	}
	txn.dirty = nil
	txn.data = nil
}

func (txn *Txn) releaseSnapshot() {
	if txn.slot >= 0 {
		txn.lock.releaseSlot(txn.slot)
		txn.slot = -1
	}
	txn.mp.release()
	txn.data = nil
}

// Reset releases a read-only transaction's snapshot but keeps the handle
// for Renew.
func (txn *Txn) Reset() {
	if txn == nil || !txn.IsReadOnly() || txn.state != txnActive {
		return
	}
	txn.releaseSnapshot()
	txn.state = txnReset
}

// Renew starts a reset read-only transaction on the latest snapshot.
func (txn *Txn) Renew() error {
	if txn == nil || !txn.IsReadOnly() || txn.state != txnReset {
		return NewError(ErrBadTxn)
	}
	fresh, err := txn.env.beginReadTxn()
	if err != nil {
		return err
	}
	*txn = *fresh
	return nil
}

// dbiInfo returns the handle registered for dbi, or nil.
func (e *Env) dbiInfo(dbi DBI) *dbiInfo {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) >= len(e.dbis) {
		return nil
	}
	return e.dbis[dbi]
}

// db returns the transaction's state for dbi, loading a named database's
// record from the main tree on first use.
func (txn *Txn) db(dbi DBI) (*txnDB, error) {
	if int(dbi) < len(txn.dbs) && txn.dbs[dbi] != nil {
		return txn.dbs[dbi], nil
	}
	info := txn.env.dbiInfo(dbi)
	if info == nil || info.core {
		return nil, NewError(ErrBadDBI)
	}
	rec, found, err := txn.findTreeRecord(info.name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewError(ErrBadDBI)
	}
	return txn.setDB(dbi, rec, info), nil
}

func (txn *Txn) setDB(dbi DBI, rec tree, info *dbiInfo) *txnDB {
	if int(dbi) >= len(txn.dbs) {
		txn.dbs = append(txn.dbs, make([]*txnDB, int(dbi)+1-len(txn.dbs))...)
	}
	d := newTxnDB(rec, info)
	txn.dbs[dbi] = d
	return d
}

// page resolves a page number: this transaction's dirty pages, then its
// ancestors', then the mapping. Overflow pages come back as the whole run.
func (txn *Txn) page(n pgno) (page, error) {
	for x := txn; x != nil; x = x.parent {
		if x.dirty != nil {
			if p, ok := x.dirty.Get(uint32(n)); ok {
				return p, nil
			}
		}
	}
	if n < NumMetas || n >= txn.meta.nextPgno {
		return nil, NewError(ErrPageNotFound)
	}
	off := int(n) * txn.ps
	p := page(txn.data[off : off+txn.ps])
	if p.pgno() != n {
		return nil, NewError(ErrCorrupted)
	}
	if p.isOverflow() {
		cnt := p.overflowPages()
		if cnt < 1 || int(n)+cnt > int(txn.meta.nextPgno) {
			return nil, NewError(ErrCorrupted)
		}
		p = page(txn.data[off : off+cnt*txn.ps])
	}
	return p, nil
}

// dirtyInAncestor reports whether pg is a private page of an ancestor.
func (txn *Txn) dirtyInAncestor(pg pgno) bool {
	for x := txn.parent; x != nil; x = x.parent {
		if x.dirty.Has(uint32(pg)) {
			return true
		}
	}
	return false
}

// touch returns a private, writable copy of p. A page already dirty here is
// returned as is; a page dirty in an ancestor is shadowed under the same
// number; anything else is copied to a newly allocated page and the
// original is freed. The caller relinks the parent when the number changes.
func (txn *Txn) touch(p page) (page, error) {
	n := p.pgno()
	if dp, ok := txn.dirty.Get(uint32(n)); ok {
		return dp, nil
	}
	if txn.dirtyInAncestor(n) {
		np := page(make([]byte, len(p)))
		copy(np, p)
		txn.dirty.Set(uint32(n), np)
		return np, nil
	}

	nn, err := txn.allocPages(1)
	if err != nil {
		return nil, err
	}
	np := page(make([]byte, txn.ps))
	copy(np, p)
	np.setPgno(nn)
	np.setTxnid(txn.id)
	txn.dirty.Set(uint32(nn), np)
	txn.freePage(n, 1)
	return np, nil
}

// newPage allocates n contiguous pages and registers a zeroed private
// buffer for them.
func (txn *Txn) newPage(n int, flags pageFlags) (page, error) {
	pg, err := txn.allocPages(n)
	if err != nil {
		return nil, err
	}
	p := page(make([]byte, n*txn.ps))
	if flags&pageOverflow != 0 {
		p.setPgno(pg)
		p.setFlags(flags)
		p.setTxnid(txn.id)
		p.setOverflowPages(n)
	} else {
		p.init(pg, flags, txn.id)
	}
	txn.dirty.Set(uint32(pg), p)
	return p, nil
}

// cursor opens an internal cursor on dbi.
func (txn *Txn) cursor(dbi DBI) (*Cursor, error) {
	d, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	return newCursor(txn, dbi, d), nil
}

// OpenCursor opens a cursor on a database.
func (txn *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	return txn.cursor(dbi)
}

// Get returns the value stored under key (the first duplicate for DupSort
// databases). The slice points into the map and is valid until the
// transaction ends or, in a write transaction, until the next write.
func (txn *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	c, err := txn.cursor(dbi)
	if err != nil {
		return nil, err
	}
	_, val, err := c.Get(key, nil, Set)
	return val, err
}

// Put stores a key/value pair.
//
// Flags: NoOverwrite fails with ErrKeyExist when the key exists; NoDupData
// fails when the exact pair exists (DupSort); Append and AppendDup require
// the key (value) to sort after all existing ones.
func (txn *Txn) Put(dbi DBI, key, value []byte, flags uint) error {
	if err := txn.writable(); err != nil {
		return err
	}
	c, err := txn.cursor(dbi)
	if err != nil {
		return err
	}
	return c.put(key, value, flags)
}

// Del deletes a key. For DupSort databases a non-nil value deletes only
// that duplicate; nil deletes all of them.
func (txn *Txn) Del(dbi DBI, key, value []byte) error {
	if err := txn.writable(); err != nil {
		return err
	}
	c, err := txn.cursor(dbi)
	if err != nil {
		return err
	}

	op := Set
	var delFlags uint
	if value != nil && c.isDupSort() {
		op = GetBoth
	} else {
		delFlags = AllDups
	}
	if _, _, err := c.Get(key, value, op); err != nil {
		return err
	}
	return c.del(delFlags)
}

// Sub runs fn inside a child transaction, committing it when fn succeeds.
func (txn *Txn) Sub(fn TxnOp) error {
	child, err := txn.env.BeginTxn(txn, 0)
	if err != nil {
		return err
	}
	return child.RunOp(fn, true)
}

// RunOp runs a function in the transaction.
// If terminate is true, the transaction is committed/aborted based on error.
func (txn *Txn) RunOp(fn TxnOp, terminate bool) error {
	err := fn(txn)
	if terminate {
		if err != nil {
			txn.Abort()
		} else {
			_, err = txn.Commit()
		}
	}
	return err
}
