package glmdb

import (
	"errors"
	"os"
	"slices"
	"time"
)

// CommitLatency reports where a commit spent its time.
type CommitLatency struct {
	Preparation time.Duration // named database records
	GC          time.Duration // saving the free list
	Write       time.Duration // growing the file and writing dirty pages
	Sync        time.Duration // data and meta syncs
	Whole       time.Duration
}

// errTornWrite, returned by the "meta" failpoint, makes the commit write
// only the first half of the meta record before failing.
var errTornWrite = errors.New("torn meta write")

// maxWriteRun caps how many bytes of contiguous pages go into one write.
const maxWriteRun = 4 << 20

// Commit commits the transaction. An open child is committed first.
//
// A child's work is merged into its parent. A top-level write transaction
// is made durable: its pages are written and synced before the meta page
// that makes them current. The transaction is finished afterwards whether
// or not the commit succeeded; a failed commit leaves the store as it was.
func (txn *Txn) Commit() (CommitLatency, error) {
	var lat CommitLatency
	start := time.Now()
	if txn == nil || txn.state != txnActive {
		return lat, NewError(ErrBadTxn)
	}
	if txn.child != nil {
		if _, err := txn.child.Commit(); err != nil {
			txn.Abort()
			return lat, err
		}
	}
	if txn.IsReadOnly() {
		txn.end()
		return lat, nil
	}
	if txn.err != nil {
		err := txn.err
		txn.Abort()
		return lat, err
	}
	if txn.parent != nil {
		txn.mergeIntoParent()
		lat.Whole = time.Since(start)
		return lat, nil
	}

	err := txn.commitTop(&lat)
	txn.end()
	lat.Whole = time.Since(start)
	if err != nil {
		return lat, err
	}
	txn.env.log.Debug("commit", "txnid", uint64(txn.id),
		"prepare", lat.Preparation, "gc", lat.GC, "write", lat.Write, "sync", lat.Sync, "whole", lat.Whole)
	return lat, nil
}

// changed reports whether the transaction has anything to write.
func (txn *Txn) changed() bool {
	if txn.dirty.Len() > 0 || len(txn.freed) > 0 || len(txn.loose) > 0 {
		return true
	}
	for _, d := range txn.dbs {
		if d != nil && d.dirty {
			return true
		}
	}
	return false
}

func (txn *Txn) commitTop(lat *CommitLatency) error {
	e := txn.env
	e.mu.Lock()
	f, open := e.dataFile, e.open
	e.mu.Unlock()
	if !open {
		return NewError(ErrInvalid)
	}
	if !txn.changed() {
		return nil
	}

	t := time.Now()
	if err := txn.saveDBRecords(); err != nil {
		return err
	}
	lat.Preparation = time.Since(t)

	t = time.Now()
	if err := txn.saveFreelist(); err != nil {
		return err
	}
	if txn.err != nil {
		return txn.err
	}
	lat.GC = time.Since(t)

	t = time.Now()
	if err := txn.growFile(f); err != nil {
		return err
	}
	if err := txn.writePages(f); err != nil {
		return err
	}
	if err := e.fail("after-pages"); err != nil {
		return err
	}
	lat.Write = time.Since(t)

	t = time.Now()
	if e.flags&NoSync == 0 {
		if err := txn.syncData(f); err != nil {
			return err
		}
	}

	m := txn.meta
	m.txnid = txn.id
	m.nextPgno = txn.nextPgno
	m.mapSize = uint64(txn.mapSize)
	m.free = txn.dbs[FreeDBI].tree
	m.main = txn.dbs[MainDBI].tree
	if err := txn.writeMeta(f, &m); err != nil {
		e.fatal.Store(true)
		e.log.Error("meta write failed", "path", e.path, "txnid", uint64(txn.id), "err", err)
		return WrapError(ErrPanic, err)
	}
	if e.flags&(NoSync|NoMetaSync) == 0 {
		if err := fdatasync(f); err != nil {
			e.fatal.Store(true)
			e.log.Error("meta sync failed", "path", e.path, "txnid", uint64(txn.id), "err", err)
			return WrapError(ErrPanic, err)
		}
	}
	lat.Sync = time.Since(t)

	e.meta.Store(&m)
	e.mu.Lock()
	e.seenMapSize = m.mapSize
	e.mu.Unlock()
	return nil
}

// saveDBRecords writes the records of modified named databases into the
// main tree.
func (txn *Txn) saveDBRecords() error {
	for i := CoreDBs; i < len(txn.dbs); i++ {
		d := txn.dbs[i]
		if d == nil || !d.dirty {
			continue
		}
		info := txn.env.dbiInfo(DBI(i))
		if info == nil {
			continue
		}
		if err := txn.putTreeRecord(info.name, d.tree); err != nil {
			return err
		}
		d.dirty = false
	}
	return nil
}

// growFile extends the data file to cover every allocated page.
func (txn *Txn) growFile(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return WrapError(ErrProblem, err)
	}
	size := int64(txn.nextPgno) * int64(txn.ps)
	if fi.Size() >= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return WrapError(ErrProblem, err)
	}
	return nil
}

// writePages writes the dirty pages in page order, merging neighbours into
// one write.
func (txn *Txn) writePages(f *os.File) error {
	keys := txn.dirty.Keys()
	slices.Sort(keys)

	var run []byte
	var runOff int64
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		if _, err := f.WriteAt(run, runOff); err != nil {
			return WrapError(ErrProblem, err)
		}
		run = run[:0]
		return nil
	}
	for _, k := range keys {
		p, _ := txn.dirty.Get(k)
		off := int64(k) * int64(txn.ps)
		if len(run) > 0 && runOff+int64(len(run)) == off && len(run)+len(p) <= maxWriteRun {
			run = append(run, p...)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		runOff = off
		run = append(run, p...)
	}
	return flush()
}

// syncData makes the written pages durable before the meta points at them.
func (txn *Txn) syncData(f *os.File) error {
	if txn.env.flags&MapAsync != 0 {
		if err := txn.mp.m.SyncAsync(int64(txn.nextPgno) * int64(txn.ps)); err != nil {
			return WrapError(ErrProblem, err)
		}
		return nil
	}
	if err := fdatasync(f); err != nil {
		return WrapError(ErrProblem, err)
	}
	return nil
}

// writeMeta writes m into the meta slot of the transaction's id.
func (txn *Txn) writeMeta(f *os.File, m *meta) error {
	buf := page(make([]byte, txn.ps))
	slot := metaSlot(m.txnid)
	m.write(buf, slot)
	off := int64(slot) * int64(txn.ps)

	if err := txn.env.fail("meta"); err != nil {
		if errors.Is(err, errTornWrite) {
			f.WriteAt(buf[:PageHeaderSize+metaSumOffset/2], off)
		}
		return err
	}
	if _, err := f.WriteAt(buf, off); err != nil {
		return err
	}
	return nil
}
