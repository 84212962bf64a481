package glmdb

import (
	"encoding/binary"
	"slices"
)

// maxFreelistRounds bounds the commit loop that writes the free list. Each
// round can allocate or free free-tree pages, which changes the list again.
const maxFreelistRounds = 100

// txnKey encodes a free-tree key. Big endian keeps records in txnid order
// under the bytewise comparator.
func txnKey(id txnid) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// encodePgnos encodes a sorted page list as little-endian u32 values.
func encodePgnos(pgs []pgno) []byte {
	b := make([]byte, 4*len(pgs))
	for i, pg := range pgs {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(pg))
	}
	return b
}

func decodePgnos(b []byte) ([]pgno, error) {
	if len(b)%4 != 0 {
		return nil, NewError(ErrCorrupted)
	}
	pgs := make([]pgno, len(b)/4)
	for i := range pgs {
		pgs[i] = pgno(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return pgs, nil
}

// allocPages returns the first page number of n contiguous pages: a loose
// page, then reclaimed free-list pages, then new pages past the high-water
// mark. Running past the map size poisons the transaction with ErrMapFull.
func (txn *Txn) allocPages(n int) (pgno, error) {
	if txn.err != nil {
		return 0, txn.err
	}
	if n == 1 && len(txn.loose) > 0 {
		pg := txn.loose[len(txn.loose)-1]
		txn.loose = txn.loose[:len(txn.loose)-1]
		return pg, nil
	}

	for {
		if pg, ok := txn.takeReclaimed(n); ok {
			return pg, nil
		}
		// Saving the free list draws only on records already consumed.
		if txn.gcMode {
			break
		}
		more, err := txn.reclaimNext()
		if err != nil {
			return 0, err
		}
		if !more {
			break
		}
	}

	limit := txn.mapSize / int64(txn.ps)
	if int64(txn.nextPgno)+int64(n) > limit {
		txn.err = NewError(ErrMapFull)
		return 0, txn.err
	}
	if txn.gcPinned && !txn.warned {
		txn.warned = true
		txn.env.log.Warn("growing file while free pages are pinned by readers",
			"path", txn.env.path, "txnid", uint64(txn.id), "oldest_reader", uint64(txn.oldestSnapshot()),
			"next_pgno", uint32(txn.nextPgno))
	}
	pg := txn.nextPgno
	txn.nextPgno += pgno(n)
	return pg, nil
}

// takeReclaimed removes n contiguous pages from the reclaimed list, lowest
// page numbers first.
func (txn *Txn) takeReclaimed(n int) (pgno, bool) {
	r := txn.reclaimed
	if len(r) < n {
		return 0, false
	}
	if n == 1 {
		pg := r[0]
		txn.reclaimed = r[1:]
		return pg, true
	}
	run := 1
	for i := 1; i < len(r); i++ {
		if r[i] == r[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run == n {
			start := i - n + 1
			pg := r[start]
			txn.reclaimed = slices.Delete(slices.Clone(r), start, i+1)
			return pg, true
		}
	}
	return 0, false
}

// oldestSnapshot returns the reuse gate: records freed by a transaction
// older than this are invisible to every reader. The gate never passes the
// last committed txnid, so the previous meta stays readable after a torn
// meta write.
func (txn *Txn) oldestSnapshot() txnid {
	if txn.oldest == 0 {
		txn.oldest = txn.id - 1
		if r := txn.lock.oldestReader(); r != 0 && r < txn.oldest {
			txn.oldest = r
		}
	}
	return txn.oldest
}

// reclaimNext moves the next reusable free-tree record into the reclaimed
// list. It returns false when no record is eligible.
func (txn *Txn) reclaimNext() (bool, error) {
	if txn.dbs[FreeDBI].tree.Root == invalidPgno {
		return false, nil
	}
	c, err := txn.cursor(FreeDBI)
	if err != nil {
		return false, err
	}
	k, v, err := c.Get(txnKey(txn.lastGC+1), nil, SetRange)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(k) != 8 {
		return false, NewError(ErrCorrupted)
	}
	id := txnid(binary.BigEndian.Uint64(k))
	if id >= txn.oldestSnapshot() {
		txn.gcPinned = true
		return false, nil
	}
	pgs, err := decodePgnos(v)
	if err != nil {
		return false, err
	}
	txn.lastGC = id
	txn.consumed = append(txn.consumed, id)
	merged := make([]pgno, 0, len(txn.reclaimed)+len(pgs))
	merged = append(merged, txn.reclaimed...)
	merged = append(merged, pgs...)
	slices.Sort(merged)
	txn.reclaimed = merged
	return true, nil
}

// freePage releases n pages starting at pg. Pages this transaction (or an
// ancestor) allocated were never visible to readers and become loose;
// snapshot pages wait in the freed list for commit.
func (txn *Txn) freePage(pg pgno, n int) {
	if txn.dirty.Delete(uint32(pg)) || txn.dirtyInAncestor(pg) {
		for i := 0; i < n; i++ {
			txn.loose = append(txn.loose, pg+pgno(i))
		}
		return
	}
	for i := 0; i < n; i++ {
		txn.freed = append(txn.freed, pg+pgno(i))
	}
}

// pendingFree returns the sorted pages this commit hands to the free list.
func (txn *Txn) pendingFree() []pgno {
	out := make([]pgno, 0, len(txn.freed)+len(txn.loose))
	out = append(out, txn.freed...)
	out = append(out, txn.loose...)
	slices.Sort(out)
	return out
}

// gcReserve returns how many reclaimed pages saving the free list keeps at
// hand: enough to copy two root-to-leaf paths and split each once.
func (txn *Txn) gcReserve() int {
	return 2*int(txn.dbs[FreeDBI].tree.Depth) + 4
}

// saveFreelist writes the free list for commit: consumed records are
// deleted, unused reclaimed pages go back under the newest consumed key and
// the pages freed by this transaction are stored under its own txnid.
//
// Writing the free tree allocates and frees pages itself, so both records
// are rewritten until neither changes. Allocations take loose pages first,
// then reclaimed ones, so the tree's own pages come out of the lists being
// saved. Records are never deleted inside the loop; an emptied record keeps
// its key with an empty value.
func (txn *Txn) saveFreelist() error {
	for len(txn.reclaimed) < txn.gcReserve() {
		more, err := txn.reclaimNext()
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	txn.gcMode = true
	defer func() { txn.gcMode = false }()

	c, err := txn.cursor(FreeDBI)
	if err != nil {
		return err
	}

	var newest txnid
	for _, id := range txn.consumed {
		if _, _, err := c.Get(txnKey(id), nil, Set); err != nil {
			if IsNotFound(err) {
				continue
			}
			return err
		}
		if err := c.del(0); err != nil {
			return err
		}
		newest = max(newest, id)
	}
	txn.consumed = nil

	own, back := txnKey(txn.id), txnKey(newest)
	var ownDone, backDone []pgno
	ownPut, backPut := false, false
	for i := 0; i < maxFreelistRounds; i++ {
		ownSet := txn.pendingFree()
		backSet := slices.Clone(txn.reclaimed)
		if newest == 0 {
			backSet = nil
		}
		ownSame := slices.Equal(ownSet, ownDone) && (ownPut || len(ownSet) == 0)
		backSame := slices.Equal(backSet, backDone) && (backPut || len(backSet) == 0)
		if ownSame && backSame {
			return nil
		}
		if !backSame {
			if err := c.put(back, encodePgnos(backSet), 0); err != nil {
				return err
			}
			backDone, backPut = backSet, true
		}
		if !ownSame {
			if err := c.put(own, encodePgnos(ownSet), 0); err != nil {
				return err
			}
			ownDone, ownPut = ownSet, true
		}
	}
	return NewError(ErrProblem)
}
