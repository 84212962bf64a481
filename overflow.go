package glmdb

// Values too large for a leaf node live in a run of contiguous overflow
// pages. The run's first page carries the page header with the run length;
// the value follows the header and spans the rest of the run.

// overflowCount returns the pages needed for a value of size bytes.
func overflowCount(size, pageSize int) int {
	return (PageHeaderSize + size + pageSize - 1) / pageSize
}

// isBigValue reports whether a key/value pair needs an overflow run.
func isBigValue(key, val []byte, pageSize int) bool {
	return NodeHeaderSize+len(key)+len(val) > nodeMax(pageSize)
}

// nodeValue returns the value of a leaf node, following overflow runs.
func (txn *Txn) nodeValue(n node) ([]byte, error) {
	if n.flags()&nodeBig == 0 {
		return n.payload(), nil
	}
	p, err := txn.page(n.overflowPgno())
	if err != nil {
		return nil, err
	}
	end := PageHeaderSize + n.dsize()
	if !p.isOverflow() || end > len(p) {
		return nil, NewError(ErrCorrupted)
	}
	return p[PageHeaderSize:end], nil
}

// makeNode encodes a leaf node, moving the value to a new overflow run when
// it is too large to sit inline.
func (c *Cursor) makeNode(key, val []byte, flags nodeFlags) ([]byte, error) {
	ps := c.txn.ps
	if !isBigValue(key, val, ps) {
		return makeLeafNode(key, val, flags), nil
	}
	cnt := overflowCount(len(val), ps)
	if c.txn.gcMode {
		// Free-list records change size while they are saved; the slack
		// page lets later rounds rewrite the run in place.
		cnt++
	}
	p, err := c.txn.newPage(cnt, pageOverflow)
	if err != nil {
		return nil, err
	}
	copy(p[PageHeaderSize:], val)
	c.countPages(pageOverflow, cnt)
	return makeBigNode(key, len(val), p.pgno()), nil
}

// rewriteBig overwrites the value of a big node in place when its run was
// allocated by this transaction and is large enough. The node's page must be
// writable. While the free list is saved a shrinking record keeps its run
// even once it would fit inline.
func (c *Cursor) rewriteBig(n node, val []byte) bool {
	if !c.txn.gcMode && !isBigValue(n.key(), val, c.txn.ps) {
		return false
	}
	run, ok := c.txn.dirty.Get(uint32(n.overflowPgno()))
	if !ok || PageHeaderSize+len(val) > len(run) {
		return false
	}
	copy(run[PageHeaderSize:], val)
	n.setDsize(len(val))
	return true
}

// freeOverflow releases the overflow run of a big node.
func (c *Cursor) freeOverflow(n node) error {
	pg := n.overflowPgno()
	p, err := c.txn.page(pg)
	if err != nil {
		return err
	}
	if !p.isOverflow() {
		return NewError(ErrCorrupted)
	}
	cnt := p.overflowPages()
	c.txn.freePage(pg, cnt)
	c.countPages(pageOverflow, -cnt)
	return nil
}
