package glmdb

import "bytes"

// Cursor operation constants
const (
	// First positions at the first key
	First uint = iota
	// FirstDup positions at the first duplicate of current key
	FirstDup
	// GetBoth positions at exact key-value pair
	GetBoth
	// GetBothRange positions at key with value >= specified
	GetBothRange
	// GetCurrent returns current key-value
	GetCurrent
	// GetMultiple returns the duplicates of the current key that share its
	// page (DupFixed)
	GetMultiple
	// Last positions at the last key
	Last
	// LastDup positions at the last duplicate of current key
	LastDup
	// Next moves to the next key-value
	Next
	// NextDup moves to the next duplicate of current key
	NextDup
	// NextMultiple returns the next page of duplicates (DupFixed)
	NextMultiple
	// NextNoDup moves to the first value of next key
	NextNoDup
	// Prev moves to the previous key-value
	Prev
	// PrevDup moves to the previous duplicate of current key
	PrevDup
	// PrevNoDup moves to the last value of previous key
	PrevNoDup
	// Set positions at specified key
	Set
	// SetKey positions at key, returns key and value
	SetKey
	// SetRange positions at first key >= specified
	SetRange
)

// cursorState tracks cursor validity
type cursorState uint8

const (
	cursorUnset    cursorState = iota
	cursorPointing             // Cursor is at a valid position
	cursorEOF                  // Cursor moved past the last entry
)

// cursorLevel is one step of the path from the root to the current leaf.
type cursorLevel struct {
	pg  page
	idx int
}

// Cursor provides ordered navigation through a database.
//
// A cursor on a DupSort database carries a sub-cursor that walks the
// duplicate sub-tree of the current key.
type Cursor struct {
	txn   *Txn
	dbi   DBI
	db    *txnDB
	tree  *tree // db.tree, or rec for a sub-cursor
	cmp   CmpFunc
	state cursorState
	top   int // number of levels on the stack
	stack [CursorStackSize]cursorLevel

	afterDelete bool   // Del left the cursor on the successor
	delKey      []byte // key of the deleted entry

	// Position copy used to reseek after another cursor wrote to the txn
	gen    uint64
	posKey []byte
	posVal []byte

	parent *Cursor // main cursor of a sub-cursor
	sub    *Cursor // duplicate sub-cursor, DupSort only
	rec    tree    // sub-tree record walked by a sub-cursor
	subOn  bool    // sub is positioned in a sub-tree
	closed bool
}

func newCursor(txn *Txn, dbi DBI, d *txnDB) *Cursor {
	c := &Cursor{txn: txn, dbi: dbi, gen: txn.gen}
	c.bind(d)
	return c
}

func (c *Cursor) bind(d *txnDB) {
	c.db = d
	c.tree = &d.tree
	c.cmp = d.cmp
	c.state = cursorUnset
	c.top = 0
	c.subOn = false
	if uint(d.tree.Flags)&DupSort == 0 {
		c.sub = nil
		return
	}
	if c.sub == nil {
		c.sub = &Cursor{parent: c}
	}
	c.sub.txn = c.txn
	c.sub.dbi = c.dbi
	c.sub.db = d
	c.sub.tree = &c.sub.rec
	c.sub.cmp = d.dcmp
	c.sub.state = cursorUnset
	c.sub.top = 0
}

// Txn returns the cursor's transaction.
func (c *Cursor) Txn() *Txn {
	return c.txn
}

// DBI returns the cursor's database handle.
func (c *Cursor) DBI() DBI {
	return c.dbi
}

// Close releases the cursor. Further use returns ErrBadTxn.
func (c *Cursor) Close() {
	if c == nil {
		return
	}
	c.closed = true
	c.state = cursorUnset
	c.top = 0
}

func (c *Cursor) isDupSort() bool {
	return c.sub != nil
}

// check validates the cursor before an operation and reseeks it when the
// transaction changed since it was last positioned.
func (c *Cursor) check() error {
	if c == nil || c.closed {
		return NewError(ErrBadTxn)
	}
	if err := c.txn.usable(); err != nil {
		return err
	}
	d, err := c.txn.db(c.dbi)
	if err != nil {
		return err
	}
	if d != c.db {
		c.bind(d)
		c.gen = c.txn.gen - 1
	}
	if c.gen != c.txn.gen {
		return c.resync()
	}
	return nil
}

// resync repositions the cursor on its saved entry, or on the entry that
// now follows it when it was deleted.
func (c *Cursor) resync() error {
	c.gen = c.txn.gen
	if c.state != cursorPointing {
		c.state = cursorUnset
		c.top = 0
		c.subOn = false
		return nil
	}
	key, val := c.posKey, c.posVal
	exact, err := c.reseek(key, val)
	if err != nil {
		return err
	}
	if !exact {
		c.afterDelete = true
		c.delKey = bytes.Clone(key)
	}
	c.savePos()
	return nil
}

// savePos keeps a private copy of the position in write transactions.
func (c *Cursor) savePos() {
	c.gen = c.txn.gen
	if c.txn.IsReadOnly() || c.state != cursorPointing {
		return
	}
	p, i := c.leaf()
	c.posKey = append(c.posKey[:0], p.key(i)...)
	if !c.subOn {
		c.posVal = nil
		return
	}
	sp, si := c.sub.leaf()
	c.posVal = append(c.posVal[:0], sp.key(si)...)
}

// leaf returns the leaf page and slot at the top of the stack.
func (c *Cursor) leaf() (page, int) {
	l := &c.stack[c.top-1]
	return l.pg, l.idx
}

func (c *Cursor) node() node {
	p, i := c.leaf()
	return p.node(i)
}

// current returns the entry under the cursor.
func (c *Cursor) current() ([]byte, []byte, error) {
	n := c.node()
	if c.subOn {
		sp, si := c.sub.leaf()
		return n.key(), sp.key(si), nil
	}
	v, err := c.txn.nodeValue(n)
	if err != nil {
		return nil, nil, err
	}
	return n.key(), v, nil
}

// found marks the cursor positioned and returns the current entry.
func (c *Cursor) found() ([]byte, []byte, error) {
	c.state = cursorPointing
	c.afterDelete = false
	c.savePos()
	return c.current()
}

// enterNode positions the sub-cursor when the current node holds a
// duplicate sub-tree.
func (c *Cursor) enterNode(last bool) error {
	c.subOn = false
	if c.sub == nil {
		return nil
	}
	n := c.node()
	if n.flags()&nodeDup == 0 {
		return nil
	}
	c.sub.rec = decodeTree(n.payload())
	if err := c.sub.edge(last); err != nil {
		if IsNotFound(err) {
			return NewError(ErrCorrupted)
		}
		return err
	}
	c.subOn = true
	return nil
}

// Get retrieves key-value at the cursor position based on operation.
// Returned slices are valid until the transaction ends or, in a write
// transaction, until the next write.
func (c *Cursor) Get(key, value []byte, op uint) ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}

	switch op {
	case First:
		return c.first()
	case Last:
		return c.last()
	case Next, NextDup, NextNoDup:
		return c.next(op)
	case Prev, PrevDup, PrevNoDup:
		return c.prev(op)
	case GetCurrent:
		if c.state != cursorPointing {
			return nil, nil, NewError(ErrNotFound)
		}
		return c.current()
	case Set, SetKey:
		return c.set(key)
	case SetRange:
		return c.setRange(key)
	case FirstDup, LastDup:
		return c.edgeDup(op == LastDup)
	case GetBoth, GetBothRange:
		return c.getBoth(key, value, op == GetBothRange)
	case GetMultiple, NextMultiple:
		return c.multiple(op == NextMultiple)
	default:
		return nil, nil, NewError(ErrIncompatible)
	}
}

func (c *Cursor) first() ([]byte, []byte, error) {
	if err := c.edge(false); err != nil {
		return nil, nil, err
	}
	if err := c.enterNode(false); err != nil {
		return nil, nil, err
	}
	return c.found()
}

func (c *Cursor) last() ([]byte, []byte, error) {
	if err := c.edge(true); err != nil {
		return nil, nil, err
	}
	if err := c.enterNode(true); err != nil {
		return nil, nil, err
	}
	return c.found()
}

func (c *Cursor) next(op uint) ([]byte, []byte, error) {
	switch c.state {
	case cursorUnset:
		if op == NextDup {
			return nil, nil, NewError(ErrNotFound)
		}
		return c.first()
	case cursorEOF:
		return nil, nil, NewError(ErrNotFound)
	}

	if c.afterDelete {
		// The cursor already sits on the entry after the deleted one.
		c.afterDelete = false
		sameKey := c.delKey != nil && c.cmp(c.node().key(), c.delKey) == 0
		switch {
		case op == Next, op == NextNoDup && !sameKey, op == NextDup && sameKey:
			return c.found()
		case op == NextDup:
			return nil, nil, NewError(ErrNotFound)
		}
	}

	if c.subOn && op != NextNoDup {
		ok, err := c.sub.stepNext()
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return c.found()
		}
	}
	if op == NextDup {
		return nil, nil, NewError(ErrNotFound)
	}

	ok, err := c.stepNext()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		c.state = cursorEOF
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.enterNode(false); err != nil {
		return nil, nil, err
	}
	return c.found()
}

func (c *Cursor) prev(op uint) ([]byte, []byte, error) {
	if c.state != cursorPointing {
		if op == PrevDup {
			return nil, nil, NewError(ErrNotFound)
		}
		return c.last()
	}
	c.afterDelete = false

	if c.subOn && op != PrevNoDup {
		ok, err := c.sub.stepPrev()
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return c.found()
		}
	}
	if op == PrevDup {
		return nil, nil, NewError(ErrNotFound)
	}

	ok, err := c.stepPrev()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.enterNode(true); err != nil {
		return nil, nil, err
	}
	return c.found()
}

// set positions at key exactly.
func (c *Cursor) set(key []byte) ([]byte, []byte, error) {
	exact, err := c.reseek(key, nil)
	if err != nil {
		return nil, nil, err
	}
	if !exact {
		c.state = cursorUnset
		return nil, nil, NewError(ErrNotFound)
	}
	return c.found()
}

func (c *Cursor) setRange(key []byte) ([]byte, []byte, error) {
	if _, err := c.reseek(key, nil); err != nil {
		return nil, nil, err
	}
	if c.state != cursorPointing {
		c.state = cursorUnset
		return nil, nil, NewError(ErrNotFound)
	}
	return c.found()
}

// getBoth positions at key with the value equal to (or, for ranges, the
// first one not below) value.
func (c *Cursor) getBoth(key, value []byte, rng bool) ([]byte, []byte, error) {
	if _, _, err := c.set(key); err != nil {
		return nil, nil, err
	}
	if c.subOn {
		sp, si := c.sub.leaf()
		if c.sub.cmp(sp.key(si), value) != 0 || rng {
			idx, exact, err := c.sub.descendTo(value)
			if err != nil {
				return nil, nil, err
			}
			if !exact && !rng {
				c.state = cursorUnset
				return nil, nil, NewError(ErrNotFound)
			}
			sp, _ = c.sub.leaf()
			if idx >= sp.numKeys() {
				ok, err := c.sub.nextLeaf()
				if err != nil {
					return nil, nil, err
				}
				if !ok {
					c.state = cursorUnset
					return nil, nil, NewError(ErrNotFound)
				}
			}
		}
		return c.found()
	}

	_, v, err := c.current()
	if err != nil {
		return nil, nil, err
	}
	r := c.db.dcmp(v, value)
	if r < 0 || (r > 0 && !rng) {
		c.state = cursorUnset
		return nil, nil, NewError(ErrNotFound)
	}
	return c.found()
}

// edgeDup moves to the first or last duplicate of the current key.
func (c *Cursor) edgeDup(last bool) ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if c.subOn {
		if err := c.sub.edge(last); err != nil {
			return nil, nil, err
		}
	}
	return c.found()
}

// multiple returns the duplicates from the current one to the end of its
// sub-tree page, concatenated, and leaves the cursor on the last of them.
func (c *Cursor) multiple(advance bool) ([]byte, []byte, error) {
	if uint(c.tree.Flags)&DupFixed == 0 {
		return nil, nil, NewError(ErrIncompatible)
	}
	if advance {
		switch {
		case c.state == cursorUnset:
			if _, _, err := c.first(); err != nil {
				return nil, nil, err
			}
		case c.state == cursorEOF:
			return nil, nil, NewError(ErrNotFound)
		default:
			if _, _, err := c.next(NextDup); err != nil {
				return nil, nil, err
			}
		}
	} else if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}

	if !c.subOn {
		return c.current()
	}
	sp, si := c.sub.leaf()
	n := sp.numKeys()
	var buf bytes.Buffer
	for i := si; i < n; i++ {
		buf.Write(sp.key(i))
	}
	c.sub.stack[c.sub.top-1].idx = n - 1
	c.savePos()
	return c.node().key(), buf.Bytes(), nil
}

// Count returns the number of values for the current key.
func (c *Cursor) Count() (uint64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if c.state != cursorPointing {
		return 0, NewError(ErrNotFound)
	}
	if c.subOn {
		return c.sub.rec.Items, nil
	}
	return 1, nil
}

// Put stores a key-value pair and leaves the cursor on it.
func (c *Cursor) Put(key, value []byte, flags uint) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.txn.writable(); err != nil {
		return err
	}
	return c.put(key, value, flags)
}

// Del deletes the entry under the cursor; with AllDups every duplicate of
// the current key. The next Next returns the entry that followed it.
func (c *Cursor) Del(flags uint) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.txn.writable(); err != nil {
		return err
	}
	return c.del(flags)
}

// Multi wraps the concatenated values returned by GetMultiple.
type Multi struct {
	page   []byte
	stride int
}

// WrapMulti wraps a multi-value buffer of fixed-size values.
func WrapMulti(page []byte, stride int) *Multi {
	return &Multi{page: page, stride: stride}
}

// Vals returns all values.
func (m *Multi) Vals() [][]byte {
	if m.stride == 0 || len(m.page) == 0 {
		return nil
	}
	n := len(m.page) / m.stride
	vals := make([][]byte, n)
	for i := 0; i < n; i++ {
		vals[i] = m.page[i*m.stride : (i+1)*m.stride]
	}
	return vals
}

// Val returns value at index i.
func (m *Multi) Val(i int) []byte {
	if m.stride == 0 || i < 0 || (i+1)*m.stride > len(m.page) {
		return nil
	}
	return m.page[i*m.stride : (i+1)*m.stride]
}

// Len returns the number of values.
func (m *Multi) Len() int {
	if m.stride == 0 {
		return 0
	}
	return len(m.page) / m.stride
}

// Stride returns the value size.
func (m *Multi) Stride() int {
	return m.stride
}
