package glmdb

import "bytes"

// put stores key/value through the cursor and leaves it on the new entry.
func (c *Cursor) put(key, value []byte, flags uint) error {
	if flags&Current != 0 {
		if c.state != cursorPointing {
			return NewError(ErrNotFound)
		}
		cur, val, err := c.current()
		if err != nil {
			return err
		}
		if c.isDupSort() {
			// A duplicate must keep its place in the sort order.
			if c.db.dcmp(val, value) != 0 {
				return NewError(ErrIncompatible)
			}
			return nil
		}
		key = bytes.Clone(cur)
		flags &^= NoOverwrite
	}
	if err := c.checkKey(key); err != nil {
		return err
	}

	var err error
	if c.isDupSort() {
		err = c.putDup(key, value, flags)
	} else {
		err = c.putPlain(key, value, flags)
	}
	if err != nil {
		return c.txn.poison(err)
	}
	c.txn.gen++

	var val []byte
	if c.isDupSort() {
		val = value
	}
	if _, err := c.reseek(key, val); err != nil {
		return c.txn.poison(err)
	}
	c.state = cursorPointing
	c.afterDelete = false
	c.savePos()
	return nil
}

// checkKey validates a key for the database.
func (c *Cursor) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > maxKeySize(c.txn.ps) {
		return NewError(ErrBadValSize)
	}
	if uint(c.tree.Flags)&IntegerKey != 0 && len(key) != 4 && len(key) != 8 {
		return NewError(ErrBadValSize)
	}
	return nil
}

// checkAppend verifies that key sorts after every key in the tree, or equals
// the last one when sameOK is set.
func (c *Cursor) checkAppend(key []byte, sameOK bool) error {
	if c.tree.Root == invalidPgno {
		return nil
	}
	if err := c.edge(true); err != nil {
		return err
	}
	r := c.cmp(c.node().key(), key)
	if r > 0 || (r == 0 && !sameOK) {
		return NewError(ErrKeyExist)
	}
	return nil
}

// putPlain inserts or replaces a key in a database without duplicates.
func (c *Cursor) putPlain(key, value []byte, flags uint) error {
	if flags&Append != 0 {
		if err := c.checkAppend(key, false); err != nil {
			return err
		}
	}

	if c.tree.Root == invalidPgno {
		raw, err := c.makeNode(key, value, 0)
		if err != nil {
			return err
		}
		if err := c.newRoot(); err != nil {
			return err
		}
		c.stack[0].pg.appendNode(raw)
		c.tree.Items++
		return nil
	}

	_, exact, err := c.descendTo(key)
	if err != nil {
		return err
	}
	if exact {
		if c.node().flags()&nodeTree != 0 {
			return NewError(ErrIncompatible)
		}
		if flags&NoOverwrite != 0 {
			return NewError(ErrKeyExist)
		}
		if err := c.touchPath(); err != nil {
			return err
		}
		return c.replaceValue(key, value, 0)
	}

	if err := c.touchPath(); err != nil {
		return err
	}
	raw, err := c.makeNode(key, value, 0)
	if err != nil {
		return err
	}
	if err := c.insert(raw); err != nil {
		return err
	}
	c.tree.Items++
	return nil
}

// replaceValue swaps the value of the node under the cursor.
func (c *Cursor) replaceValue(key, value []byte, flags nodeFlags) error {
	n := c.node()
	if n.flags()&nodeBig != 0 {
		if c.rewriteBig(n, value) {
			return nil
		}
		if err := c.freeOverflow(n); err != nil {
			return err
		}
	}
	raw, err := c.makeNode(key, value, flags)
	if err != nil {
		return err
	}
	return c.replaceAt(raw)
}

// replaceAt puts raw in place of the node under the cursor, splitting the
// page when the new node is larger than the room left.
func (c *Cursor) replaceAt(raw []byte) error {
	p, i := c.leaf()
	if p.canReplace(i, len(raw)) {
		p.replaceNode(i, raw)
		return nil
	}
	p.removeNode(i)
	return c.insert(raw)
}

// del removes the entry under the cursor and moves to its successor.
func (c *Cursor) del(flags uint) error {
	if c.state != cursorPointing {
		return NewError(ErrNotFound)
	}
	if c.node().flags()&nodeTree != 0 {
		return NewError(ErrIncompatible)
	}
	key := bytes.Clone(c.node().key())
	var val []byte
	if c.subOn && flags&AllDups == 0 {
		sp, si := c.sub.leaf()
		val = bytes.Clone(sp.key(si))
	}

	if err := c.touchPath(); err != nil {
		return c.txn.poison(err)
	}
	var err error
	if c.isDupSort() {
		err = c.delDup(flags)
	} else {
		c.tree.Items--
		err = c.remove()
	}
	if err != nil {
		return c.txn.poison(err)
	}
	c.txn.gen++

	if _, err := c.reseek(key, val); err != nil {
		return c.txn.poison(err)
	}
	c.afterDelete = c.state == cursorPointing
	c.delKey = key
	c.savePos()
	return nil
}

// reseek rebuilds the stack from the root and positions the cursor on the
// first entry at or after key (and, for duplicates, val). It reports whether
// the entry matched exactly. The cursor is left at EOF when nothing follows.
func (c *Cursor) reseek(key, val []byte) (bool, error) {
	c.subOn = false
	idx, exact, err := c.descendTo(key)
	if IsNotFound(err) {
		c.state = cursorEOF
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.state = cursorPointing

	if p, _ := c.leaf(); idx >= p.numKeys() {
		ok, err := c.nextLeaf()
		if err != nil {
			return false, err
		}
		if !ok {
			c.state = cursorEOF
			return false, nil
		}
		exact = false
	}
	if !exact || val == nil || !c.isDupSort() {
		return exact, c.enterNode(false)
	}

	n := c.node()
	if n.flags()&nodeDup == 0 {
		r := c.db.dcmp(n.payload(), val)
		if r >= 0 {
			return r == 0, nil
		}
		return false, c.skipKey()
	}

	c.sub.rec = decodeTree(n.payload())
	sidx, sexact, err := c.sub.descendTo(val)
	if err != nil {
		return false, err
	}
	if sp, _ := c.sub.leaf(); sidx >= sp.numKeys() {
		ok, err := c.sub.nextLeaf()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, c.skipKey()
		}
		sexact = false
	}
	c.sub.state = cursorPointing
	c.subOn = true
	return sexact, nil
}

// skipKey moves from the current key to the first entry of the next one.
func (c *Cursor) skipKey() error {
	c.subOn = false
	ok, err := c.stepNext()
	if err != nil {
		return err
	}
	if !ok {
		c.state = cursorEOF
		return nil
	}
	return c.enterNode(false)
}

// poison makes an error that struck in the middle of a write sticky: the
// tree may be half modified, so the transaction can only be aborted.
func (txn *Txn) poison(err error) error {
	switch Code(err) {
	case ErrKeyExist, ErrNotFound, ErrBadValSize, ErrIncompatible:
	default:
		if txn.err == nil {
			txn.err = err
		}
	}
	return err
}
