package glmdb

import "bytes"

// Duplicates of a key sit inline in the leaf node while the key has a single
// value that fits. A second value moves them into a sub-tree whose leaves
// carry the values as keys with empty data; the main node then holds the
// sub-tree record (nodeDup).

const dupFlags = DupFixed | IntegerDup | ReverseDup

// checkDupValue validates a duplicate value.
func (c *Cursor) checkDupValue(val []byte) error {
	if len(val) > maxKeySize(c.txn.ps) {
		return NewError(ErrBadValSize)
	}
	if uint(c.tree.Flags)&IntegerDup != 0 && len(val) != 4 && len(val) != 8 {
		return NewError(ErrBadValSize)
	}
	return nil
}

// putDup adds value to the duplicates of key.
func (c *Cursor) putDup(key, value []byte, flags uint) error {
	if err := c.checkDupValue(value); err != nil {
		return err
	}
	if flags&Append != 0 {
		if err := c.checkAppend(key, flags&AppendDup != 0); err != nil {
			return err
		}
	}

	if c.tree.Root == invalidPgno {
		raw, err := c.dupNode(key, [][]byte{value})
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
	if !exact {
		if err := c.touchPath(); err != nil {
			return err
		}
		raw, err := c.dupNode(key, [][]byte{value})
		if err != nil {
			return err
		}
		if err := c.insert(raw); err != nil {
			return err
		}
		c.tree.Items++
		return nil
	}

	n := c.node()
	switch {
	case n.flags()&nodeTree != 0:
		return NewError(ErrIncompatible)
	case flags&NoOverwrite != 0:
		return NewError(ErrKeyExist)
	case n.flags()&nodeDup != 0:
		return c.addToSubTree(value, flags)
	}

	// A single inline value.
	old := n.payload()
	if uint(c.tree.Flags)&DupFixed != 0 && len(old) != len(value) {
		return NewError(ErrBadValSize)
	}
	r := c.db.dcmp(old, value)
	switch {
	case r == 0 && flags&NoDupData != 0:
		return NewError(ErrKeyExist)
	case r == 0:
		return nil
	case r > 0 && flags&AppendDup != 0:
		return NewError(ErrKeyExist)
	}
	vals := [][]byte{bytes.Clone(old), value}
	if r > 0 {
		vals[0], vals[1] = vals[1], vals[0]
	}

	if err := c.touchPath(); err != nil {
		return err
	}
	raw, err := c.dupNode(key, vals)
	if err != nil {
		return err
	}
	if err := c.replaceAt(raw); err != nil {
		return err
	}
	c.tree.Items++
	return nil
}

// addToSubTree inserts value into the sub-tree of the current node.
func (c *Cursor) addToSubTree(value []byte, flags uint) error {
	c.sub.rec = decodeTree(c.node().payload())
	if uint(c.tree.Flags)&DupFixed != 0 && int(c.sub.rec.DupfixSize) != len(value) {
		return NewError(ErrBadValSize)
	}
	if flags&AppendDup != 0 {
		if err := c.sub.checkAppend(value, false); err != nil {
			return err
		}
	}
	_, exact, err := c.sub.descendTo(value)
	if err != nil {
		return err
	}
	if exact {
		if flags&NoDupData != 0 {
			return NewError(ErrKeyExist)
		}
		return nil
	}

	if err := c.touchPath(); err != nil {
		return err
	}
	if err := c.sub.touchPath(); err != nil {
		return err
	}
	if err := c.sub.insert(makeLeafNode(value, nil, 0)); err != nil {
		return err
	}
	c.sub.rec.Items++
	c.tree.Items++
	c.saveSubRecord()
	return nil
}

// dupNode encodes the main-tree node for key holding vals, which must be
// sorted. A single value that fits stays inline; otherwise the values go
// into a new sub-tree.
func (c *Cursor) dupNode(key []byte, vals [][]byte) ([]byte, error) {
	if len(vals) == 1 && !isBigValue(key, vals[0], c.txn.ps) {
		return makeLeafNode(key, vals[0], 0), nil
	}
	c.sub.rec = tree{Flags: uint16(uint(c.tree.Flags) & dupFlags)}
	if uint(c.tree.Flags)&DupFixed != 0 {
		c.sub.rec.DupfixSize = uint32(len(vals[0]))
	}
	c.sub.top = 0
	if err := c.sub.newRoot(); err != nil {
		return nil, err
	}
	for _, v := range vals {
		c.sub.stack[0].pg.appendNode(makeLeafNode(v, nil, 0))
	}
	c.sub.rec.Items = uint64(len(vals))
	return makeLeafNode(key, c.sub.rec.bytes(), nodeDup), nil
}

// saveSubRecord writes the sub-cursor's record back into the current main
// node, whose page must be writable.
func (c *Cursor) saveSubRecord() {
	c.sub.rec.encode(c.node().payload())
}

// delDup removes the current duplicate, or with AllDups every duplicate of
// the current key. The main path must be touched.
func (c *Cursor) delDup(flags uint) error {
	if !c.subOn {
		c.tree.Items--
		return c.remove()
	}

	if flags&AllDups != 0 {
		rec := c.sub.rec
		if err := c.txn.freeTree(rec.Root); err != nil {
			return err
		}
		c.tree.BranchPages -= rec.BranchPages
		c.tree.LeafPages -= rec.LeafPages
		c.tree.OverflowPages -= rec.OverflowPages
		c.tree.Items -= rec.Items
		c.subOn = false
		return c.remove()
	}

	if err := c.sub.touchPath(); err != nil {
		return err
	}
	if err := c.sub.remove(); err != nil {
		return err
	}
	c.sub.rec.Items--
	c.tree.Items--
	if c.sub.rec.Root == invalidPgno {
		c.subOn = false
		return c.remove()
	}
	c.saveSubRecord()
	return nil
}
