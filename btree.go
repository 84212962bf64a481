package glmdb

import (
	"bytes"
	"slices"
)

// push reads page pg as the next level of the cursor stack.
func (c *Cursor) push(pg pgno) (page, error) {
	if c.top >= CursorStackSize {
		return nil, NewError(ErrCursorFull)
	}
	p, err := c.txn.page(pg)
	if err != nil {
		return nil, err
	}
	switch {
	case p.isLeaf():
	case p.isBranch() && p.numKeys() > 0:
	default:
		return nil, NewError(ErrCorrupted)
	}
	c.stack[c.top] = cursorLevel{pg: p}
	c.top++
	return p, nil
}

// descendTo walks from the root to the leaf that holds key. It returns the
// slot of the first key >= key (possibly one past the last slot) and
// whether that key matches exactly. An empty tree is ErrNotFound.
func (c *Cursor) descendTo(key []byte) (int, bool, error) {
	c.top = 0
	if c.tree.Root == invalidPgno {
		return 0, false, NewError(ErrNotFound)
	}
	pg := c.tree.Root
	for {
		p, err := c.push(pg)
		if err != nil {
			return 0, false, err
		}
		l := &c.stack[c.top-1]
		if p.isLeaf() {
			idx, exact := p.searchLeaf(key, c.cmp)
			l.idx = idx
			return idx, exact, nil
		}
		l.idx = p.searchBranch(key, c.cmp)
		pg = p.child(l.idx)
	}
}

// edge positions the cursor on the first or last slot of the tree.
func (c *Cursor) edge(last bool) error {
	c.top = 0
	c.state = cursorUnset
	if c.tree.Root == invalidPgno {
		return NewError(ErrNotFound)
	}
	pg := c.tree.Root
	for {
		p, err := c.push(pg)
		if err != nil {
			return err
		}
		l := &c.stack[c.top-1]
		if last {
			l.idx = p.numKeys() - 1
		}
		if p.isLeaf() {
			if p.numKeys() == 0 {
				c.top = 0
				return NewError(ErrNotFound)
			}
			c.state = cursorPointing
			return nil
		}
		pg = p.child(l.idx)
	}
}

// stepNext advances one slot, crossing into the next leaf when needed.
func (c *Cursor) stepNext() (bool, error) {
	l := &c.stack[c.top-1]
	if l.idx+1 < l.pg.numKeys() {
		l.idx++
		return true, nil
	}
	return c.nextLeaf()
}

// stepPrev moves back one slot, crossing into the previous leaf when needed.
func (c *Cursor) stepPrev() (bool, error) {
	l := &c.stack[c.top-1]
	if l.idx > 0 {
		l.idx--
		return true, nil
	}
	return c.prevLeaf()
}

// nextLeaf moves to the first slot of the following leaf. The stack is left
// unchanged when there is none.
func (c *Cursor) nextLeaf() (bool, error) {
	lvl := c.top - 2
	for lvl >= 0 && c.stack[lvl].idx+1 >= c.stack[lvl].pg.numKeys() {
		lvl--
	}
	if lvl < 0 {
		return false, nil
	}
	c.stack[lvl].idx++
	return true, c.redescend(lvl, false)
}

// prevLeaf moves to the last slot of the preceding leaf.
func (c *Cursor) prevLeaf() (bool, error) {
	lvl := c.top - 2
	for lvl >= 0 && c.stack[lvl].idx == 0 {
		lvl--
	}
	if lvl < 0 {
		return false, nil
	}
	c.stack[lvl].idx--
	return true, c.redescend(lvl, true)
}

// redescend rebuilds the stack below lvl along its leftmost or rightmost
// edge.
func (c *Cursor) redescend(lvl int, last bool) error {
	depth := c.top
	c.top = lvl + 1
	for c.top < depth {
		parent := &c.stack[c.top-1]
		p, err := c.push(parent.pg.child(parent.idx))
		if err != nil {
			return err
		}
		if last {
			c.stack[c.top-1].idx = p.numKeys() - 1
		}
	}
	if !c.stack[c.top-1].pg.isLeaf() {
		return NewError(ErrCorrupted)
	}
	return nil
}

// countPages adjusts the page counters of the tree and, for a sub-cursor,
// of the tree that owns it.
func (c *Cursor) countPages(f pageFlags, delta int) {
	for x := c; x != nil; x = x.parent {
		t := x.tree
		switch {
		case f&pageBranch != 0:
			t.BranchPages += uint32(delta)
		case f&pageLeaf != 0:
			t.LeafPages += uint32(delta)
		case f&pageOverflow != 0:
			t.OverflowPages += uint32(delta)
		}
	}
}

// modified stamps the tree and marks its record for write-back.
func (c *Cursor) modified() {
	c.tree.ModTxnid = c.txn.id
	root := c
	for root.parent != nil {
		root = root.parent
	}
	root.db.dirty = true
}

// touchPath makes every page on the stack writable, top down, relinking each
// parent to the copy of its child.
func (c *Cursor) touchPath() error {
	for lvl := 0; lvl < c.top; lvl++ {
		old := c.stack[lvl].pg
		np, err := c.txn.touch(old)
		if err != nil {
			return err
		}
		if np.pgno() != old.pgno() {
			if lvl == 0 {
				c.tree.Root = np.pgno()
			} else {
				up := &c.stack[lvl-1]
				up.pg.setChild(up.idx, np.pgno())
			}
		}
		c.stack[lvl].pg = np
	}
	c.modified()
	return nil
}

// newRoot starts an empty tree with a single leaf.
func (c *Cursor) newRoot() error {
	p, err := c.txn.newPage(1, pageLeaf)
	if err != nil {
		return err
	}
	c.tree.Root = p.pgno()
	c.tree.Depth = 1
	c.countPages(pageLeaf, 1)
	c.stack[0] = cursorLevel{pg: p}
	c.top = 1
	c.modified()
	return nil
}

// insert places an encoded node at the leaf slot on top of the stack. A
// full page splits; the separator travels up as the next pending insert
// until a page has room or a new root is made. The stack is stale after a
// split and the caller reseeks.
func (c *Cursor) insert(raw []byte) error {
	lvl := c.top - 1
	idx := c.stack[lvl].idx
	for {
		p := c.stack[lvl].pg
		if p.fits(len(raw)) {
			p.insertNode(idx, raw)
			return nil
		}
		sep, right, err := c.split(lvl, idx, raw)
		if err != nil {
			return err
		}
		if lvl == 0 {
			root, err := c.txn.newPage(1, pageBranch)
			if err != nil {
				return err
			}
			root.appendNode(makeBranchNode(nil, p.pgno()))
			root.appendNode(makeBranchNode(sep, right))
			c.tree.Root = root.pgno()
			c.tree.Depth++
			c.countPages(pageBranch, 1)
			return nil
		}
		raw = makeBranchNode(sep, right)
		lvl--
		idx = c.stack[lvl].idx + 1
	}
}

// split divides the page at lvl, with raw inserted at idx, between the page
// itself and a new right sibling. It returns the separator key and the
// right page number.
func (c *Cursor) split(lvl, idx int, raw []byte) ([]byte, pgno, error) {
	p := c.stack[lvl].pg
	nodes := p.nodesFrom(0, p.numKeys())
	nodes = slices.Insert(nodes, idx, raw)
	s := splitPoint(nodes, idx, len(p)-PageHeaderSize)

	kind := p.flags() & (pageBranch | pageLeaf)
	right, err := c.txn.newPage(1, kind)
	if err != nil {
		return nil, 0, err
	}
	rightNodes := nodes[s:]
	sep := bytes.Clone(rawKey(rightNodes[0]))
	if kind == pageBranch {
		rightNodes[0] = withKey(rightNodes[0], nil)
	}
	p.fill(nodes[:s])
	right.fill(rightNodes)
	c.countPages(kind, 1)
	return sep, right.pgno(), nil
}

// splitPoint picks the first node of the right half. An insert at the right
// edge leaves the new node alone on the right page so sequential loads fill
// pages completely; otherwise the split balances bytes.
func splitPoint(nodes [][]byte, idx, capacity int) int {
	n := len(nodes)
	sizes := make([]int, n+1)
	for i, raw := range nodes {
		sizes[i+1] = sizes[i] + len(raw) + 2
	}
	total := sizes[n]
	fits := func(s int) bool {
		return sizes[s] <= capacity && total-sizes[s] <= capacity
	}
	if idx == n-1 && n > 1 && fits(n-1) {
		return n - 1
	}
	best, bestDiff := -1, 0
	for s := 1; s < n; s++ {
		if !fits(s) {
			continue
		}
		diff := sizes[s] - (total - sizes[s])
		if diff < 0 {
			diff = -diff
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = s, diff
		}
	}
	if best < 0 {
		best = n / 2
	}
	return best
}

// remove deletes the node under the cursor (freeing its overflow run) and
// rebalances. The path must be touched. The stack is stale afterwards.
func (c *Cursor) remove() error {
	lvl := c.top - 1
	p := c.stack[lvl].pg
	idx := c.stack[lvl].idx
	if n := p.node(idx); n.flags()&nodeBig != 0 {
		if err := c.freeOverflow(n); err != nil {
			return err
		}
	}
	p.removeNode(idx)
	return c.rebalance(lvl)
}

// rebalance restores the fill rules from lvl upward: empty pages leave the
// tree, underfull pages merge with a sibling when both fit in one page, and
// a root branch with a single child collapses.
func (c *Cursor) rebalance(lvl int) error {
	for {
		p := c.stack[lvl].pg
		if lvl == 0 {
			return c.shrinkRoot(p)
		}

		parent := &c.stack[lvl-1]
		if p.numKeys() == 0 {
			c.txn.freePage(p.pgno(), 1)
			c.countPages(p.flags(), -1)
			parent.pg.removeNode(parent.idx)
			if parent.idx == 0 && parent.pg.numKeys() > 0 {
				parent.pg.replaceNode(0, withKey(parent.pg.rawNode(0), nil))
			}
			lvl--
			continue
		}

		underfull := p.used()*4 < len(p)-PageHeaderSize || (p.isBranch() && p.numKeys() == 1)
		if !underfull {
			return nil
		}
		merged, err := c.merge(lvl)
		if err != nil || !merged {
			return err
		}
		lvl--
	}
}

// shrinkRoot empties the tree when the root has no keys and drops branch
// roots with a single child.
func (c *Cursor) shrinkRoot(p page) error {
	if p.numKeys() == 0 {
		c.txn.freePage(p.pgno(), 1)
		c.countPages(p.flags(), -1)
		c.tree.Root = invalidPgno
		c.tree.Depth = 0
		c.top = 0
		return nil
	}
	for p.isBranch() && p.numKeys() == 1 {
		child := p.child(0)
		c.txn.freePage(p.pgno(), 1)
		c.countPages(pageBranch, -1)
		c.tree.Root = child
		c.tree.Depth--
		next, err := c.txn.page(child)
		if err != nil {
			return err
		}
		p = next
	}
	return nil
}

// merge folds the page at lvl and a sibling into the left one of the pair.
// It reports false when the pair does not fit in one page.
func (c *Cursor) merge(lvl int) (bool, error) {
	parent := c.stack[lvl-1].pg
	pi := c.stack[lvl-1].idx
	if parent.numKeys() < 2 {
		return false, nil
	}
	li, ri := pi, pi+1
	if ri >= parent.numKeys() {
		li, ri = pi-1, pi
	}

	left, err := c.txn.page(parent.child(li))
	if err != nil {
		return false, err
	}
	right, err := c.txn.page(parent.child(ri))
	if err != nil {
		return false, err
	}
	if left.flags() != right.flags() {
		return false, NewError(ErrCorrupted)
	}

	moved := right.nodesFrom(0, right.numKeys())
	if right.isBranch() && len(moved) > 0 {
		moved[0] = withKey(moved[0], parent.key(ri))
	}
	if left.used()+nodesSize(moved) > len(left)-PageHeaderSize {
		return false, nil
	}

	if li == pi {
		left = c.stack[lvl].pg
	} else {
		nl, err := c.txn.touch(left)
		if err != nil {
			return false, err
		}
		if nl.pgno() != left.pgno() {
			parent.setChild(li, nl.pgno())
		}
		left = nl
	}
	for _, raw := range moved {
		left.appendNode(raw)
	}
	c.txn.freePage(right.pgno(), 1)
	c.countPages(right.flags(), -1)
	parent.removeNode(ri)
	return true, nil
}

// freeTree releases every page of the tree rooted at root: branches,
// leaves, overflow runs and duplicate sub-trees.
func (txn *Txn) freeTree(root pgno) error {
	if root == invalidPgno {
		return nil
	}
	p, err := txn.page(root)
	if err != nil {
		return err
	}
	switch {
	case p.isBranch():
		for i := 0; i < p.numKeys(); i++ {
			if err := txn.freeTree(p.child(i)); err != nil {
				return err
			}
		}
	case p.isLeaf():
		for i := 0; i < p.numKeys(); i++ {
			n := p.node(i)
			switch {
			case n.flags()&nodeBig != 0:
				ov, err := txn.page(n.overflowPgno())
				if err != nil {
					return err
				}
				txn.freePage(n.overflowPgno(), ov.overflowPages())
			case n.flags()&nodeDup != 0:
				sub := decodeTree(n.payload())
				if err := txn.freeTree(sub.Root); err != nil {
					return err
				}
			}
		}
	default:
		return NewError(ErrCorrupted)
	}
	txn.freePage(root, 1)
	return nil
}
