package glmdb

import "slices"

// DBI is a database handle (index into environment's database array).
type DBI uint32

// dbiInfo is the environment-wide registration of a handle. Entries are
// never modified in place; changes swap in a copy.
type dbiInfo struct {
	name string
	core bool
	cmp  CmpFunc
	dcmp CmpFunc
}

// OpenDBISimple opens a database with the default comparators.
func (txn *Txn) OpenDBISimple(name string, flags uint) (DBI, error) {
	return txn.OpenDBI(name, flags, nil, nil)
}

// CreateDBI opens a named database, creating it if needed.
func (txn *Txn) CreateDBI(name string) (DBI, error) {
	return txn.OpenDBISimple(name, Create)
}

// OpenDBI opens a database within the transaction. An empty name is the
// main database.
//
// With Create a missing named database is created; its record is written
// when the transaction commits and it stays empty until the first Put.
// Without Create a missing database is ErrNotFound. Non-zero persistent
// flags (DupSort, IntegerKey, ...) must match the stored ones. cmp and dcmp
// replace the key and duplicate comparators; nil keeps the defaults.
func (txn *Txn) OpenDBI(name string, flags uint, cmp, dcmp CmpFunc) (DBI, error) {
	if err := txn.usable(); err != nil {
		return 0, err
	}
	if name == "" {
		return txn.openMain(flags, cmp, dcmp)
	}
	if len(name) > maxKeySize(txn.ps) {
		return 0, NewError(ErrBadValSize)
	}
	if uint(txn.dbs[MainDBI].tree.Flags)&DupSort != 0 {
		return 0, NewError(ErrIncompatible)
	}

	e := txn.env
	e.dbisMu.RLock()
	dbi, known := e.dbiNames[name]
	e.dbisMu.RUnlock()
	if known && int(dbi) < len(txn.dbs) && txn.dbs[dbi] != nil {
		if err := checkFlags(txn.dbs[dbi].tree, flags); err != nil {
			return 0, err
		}
		return dbi, nil
	}

	rec, found, err := txn.findTreeRecord(name)
	if err != nil {
		return 0, err
	}
	if found {
		if err := checkFlags(rec, flags); err != nil {
			return 0, err
		}
	} else {
		if flags&Create == 0 {
			return 0, NewError(ErrNotFound)
		}
		if err := txn.writable(); err != nil {
			return 0, err
		}
		rec = tree{Flags: uint16(flags & persistentFlags)}
	}

	dbi, info, err := e.registerDBI(name, cmp, dcmp)
	if err != nil {
		return 0, err
	}
	d := txn.setDB(dbi, rec, info)
	if !found {
		d.dirty = true
	}
	return dbi, nil
}

// openMain opens the main database. Flags can only be changed while it is
// empty.
func (txn *Txn) openMain(flags uint, cmp, dcmp CmpFunc) (DBI, error) {
	d := txn.dbs[MainDBI]
	want := uint16(flags & persistentFlags)
	if want != 0 && want != d.tree.Flags {
		if d.tree.Root != invalidPgno {
			return 0, NewError(ErrIncompatible)
		}
		if err := txn.writable(); err != nil {
			return 0, err
		}
		d.tree.Flags = want
		d.cmp = keyCmp(uint(want))
		d.dcmp = dupCmp(uint(want))
		d.dirty = true
	}
	if cmp != nil || dcmp != nil {
		info := txn.env.setComparators(MainDBI, cmp, dcmp)
		if info.cmp != nil {
			d.cmp = info.cmp
		}
		if info.dcmp != nil {
			d.dcmp = info.dcmp
		}
	}
	return MainDBI, nil
}

func checkFlags(rec tree, flags uint) error {
	want := uint16(flags & persistentFlags)
	if want != 0 && want != rec.Flags {
		return NewError(ErrIncompatible)
	}
	return nil
}

// registerDBI returns the handle for name, allocating one when the name is
// new to the environment.
func (e *Env) registerDBI(name string, cmp, dcmp CmpFunc) (DBI, *dbiInfo, error) {
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	if dbi, ok := e.dbiNames[name]; ok {
		info := e.dbis[dbi]
		if cmp != nil || dcmp != nil {
			cp := *info
			if cmp != nil {
				cp.cmp = cmp
			}
			if dcmp != nil {
				cp.dcmp = dcmp
			}
			info = &cp
			e.dbis[dbi] = info
		}
		return dbi, info, nil
	}
	if len(e.dbis)-CoreDBs >= e.maxDBs {
		return 0, nil, NewError(ErrDBsFull)
	}
	dbi := DBI(len(e.dbis))
	info := &dbiInfo{name: name, cmp: cmp, dcmp: dcmp}
	e.dbis = append(e.dbis, info)
	e.dbiNames[name] = dbi
	return dbi, info, nil
}

// infoByName returns the handle registered for a named database, or nil.
func (e *Env) infoByName(name string) *dbiInfo {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if dbi, ok := e.dbiNames[name]; ok {
		return e.dbis[dbi]
	}
	return nil
}

// setComparators installs comparators on a registered handle.
func (e *Env) setComparators(dbi DBI, cmp, dcmp CmpFunc) *dbiInfo {
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	cp := *e.dbis[dbi]
	if cmp != nil {
		cp.cmp = cmp
	}
	if dcmp != nil {
		cp.dcmp = dcmp
	}
	e.dbis[dbi] = &cp
	return &cp
}

// SetCompare sets a custom key comparison function for a database.
// Transactions that already use the database keep the old one.
func (e *Env) SetCompare(dbi DBI, cmp CmpFunc) error {
	return e.setCompare(dbi, cmp, nil)
}

// SetDupCompare sets a custom duplicate comparison function for a DupSort
// database.
func (e *Env) SetDupCompare(dbi DBI, cmp CmpFunc) error {
	return e.setCompare(dbi, nil, cmp)
}

func (e *Env) setCompare(dbi DBI, cmp, dcmp CmpFunc) error {
	if dbi == FreeDBI || e.dbiInfo(dbi) == nil {
		return NewError(ErrBadDBI)
	}
	e.setComparators(dbi, cmp, dcmp)
	return nil
}

// findTreeRecord looks up the record of a named database in the main tree.
// A plain data key with that name is ErrIncompatible.
func (txn *Txn) findTreeRecord(name string) (tree, bool, error) {
	c, err := txn.cursor(MainDBI)
	if err != nil {
		return tree{}, false, err
	}
	_, exact, err := c.descendTo([]byte(name))
	if IsNotFound(err) {
		return tree{}, false, nil
	}
	if err != nil || !exact {
		return tree{}, false, err
	}
	n := c.node()
	if n.flags()&nodeTree == 0 {
		return tree{}, false, NewError(ErrIncompatible)
	}
	if n.dsize() != treeRecordSize {
		return tree{}, false, NewError(ErrCorrupted)
	}
	return decodeTree(n.payload()), true, nil
}

// putTreeRecord writes the record of a named database into the main tree.
func (txn *Txn) putTreeRecord(name string, rec tree) error {
	c, err := txn.cursor(MainDBI)
	if err != nil {
		return err
	}
	key := []byte(name)
	raw := makeLeafNode(key, rec.bytes(), nodeTree)

	if c.tree.Root == invalidPgno {
		if err := c.newRoot(); err != nil {
			return txn.poison(err)
		}
		c.stack[0].pg.appendNode(raw)
		c.tree.Items++
		txn.gen++
		return nil
	}

	_, exact, err := c.descendTo(key)
	if err != nil {
		return err
	}
	if exact && c.node().flags()&nodeTree == 0 {
		return NewError(ErrIncompatible)
	}
	if err := c.touchPath(); err != nil {
		return txn.poison(err)
	}
	if exact {
		err = c.replaceAt(raw)
	} else {
		err = c.insert(raw)
		c.tree.Items++
	}
	if err != nil {
		return txn.poison(err)
	}
	txn.gen++
	return nil
}

// delTreeRecord removes the record of a named database from the main tree.
func (txn *Txn) delTreeRecord(name string) error {
	c, err := txn.cursor(MainDBI)
	if err != nil {
		return err
	}
	_, exact, err := c.descendTo([]byte(name))
	if IsNotFound(err) || (err == nil && !exact) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.node().flags()&nodeTree == 0 {
		return NewError(ErrIncompatible)
	}
	if err := c.touchPath(); err != nil {
		return txn.poison(err)
	}
	c.tree.Items--
	if err := c.remove(); err != nil {
		return txn.poison(err)
	}
	txn.gen++
	return nil
}

// ListDBI returns the names of the named databases, sorted.
func (txn *Txn) ListDBI() ([]string, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	c, err := txn.cursor(MainDBI)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var names []string
	_, _, err = c.Get(nil, nil, First)
	for err == nil {
		if c.node().flags()&nodeTree != 0 {
			names = append(names, string(c.node().key()))
		}
		_, _, err = c.Get(nil, nil, NextNoDup)
	}
	if !IsNotFound(err) {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

// Drop frees every page of a named database. With del the database is
// deleted and its handle reports ErrBadDBI until it is created again;
// otherwise it is left empty.
func (txn *Txn) Drop(dbi DBI, del bool) error {
	if err := txn.writable(); err != nil {
		return err
	}
	if dbi < CoreDBs {
		return NewError(ErrInvalid)
	}
	d, err := txn.db(dbi)
	if err != nil {
		return err
	}
	if err := txn.freeTree(d.tree.Root); err != nil {
		return txn.poison(err)
	}
	txn.gen++

	if del {
		info := txn.env.dbiInfo(dbi)
		txn.dbs[dbi] = nil
		return txn.delTreeRecord(info.name)
	}
	d.tree = d.tree.empty()
	d.tree.ModTxnid = txn.id
	d.dirty = true
	return nil
}

// DBIFlags returns the persistent flags of a database.
func (txn *Txn) DBIFlags(dbi DBI) (uint, error) {
	if err := txn.usable(); err != nil {
		return 0, err
	}
	d, err := txn.db(dbi)
	if err != nil {
		return 0, err
	}
	return uint(d.tree.Flags), nil
}

// Sequence returns the sequence number of a database and adds increment to
// it. An increment needs a write transaction.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	if err := txn.usable(); err != nil {
		return 0, err
	}
	if increment > 0 {
		if err := txn.writable(); err != nil {
			return 0, err
		}
	}
	d, err := txn.db(dbi)
	if err != nil {
		return 0, err
	}
	cur := d.tree.Sequence
	if increment > 0 {
		d.tree.Sequence += increment
		d.dirty = true
	}
	return cur, nil
}
