package glmdb

// TxnOp is a function that operates on a transaction.
// This is the callback type for View, Update, RunTxn and Txn.Sub.
type TxnOp func(txn *Txn) error

// View executes a read-only transaction.
// The transaction ends when fn returns.
func (e *Env) View(fn TxnOp) error {
	return e.RunTxn(TxnReadOnly, fn)
}

// Update executes a read-write transaction.
// The transaction is committed when fn returns nil,
// or aborted when fn returns an error.
func (e *Env) Update(fn TxnOp) error {
	return e.RunTxn(TxnReadWrite, fn)
}

// RunTxn runs a transaction with the given flags.
// The transaction is committed when fn returns nil,
// or aborted when fn returns an error.
func (e *Env) RunTxn(flags uint, fn TxnOp) error {
	txn, err := e.BeginTxn(nil, flags)
	if err != nil {
		return err
	}
	return txn.RunOp(fn, true)
}

// Bind attaches the cursor to another transaction and database. The cursor
// is left unpositioned.
func (c *Cursor) Bind(txn *Txn, dbi DBI) error {
	if err := txn.usable(); err != nil {
		return err
	}
	d, err := txn.db(dbi)
	if err != nil {
		return err
	}
	c.txn = txn
	c.dbi = dbi
	c.closed = false
	c.afterDelete = false
	c.posKey, c.posVal = c.posKey[:0], c.posVal[:0]
	c.bind(d)
	c.gen = txn.gen
	return nil
}

// Renew attaches the cursor to a new read-only transaction on the same
// database.
func (c *Cursor) Renew(txn *Txn) error {
	if txn == nil || !txn.IsReadOnly() {
		return NewError(ErrIncompatible)
	}
	return c.Bind(txn, c.dbi)
}
