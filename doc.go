// Package glmdb is an embedded transactional key-value store: a single
// memory-mapped data file holding copy-on-write B+ trees.
//
// Key features:
//   - Sorted keys, range scans and cursors
//   - MVCC snapshots: readers never block and never see partial commits
//   - Single writer, any number of readers, across processes
//   - Crash safety through double-buffered, checksummed meta pages
//   - Named databases, sorted duplicates (DupSort) and nested transactions
//
// Basic usage:
//
//	env, err := glmdb.NewEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	env.SetMapSize(1 << 30)
//	if err := env.Open("/path/to/db", 0, 0o644); err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Update(func(txn *glmdb.Txn) error {
//	    dbi, err := txn.OpenDBI("users", glmdb.Create, nil, nil)
//	    if err != nil {
//	        return err
//	    }
//	    return txn.Put(dbi, []byte("key"), []byte("value"), 0)
//	})
//
// Values returned by Get and Cursor.Get point into the map. They stay valid
// until the transaction ends; in a write transaction only until the next
// write.
package glmdb
