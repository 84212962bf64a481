package main

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jakobkordez/glmdb"
)

// ImportBoltCmd copies the top-level buckets of a bbolt file into named
// databases.
type ImportBoltCmd struct {
	Bolt    string `arg:"" help:"bbolt file to read" type:"existingfile"`
	Path    string `arg:"" help:"Environment path" type:"path"`
	MapSize int64  `name:"map-size" help:"Map size for the target environment" default:"1073741824"`
}

func (c *ImportBoltCmd) Run(g *Globals) error {
	src, err := bolt.Open(c.Bolt, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open %s: %w", c.Bolt, err)
	}
	defer src.Close()

	env, err := g.openEnv(c.Path, 0, func(env *glmdb.Env) error {
		return env.SetMapSize(c.MapSize)
	})
	if err != nil {
		return err
	}
	defer env.Close()

	return src.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			n, err := importBucket(g, env, string(name), b)
			if err != nil {
				return fmt.Errorf("bucket %q: %w", name, err)
			}
			g.log.Info("imported bucket", "bucket", string(name), "entries", n)
			return nil
		})
	})
}

// importBucket writes one bucket in a single transaction.
func importBucket(g *Globals, env *glmdb.Env, name string, b *bolt.Bucket) (int, error) {
	n := 0
	err := env.Update(func(txn *glmdb.Txn) error {
		dbi, err := txn.CreateDBI(name)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if v == nil {
				g.log.Warn("skipping nested bucket", "bucket", name, "key", string(k))
				return nil
			}
			if err := txn.Put(dbi, k, v, 0); err != nil {
				return fmt.Errorf("key %x: %w", k, err)
			}
			n++
			return nil
		})
	})
	return n, err
}
