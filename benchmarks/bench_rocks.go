//go:build rocksdb

package benchmarks

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tecbot/gorocksdb"
)

var (
	rocksMu  sync.Mutex
	rocksDBs = make(map[string]*gorocksdb.DB)
)

// getCachedRocksDB returns a RocksDB holding size keys.
func getCachedRocksDB(b *testing.B, size int) *gorocksdb.DB {
	rocksMu.Lock()
	defer rocksMu.Unlock()

	name := fmt.Sprintf("plain_%d", size)
	if db, ok := rocksDBs[name]; ok {
		return db
	}
	if err := os.MkdirAll(benchCacheDir, 0o755); err != nil {
		b.Fatal(err)
	}

	path := filepath.Join(benchCacheDir, name+"_rocks.db")
	exists := fileExists(path)

	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetWriteBufferSize(64 * 1024 * 1024)
	opts.SetMaxWriteBufferNumber(3)
	opts.SetTargetFileSizeBase(64 * 1024 * 1024)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		b.Fatal(err)
	}
	if !exists {
		b.Logf("Creating cached RocksDB with %d keys...", size)
		populateRocks(b, db, size)
	}
	rocksDBs[name] = db
	return db
}

func populateRocks(b *testing.B, db *gorocksdb.DB, numKeys int) {
	wo := gorocksdb.NewDefaultWriteOptions()
	defer wo.Destroy()
	batch := gorocksdb.NewWriteBatch()
	defer batch.Destroy()

	key := make([]byte, 8)
	val := make([]byte, 32)
	for i := 0; i < numKeys; i++ {
		plainKV(key, val, i)
		batch.Put(key, val)
		if (i+1)%batchSize == 0 {
			if err := db.Write(wo, batch); err != nil {
				b.Fatal(err)
			}
			batch.Clear()
		}
	}
	if batch.Count() > 0 {
		if err := db.Write(wo, batch); err != nil {
			b.Fatal(err)
		}
	}
}

func closeRocks() {
	rocksMu.Lock()
	defer rocksMu.Unlock()
	for _, db := range rocksDBs {
		db.Close()
	}
	rocksDBs = make(map[string]*gorocksdb.DB)
}
