// Package benchmarks compares glmdb with libmdbx (through mdbx-go) and bbolt.
// RocksDB joins with the rocksdb build tag.
package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	bolt "go.etcd.io/bbolt"

	"github.com/jakobkordez/glmdb"
)

// Cached benchmark database directory
const benchCacheDir = "testdata/benchdb"

const (
	plainTable = "bench"
	dupTable   = "dupbench"
	batchSize  = 100_000
	numSamples = 1000
)

var (
	cacheMu     sync.Mutex
	glmdbEnvs   = make(map[string]*glmdb.Env)
	mdbxEnvs    = make(map[string]*mdbxgo.Env)
	boltDBs     = make(map[string]*bolt.DB)
	sampleCache = make(map[string][][]byte)
)

// plainKV fills key and val for entry i of a plain table.
func plainKV(key, val []byte, i int) {
	binary.BigEndian.PutUint64(key, uint64(i))
	binary.BigEndian.PutUint64(val, uint64(i))
}

// sampleKeys spreads n keys evenly over a table of size keys.
func sampleKeys(size, n int) [][]byte {
	if n > size {
		n = size
	}
	samples := make([][]byte, n)
	for i := range samples {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i*size/n))
		samples[i] = k
	}
	return samples
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func openGlmdb(b *testing.B, path string) *glmdb.Env {
	env, err := glmdb.NewEnv()
	if err != nil {
		b.Fatal(err)
	}
	env.SetMaxDBs(10)
	if err := env.SetMapSize(1 << 32); err != nil {
		b.Fatal(err)
	}
	if err := env.Open(path, glmdb.NoSubdir|glmdb.NoSync, 0o644); err != nil {
		b.Fatal(err)
	}
	return env
}

func openMdbx(b *testing.B, path string) *mdbxgo.Env {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetOption(mdbxgo.OptMaxDB, 10)
	env.SetGeometry(-1, -1, 1<<32, -1, -1, 4096)
	if err := env.Open(path, mdbxgo.NoSubdir|mdbxgo.NoMetaSync, 0o644); err != nil {
		b.Fatal(err)
	}
	return env
}

// getCachedPlainDB returns glmdb and libmdbx stores holding size keys in
// the "bench" table. They live in testdata/benchdb and are reused by later
// runs.
func getCachedPlainDB(b *testing.B, size int) (*glmdb.Env, *mdbxgo.Env, [][]byte) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("plain_%d", size)
	if genv, ok := glmdbEnvs[name]; ok {
		return genv, mdbxEnvs[name], sampleCache[name]
	}
	if err := os.MkdirAll(benchCacheDir, 0o755); err != nil {
		b.Fatal(err)
	}

	gpath := filepath.Join(benchCacheDir, name+"_glmdb.db")
	mpath := filepath.Join(benchCacheDir, name+"_mdbx.db")
	gexists, mexists := fileExists(gpath), fileExists(mpath)

	genv := openGlmdb(b, gpath)
	menv := openMdbx(b, mpath)
	if !gexists {
		b.Logf("Creating cached glmdb plain DB with %d keys...", size)
		populateGlmdb(b, genv, plainTable, 0, size, 1)
	}
	if !mexists {
		b.Logf("Creating cached mdbx plain DB with %d keys...", size)
		populateMdbx(b, menv, plainTable, 0, size, 1)
	}

	glmdbEnvs[name] = genv
	mdbxEnvs[name] = menv
	sampleCache[name] = sampleKeys(size, numSamples)
	return genv, menv, sampleCache[name]
}

// getCachedDupSortDB is getCachedPlainDB for a DupSort table with valsPerKey
// values under each key.
func getCachedDupSortDB(b *testing.B, numKeys, valsPerKey int) (*glmdb.Env, *mdbxgo.Env, [][]byte) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("dupsort_%d_%d", numKeys, valsPerKey)
	if genv, ok := glmdbEnvs[name]; ok {
		return genv, mdbxEnvs[name], sampleCache[name]
	}
	if err := os.MkdirAll(benchCacheDir, 0o755); err != nil {
		b.Fatal(err)
	}

	gpath := filepath.Join(benchCacheDir, name+"_glmdb.db")
	mpath := filepath.Join(benchCacheDir, name+"_mdbx.db")
	gexists, mexists := fileExists(gpath), fileExists(mpath)

	genv := openGlmdb(b, gpath)
	menv := openMdbx(b, mpath)
	if !gexists {
		b.Logf("Creating cached glmdb dupsort DB with %d keys...", numKeys*valsPerKey)
		populateGlmdb(b, genv, dupTable, glmdb.DupSort, numKeys, valsPerKey)
	}
	if !mexists {
		b.Logf("Creating cached mdbx dupsort DB with %d keys...", numKeys*valsPerKey)
		populateMdbx(b, menv, dupTable, mdbxgo.DupSort, numKeys, valsPerKey)
	}

	glmdbEnvs[name] = genv
	mdbxEnvs[name] = menv
	sampleCache[name] = sampleKeys(numKeys, numSamples)
	return genv, menv, sampleCache[name]
}

// populateGlmdb writes numKeys keys with valsPerKey values each, committing
// every batchSize puts.
func populateGlmdb(b *testing.B, env *glmdb.Env, table string, flags uint, numKeys, valsPerKey int) {
	txn, err := env.BeginTxn(nil, glmdb.TxnReadWrite)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBISimple(table, glmdb.Create|flags)
	if err != nil {
		b.Fatal(err)
	}

	key := make([]byte, 8)
	val := make([]byte, 32)
	n := 0
	for i := 0; i < numKeys; i++ {
		for j := 0; j < valsPerKey; j++ {
			plainKV(key, val, i)
			binary.BigEndian.PutUint64(val[8:], uint64(j))
			if err := txn.Put(dbi, key, val, glmdb.Upsert); err != nil {
				b.Fatal(err)
			}
			if n++; n%batchSize == 0 {
				if _, err := txn.Commit(); err != nil {
					b.Fatal(err)
				}
				if txn, err = env.BeginTxn(nil, glmdb.TxnReadWrite); err != nil {
					b.Fatal(err)
				}
			}
		}
	}
	if _, err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
}

func populateMdbx(b *testing.B, env *mdbxgo.Env, table string, flags uint, numKeys, valsPerKey int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBI(table, mdbxgo.Create|flags, nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	key := make([]byte, 8)
	val := make([]byte, 32)
	n := 0
	for i := 0; i < numKeys; i++ {
		for j := 0; j < valsPerKey; j++ {
			plainKV(key, val, i)
			binary.BigEndian.PutUint64(val[8:], uint64(j))
			if err := txn.Put(dbi, key, val, mdbxgo.Upsert); err != nil {
				b.Fatal(err)
			}
			if n++; n%batchSize == 0 {
				if _, err := txn.Commit(); err != nil {
					b.Fatal(err)
				}
				if txn, err = env.BeginTxn(nil, 0); err != nil {
					b.Fatal(err)
				}
			}
		}
	}
	if _, err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
}

// getCachedBoltDB returns a bbolt file holding size keys in the "bench"
// bucket.
func getCachedBoltDB(b *testing.B, size int) *bolt.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("plain_%d", size)
	if db, ok := boltDBs[name]; ok {
		return db
	}
	if err := os.MkdirAll(benchCacheDir, 0o755); err != nil {
		b.Fatal(err)
	}

	path := filepath.Join(benchCacheDir, name+"_bolt.db")
	exists := fileExists(path)
	db, err := bolt.Open(path, 0o644, &bolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		b.Fatal(err)
	}
	if !exists {
		b.Logf("Creating cached BoltDB with %d keys...", size)
		populateBolt(b, db, size)
	}
	boltDBs[name] = db
	return db
}

func populateBolt(b *testing.B, db *bolt.DB, numKeys int) {
	key := make([]byte, 8)
	val := make([]byte, 32)
	for start := 0; start < numKeys; start += batchSize {
		end := min(start+batchSize, numKeys)
		err := db.Update(func(tx *bolt.Tx) error {
			bucket, err := tx.CreateBucketIfNotExists([]byte(plainTable))
			if err != nil {
				return err
			}
			for i := start; i < end; i++ {
				plainKV(key, val, i)
				if err := bucket.Put(key, val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// CleanupBenchCache closes all cached environments.
func CleanupBenchCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	for _, env := range glmdbEnvs {
		env.Close()
	}
	for _, env := range mdbxEnvs {
		env.Close()
	}
	for _, db := range boltDBs {
		db.Close()
	}
	glmdbEnvs = make(map[string]*glmdb.Env)
	mdbxEnvs = make(map[string]*mdbxgo.Env)
	boltDBs = make(map[string]*bolt.DB)
	sampleCache = make(map[string][][]byte)
	closeRocks()
}

// DeleteBenchCache removes all cached database files.
func DeleteBenchCache() error {
	return os.RemoveAll(benchCacheDir)
}

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
