package benchmarks

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"

	"github.com/jakobkordez/glmdb"
)

// BenchmarkDupSort compares cursor walks over DupSort tables.
func BenchmarkDupSort(b *testing.B) {
	b.Cleanup(CleanupBenchCache)

	configs := []struct {
		keys, valsPerKey int
	}{
		{10_000, 10},
		{1_000, 100},
		{100_000, 10},
	}
	for _, cfg := range configs {
		name := fmt.Sprintf("%sx%d", formatSize(cfg.keys), cfg.valsPerKey)
		genv, menv, samples := getCachedDupSortDB(b, cfg.keys, cfg.valsPerKey)

		b.Run(fmt.Sprintf("NextNoDup_%s/glmdb", name), func(b *testing.B) {
			benchNextNoDupGlmdb(b, genv, cfg.keys)
		})
		b.Run(fmt.Sprintf("NextNoDup_%s/mdbx", name), func(b *testing.B) {
			benchNextNoDupMdbx(b, menv, cfg.keys)
		})
		b.Run(fmt.Sprintf("SetCount_%s/glmdb", name), func(b *testing.B) {
			benchSetCountGlmdb(b, genv, samples, cfg.valsPerKey)
		})
		b.Run(fmt.Sprintf("SetCount_%s/mdbx", name), func(b *testing.B) {
			benchSetCountMdbx(b, menv, samples, cfg.valsPerKey)
		})
		b.Run(fmt.Sprintf("GetBoth_%s/glmdb", name), func(b *testing.B) {
			benchGetBothGlmdb(b, genv, samples, cfg.valsPerKey)
		})
		b.Run(fmt.Sprintf("GetBoth_%s/mdbx", name), func(b *testing.B) {
			benchGetBothMdbx(b, menv, samples, cfg.valsPerKey)
		})
	}
}

// dupValue builds value j of the key k as populate writes it.
func dupValue(k []byte, j int) []byte {
	v := make([]byte, 32)
	copy(v, k)
	binary.BigEndian.PutUint64(v[8:], uint64(j))
	return v
}

func glmdbDupCursor(b *testing.B, env *glmdb.Env) (*glmdb.Txn, *glmdb.Cursor) {
	txn, err := env.BeginTxn(nil, glmdb.TxnReadOnly)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBISimple(dupTable, 0)
	if err != nil {
		b.Fatal(err)
	}
	cursor, err := txn.OpenCursor(dbi)
	if err != nil {
		b.Fatal(err)
	}
	return txn, cursor
}

func mdbxDupCursor(b *testing.B, env *mdbxgo.Env) (*mdbxgo.Txn, *mdbxgo.Cursor) {
	txn, err := env.BeginTxn(nil, mdbxgo.Readonly)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBI(dupTable, 0, nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	cursor, err := txn.OpenCursor(dbi)
	if err != nil {
		b.Fatal(err)
	}
	return txn, cursor
}

func benchNextNoDupGlmdb(b *testing.B, env *glmdb.Env, expected int) {
	txn, cursor := glmdbDupCursor(b, env)
	defer txn.Abort()
	defer cursor.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		count := 0
		_, _, err := cursor.Get(nil, nil, glmdb.First)
		for err == nil {
			count++
			_, _, err = cursor.Get(nil, nil, glmdb.NextNoDup)
		}
		if count != expected {
			b.Fatalf("visited %d keys, want %d", count, expected)
		}
	}
}

func benchNextNoDupMdbx(b *testing.B, env *mdbxgo.Env, expected int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, cursor := mdbxDupCursor(b, env)
	defer txn.Abort()
	defer cursor.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		count := 0
		_, _, err := cursor.Get(nil, nil, mdbxgo.First)
		for err == nil {
			count++
			_, _, err = cursor.Get(nil, nil, mdbxgo.NextNoDup)
		}
		if count != expected {
			b.Fatalf("visited %d keys, want %d", count, expected)
		}
	}
}

func benchSetCountGlmdb(b *testing.B, env *glmdb.Env, samples [][]byte, want int) {
	txn, cursor := glmdbDupCursor(b, env)
	defer txn.Abort()
	defer cursor.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := cursor.Get(samples[i%len(samples)], nil, glmdb.Set); err != nil {
			b.Fatal(err)
		}
		if n, err := cursor.Count(); err != nil || n != uint64(want) {
			b.Fatalf("Count = %d, %v", n, err)
		}
	}
}

func benchSetCountMdbx(b *testing.B, env *mdbxgo.Env, samples [][]byte, want int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, cursor := mdbxDupCursor(b, env)
	defer txn.Abort()
	defer cursor.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := cursor.Get(samples[i%len(samples)], nil, mdbxgo.Set); err != nil {
			b.Fatal(err)
		}
		if n, err := cursor.Count(); err != nil || n != uint64(want) {
			b.Fatalf("Count = %d, %v", n, err)
		}
	}
}

func benchGetBothGlmdb(b *testing.B, env *glmdb.Env, samples [][]byte, valsPerKey int) {
	txn, cursor := glmdbDupCursor(b, env)
	defer txn.Abort()
	defer cursor.Close()
	vals := make([][]byte, len(samples))
	for i, k := range samples {
		vals[i] = dupValue(k, i%valsPerKey)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % len(samples)
		if _, _, err := cursor.Get(samples[j], vals[j], glmdb.GetBoth); err != nil {
			b.Fatal(err)
		}
	}
}

func benchGetBothMdbx(b *testing.B, env *mdbxgo.Env, samples [][]byte, valsPerKey int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, cursor := mdbxDupCursor(b, env)
	defer txn.Abort()
	defer cursor.Close()
	vals := make([][]byte, len(samples))
	for i, k := range samples {
		vals[i] = dupValue(k, i%valsPerKey)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % len(samples)
		if _, _, err := cursor.Get(samples[j], vals[j], mdbxgo.GetBoth); err != nil {
			b.Fatal(err)
		}
	}
}
