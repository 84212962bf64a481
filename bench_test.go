package glmdb

import (
	"encoding/binary"
	"testing"
)

func benchEnv(b *testing.B, n int) *Env {
	env, err := NewEnv()
	if err != nil {
		b.Fatal(err)
	}
	if err := env.SetMapSize(1 << 30); err != nil {
		b.Fatal(err)
	}
	if err := env.Open(b.TempDir(), NoSync, 0o644); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { env.Close() })

	err = env.Update(func(txn *Txn) error {
		k := make([]byte, 8)
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint64(k, uint64(i))
			if err := txn.Put(MainDBI, k, k, Append); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
	return env
}

func BenchmarkGet(b *testing.B) {
	const n = 100_000
	env := benchEnv(b, n)
	txn, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()

	k := make([]byte, 8)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(k, uint64(i*7919%n))
		if _, err := txn.Get(MainDBI, k); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCursorNext(b *testing.B) {
	env := benchEnv(b, 100_000)
	txn, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()
	c, err := txn.OpenCursor(MainDBI)
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := c.Get(nil, nil, Next); err != nil {
			if _, _, err := c.Get(nil, nil, First); err != nil {
				b.Fatal(err)
			}
		}
	}
}

func BenchmarkPut(b *testing.B) {
	env := benchEnv(b, 0)
	txn, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()

	k := make([]byte, 8)
	v := make([]byte, 32)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(k, uint64(i)*0x9E3779B97F4A7C15)
		if err := txn.Put(MainDBI, k, v, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCommit(b *testing.B) {
	env := benchEnv(b, 0)
	k := make([]byte, 8)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := env.Update(func(txn *Txn) error {
			for j := 0; j < 10; j++ {
				binary.BigEndian.PutUint64(k, uint64(i*10+j))
				if err := txn.Put(MainDBI, k, k, 0); err != nil {
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
