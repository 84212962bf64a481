//go:build rocksdb

package benchmarks

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/tecbot/gorocksdb"
)

// BenchmarkRocksDB runs the read and write workloads of BenchmarkRead and
// BenchmarkWriteOps against RocksDB.
// Run with: go test -tags rocksdb -bench=BenchmarkRocksDB -run=^$ ./benchmarks/
func BenchmarkRocksDB(b *testing.B) {
	b.Cleanup(CleanupBenchCache)

	ro := gorocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	wo := gorocksdb.NewDefaultWriteOptions()
	wo.DisableWAL(true)
	defer wo.Destroy()

	for _, size := range []int{10_000, 100_000, 1_000_000} {
		name := formatSize(size)
		db := getCachedRocksDB(b, size)
		samples := sampleKeys(size, numSamples)

		b.Run(fmt.Sprintf("SeqRead_%s", name), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				it := db.NewIterator(ro)
				count := 0
				for it.SeekToFirst(); it.Valid(); it.Next() {
					count++
				}
				it.Close()
				if count != size {
					b.Fatalf("read %d entries, want %d", count, size)
				}
			}
		})

		b.Run(fmt.Sprintf("RandGet_%s", name), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				v, err := db.Get(ro, samples[i%len(samples)])
				if err != nil {
					b.Fatal(err)
				}
				if !v.Exists() {
					b.Fatal("missing key")
				}
				v.Free()
			}
		})

		b.Run(fmt.Sprintf("RandSeek_%s", name), func(b *testing.B) {
			it := db.NewIterator(ro)
			defer it.Close()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				it.Seek(samples[i%len(samples)])
				if !it.Valid() {
					b.Fatal("seek past the end")
				}
				it.Next()
			}
		})

		order := shuffled(size)
		b.Run(fmt.Sprintf("RandPut_%s", name), func(b *testing.B) {
			key := make([]byte, 8)
			val := make([]byte, 32)
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				binary.BigEndian.PutUint64(key, uint64(keyAt(order, i, size)))
				binary.BigEndian.PutUint64(val, uint64(i))
				if err := db.Put(wo, key, val); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
