//go:build !rocksdb

package benchmarks

func closeRocks() {}
