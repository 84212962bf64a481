package fastmap

import (
	"math/rand"
	"sort"
	"testing"
)

func TestMap(t *testing.T) {
	m := &Map[string]{}

	if _, ok := m.Get(1); ok {
		t.Error("expected miss on empty map")
	}

	m.Set(1, "one")
	m.Set(2, "two")

	if v, ok := m.Get(1); !ok || v != "one" {
		t.Errorf("Get(1) = %q, %v", v, ok)
	}
	if v, ok := m.Get(2); !ok || v != "two" {
		t.Errorf("Get(2) = %q, %v", v, ok)
	}
	if m.Has(3) {
		t.Error("Has(3) should be false")
	}

	m.Set(1, "uno")
	if v, _ := m.Get(1); v != "uno" {
		t.Errorf("update failed: %q", v)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}

	m.Clear()
	if m.Len() != 0 || m.Has(1) {
		t.Error("Clear failed")
	}
}

func TestMapZeroKey(t *testing.T) {
	m := &Map[int]{}
	m.Set(0, 42)
	if v, ok := m.Get(0); !ok || v != 42 {
		t.Errorf("Get(0) = %d, %v", v, ok)
	}
	if !m.Delete(0) {
		t.Error("Delete(0) should report presence")
	}
	if m.Has(0) {
		t.Error("key 0 still present after delete")
	}
}

func TestMapGrowth(t *testing.T) {
	m := &Map[int]{}
	for i := 0; i < 10000; i++ {
		m.Set(uint32(i), i*2)
	}
	if m.Len() != 10000 {
		t.Fatalf("Len = %d, want 10000", m.Len())
	}
	for i := 0; i < 10000; i++ {
		if v, ok := m.Get(uint32(i)); !ok || v != i*2 {
			t.Fatalf("Get(%d) = %d, %v", i, v, ok)
		}
	}
}

func TestMapDeleteKeepsProbeChains(t *testing.T) {
	m := &Map[uint32]{}
	ref := make(map[uint32]uint32)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 20000; i++ {
		k := uint32(rng.Intn(2048))
		if rng.Intn(3) == 0 {
			delete(ref, k)
			m.Delete(k)
			continue
		}
		ref[k] = uint32(i)
		m.Set(k, uint32(i))
	}

	if m.Len() != len(ref) {
		t.Fatalf("Len = %d, want %d", m.Len(), len(ref))
	}
	for k, want := range ref {
		if got, ok := m.Get(k); !ok || got != want {
			t.Fatalf("Get(%d) = %d, %v; want %d", k, got, ok, want)
		}
	}
	for k := uint32(0); k < 2048; k++ {
		if _, inRef := ref[k]; !inRef && m.Has(k) {
			t.Fatalf("deleted key %d still present", k)
		}
	}
}

func TestMapKeysAndForEach(t *testing.T) {
	m := &Map[int]{}
	for _, k := range []uint32{9, 3, 7} {
		m.Set(k, int(k))
	}
	keys := m.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) != 3 || keys[0] != 3 || keys[1] != 7 || keys[2] != 9 {
		t.Errorf("Keys = %v", keys)
	}
	sum := 0
	m.ForEach(func(k uint32, v int) { sum += v })
	if sum != 19 {
		t.Errorf("ForEach sum = %d, want 19", sum)
	}
}

func BenchmarkMapSeqWrite(b *testing.B) {
	b.ReportAllocs()
	m := &Map[int]{}
	for i := 0; i < b.N; i++ {
		m.Set(uint32(i&0xffff), i)
	}
}

func BenchmarkGoMapSeqWrite(b *testing.B) {
	b.ReportAllocs()
	m := make(map[uint32]int)
	for i := 0; i < b.N; i++ {
		m[uint32(i&0xffff)] = i
	}
}

func BenchmarkMapRandRead(b *testing.B) {
	m := &Map[int]{}
	for i := 0; i < 65536; i++ {
		m.Set(uint32(i), i)
	}
	rng := rand.New(rand.NewSource(1))
	keys := make([]uint32, 1024)
	for i := range keys {
		keys[i] = uint32(rng.Intn(65536))
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Get(keys[i&1023])
	}
}
