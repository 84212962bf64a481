//go:build unix

package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func createFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dat")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNew(t *testing.T) {
	data := []byte("hello world test data for mmap")
	f := createFile(t, data)

	m, err := New(int(f.Fd()), int64(len(data)), false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if !bytes.Equal(m.Data(), data) {
		t.Errorf("mmap data mismatch: got %q, want %q", m.Data(), data)
	}
	if m.Size() != int64(len(data)) {
		t.Errorf("size mismatch: got %d, want %d", m.Size(), len(data))
	}
	if m.Writable() {
		t.Error("read-only mapping reports writable")
	}
}

func TestWritesThroughFileAreVisible(t *testing.T) {
	f := createFile(t, make([]byte, 4096))

	// Map more than the file holds; only the written range is touched.
	m, err := New(int(f.Fd()), 1<<20, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	want := []byte("written after mapping")
	if _, err := f.WriteAt(want, 8192); err != nil {
		t.Fatal(err)
	}
	if got := m.Slice(8192, int64(len(want))); !bytes.Equal(got, want) {
		t.Errorf("mapping did not observe file write: got %q", got)
	}
}

func TestSlice(t *testing.T) {
	f := createFile(t, []byte("0123456789"))
	m, err := New(int(f.Fd()), 10, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	tests := []struct {
		off, n int64
		want   string
		ok     bool
	}{
		{0, 3, "012", true},
		{7, 3, "789", true},
		{8, 3, "", false},
		{-1, 2, "", false},
	}
	for _, tt := range tests {
		got := m.Slice(tt.off, tt.n)
		if (got != nil) != tt.ok {
			t.Errorf("Slice(%d, %d) ok = %v, want %v", tt.off, tt.n, got != nil, tt.ok)
			continue
		}
		if tt.ok && string(got) != tt.want {
			t.Errorf("Slice(%d, %d) = %q, want %q", tt.off, tt.n, got, tt.want)
		}
	}
}

func TestSync(t *testing.T) {
	f := createFile(t, make([]byte, 8192))
	m, err := New(int(f.Fd()), 8192, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	copy(m.Data(), "synced")
	if err := m.SyncAsync(0); err != nil {
		t.Fatalf("SyncAsync(0): %v", err)
	}
	if err := m.SyncAsync(8192); err != nil {
		t.Fatalf("SyncAsync: %v", err)
	}
	if err := m.SyncAsync(1 << 20); err != ErrInvalidRange {
		t.Errorf("SyncAsync beyond map: got %v, want ErrInvalidRange", err)
	}
}

func TestClose(t *testing.T) {
	f := createFile(t, []byte("close me"))
	m, err := New(int(f.Fd()), 8, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.Data() != nil {
		t.Error("data should be nil after close")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := m.SyncAsync(0); err != ErrNotMapped {
		t.Errorf("SyncAsync after close: got %v, want ErrNotMapped", err)
	}
}

func TestInvalidSize(t *testing.T) {
	f := createFile(t, []byte("x"))
	if _, err := New(int(f.Fd()), 0, false); err != ErrInvalidSize {
		t.Errorf("got %v, want ErrInvalidSize", err)
	}
	if _, err := New(int(f.Fd()), -1, false); err != ErrInvalidSize {
		t.Errorf("got %v, want ErrInvalidSize", err)
	}
}

func TestAdviseRandom(t *testing.T) {
	f := createFile(t, make([]byte, 4096))
	m, err := New(int(f.Fd()), 4096, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.AdviseRandom(); err != nil {
		t.Errorf("AdviseRandom: %v", err)
	}
}
