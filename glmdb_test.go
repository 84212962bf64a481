package glmdb

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
)

// openTestEnv opens an environment in dir and closes it when the test ends.
func openTestEnv(t testing.TB, dir string, flags uint, setup ...func(*Env)) *Env {
	t.Helper()
	env, err := NewEnv()
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	if err := env.SetMaxDBs(8); err != nil {
		t.Fatalf("SetMaxDBs failed: %v", err)
	}
	for _, fn := range setup {
		fn(env)
	}
	if err := env.Open(dir, flags, 0o644); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func newTestEnv(t testing.TB, setup ...func(*Env)) *Env {
	t.Helper()
	return openTestEnv(t, t.TempDir(), NoSync, setup...)
}

func mapSize(size int64) func(*Env) {
	return func(e *Env) { e.SetMapSize(size) }
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key%06d", i))
}

func val(i int) []byte {
	return []byte(fmt.Sprintf("value%06d", i))
}

// seq returns 0..n-1.
func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// mustUpdate runs fn in a write transaction and fails the test on error.
func mustUpdate(t testing.TB, env *Env, fn TxnOp) {
	t.Helper()
	if err := env.Update(fn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func mustView(t testing.TB, env *Env, fn TxnOp) {
	t.Helper()
	if err := env.View(fn); err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

// putAll stores key(i)/val(i) for every i in keys.
func putAll(t testing.TB, env *Env, dbi DBI, keys ...int) {
	t.Helper()
	mustUpdate(t, env, func(txn *Txn) error {
		for _, i := range keys {
			if err := txn.Put(dbi, key(i), val(i), 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// scan returns every key/value pair of dbi in cursor order.
func scan(t testing.TB, txn *Txn, dbi DBI) (keys, vals [][]byte) {
	t.Helper()
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer c.Close()
	k, v, err := c.Get(nil, nil, First)
	for err == nil {
		keys = append(keys, bytes.Clone(k))
		vals = append(vals, bytes.Clone(v))
		k, v, err = c.Get(nil, nil, Next)
	}
	if !IsNotFound(err) {
		t.Fatalf("scan failed: %v", err)
	}
	return keys, vals
}

// verify checks every page of the latest snapshot.
func verify(t testing.TB, env *Env) {
	t.Helper()
	mustView(t, env, func(txn *Txn) error { return txn.Verify() })
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	env := openTestEnv(t, dir, 0)

	big := bytes.Repeat([]byte("x"), 3*DefaultPageSize+17)
	mustUpdate(t, env, func(txn *Txn) error {
		for i := 0; i < 1000; i++ {
			if err := txn.Put(MainDBI, key(i), val(i), 0); err != nil {
				return err
			}
		}
		return txn.Put(MainDBI, []byte("big"), big, 0)
	})
	env.Close()

	// Reopen and read everything back
	env = openTestEnv(t, dir, 0)
	mustView(t, env, func(txn *Txn) error {
		for i := 0; i < 1000; i++ {
			v, err := txn.Get(MainDBI, key(i))
			if err != nil {
				return fmt.Errorf("get %s: %w", key(i), err)
			}
			if !bytes.Equal(v, val(i)) {
				return fmt.Errorf("key %s: got %q, want %q", key(i), v, val(i))
			}
		}
		v, err := txn.Get(MainDBI, []byte("big"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, big) {
			return fmt.Errorf("big value mismatch: %d bytes", len(v))
		}
		return nil
	})
	verify(t, env)
}

func TestOrdering(t *testing.T) {
	tests := []struct {
		name  string
		flags uint
		cmp   func(a, b []byte) int
	}{
		{"lexical", 0, bytes.Compare},
		{"reverse", ReverseKey, cmpReverse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var dbi DBI
			mustUpdate(t, env, func(txn *Txn) error {
				var err error
				dbi, err = txn.OpenDBISimple("ordered", Create|tt.flags)
				return err
			})

			rng := rand.New(rand.NewPCG(1, 2))
			want := make([][]byte, 0, 2000)
			mustUpdate(t, env, func(txn *Txn) error {
				for _, i := range rng.Perm(2000) {
					k := []byte(fmt.Sprintf("%x-%d", i*7919, i))
					want = append(want, k)
					if err := txn.Put(dbi, k, k, 0); err != nil {
						return err
					}
				}
				return nil
			})
			slices.SortFunc(want, tt.cmp)

			mustView(t, env, func(txn *Txn) error {
				got, _ := scan(t, txn, dbi)
				if len(got) != len(want) {
					return fmt.Errorf("got %d keys, want %d", len(got), len(want))
				}
				for i := range want {
					if !bytes.Equal(got[i], want[i]) {
						return fmt.Errorf("position %d: got %q, want %q", i, got[i], want[i])
					}
				}
				return nil
			})
			verify(t, env)
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	env := newTestEnv(t)
	putAll(t, env, MainDBI, 0, 1, 2)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	defer reader.Abort()

	// Overwrite, delete and insert after the reader started
	mustUpdate(t, env, func(txn *Txn) error {
		if err := txn.Put(MainDBI, key(0), []byte("changed"), 0); err != nil {
			return err
		}
		if err := txn.Del(MainDBI, key(1), nil); err != nil {
			return err
		}
		return txn.Put(MainDBI, key(3), val(3), 0)
	})

	for i := 0; i < 3; i++ {
		v, err := reader.Get(MainDBI, key(i))
		if err != nil {
			t.Fatalf("reader Get %d failed: %v", i, err)
		}
		if !bytes.Equal(v, val(i)) {
			t.Errorf("reader key %d: got %q, want %q", i, v, val(i))
		}
	}
	if _, err := reader.Get(MainDBI, key(3)); !IsNotFound(err) {
		t.Errorf("reader sees key inserted later: %v", err)
	}

	// A new reader sees the commit
	mustView(t, env, func(txn *Txn) error {
		v, err := txn.Get(MainDBI, key(0))
		if err != nil {
			return err
		}
		if string(v) != "changed" {
			return fmt.Errorf("got %q, want %q", v, "changed")
		}
		if _, err := txn.Get(MainDBI, key(1)); !IsNotFound(err) {
			return fmt.Errorf("deleted key still visible: %v", err)
		}
		return nil
	})
}

func TestReaderWriterReader(t *testing.T) {
	env := newTestEnv(t)
	putAll(t, env, MainDBI, 1)

	r1, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	defer r1.Abort()

	w, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	if err := w.Put(MainDBI, key(2), val(2), 0); err != nil {
		w.Abort()
		t.Fatalf("Put failed: %v", err)
	}

	// A reader started before the commit does not see uncommitted data
	r2, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		w.Abort()
		t.Fatalf("BeginTxn failed: %v", err)
	}
	defer r2.Abort()
	if _, err := r2.Get(MainDBI, key(2)); !IsNotFound(err) {
		t.Errorf("r2 sees uncommitted key: %v", err)
	}

	if _, err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	for name, r := range map[string]*Txn{"r1": r1, "r2": r2} {
		if _, err := r.Get(MainDBI, key(2)); !IsNotFound(err) {
			t.Errorf("%s sees key committed after it started: %v", name, err)
		}
		if _, err := r.Get(MainDBI, key(1)); err != nil {
			t.Errorf("%s lost key: %v", name, err)
		}
	}

	r3, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	defer r3.Abort()
	if _, err := r3.Get(MainDBI, key(2)); err != nil {
		t.Errorf("r3 misses committed key: %v", err)
	}
	if r3.ID() != r1.ID()+1 {
		t.Errorf("r3 snapshot %d, want %d", r3.ID(), r1.ID()+1)
	}
}

func TestAtomicity(t *testing.T) {
	tests := []struct {
		name      string
		stage     string
		err       error
		wantFatal bool
	}{
		{"pages written", "after-pages", errors.New("injected"), false},
		{"torn meta", "meta", errTornWrite, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			env := openTestEnv(t, dir, 0)
			putAll(t, env, MainDBI, 0, 1, 2, 3)

			env.failpoint = func(stage string) error {
				if stage == tt.stage {
					return tt.err
				}
				return nil
			}
			err := env.Update(func(txn *Txn) error {
				for i := 0; i < 500; i++ {
					if err := txn.Put(MainDBI, key(i), []byte("new"), 0); err != nil {
						return err
					}
				}
				return txn.Del(MainDBI, key(3), nil)
			})
			if err == nil {
				t.Fatal("commit succeeded through failpoint")
			}
			if IsFatal(err) != tt.wantFatal {
				t.Errorf("IsFatal(%v) = %v, want %v", err, IsFatal(err), tt.wantFatal)
			}
			env.failpoint = nil
			env.Close()

			// The store still holds the last successful commit
			env = openTestEnv(t, dir, 0)
			mustView(t, env, func(txn *Txn) error {
				keys, vals := scan(t, txn, MainDBI)
				if len(keys) != 4 {
					return fmt.Errorf("got %d keys, want 4", len(keys))
				}
				for i := range keys {
					if !bytes.Equal(keys[i], key(i)) || !bytes.Equal(vals[i], val(i)) {
						return fmt.Errorf("entry %d: %q=%q", i, keys[i], vals[i])
					}
				}
				return nil
			})
			verify(t, env)

			// And accepts new commits
			putAll(t, env, MainDBI, 10, 11)
			verify(t, env)
		})
	}
}

func TestCapacity(t *testing.T) {
	env := newTestEnv(t, mapSize(64<<10))
	putAll(t, env, MainDBI, 0)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	value := bytes.Repeat([]byte("v"), 500)
	var putErr error
	for i := 1; i < 10000 && putErr == nil; i++ {
		putErr = txn.Put(MainDBI, key(i), value, 0)
	}
	if !IsMapFull(putErr) {
		txn.Abort()
		t.Fatalf("expected ErrMapFull, got %v", putErr)
	}

	// The failure is sticky
	if err := txn.Put(MainDBI, []byte("another"), nil, 0); !IsMapFull(err) {
		t.Errorf("Put after MapFull: got %v, want ErrMapFull", err)
	}
	if _, err := txn.Commit(); !IsMapFull(err) {
		t.Errorf("Commit after MapFull: got %v, want ErrMapFull", err)
	}

	mustView(t, env, func(txn *Txn) error {
		keys, _ := scan(t, txn, MainDBI)
		if len(keys) != 1 {
			return fmt.Errorf("got %d keys after failed commit, want 1", len(keys))
		}
		return nil
	})

	// Growing the map lets the same work through
	if err := env.SetMapSize(4 << 20); err != nil {
		t.Fatalf("SetMapSize failed: %v", err)
	}
	mustUpdate(t, env, func(txn *Txn) error {
		for i := 1; i < 200; i++ {
			if err := txn.Put(MainDBI, key(i), value, 0); err != nil {
				return err
			}
		}
		return nil
	})
	verify(t, env)
}

func TestFreeSpaceReuse(t *testing.T) {
	env := newTestEnv(t)
	value := bytes.Repeat([]byte("r"), 200)

	round := func() {
		mustUpdate(t, env, func(txn *Txn) error {
			for i := 0; i < 300; i++ {
				if err := txn.Put(MainDBI, key(i), value, 0); err != nil {
					return err
				}
			}
			return nil
		})
		mustUpdate(t, env, func(txn *Txn) error {
			for i := 0; i < 300; i++ {
				if err := txn.Del(MainDBI, key(i), nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for i := 0; i < 10; i++ {
		round()
	}
	settled := lastPgNo(t, env)
	for i := 0; i < 40; i++ {
		round()
	}
	if last := lastPgNo(t, env); last > settled+settled/4 {
		t.Errorf("file keeps growing: last page %d after 10 rounds, %d after 50", settled, last)
	}
	verify(t, env)

	// A reader pins the pages freed after its snapshot
	reader, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	defer reader.Abort()
	round()
	round()
	info, err := env.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.PinnedPages == 0 {
		t.Errorf("no pinned pages with a reader open: %+v", info)
	}
	if info.ReaderLag != 4 {
		t.Errorf("ReaderLag = %d, want 4", info.ReaderLag)
	}
}

func pageSize(ps uint32) func(*Env) {
	return func(e *Env) { e.SetPageSize(ps) }
}

func lastPgNo(t testing.TB, env *Env) uint64 {
	t.Helper()
	info, err := env.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	return info.LastPgNo
}

func TestPutDelSameTxn(t *testing.T) {
	for _, ps := range []uint32{MinPageSize, 1024, DefaultPageSize} {
		t.Run(fmt.Sprint(ps), func(t *testing.T) {
			env := newTestEnv(t, pageSize(ps))
			mustUpdate(t, env, func(txn *Txn) error {
				if err := txn.Put(MainDBI, []byte("a"), []byte("1"), 0); err != nil {
					return err
				}
				return txn.Del(MainDBI, []byte("a"), nil)
			})
			verify(t, env)

			// The page released above is handed out again
			for i := 0; i < 5; i++ {
				mustUpdate(t, env, func(txn *Txn) error {
					if err := txn.Put(MainDBI, key(i), val(i), 0); err != nil {
						return err
					}
					if err := txn.Del(MainDBI, key(i), nil); err != nil {
						return err
					}
					return txn.Put(MainDBI, key(i), val(i), 0)
				})
				verify(t, env)
			}
			mustView(t, env, func(txn *Txn) error {
				keys, _ := scan(t, txn, MainDBI)
				if len(keys) != 5 {
					return fmt.Errorf("got %d keys, want 5", len(keys))
				}
				return nil
			})
		})
	}
}

func TestFreeSpaceReuseInTxn(t *testing.T) {
	value := bytes.Repeat([]byte("v"), 200)
	fill := func(txn *Txn) error {
		for i := 0; i < 300; i++ {
			if err := txn.Put(MainDBI, key(i), value, 0); err != nil {
				return err
			}
		}
		return nil
	}

	once := newTestEnv(t)
	mustUpdate(t, once, fill)

	churned := newTestEnv(t)
	mustUpdate(t, churned, func(txn *Txn) error {
		for round := 0; round < 3; round++ {
			if err := fill(txn); err != nil {
				return err
			}
			for i := 0; i < 300; i++ {
				if err := txn.Del(MainDBI, key(i), nil); err != nil {
					return err
				}
			}
		}
		return fill(txn)
	})
	verify(t, churned)

	want, got := lastPgNo(t, once), lastPgNo(t, churned)
	if got > want+4 {
		t.Errorf("pages released inside the transaction were not reused: last page %d, single fill %d", got, want)
	}
}

func TestFreeSpaceChurn(t *testing.T) {
	env := newTestEnv(t, pageSize(1024))
	rng := rand.New(rand.NewPCG(7, 11))

	round := func() {
		mustUpdate(t, env, func(txn *Txn) error {
			for i := 0; i < 200; i++ {
				v := bytes.Repeat([]byte{byte(i)}, 10+rng.IntN(90))
				if err := txn.Put(MainDBI, key(rng.IntN(1000)), v, 0); err != nil {
					return err
				}
			}
			for i := 0; i < 200; i++ {
				err := txn.Del(MainDBI, key(rng.IntN(1000)), nil)
				if err != nil && !IsNotFound(err) {
					return err
				}
			}
			return nil
		})
		verify(t, env)
	}

	for i := 0; i < 100; i++ {
		round()
	}
	settled := lastPgNo(t, env)
	for i := 0; i < 100; i++ {
		round()
	}
	if last := lastPgNo(t, env); last > settled+settled/20 {
		t.Errorf("file keeps growing: last page %d after 100 rounds, %d after 200", settled, last)
	}

	info, err := env.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.PinnedPages > info.FreePages {
		t.Errorf("pinned %d of %d free pages", info.PinnedPages, info.FreePages)
	}
}

func TestNamedDBIsolation(t *testing.T) {
	env := newTestEnv(t)
	var a, b DBI
	mustUpdate(t, env, func(txn *Txn) error {
		var err error
		if a, err = txn.CreateDBI("a"); err != nil {
			return err
		}
		if b, err = txn.CreateDBI("b"); err != nil {
			return err
		}
		for i := 0; i < 100; i++ {
			if err := txn.Put(a, key(i), []byte("a"), 0); err != nil {
				return err
			}
			if err := txn.Put(b, key(i), []byte("b"), 0); err != nil {
				return err
			}
		}
		return nil
	})

	mustUpdate(t, env, func(txn *Txn) error {
		for i := 0; i < 100; i += 2 {
			if err := txn.Del(a, key(i), nil); err != nil {
				return err
			}
		}
		return nil
	})

	mustView(t, env, func(txn *Txn) error {
		ak, _ := scan(t, txn, a)
		bk, bv := scan(t, txn, b)
		if len(ak) != 50 || len(bk) != 100 {
			return fmt.Errorf("got %d keys in a and %d in b, want 50 and 100", len(ak), len(bk))
		}
		for i, v := range bv {
			if string(v) != "b" {
				return fmt.Errorf("b[%d] = %q", i, v)
			}
		}
		// Main only holds the two database records
		mk, _ := scan(t, txn, MainDBI)
		if len(mk) != 2 || string(mk[0]) != "a" || string(mk[1]) != "b" {
			return fmt.Errorf("main keys = %q", mk)
		}
		return nil
	})
	verify(t, env)
}
