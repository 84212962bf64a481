package glmdb

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jakobkordez/glmdb/internal/logging"
	mmappkg "github.com/jakobkordez/glmdb/mmap"
)

// Env represents a database environment: one data file, one lock file and
// the memory mapping transactions read from.
type Env struct {
	flags uint
	path  string
	open  bool
	mu    sync.Mutex // Protects open state, the mapping and map size

	// File handles
	dataFile *os.File
	lockFile *lockFile
	mapping  *mapping

	// Configuration
	pageSize   int
	mapSize    int64
	maxReaders int
	maxDBs     int

	// seenMapSize is the map size recorded in the meta the last time this
	// Env adopted or wrote it. A larger recorded size means another process
	// grew the store.
	seenMapSize uint64

	// Most recent meta committed through this Env
	meta atomic.Pointer[meta]

	// Write transaction exclusion within the process
	txnMu sync.Mutex

	// Database handles
	dbis     []*dbiInfo
	dbiNames map[string]DBI
	dbisMu   sync.RWMutex

	log   *slog.Logger
	fatal atomic.Bool

	// failpoint, when set, is consulted at named commit stages
	failpoint func(stage string) error
}

// mapping is one memory mapping of the data file. Transactions hold a
// reference for their whole life, so a remap never pulls pages out from
// under a reader.
type mapping struct {
	m       *mmappkg.Map
	mu      sync.Mutex
	refs    int
	retired bool
}

func (mp *mapping) acquire() {
	mp.mu.Lock()
	mp.refs++
	mp.mu.Unlock()
}

func (mp *mapping) release() {
	mp.mu.Lock()
	mp.refs--
	closeNow := mp.retired && mp.refs == 0
	mp.mu.Unlock()
	if closeNow {
		mp.m.Close()
	}
}

// retire unmaps once the last transaction using the mapping ends.
func (mp *mapping) retire() {
	mp.mu.Lock()
	mp.retired = true
	closeNow := mp.refs == 0
	mp.mu.Unlock()
	if closeNow {
		mp.m.Close()
	}
}

// NewEnv creates a new environment handle.
// The environment must be opened with Open before use.
func NewEnv() (*Env, error) {
	e := &Env{
		pageSize:   DefaultPageSize,
		mapSize:    DefaultMapSize,
		maxReaders: DefaultMaxReaders,
		maxDBs:     DefaultMaxDBs,
		dbiNames:   make(map[string]DBI),
		log:        logging.Nop(),
	}
	e.dbis = []*dbiInfo{
		FreeDBI: {name: "", core: true},
		MainDBI: {name: "", core: true},
	}
	return e, nil
}

// SetLogger installs the logger used for open, commit and remap events.
func (e *Env) SetLogger(log *slog.Logger) {
	if log == nil {
		log = logging.Nop()
	}
	e.log = log
}

// SetMaxDBs sets the maximum number of named databases.
// Must be called before Open.
func (e *Env) SetMaxDBs(dbs uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return NewError(ErrIncompatible)
	}
	if dbs > MaxDBI {
		return NewError(ErrInvalid)
	}
	e.maxDBs = int(dbs)
	return nil
}

// SetMaxReaders sets the number of reader slots.
// Must be called before Open.
func (e *Env) SetMaxReaders(readers uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return NewError(ErrIncompatible)
	}
	if readers == 0 {
		return NewError(ErrInvalid)
	}
	e.maxReaders = int(readers)
	return nil
}

// SetPageSize sets the page size used when a new data file is created.
// Existing files keep the page size they were created with.
func (e *Env) SetPageSize(size uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return NewError(ErrIncompatible)
	}
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return NewError(ErrInvalid)
	}
	e.pageSize = int(size)
	return nil
}

// SetMapSize sets the size of the memory map, which is also the ceiling on
// the data file size.
//
// Before Open it only records the size. On an open Env it remaps; no write
// transaction may be active (ErrBusy otherwise). A size of 0 adopts the size
// recorded by the last commit, which is how a process catches up after
// ErrMapResized. The size is raised to cover every allocated page. Readers
// that started on the old mapping keep it until they end.
func (e *Env) SetMapSize(size int64) error {
	if size < 0 {
		return NewError(ErrInvalid)
	}

	e.mu.Lock()
	if !e.open {
		if size == 0 {
			size = DefaultMapSize
		}
		e.mapSize = size
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if !e.txnMu.TryLock() {
		return NewError(ErrBusy)
	}
	defer e.txnMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.metaFrom(e.mapping.m)
	if err != nil {
		return err
	}
	if size == 0 {
		size = int64(m.mapSize)
	}
	size = max(size, int64(m.nextPgno)*int64(e.pageSize))
	size = roundUp(size, int64(e.pageSize))
	if err := e.remapLocked(size); err != nil {
		return err
	}
	e.seenMapSize = m.mapSize
	return nil
}

// remapLocked replaces the current mapping (must hold e.mu).
func (e *Env) remapLocked(size int64) error {
	if size == e.mapSize && e.mapping != nil {
		return nil
	}
	nm, err := mmappkg.New(int(e.dataFile.Fd()), size, false)
	if err != nil {
		return WrapError(ErrProblem, err)
	}
	nm.AdviseRandom()

	old := e.mapping
	e.mapping = &mapping{m: nm}
	if old != nil {
		old.retire()
	}
	e.log.Debug("remap", "path", e.path, "from", e.mapSize, "to", size)
	e.mapSize = size
	return nil
}

// Open opens the environment at the given path.
//
// Without NoSubdir, path is a directory holding data.mdb and lock.mdb; it is
// created if missing. With NoSubdir, path is the data file and the lock file
// is path plus "-lock". A new data file gets two meta pages and a fresh
// store UUID.
func (e *Env) Open(path string, flags uint, mode os.FileMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open {
		return NewError(ErrIncompatible)
	}

	e.flags = flags
	e.path = path

	var dataPath, lockPath string
	if flags&NoSubdir != 0 {
		dataPath = path
		lockPath = path + LockSuffix
	} else {
		if flags&ReadOnly == 0 {
			if err := os.MkdirAll(path, mode|0o700); err != nil {
				return WrapError(ErrInvalid, err)
			}
		}
		dataPath = filepath.Join(path, DataFileName)
		lockPath = filepath.Join(path, LockFileName)
	}

	readOnly := flags&ReadOnly != 0
	lf, err := openLockFile(lockPath, e.maxReaders, readOnly, flags&NoLock != 0, mode)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.lockFile = lf

	fileFlags := os.O_RDWR | os.O_CREATE
	if readOnly {
		fileFlags = os.O_RDONLY
	}
	dataFile, err := os.OpenFile(dataPath, fileFlags, mode)
	if err != nil {
		e.closeFiles()
		if os.IsPermission(err) {
			return WrapError(ErrPermissionDenied, err)
		}
		return WrapError(ErrInvalid, err)
	}
	e.dataFile = dataFile

	fi, err := dataFile.Stat()
	if err != nil {
		e.closeFiles()
		return WrapError(ErrInvalid, err)
	}
	if fi.Size() == 0 {
		if readOnly {
			e.closeFiles()
			return NewError(ErrInvalid)
		}
		if err := e.initNewDB(); err != nil {
			e.closeFiles()
			return err
		}
		if fi, err = dataFile.Stat(); err != nil {
			e.closeFiles()
			return WrapError(ErrInvalid, err)
		}
	}

	ps, err := e.detectPageSize(fi.Size())
	if err != nil {
		e.closeFiles()
		return err
	}
	e.pageSize = ps

	m, err := e.readMetaFile()
	if err != nil {
		e.closeFiles()
		return err
	}

	size := max(e.mapSize, int64(m.mapSize), fi.Size(), int64(m.nextPgno)*int64(ps))
	e.mapSize = 0
	if err := e.remapLocked(roundUp(size, int64(ps))); err != nil {
		e.closeFiles()
		return err
	}

	e.seenMapSize = m.mapSize
	e.meta.Store(m)
	e.open = true
	e.log.Debug("open", "path", path, "page_size", ps, "map_size", e.mapSize,
		"txnid", uint64(m.txnid), "uuid", m.uuid.String())
	return nil
}

// initNewDB writes the two meta pages of an empty store. The writer lock
// keeps two processes from initializing the same file.
func (e *Env) initNewDB() error {
	if err := e.lockFile.lockWriter(false); err != nil {
		return err
	}
	defer e.lockFile.unlockWriter()

	fi, err := e.dataFile.Stat()
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	if fi.Size() != 0 {
		return nil
	}

	id := uuid.New()
	buf := make([]byte, NumMetas*e.pageSize)
	for i := 0; i < NumMetas; i++ {
		m := &meta{
			magic:    Magic,
			version:  DataVersion,
			pageSize: uint32(e.pageSize),
			mapSize:  uint64(e.mapSize),
			nextPgno: NumMetas,
			txnid:    txnid(i),
			uuid:     id,
		}
		m.write(page(buf[i*e.pageSize:(i+1)*e.pageSize]), pgno(i))
	}
	if _, err := e.dataFile.WriteAt(buf, 0); err != nil {
		return WrapError(ErrProblem, err)
	}
	if e.flags&NoSync == 0 {
		if err := e.dataFile.Sync(); err != nil {
			return WrapError(ErrProblem, err)
		}
	}
	e.log.Debug("created store", "path", e.path, "uuid", id.String(), "page_size", e.pageSize)
	return nil
}

// detectPageSize reads the page size from the first meta. When that copy is
// unusable the second one is located by probing every legal page size.
func (e *Env) detectPageSize(fileSize int64) (int, error) {
	buf := make([]byte, PageHeaderSize+metaSize)
	firstErr := error(NewError(ErrInvalid))
	if _, err := e.dataFile.ReadAt(buf, 0); err == nil {
		m, err := readMeta(buf, 0)
		if err == nil {
			return int(m.pageSize), nil
		}
		if Code(err) == ErrVersionMismatch {
			return 0, err
		}
		firstErr = err
	}
	for ps := MinPageSize; ps <= MaxPageSize; ps *= 2 {
		if int64(ps)+int64(len(buf)) > fileSize {
			break
		}
		if _, err := e.dataFile.ReadAt(buf, int64(ps)); err != nil {
			break
		}
		if m, err := readMeta(buf, 1); err == nil && int(m.pageSize) == ps {
			return ps, nil
		}
	}
	return 0, firstErr
}

// readMetaFile picks the current meta by reading both pages from the file.
func (e *Env) readMetaFile() (*meta, error) {
	buf := make([]byte, NumMetas*e.pageSize)
	if _, err := e.dataFile.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, WrapError(ErrInvalid, err)
	}
	var pages [NumMetas][]byte
	for i := range pages {
		pages[i] = buf[i*e.pageSize : (i+1)*e.pageSize]
	}
	m, _, err := pickMeta(pages)
	return m, err
}

// metaFrom picks the current meta from a mapping.
func (e *Env) metaFrom(m *mmappkg.Map) (*meta, error) {
	var pages [NumMetas][]byte
	for i := range pages {
		pages[i] = m.Slice(int64(i*e.pageSize), int64(e.pageSize))
		if pages[i] == nil {
			return nil, NewError(ErrInvalid)
		}
	}
	mt, _, err := pickMeta(pages)
	return mt, err
}

// acquireMapping returns the current mapping with a reference held, along
// with the map size it was created for.
func (e *Env) acquireMapping() (*mapping, int64, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil, 0, 0, NewError(ErrInvalid)
	}
	e.mapping.acquire()
	return e.mapping, e.mapSize, e.seenMapSize, nil
}

// checkResized reports ErrMapResized when another process grew the store
// past this Env's mapping.
func (e *Env) checkResized(m *meta, mapSize int64, seen uint64) error {
	if m.mapSize != seen && int64(m.mapSize) > mapSize {
		return NewError(ErrMapResized)
	}
	if int64(m.nextPgno)*int64(e.pageSize) > mapSize {
		return NewError(ErrMapResized)
	}
	return nil
}

// closeFiles closes all open files.
func (e *Env) closeFiles() {
	if e.mapping != nil {
		e.mapping.retire()
		e.mapping = nil
	}
	if e.dataFile != nil {
		e.dataFile.Close()
		e.dataFile = nil
	}
	if e.lockFile != nil {
		e.lockFile.close()
		e.lockFile = nil
	}
}

// Close closes the environment. Transactions still open keep their mapping
// alive until they end, but can no longer commit.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil
	}
	e.open = false
	e.closeFiles()
	e.log.Debug("close", "path", e.path)
	return nil
}

// Sync flushes the data file. Without force, an Env opened with NoSync
// skips the flush.
func (e *Env) Sync(force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return NewError(ErrInvalid)
	}
	if e.flags&ReadOnly != 0 || (!force && e.flags&NoSync != 0) {
		return nil
	}
	if err := fdatasync(e.dataFile); err != nil {
		return WrapError(ErrProblem, err)
	}
	return nil
}

// Path returns the path the environment was opened with.
func (e *Env) Path() string {
	return e.path
}

// Flags returns the environment flags.
func (e *Env) Flags() uint {
	return e.flags
}

// PageSize returns the page size of the open store.
func (e *Env) PageSize() int {
	return e.pageSize
}

// MapSize returns the current map size in bytes.
func (e *Env) MapSize() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mapSize
}

// MaxKeySize returns the maximum key size for this environment.
// Values of DupSort databases are limited to the same size.
func (e *Env) MaxKeySize() int {
	return maxKeySize(e.pageSize)
}

// MaxDBs returns the maximum number of named databases.
func (e *Env) MaxDBs() uint32 {
	return uint32(e.maxDBs)
}

// MaxReaders returns the maximum number of readers.
func (e *Env) MaxReaders() uint32 {
	return uint32(e.maxReaders)
}

// BeginTxn starts a transaction.
//
// With TxnReadOnly it starts a reader on the latest committed snapshot; it
// never blocks. Otherwise it starts the single writer, waiting for the
// current one to finish (or failing with ErrBusy when TxnTry is set). A
// non-nil parent starts a child write transaction nested in it.
func (e *Env) BeginTxn(parent *Txn, flags uint) (*Txn, error) {
	if e.fatal.Load() {
		return nil, NewError(ErrPanic)
	}
	if parent != nil {
		return parent.beginChild(flags)
	}
	if flags&TxnReadOnly != 0 {
		return e.beginReadTxn()
	}
	return e.beginWriteTxn(flags)
}

// beginReadTxn registers a reader and pins the current snapshot.
func (e *Env) beginReadTxn() (*Txn, error) {
	mp, mapSize, seen, err := e.acquireMapping()
	if err != nil {
		return nil, err
	}
	slot, err := e.lockFile.acquireSlot()
	if err != nil {
		mp.release()
		return nil, err
	}

	// Publish, then confirm no commit slipped in before the publish became
	// visible to writers.
	var m *meta
	for {
		m, err = e.metaFrom(mp.m)
		if err == nil {
			err = e.checkResized(m, mapSize, seen)
		}
		if err != nil {
			e.lockFile.releaseSlot(slot)
			mp.release()
			return nil, err
		}
		e.lockFile.publish(slot, m.txnid)
		again, err := e.metaFrom(mp.m)
		if err == nil && again.txnid == m.txnid {
			break
		}
	}

	txn := newTxn(e, mp, m, TxnReadOnly)
	txn.slot = slot
	return txn, nil
}

// beginWriteTxn takes the writer locks and starts a write transaction on
// the current meta.
func (e *Env) beginWriteTxn(flags uint) (*Txn, error) {
	if e.flags&ReadOnly != 0 {
		return nil, NewError(ErrPermissionDenied)
	}

	try := flags&TxnTry != 0
	if try {
		if !e.txnMu.TryLock() {
			return nil, NewError(ErrBusy)
		}
	} else {
		e.txnMu.Lock()
	}

	mp, mapSize, seen, err := e.acquireMapping()
	if err != nil {
		e.txnMu.Unlock()
		return nil, err
	}
	if err := e.lockFile.lockWriter(try); err != nil {
		mp.release()
		e.txnMu.Unlock()
		return nil, err
	}

	m, err := e.metaFrom(mp.m)
	if err == nil {
		err = e.checkResized(m, mapSize, seen)
	}
	if err != nil {
		e.lockFile.unlockWriter()
		mp.release()
		e.txnMu.Unlock()
		return nil, err
	}

	txn := newTxn(e, mp, m, TxnReadWrite)
	txn.mapSize = mapSize
	return txn, nil
}

// ReaderCheck clears reader slots left behind by dead processes.
// Returns the number of stale readers cleared.
func (e *Env) ReaderCheck() (int, error) {
	if e.lockFile == nil {
		return 0, NewError(ErrInvalid)
	}
	n := e.lockFile.cleanupStaleReaders()
	if n > 0 {
		e.log.Warn("cleared stale readers", "path", e.path, "count", n)
	}
	return n, nil
}

// ReaderList calls fn for every reader holding a snapshot.
func (e *Env) ReaderList(fn func(info ReaderInfo) error) error {
	if e.lockFile == nil {
		return NewError(ErrInvalid)
	}
	for _, r := range e.lockFile.readers() {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Copy writes a consistent copy of the current snapshot into dir, as the
// data file of a new environment directory.
func (e *Env) Copy(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapError(ErrInvalid, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, DataFileName), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	if err := e.CopyTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return WrapError(ErrProblem, err)
	}
	return f.Close()
}

// CopyTo streams a consistent copy of the current snapshot to w. Both meta
// pages of the copy describe the snapshot.
func (e *Env) CopyTo(w io.Writer) error {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()

	ps := e.pageSize
	m := txn.meta
	buf := make([]byte, NumMetas*ps)
	for i := 0; i < NumMetas; i++ {
		m.write(page(buf[i*ps:(i+1)*ps]), pgno(i))
	}
	if _, err := w.Write(buf); err != nil {
		return WrapError(ErrProblem, err)
	}

	data := txn.mp.m.Data()
	const chunk = 1 << 20
	for off := int64(NumMetas * ps); off < int64(m.nextPgno)*int64(ps); off += chunk {
		end := min(off+chunk, int64(m.nextPgno)*int64(ps))
		if _, err := w.Write(data[off:end]); err != nil {
			return WrapError(ErrProblem, err)
		}
	}
	return nil
}

// fail runs the failpoint for a commit stage.
func (e *Env) fail(stage string) error {
	if e.failpoint == nil {
		return nil
	}
	return e.failpoint(stage)
}

func roundUp(n, to int64) int64 {
	return (n + to - 1) / to * to
}
