//go:build unix

package glmdb

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cachedPID is the process ID, cached at init to avoid syscall overhead
var cachedPID = uint32(os.Getpid())

// Constants for lock file
const (
	// lockMagic identifies glmdb lock files
	lockMagic uint64 = 0xBEEFC0DE4C4F434B

	// readerSlotSize is the size of each reader slot
	readerSlotSize = 32

	// lockHeaderSize is the size of the lock file header
	lockHeaderSize = 64

	// slotClaimed marks a slot taken by a reader that has not published a
	// snapshot yet. Writers ignore it when computing the oldest reader.
	slotClaimed = ^uint64(0)
)

// readerSlot represents a reader in the lock file.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       8     txnid (atomic, 0 = free)
//	8       4     pid (atomic)
//	12      4     reserved
//	16      8     start time, unix nanoseconds (atomic)
//	24      8     reserved
type readerSlot struct {
	txnid   uint64
	pid     uint32
	_       uint32
	started int64
	_       uint64
}

// lockHeader is the lock file header.
type lockHeader struct {
	magic   uint64
	version uint32
	_       uint32
	_       [48]byte
}

// lockFile manages the writer lock and the reader slot table. The table is
// shared through a memory-mapped lock file, or kept in memory when the
// environment is opened with NoLock or the lock file cannot be written.
type lockFile struct {
	file       *os.File
	data       []byte // Memory-mapped lock file
	header     *lockHeader
	slots      []readerSlot
	maxReaders int
	inMemory   bool // Reader table lives in process memory only
	noFlock    bool // Writer exclusion is in-process only
	writerLock bool

	// Slot freelist for fast acquisition (LIFO stack)
	freeSlots []int32
	freeMu    sync.Mutex
}

// openLockFile opens or creates a lock file.
func openLockFile(path string, maxReaders int, readOnly, noLock bool, mode os.FileMode) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = DefaultMaxReaders
	}
	if noLock {
		return newMemLockFile(maxReaders), nil
	}

	flag := os.O_RDWR
	if !readOnly {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, mode)
	if err != nil {
		// A read-only environment may live on a read-only file system
		if readOnly {
			return newMemLockFile(maxReaders), nil
		}
		return nil, &lockError{"open lock file", err}
	}

	lf := &lockFile{file: f, maxReaders: maxReaders}
	if err := lf.prepare(); err != nil {
		f.Close()
		return nil, err
	}
	if err := lf.mmap(); err != nil {
		f.Close()
		return nil, err
	}
	if lf.header.magic != lockMagic || lf.header.version != LockVersion {
		lf.close()
		return nil, errLockInvalidFile
	}
	return lf, nil
}

// newMemLockFile returns a process-local reader table.
func newMemLockFile(maxReaders int) *lockFile {
	return &lockFile{
		header:     &lockHeader{magic: lockMagic, version: LockVersion},
		slots:      make([]readerSlot, maxReaders),
		maxReaders: maxReaders,
		inMemory:   true,
		noFlock:    true,
	}
}

// prepare sizes the lock file for maxReaders slots and writes the header of
// a fresh file. The file never shrinks, so slots of other processes survive.
func (lf *lockFile) prepare() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return &lockError{"stat lock file", err}
	}
	want := int64(lockHeaderSize + lf.maxReaders*readerSlotSize)
	fresh := fi.Size() < lockHeaderSize
	if fi.Size() < want {
		if err := lf.file.Truncate(want); err != nil {
			return &lockError{"size lock file", err}
		}
	}
	if !fresh {
		return nil
	}

	header := lockHeader{magic: lockMagic, version: LockVersion}
	headerBytes := (*[lockHeaderSize]byte)(unsafe.Pointer(&header))[:]
	if _, err := lf.file.WriteAt(headerBytes, 0); err != nil {
		return &lockError{"write lock header", err}
	}
	return nil
}

// mmap memory-maps the lock file.
func (lf *lockFile) mmap() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return &lockError{"stat lock file", err}
	}

	size := int(fi.Size())
	data, err := unix.Mmap(int(lf.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return &lockError{"map lock file", err}
	}

	lf.data = data
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))

	// Every slot in the file is scanned; only the first maxReaders are ours to claim.
	slotData := data[lockHeaderSize:]
	numSlots := len(slotData) / readerSlotSize
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), numSlots)
	return nil
}

// close closes the lock file.
func (lf *lockFile) close() error {
	if lf.writerLock {
		lf.unlockWriter()
	}
	lf.freeMu.Lock()
	// Slots this process still holds for open transactions are cleared.
	for i := range lf.slots[:min(lf.maxReaders, len(lf.slots))] {
		slot := &lf.slots[i]
		if atomic.LoadUint32(&slot.pid) == cachedPID {
			atomic.StoreUint64(&slot.txnid, 0)
			atomic.StoreInt64(&slot.started, 0)
			atomic.StoreUint32(&slot.pid, 0)
		}
	}
	lf.slots = nil
	lf.freeSlots = nil
	lf.freeMu.Unlock()
	if lf.data != nil {
		if err := unix.Munmap(lf.data); err != nil {
			return &lockError{"unmap lock file", err}
		}
		lf.data = nil
	}
	if lf.file != nil {
		return lf.file.Close()
	}
	return nil
}

// lockWriter acquires the exclusive writer lock. With try set it returns
// ErrBusy instead of waiting.
func (lf *lockFile) lockWriter(try bool) error {
	if lf.noFlock {
		lf.writerLock = true
		return nil
	}
	how := unix.LOCK_EX
	if try {
		how |= unix.LOCK_NB
	}
	for {
		err := unix.Flock(int(lf.file.Fd()), how)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EWOULDBLOCK) {
			return NewError(ErrBusy)
		}
		return WrapError(ErrProblem, &lockError{"acquire writer lock", err})
	}
	lf.writerLock = true
	return nil
}

// unlockWriter releases the writer lock.
func (lf *lockFile) unlockWriter() error {
	if !lf.writerLock {
		return nil
	}
	lf.writerLock = false
	if lf.noFlock {
		return nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_UN); err != nil {
		return &lockError{"release writer lock", err}
	}
	return nil
}

// acquireSlot claims a free reader slot.
// Uses a LIFO freelist for O(1) acquisition in common case.
func (lf *lockFile) acquireSlot() (int, error) {
	lf.freeMu.Lock()
	if n := len(lf.freeSlots); n > 0 {
		idx := lf.freeSlots[n-1]
		lf.freeSlots = lf.freeSlots[:n-1]
		lf.freeMu.Unlock()
		if lf.claim(int(idx)) {
			return int(idx), nil
		}
		// Slot was taken by another process, fall through to slow path
	} else {
		lf.freeMu.Unlock()
	}

	limit := min(lf.maxReaders, len(lf.slots))
	for i := 0; i < limit; i++ {
		if atomic.LoadUint64(&lf.slots[i].txnid) == 0 && lf.claim(i) {
			return i, nil
		}
	}
	return -1, NewError(ErrReadersFull)
}

func (lf *lockFile) claim(i int) bool {
	slot := &lf.slots[i]
	if !atomic.CompareAndSwapUint64(&slot.txnid, 0, slotClaimed) {
		return false
	}
	atomic.StoreUint32(&slot.pid, cachedPID)
	atomic.StoreInt64(&slot.started, time.Now().UnixNano())
	return true
}

// publish records the snapshot a reader is about to use.
func (lf *lockFile) publish(i int, id txnid) {
	atomic.StoreUint64(&lf.slots[i].txnid, uint64(id))
}

// releaseSlot frees a reader slot and adds it to the freelist. It does
// nothing once the lock file is closed.
func (lf *lockFile) releaseSlot(i int) {
	lf.freeMu.Lock()
	defer lf.freeMu.Unlock()
	if i >= len(lf.slots) {
		return
	}
	slot := &lf.slots[i]
	atomic.StoreUint32(&slot.pid, 0)
	atomic.StoreInt64(&slot.started, 0)
	atomic.StoreUint64(&slot.txnid, 0)
	lf.freeSlots = append(lf.freeSlots, int32(i))
}

// oldestReader returns the smallest published snapshot txnid, or 0 when no
// reader holds a snapshot.
func (lf *lockFile) oldestReader() txnid {
	oldest := uint64(0)
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id == 0 || id == slotClaimed {
			continue
		}
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	return txnid(oldest)
}

// numReaders returns the count of readers holding a snapshot.
func (lf *lockFile) numReaders() int {
	count := 0
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id != 0 && id != slotClaimed {
			count++
		}
	}
	return count
}

// ReaderInfo describes one occupied reader slot.
type ReaderInfo struct {
	Slot    int       // Slot index in the lock file
	PID     int       // Process that owns the slot
	TxnID   uint64    // Snapshot the reader is using
	Started time.Time // When the slot was claimed
}

// readers returns the occupied slots.
func (lf *lockFile) readers() []ReaderInfo {
	var out []ReaderInfo
	for i := range lf.slots {
		slot := &lf.slots[i]
		id := atomic.LoadUint64(&slot.txnid)
		if id == 0 || id == slotClaimed {
			continue
		}
		out = append(out, ReaderInfo{
			Slot:    i,
			PID:     int(atomic.LoadUint32(&slot.pid)),
			TxnID:   id,
			Started: time.Unix(0, atomic.LoadInt64(&slot.started)),
		})
	}
	return out
}

// cleanupStaleReaders frees slots owned by processes that no longer exist.
func (lf *lockFile) cleanupStaleReaders() int {
	if lf.inMemory {
		return 0
	}
	cleaned := 0
	for i := range lf.slots {
		slot := &lf.slots[i]
		id := atomic.LoadUint64(&slot.txnid)
		if id == 0 {
			continue
		}
		pid := atomic.LoadUint32(&slot.pid)
		if pid == 0 || pid == cachedPID {
			continue
		}
		if !processExists(int(pid)) && atomic.CompareAndSwapUint64(&slot.txnid, id, 0) {
			atomic.StoreUint32(&slot.pid, 0)
			cleaned++
		}
	}
	return cleaned
}

// processExists checks if a process exists.
func processExists(pid int) bool {
	// Signal 0 only performs the permission and existence checks
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Lock file errors
var errLockInvalidFile = &lockError{"invalid lock file", nil}

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}
