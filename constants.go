package glmdb

// File format constants
const (
	// Magic identifies glmdb data files
	Magic uint64 = 0xBEEFC0DE4C4D4442

	// DataVersion is the data file format version
	DataVersion uint32 = 1

	// LockVersion is the lock file format version
	LockVersion uint32 = 1
)

// Page size constraints
const (
	// MinPageSize is the minimum allowed page size
	MinPageSize = 256

	// MaxPageSize is the maximum allowed page size
	MaxPageSize = 65536

	// DefaultPageSize is the default page size
	DefaultPageSize = 4096
)

// Page header and node sizes
const (
	// PageHeaderSize is the fixed page header size (20 bytes)
	PageHeaderSize = 20

	// NodeHeaderSize is the fixed node header size (8 bytes)
	NodeHeaderSize = 8

	// treeRecordSize is the encoded size of a tree record
	treeRecordSize = 48
)

// Environment defaults
const (
	// DefaultMapSize is the map size used when SetMapSize is never called
	DefaultMapSize = 10 << 20

	// DefaultMaxDBs is the default limit on named databases
	DefaultMaxDBs = 16

	// DefaultMaxReaders is the default number of reader slots
	DefaultMaxReaders = 126
)

// Database limits
const (
	// MaxDBI is the maximum number of named databases
	MaxDBI = 32765

	// NumMetas is the number of meta pages (double buffered)
	NumMetas = 2

	// CoreDBs is the number of core databases (free list and main)
	CoreDBs = 2

	// FreeDBI is the handle for the free page database
	FreeDBI DBI = 0

	// MainDBI is the handle for the main (unnamed) database
	MainDBI DBI = 1

	// CursorStackSize bounds the tree depth a cursor can follow
	CursorStackSize = 32
)

// pageFlags define page kinds
type pageFlags uint16

const (
	pageBranch   pageFlags = 0x01
	pageLeaf     pageFlags = 0x02
	pageOverflow pageFlags = 0x04
	pageMeta     pageFlags = 0x08
)

// nodeFlags define node kinds within leaf pages
type nodeFlags uint8

const (
	// nodeBig: data lives in an overflow run, the node holds its first pgno
	nodeBig nodeFlags = 0x01

	// nodeTree: data is the record of a named database
	nodeTree nodeFlags = 0x02

	// nodeDup: data is the record of a duplicate sub-tree
	nodeDup nodeFlags = 0x04
)

// Environment flags
const (
	// EnvDefaults is the default (durable) mode
	EnvDefaults uint = 0

	// NoSubdir means the path is a filename, not a directory
	NoSubdir uint = 0x4000

	// NoSync skips fsync after commit
	NoSync uint = 0x10000

	// ReadOnly opens the environment in read-only mode
	ReadOnly uint = 0x20000

	// NoMetaSync syncs data pages but not the meta page
	NoMetaSync uint = 0x40000

	// MapAsync replaces the data fsync of a commit with msync(MS_ASYNC) on
	// the read-only mapping. Pages are written with pwrite, and on Linux
	// that msync starts no writeback, so data durability matches NoSync.
	// The meta page is still synced unless NoMetaSync is set.
	MapAsync uint = 0x100000

	// NoTLS does not tie reader slots to threads
	NoTLS uint = 0x200000

	// NoLock skips the lock file; the caller guarantees a single process
	NoLock uint = 0x400000

	// Readonly is an alias for ReadOnly
	Readonly = ReadOnly
)

// Transaction flags
const (
	// TxnReadWrite is the default read-write transaction
	TxnReadWrite uint = 0

	// TxnReadOnly creates a read-only transaction
	TxnReadOnly uint = 0x20000

	// TxnTry fails with ErrBusy instead of waiting for the writer slot
	TxnTry uint = 0x10000000
)

// Database flags
const (
	// DBDefaults uses default comparison and features
	DBDefaults uint = 0

	// ReverseKey compares keys from the last byte to the first
	ReverseKey uint = 0x02

	// DupSort allows multiple sorted values per key
	DupSort uint = 0x04

	// IntegerKey uses uint32/uint64 keys in native byte order
	IntegerKey uint = 0x08

	// DupFixed requires all values of a key to have the same size
	DupFixed uint = 0x10

	// IntegerDup compares values as native unsigned integers
	IntegerDup uint = 0x20

	// ReverseDup compares values from the last byte to the first
	ReverseDup uint = 0x40

	// Create creates the database if it doesn't exist
	Create uint = 0x40000

	// persistentFlags are the flags stored in a tree record
	persistentFlags = ReverseKey | DupSort | IntegerKey | DupFixed | IntegerDup | ReverseDup
)

// Put flags
const (
	// Upsert is the default insert-or-update mode
	Upsert uint = 0

	// NoOverwrite returns ErrKeyExist if the key exists
	NoOverwrite uint = 0x10

	// NoDupData returns ErrKeyExist if the key/value pair exists (DupSort)
	NoDupData uint = 0x20

	// Current replaces the item at the cursor position
	Current uint = 0x40

	// Append requires the key to sort after every existing key
	Append uint = 0x20000

	// AppendDup requires the value to sort after every existing duplicate
	AppendDup uint = 0x40000
)

// Delete flags
const (
	// AllDups deletes every duplicate of the current key
	AllDups uint = 0x80
)

// File names
const (
	// DataFileName is the data file name in an environment directory
	DataFileName = "data.mdb"

	// LockFileName is the lock file name in an environment directory
	LockFileName = "lock.mdb"

	// LockSuffix is appended to the data path when NoSubdir is used
	LockSuffix = "-lock"
)
