package glmdb

import (
	"errors"
	"fmt"
)

// Error represents a glmdb error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("glmdb: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("glmdb: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so
// errors.Is(err, ErrNotFoundError) works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrorCode represents LMDB-numbered error codes
type ErrorCode int

const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrPermissionDenied: write attempted on a read-only environment (EACCES)
	ErrPermissionDenied ErrorCode = 13

	// ErrKeyExist indicates the key/data pair already exists
	ErrKeyExist ErrorCode = -30799

	// ErrNotFound indicates the key/data pair was not found (EOF)
	ErrNotFound ErrorCode = -30798

	// ErrPageNotFound indicates a requested page was not found (corruption)
	ErrPageNotFound ErrorCode = -30797

	// ErrCorrupted indicates a page is not of the expected kind
	ErrCorrupted ErrorCode = -30796

	// ErrPanic indicates a fatal environment error; the Env must be closed
	ErrPanic ErrorCode = -30795

	// ErrVersionMismatch indicates the file format version is unsupported
	ErrVersionMismatch ErrorCode = -30794

	// ErrInvalid indicates the file is not a glmdb data file
	ErrInvalid ErrorCode = -30793

	// ErrMapFull indicates the environment map size was reached
	ErrMapFull ErrorCode = -30792

	// ErrDBsFull indicates the environment max DBs was reached
	ErrDBsFull ErrorCode = -30791

	// ErrReadersFull indicates the environment max readers was reached
	ErrReadersFull ErrorCode = -30790

	// ErrCursorFull indicates the tree is deeper than a cursor can follow
	ErrCursorFull ErrorCode = -30787

	// ErrPageFull indicates a page has no space (internal error)
	ErrPageFull ErrorCode = -30786

	// ErrMapResized indicates another process grew the store beyond our mapping
	ErrMapResized ErrorCode = -30785

	// ErrIncompatible indicates incompatible operation or flags
	ErrIncompatible ErrorCode = -30784

	// ErrBadRSlot indicates the reader slot was corrupted or reused
	ErrBadRSlot ErrorCode = -30783

	// ErrBadTxn indicates the transaction is finished or otherwise unusable
	ErrBadTxn ErrorCode = -30782

	// ErrBadValSize indicates invalid key or data size
	ErrBadValSize ErrorCode = -30781

	// ErrBadDBI indicates the DBI handle is invalid
	ErrBadDBI ErrorCode = -30780

	// ErrProblem indicates an unexpected internal error
	ErrProblem ErrorCode = -30779

	// ErrBusy indicates another write transaction is running
	ErrBusy ErrorCode = -30778
)

var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ErrPermissionDenied: "permission denied",
	ErrKeyExist:         "key/data pair already exists",
	ErrNotFound:         "key/data pair not found",
	ErrPageNotFound:     "requested page not found",
	ErrCorrupted:        "database is corrupted",
	ErrPanic:            "fatal environment error",
	ErrVersionMismatch:  "database version mismatch",
	ErrInvalid:          "file is not a valid glmdb database",
	ErrMapFull:          "environment mapsize limit reached",
	ErrDBsFull:          "environment maxdbs limit reached",
	ErrReadersFull:      "environment maxreaders limit reached",
	ErrCursorFull:       "cursor stack overflow",
	ErrPageFull:         "page has no space",
	ErrMapResized:       "database map was resized by another process",
	ErrIncompatible:     "incompatible operation or flags",
	ErrBadRSlot:         "reader slot corrupted",
	ErrBadTxn:           "transaction is invalid",
	ErrBadValSize:       "invalid key or value size",
	ErrBadDBI:           "invalid DBI handle",
	ErrProblem:          "unexpected internal error",
	ErrBusy:             "another write transaction is running",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// Common error variables for use with errors.Is
var (
	ErrKeyExistError     = NewError(ErrKeyExist)
	ErrNotFoundError     = NewError(ErrNotFound)
	ErrCorruptedError    = NewError(ErrCorrupted)
	ErrPanicError        = NewError(ErrPanic)
	ErrInvalidError      = NewError(ErrInvalid)
	ErrMapFullError      = NewError(ErrMapFull)
	ErrMapResizedError   = NewError(ErrMapResized)
	ErrBadTxnError       = NewError(ErrBadTxn)
	ErrBadDBIError       = NewError(ErrBadDBI)
	ErrBusyError         = NewError(ErrBusy)
	ErrIncompatibleError = NewError(ErrIncompatible)
	ErrBadValSizeError   = NewError(ErrBadValSize)
	ErrReadersFullError  = NewError(ErrReadersFull)
	ErrPermissionError   = NewError(ErrPermissionDenied)
	ErrVersionError      = NewError(ErrVersionMismatch)
)

func hasCode(err error, codes ...ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound)
}

// IsKeyExist returns true if the error is ErrKeyExist
func IsKeyExist(err error) bool {
	return hasCode(err, ErrKeyExist)
}

// IsMapFull returns true if the error is ErrMapFull
func IsMapFull(err error) bool {
	return hasCode(err, ErrMapFull)
}

// IsMapResized returns true if the error is ErrMapResized
func IsMapResized(err error) bool {
	return hasCode(err, ErrMapResized)
}

// IsBusy returns true if the writer slot was taken. The caller may retry.
func IsBusy(err error) bool {
	return hasCode(err, ErrBusy)
}

// IsCorrupted returns true if the error indicates database corruption
func IsCorrupted(err error) bool {
	return hasCode(err, ErrCorrupted, ErrPageNotFound)
}

// IsFatal returns true for errors after which the environment must be closed
func IsFatal(err error) bool {
	return hasCode(err, ErrPanic, ErrCorrupted, ErrPageNotFound)
}

// Code returns the error code from an error, or ErrProblem if not a glmdb error
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrProblem
}
