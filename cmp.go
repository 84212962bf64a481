package glmdb

import (
	"bytes"
	"encoding/binary"
)

// CmpFunc compares two keys (or two duplicate values) and returns -1, 0 or 1.
type CmpFunc = func(a, b []byte) int

// cmpLexical is the default bytewise order.
func cmpLexical(a, b []byte) int {
	return bytes.Compare(a, b)
}

// cmpReverse compares from the last byte towards the first.
func cmpReverse(a, b []byte) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if a[i] != b[j] {
			if a[i] < b[j] {
				return -1
			}
			return 1
		}
		i--
		j--
	}
	switch {
	case i < 0 && j < 0:
		return 0
	case i < 0:
		return -1
	default:
		return 1
	}
}

// cmpInteger compares native-endian unsigned integers of 4 or 8 bytes.
// Mixed sizes order by size first.
func cmpInteger(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	var x, y uint64
	switch len(a) {
	case 4:
		x, y = uint64(binary.NativeEndian.Uint32(a)), uint64(binary.NativeEndian.Uint32(b))
	case 8:
		x, y = binary.NativeEndian.Uint64(a), binary.NativeEndian.Uint64(b)
	default:
		return bytes.Compare(a, b)
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// keyCmp returns the key comparator selected by persistent DB flags.
func keyCmp(flags uint) CmpFunc {
	switch {
	case flags&IntegerKey != 0:
		return cmpInteger
	case flags&ReverseKey != 0:
		return cmpReverse
	}
	return cmpLexical
}

// dupCmp returns the duplicate value comparator selected by DB flags.
func dupCmp(flags uint) CmpFunc {
	switch {
	case flags&IntegerDup != 0:
		return cmpInteger
	case flags&ReverseDup != 0:
		return cmpReverse
	}
	return cmpLexical
}
