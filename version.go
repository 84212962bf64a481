package glmdb

import "fmt"

// Version constants
const (
	// Major is the major version number
	Major = 0

	// Minor is the minor version number
	Minor = 1

	// Patch is the patch version number
	Patch = 0
)

// VersionInfo describes the library and the file formats it writes.
type VersionInfo struct {
	Major       uint8
	Minor       uint8
	Patch       uint8
	DataVersion uint32
	LockVersion uint32
	Describe    string
}

// Version returns the version string of glmdb.
func Version() string {
	return fmt.Sprintf("glmdb %d.%d.%d (data format %d)", Major, Minor, Patch, DataVersion)
}

// GetVersionInfo returns version information.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Major:       Major,
		Minor:       Minor,
		Patch:       Patch,
		DataVersion: DataVersion,
		LockVersion: LockVersion,
		Describe:    fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch),
	}
}
