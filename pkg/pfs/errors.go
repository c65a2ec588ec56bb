package pfs

import "errors"

// Error taxonomy of the filesystem. The storage layer never panics on
// flash corruption: structural problems surface as typed errors and the
// caller (or the boot-time cleanup) decides what to do, typically by
// unlinking the offending file.
var (
	// ErrInvalidArgument is returned for malformed names, sizes, types or
	// flag combinations. This is a caller bug and never worth retrying.
	ErrInvalidArgument = errors.New("pfs: invalid argument")

	// ErrBusy is returned when the named file is already open elsewhere.
	ErrBusy = errors.New("pfs: file busy")

	// ErrOutOfResources is returned when the descriptor table is full.
	ErrOutOfResources = errors.New("pfs: out of descriptors")

	// ErrOutOfStorage is returned when no free page exists anywhere
	// outside the reserved GC sector, even after garbage collection.
	ErrOutOfStorage = errors.New("pfs: out of storage")

	// ErrDoesNotExist is returned when a read-only open names a file
	// that is not on flash.
	ErrDoesNotExist = errors.New("pfs: file does not exist")

	// ErrHeaderCorrupt is returned when a page or file header fails its
	// checksum.
	ErrHeaderCorrupt = errors.New("pfs: header corrupt")

	// ErrLinkCorrupt is returned when a next-page link fails its CRC-8
	// or points outside the page space.
	ErrLinkCorrupt = errors.New("pfs: page link corrupt")

	// ErrUnsupportedVersion is returned when a page header carries a
	// format version this build does not understand.
	ErrUnsupportedVersion = errors.New("pfs: unsupported header version")

	// ErrInternal is returned for internal-consistency faults that do
	// not fit a more specific error.
	ErrInternal = errors.New("pfs: internal inconsistency")

	// ErrClosed is returned for operations on a closed file handle.
	ErrClosed = errors.New("pfs: file closed")
)
