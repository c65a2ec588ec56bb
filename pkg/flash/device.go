// Package flash abstracts the raw NOR flash parts the filesystem runs on.
//
// NOR flash has two properties the rest of the stack is built around:
//   - programming can only clear bits (1 -> 0); setting bits back requires
//     an erase, which is only available at sector granularity and returns
//     the whole sector to 0xFF
//   - sectors survive a limited number of erase cycles, so erases must be
//     spread across the part
//
// Both device implementations in this package honor program-as-AND
// semantics so upper layers cannot accidentally depend on overwrite
// behavior that real hardware does not have.
package flash

import "errors"

var (
	// ErrOutOfRange is returned when an access falls outside the device.
	ErrOutOfRange = errors.New("flash: access out of range")

	// ErrUnaligned is returned when an erase is not aligned to an erase unit.
	ErrUnaligned = errors.New("flash: unaligned erase")

	// ErrClosed is returned when operations are attempted on a closed device.
	ErrClosed = errors.New("flash: device closed")
)

// Geometry describes the erase structure of a NOR part.
type Geometry struct {
	// Size is the total capacity in bytes.
	Size uint64

	// SectorSize is the bulk erase unit (typically 64KiB). Used for
	// region bring-up and full formats.
	SectorSize uint64

	// SubsectorSize is the small erase unit (typically 4KiB). This is the
	// granularity the filesystem reclaims space at.
	SubsectorSize uint64
}

// Device is a raw NOR flash part.
//
// Program must apply AND semantics: the stored byte becomes old & new.
// Erase must be aligned to SubsectorSize and return the range to 0xFF.
type Device interface {
	Geometry() Geometry
	ReadAt(p []byte, addr uint64) error
	Program(p []byte, addr uint64) error
	Erase(addr, size uint64) error
}

// checkRange validates an access interval against the device size.
func checkRange(g Geometry, addr, size uint64) error {
	if addr > g.Size || size > g.Size-addr {
		return ErrOutOfRange
	}
	return nil
}

// checkErase validates erase alignment against the device geometry.
// Both the small and the bulk erase unit are accepted.
func checkErase(g Geometry, addr, size uint64) error {
	if err := checkRange(g, addr, size); err != nil {
		return err
	}
	if size == 0 || addr%g.SubsectorSize != 0 || size%g.SubsectorSize != 0 {
		return ErrUnaligned
	}
	return nil
}
