// Package ftl implements the flash translation layer: it stitches
// together physically disjoint flash regions into one contiguous virtual
// address space and dispatches virtual reads, writes and erases to the
// physical ranges that back them.
//
// The region table is append-only: regions are added in physical order at
// boot (a firmware upgrade that gains storage appends a region) and are
// never removed at runtime, so virtual offsets of existing data are
// stable across boots.
package ftl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/flintfs/internal/logger"
	"github.com/marmos91/flintfs/pkg/flash"
)

var (
	// ErrOutOfBounds is returned for accesses outside the virtual space.
	// The access is a no-op: nothing is read, written or erased.
	ErrOutOfBounds = errors.New("ftl: access outside virtual space")

	// ErrBadRegion is returned when AddRegion is called with a region
	// that is unaligned, overlapping, or out of physical order. This is
	// an internal-consistency fault in the boot configuration.
	ErrBadRegion = errors.New("ftl: invalid region")
)

// Region is a contiguous physical flash range [Start, End).
// Both bounds are erase-sector aligned.
type Region struct {
	Start uint64
	End   uint64
}

// Size returns the region length in bytes.
func (r Region) Size() uint64 {
	return r.End - r.Start
}

// FTL maps a single virtual offset space onto an ordered region table.
type FTL struct {
	mu      sync.RWMutex
	dev     flash.Device
	regions []Region
	size    uint64 // cached sum of region sizes
}

// New creates an FTL over dev with an empty region table.
// Regions are added with AddRegion during boot.
func New(dev flash.Device) *FTL {
	return &FTL{dev: dev}
}

// Device returns the underlying flash device.
func (f *FTL) Device() flash.Device {
	return f.dev
}

// AddRegion appends the physical range [start, end) to the virtual space.
//
// Regions must be added in ascending physical order, must not overlap the
// previous region, must be erase-sector aligned, and must lie within the
// device. When eraseNow is set the whole region is erased before it is
// exposed, so new storage always joins the virtual space blank.
func (f *FTL) AddRegion(start, end uint64, eraseNow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	geo := f.dev.Geometry()
	if start >= end || end > geo.Size {
		return fmt.Errorf("%w: [%#x, %#x) outside device", ErrBadRegion, start, end)
	}
	if start%geo.SubsectorSize != 0 || end%geo.SubsectorSize != 0 {
		return fmt.Errorf("%w: [%#x, %#x) not erase aligned", ErrBadRegion, start, end)
	}
	if n := len(f.regions); n > 0 && start < f.regions[n-1].End {
		return fmt.Errorf("%w: [%#x, %#x) overlaps or precedes region [%#x, %#x)",
			ErrBadRegion, start, end, f.regions[n-1].Start, f.regions[n-1].End)
	}

	if eraseNow {
		if err := f.dev.Erase(start, end-start); err != nil {
			return fmt.Errorf("erase new region: %w", err)
		}
	}

	f.regions = append(f.regions, Region{Start: start, End: end})
	f.size += end - start

	logger.Info("region added",
		logger.KeyRegion, len(f.regions)-1,
		logger.KeyAddr, start,
		logger.KeySize, end-start)
	return nil
}

// Regions returns a copy of the region table.
func (f *FTL) Regions() []Region {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Region, len(f.regions))
	copy(out, f.regions)
	return out
}

// Size returns the total virtual space in bytes.
func (f *FTL) Size() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// segment is one physical piece of a virtual interval.
type segment struct {
	addr uint64 // physical address
	off  uint64 // offset into the caller's buffer
	size uint64
}

// resolve splits the virtual interval [off, off+size) into physical
// segments. Callers hold at least the read lock.
func (f *FTL) resolve(off, size uint64) ([]segment, error) {
	if size == 0 {
		return nil, nil
	}
	if off > f.size || size > f.size-off {
		return nil, ErrOutOfBounds
	}

	var segs []segment
	var virtBase uint64 // running virtual offset of the region start
	remaining := size
	cursor := off

	for _, r := range f.regions {
		regionEnd := virtBase + r.Size()
		if cursor < regionEnd && remaining > 0 {
			inRegion := cursor - virtBase
			n := r.Size() - inRegion
			if n > remaining {
				n = remaining
			}
			segs = append(segs, segment{
				addr: r.Start + inRegion,
				off:  size - remaining,
				size: n,
			})
			cursor += n
			remaining -= n
		}
		virtBase = regionEnd
	}

	if remaining != 0 {
		// Cannot happen while size is the sum of region sizes.
		return nil, fmt.Errorf("ftl: unresolved %d bytes at virtual %#x", remaining, off)
	}
	return segs, nil
}

// Read fills p from the virtual offset off, transparently crossing
// region boundaries. Out-of-bounds reads are logged no-ops.
func (f *FTL) Read(p []byte, off uint64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	segs, err := f.resolve(off, uint64(len(p)))
	if err != nil {
		logger.Error("rejected flash read", logger.KeyOffset, off, logger.KeySize, len(p), logger.KeyError, err)
		return err
	}
	for _, s := range segs {
		if err := f.dev.ReadAt(p[s.off:s.off+s.size], s.addr); err != nil {
			return fmt.Errorf("read virtual %#x: %w", off, err)
		}
	}
	return nil
}

// Write programs p at the virtual offset off, transparently crossing
// region boundaries. Out-of-bounds writes are logged no-ops, so a stray
// offset from a higher layer cannot corrupt physical flash.
func (f *FTL) Write(p []byte, off uint64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	segs, err := f.resolve(off, uint64(len(p)))
	if err != nil {
		logger.Error("rejected flash write", logger.KeyOffset, off, logger.KeySize, len(p), logger.KeyError, err)
		return err
	}
	for _, s := range segs {
		if err := f.dev.Program(p[s.off:s.off+s.size], s.addr); err != nil {
			return fmt.Errorf("write virtual %#x: %w", off, err)
		}
	}
	return nil
}

// Erase erases [off, off+size) of the virtual space. Offset and size must
// be subsector aligned; since region bounds are erase aligned, every
// subsector maps to exactly one physical range.
func (f *FTL) Erase(off, size uint64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sub := f.dev.Geometry().SubsectorSize
	if off%sub != 0 || size%sub != 0 || size == 0 {
		return flash.ErrUnaligned
	}

	segs, err := f.resolve(off, size)
	if err != nil {
		logger.Error("rejected flash erase", logger.KeyOffset, off, logger.KeySize, size, logger.KeyError, err)
		return err
	}
	for _, s := range segs {
		if err := f.dev.Erase(s.addr, s.size); err != nil {
			return fmt.Errorf("erase virtual %#x: %w", off, err)
		}
	}
	return nil
}

// EraseSubsector erases one small erase unit at off, which must be
// subsector aligned.
func (f *FTL) EraseSubsector(off uint64) error {
	return f.Erase(off, f.dev.Geometry().SubsectorSize)
}

// EraseSector erases one bulk sector at off, which must be sector aligned.
func (f *FTL) EraseSector(off uint64) error {
	return f.Erase(off, f.dev.Geometry().SectorSize)
}
