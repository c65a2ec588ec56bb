package flash

import (
	"sync"
)

// MemDevice is an in-memory simulated NOR part.
//
// It is used by tests and by the power-loss harness: a program hook can
// be installed to cut power at an arbitrary operation boundary, and erase
// counts are tracked per subsector so wear behavior can be asserted.
type MemDevice struct {
	mu   sync.Mutex
	geo  Geometry
	data []byte

	// programHook runs before each Program. Returning an error aborts the
	// operation with nothing applied, which models power loss at an
	// operation boundary.
	programHook func(addr uint64, p []byte) error
	eraseHook   func(addr, size uint64) error

	eraseCounts map[uint64]int // subsector addr -> erases
}

// NewMemDevice creates a blank (all 0xFF) simulated part.
func NewMemDevice(geo Geometry) *MemDevice {
	data := make([]byte, geo.Size)
	for i := range data {
		data[i] = 0xFF
	}
	return &MemDevice{
		geo:         geo,
		data:        data,
		eraseCounts: make(map[uint64]int),
	}
}

// Geometry returns the simulated part's geometry.
func (d *MemDevice) Geometry() Geometry {
	return d.geo
}

// ReadAt copies len(p) bytes starting at addr into p.
func (d *MemDevice) ReadAt(p []byte, addr uint64) error {
	if err := checkRange(d.geo, addr, uint64(len(p))); err != nil {
		return err
	}
	d.mu.Lock()
	copy(p, d.data[addr:addr+uint64(len(p))])
	d.mu.Unlock()
	return nil
}

// Program ANDs p into the device starting at addr.
func (d *MemDevice) Program(p []byte, addr uint64) error {
	if err := checkRange(d.geo, addr, uint64(len(p))); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.programHook != nil {
		if err := d.programHook(addr, p); err != nil {
			return err
		}
	}
	for i, b := range p {
		d.data[addr+uint64(i)] &= b
	}
	return nil
}

// Erase returns the range [addr, addr+size) to 0xFF.
func (d *MemDevice) Erase(addr, size uint64) error {
	if err := checkErase(d.geo, addr, size); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.eraseHook != nil {
		if err := d.eraseHook(addr, size); err != nil {
			return err
		}
	}
	for i := addr; i < addr+size; i++ {
		d.data[i] = 0xFF
	}
	for sub := addr; sub < addr+size; sub += d.geo.SubsectorSize {
		d.eraseCounts[sub]++
	}
	return nil
}

// SetProgramHook installs a hook invoked before every Program.
func (d *MemDevice) SetProgramHook(hook func(addr uint64, p []byte) error) {
	d.mu.Lock()
	d.programHook = hook
	d.mu.Unlock()
}

// SetEraseHook installs a hook invoked before every Erase.
func (d *MemDevice) SetEraseHook(hook func(addr, size uint64) error) {
	d.mu.Lock()
	d.eraseHook = hook
	d.mu.Unlock()
}

// EraseCount returns how many times the subsector at addr has been erased.
func (d *MemDevice) EraseCount(addr uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eraseCounts[addr-addr%d.geo.SubsectorSize]
}

// Snapshot returns a copy of the device contents, for byte-for-byte
// comparisons in crash-recovery tests.
func (d *MemDevice) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := make([]byte, len(d.data))
	copy(snap, d.data)
	return snap
}

// Restore replaces the device contents from a snapshot taken earlier.
// Tests use it to rewind to a pre-crash image.
func (d *MemDevice) Restore(snap []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data, snap)
}
