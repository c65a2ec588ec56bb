// filedev.go provides a flash image file backed by mmap.
//
// The image holds a bit-exact copy of the NOR contents, so the same file
// can be flashed onto hardware, inspected with the flintfs CLI, or used
// to reproduce a device state captured in the field. A freshly created
// image is all 0xFF, matching a factory-erased part.

package flash

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileDevice is a NOR image file mapped into memory.
type FileDevice struct {
	mu     sync.Mutex
	geo    Geometry
	file   *os.File
	data   []byte // mmap'd region
	closed bool
}

// OpenFileDevice opens (or creates) a flash image at path with the given
// geometry. An existing image must match the geometry's size exactly.
func OpenFileDevice(path string, geo Geometry) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}

	switch uint64(info.Size()) {
	case geo.Size:
		// existing image, keep contents
	case 0:
		// fresh image: size it and fill with erased flash
		if err := f.Truncate(int64(geo.Size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("size image: %w", err)
		}
		if err := fillErased(f, geo.Size); err != nil {
			_ = f.Close()
			return nil, err
		}
	default:
		_ = f.Close()
		return nil, fmt.Errorf("image %s is %d bytes, geometry wants %d", path, info.Size(), geo.Size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(geo.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap image: %w", err)
	}

	return &FileDevice{geo: geo, file: f, data: data}, nil
}

// fillErased writes 0xFF across a new image file.
func fillErased(f *os.File, size uint64) error {
	chunk := make([]byte, 64*1024)
	for i := range chunk {
		chunk[i] = 0xFF
	}
	var off uint64
	for off < size {
		n := uint64(len(chunk))
		if size-off < n {
			n = size - off
		}
		if _, err := f.WriteAt(chunk[:n], int64(off)); err != nil {
			return fmt.Errorf("blank image: %w", err)
		}
		off += n
	}
	return nil
}

// Geometry returns the image geometry.
func (d *FileDevice) Geometry() Geometry {
	return d.geo
}

// ReadAt copies len(p) bytes starting at addr into p.
func (d *FileDevice) ReadAt(p []byte, addr uint64) error {
	if err := checkRange(d.geo, addr, uint64(len(p))); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	copy(p, d.data[addr:addr+uint64(len(p))])
	return nil
}

// Program ANDs p into the image starting at addr.
func (d *FileDevice) Program(p []byte, addr uint64) error {
	if err := checkRange(d.geo, addr, uint64(len(p))); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	for i, b := range p {
		d.data[addr+uint64(i)] &= b
	}
	return nil
}

// Erase returns the range [addr, addr+size) to 0xFF.
func (d *FileDevice) Erase(addr, size uint64) error {
	if err := checkErase(d.geo, addr, size); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	for i := addr; i < addr+size; i++ {
		d.data[i] = 0xFF
	}
	return nil
}

// Sync flushes dirty mapped pages to the image file.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync image: %w", err)
	}
	return nil
}

// Close flushes and unmaps the image.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	_ = unix.Msync(d.data, unix.MS_SYNC)
	if err := unix.Munmap(d.data); err != nil {
		_ = d.file.Close()
		return fmt.Errorf("munmap image: %w", err)
	}
	d.data = nil
	return d.file.Close()
}
