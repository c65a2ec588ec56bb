// cache.go holds the descriptor table. Descriptors outlive file handles:
// a closed descriptor stays idle, caching the file's start page, size and
// chain position so a reopen skips the flash scan. Idle descriptors are
// evicted least-recently-closed when the table fills.

package pfs

import "fmt"

const (
	// descriptorSlots is the total size of the descriptor table.
	descriptorSlots = 12

	// gcReservedSlots are set aside at the top of the table for the GC
	// scratch file, so a full table never blocks a collection.
	gcReservedSlots = 2

	// pageMapSlots bounds the per-descriptor chain index.
	pageMapSlots = 32
)

type descStatus uint8

const (
	descFree descStatus = iota
	descIdle
	descActive
)

// pageMap is a sparse logical-index -> physical-page index over a file
// chain. Every stride-th page is recorded during sequential walks so a
// later random seek can start its walk nearby instead of at the chain
// head. Only populated for descriptors opened with OpenPageCache.
type pageMap struct {
	stride uint32
	pages  [pageMapSlots]uint32
}

func newPageMap(chainPages uint32) pageMap {
	stride := (chainPages + pageMapSlots - 1) / pageMapSlots
	if stride == 0 {
		stride = 1
	}
	m := pageMap{stride: stride}
	for i := range m.pages {
		m.pages[i] = invalidPage
	}
	return m
}

func (m *pageMap) record(idx, phys uint32) {
	if m.stride == 0 || idx%m.stride != 0 {
		return
	}
	if slot := idx / m.stride; slot < pageMapSlots {
		m.pages[slot] = phys
	}
}

// lookup returns the closest recorded chain position at or before idx.
func (m *pageMap) lookup(idx uint32) (logical, phys uint32, ok bool) {
	if m.stride == 0 {
		return 0, 0, false
	}
	slot := idx / m.stride
	if slot >= pageMapSlots {
		slot = pageMapSlots - 1
	}
	for {
		if m.pages[slot] != invalidPage {
			return slot * m.stride, m.pages[slot], true
		}
		if slot == 0 {
			return 0, 0, false
		}
		slot--
	}
}

// descriptor is one slot of the table.
type descriptor struct {
	status descStatus
	name   string

	startPage uint32
	size      uint32
	ftype     byte
	tmp       bool

	writable bool
	flags    OpenFlags

	// Chain walk state.
	offset  uint32
	curPage uint32 // physical page backing curIdx, or invalidPage
	curIdx  uint32
	pmap    pageMap

	// closeSeq orders idle descriptors for eviction.
	closeSeq uint64
}

func (d *descriptor) reset() {
	*d = descriptor{curPage: invalidPage}
}

// lookupIdle finds an idle descriptor caching the named file.
func (fs *Filesystem) lookupIdle(name string) (int, bool) {
	for i := range fs.descs {
		if fs.descs[i].status == descIdle && fs.descs[i].name == name {
			return i, true
		}
	}
	return 0, false
}

// acquireSlot claims a descriptor slot: a free one if available,
// otherwise the least-recently-closed idle one. GC claims only the
// reserved slots and ordinary opens never touch them.
func (fs *Filesystem) acquireSlot(name string, forGC bool) (int, error) {
	lo, hi := 0, descriptorSlots-gcReservedSlots
	if forGC {
		lo, hi = descriptorSlots-gcReservedSlots, descriptorSlots
	}

	evict, evictSeq := -1, ^uint64(0)
	for i := lo; i < hi; i++ {
		d := &fs.descs[i]
		switch d.status {
		case descFree:
			d.reset()
			d.name = name
			return i, nil
		case descIdle:
			if d.closeSeq < evictSeq {
				evict, evictSeq = i, d.closeSeq
			}
		}
	}
	if evict >= 0 {
		d := &fs.descs[evict]
		d.reset()
		d.name = name
		return evict, nil
	}
	return 0, fmt.Errorf("%w: descriptor table full", ErrOutOfResources)
}

func (fs *Filesystem) releaseSlot(slot int) {
	fs.descs[slot].reset()
}

// invalidateDescByStart drops any idle descriptor caching a file whose
// chain starts at the given page. Called after a chain is removed so a
// stale descriptor can never resurrect the file.
func (fs *Filesystem) invalidateDescByStart(start uint32) {
	for i := range fs.descs {
		d := &fs.descs[i]
		if d.status == descIdle && d.startPage == start {
			d.reset()
		}
	}
}
