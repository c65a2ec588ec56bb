// alloc.go is the wear-leveling allocator. It advances a single global
// "last written" cursor so consecutive allocations march forward across
// the part instead of hammering one sector, and it hands partially-free
// sectors to the garbage collector when no pre-erased page remains.

package pfs

import (
	"time"

	"github.com/marmos91/flintfs/internal/logger"
)

// allocPage returns the next page for ordinary file traffic, advancing
// past the most recently written page and wrapping across erase
// sectors. When commitAsLastWritten is set, the last-written marker is
// moved: the previous marker is retired first so that at most one page
// ever carries it (power loss between the two writes leaves no marker,
// which mount resolves by defaulting to the final page).
//
// Returns ErrOutOfStorage when no free page exists anywhere outside the
// reserved GC sector.
func (fs *Filesystem) allocPage(class PageClass, commitAsLastWritten bool) (uint32, error) {
	page, err := fs.findFreePage()
	if err != nil {
		return 0, err
	}
	if err := fs.commitPage(page, class, commitAsLastWritten); err != nil {
		return 0, err
	}
	return page, nil
}

// commitPage writes the page header for a freshly chosen free page and,
// when commit is set, moves the last-written marker onto it.
func (fs *Filesystem) commitPage(page uint32, class PageClass, commit bool) error {
	marker := markerUnmarked
	if commit {
		// A free page cannot carry the marker (the cursor defaults to a
		// blank page after format) and must not be dirtied by a retire.
		if fs.lastWritten != page && !fs.classes[fs.lastWritten].free() {
			if err := fs.retireMarker(fs.lastWritten); err != nil {
				return err
			}
		}
		marker = markerCurrent
	}

	if err := fs.writeNewPage(page, class, marker); err != nil {
		return err
	}
	if commit {
		fs.lastWritten = page
	}
	return nil
}

// findFreePage implements the allocation search:
//
//  1. a free page later in the same erase sector as the last-written
//     page
//  2. advancing sector by sector (wrapping), a sector with at least one
//     pre-erased page
//  3. failing that, a sector that is not the GC reservation and has
//     fewer live pages than a full sector: collecting it frees at least
//     one page
func (fs *Filesystem) findFreePage() (uint32, error) {
	// Step 1: remainder of the current sector.
	curSector := fs.sectorFirst(fs.lastWritten)
	if !fs.inGCSector(fs.lastWritten) {
		for p := fs.lastWritten + 1; p < curSector+fs.pagesPerSector && p < fs.pageCount; p++ {
			if fs.classes[p].free() {
				return p, nil
			}
		}
	}

	// Steps 2 and 3: walk sectors starting after the current one.
	sectorCount := fs.pageCount / fs.pagesPerSector
	start := (curSector/fs.pagesPerSector + 1) % sectorCount

	var collectable = invalidPage
	for i := uint32(0); i < sectorCount; i++ {
		sector := ((start + i) % sectorCount) * fs.pagesPerSector
		if sector == fs.gcSector {
			continue
		}
		if p, ok := fs.firstFreeInSector(sector); ok {
			return p, nil
		}
		if collectable == invalidPage && fs.sectorLiveCount(sector) < fs.pagesPerSector {
			collectable = sector
		}
	}

	if collectable != invalidPage {
		if err := fs.collectSector(collectable); err != nil {
			return 0, err
		}
		if p, ok := fs.firstFreeInSector(collectable); ok {
			return p, nil
		}
		// A collection that frees nothing is an accounting bug.
		return 0, ErrInternal
	}

	fs.metricOutOfStorage()
	logger.Warn("allocation failed: no free page outside GC reservation")
	return 0, ErrOutOfStorage
}

// firstFreeInSector returns the lowest free page of a sector.
func (fs *Filesystem) firstFreeInSector(sector uint32) (uint32, bool) {
	for p := sector; p < sector+fs.pagesPerSector; p++ {
		if fs.classes[p].free() {
			return p, true
		}
	}
	return 0, false
}

// sectorLiveCount counts the live (start or continuation) pages of a
// sector. Deleted, corrupt and foreign-version pages all count as dead:
// collection reclaims them.
func (fs *Filesystem) sectorLiveCount(sector uint32) uint32 {
	var n uint32
	for p := sector; p < sector+fs.pagesPerSector; p++ {
		if fs.classes[p].live() {
			n++
		}
	}
	return n
}

// sectorLiveMask builds the live-page bitmask of a sector, bit i
// standing for page sector+i.
func (fs *Filesystem) sectorLiveMask(sector uint32) uint32 {
	var mask uint32
	for i := uint32(0); i < fs.pagesPerSector; i++ {
		if fs.classes[sector+i].live() {
			mask |= 1 << i
		}
	}
	return mask
}

// prewarm garbage-collects until at least want free pages exist or the
// elapsed-time budget runs out. Creation calls it before committing any
// page so callers do not stall on unbounded GC latency mid-write;
// partial progress is acceptable.
func (fs *Filesystem) prewarm(want uint32, budget time.Duration) {
	deadline := time.Now().Add(budget)
	sectorCount := fs.pageCount / fs.pagesPerSector

	for fs.freePageCount() < want && time.Now().Before(deadline) {
		collected := false
		for i := uint32(0); i < sectorCount; i++ {
			sector := i * fs.pagesPerSector
			if sector == fs.gcSector {
				continue
			}
			live := fs.sectorLiveCount(sector)
			if live == fs.pagesPerSector {
				continue
			}
			if _, free := fs.firstFreeInSector(sector); free && live == 0 {
				continue // nothing to gain, sector is already all free
			}
			if fs.sectorFreeCount(sector)+live == fs.pagesPerSector {
				continue // no dead pages to reclaim
			}
			if err := fs.collectSector(sector); err != nil {
				logger.Warn("prewarm collection failed",
					logger.KeySector, sector, logger.KeyError, err)
				return
			}
			collected = true
			fs.yield()
			if fs.freePageCount() >= want || !time.Now().Before(deadline) {
				break
			}
		}
		if !collected {
			return // nothing reclaimable anywhere
		}
	}
}

// sectorFreeCount counts free pages of a sector.
func (fs *Filesystem) sectorFreeCount(sector uint32) uint32 {
	var n uint32
	for p := sector; p < sector+fs.pagesPerSector; p++ {
		if fs.classes[p].free() {
			n++
		}
	}
	return n
}
