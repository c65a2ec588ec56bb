// gc.go reclaims erase sectors that hold a mix of live and dead pages.
//
// A collection captures the sector's live pages into a scratch file
// inside the reserved GC sector, stamps the scratch record valid, erases
// the sector, replays the live pages back and removes the scratch file.
// The scratch record's validity flag is the last byte written during
// capture, so power loss at any point either leaves the original sector
// untouched (capture incomplete, scratch discarded at boot) or is rolled
// forward by replaying the valid scratch record at mount. This is the
// filesystem's only multi-step transaction.

package pfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/flintfs/internal/logger"
)

// gcScratchName is the well-known name of the scratch file. It lives
// only inside the reserved sector and only for the duration of one
// collection (or until the next mount, after a crash).
const gcScratchName = "@gc"

// gcFileType tags the scratch file.
const gcFileType byte = 0x7F

// Scratch record layout (file payload):
//
//	0  u32 first page of the sector being collected
//	4  u32 live-page bitmask (bit i = page sector+i)
//	8  u16 entry count (pages per sector)
//	10 u8  validity flag: 0xFF until capture completed, then 0x00
//	11 per page: raw page header image (pageHeaderSize bytes)
//	.. per live page, ascending: raw page body (PageSize-pageHeaderSize)
const (
	scratchOffSector  = 0
	scratchOffMask    = 4
	scratchOffCount   = 8
	scratchOffValid   = 10
	scratchHeaderSize = 11
)

// inGCSector reports whether a page lies inside the GC reservation.
func (fs *Filesystem) inGCSector(page uint32) bool {
	return fs.gcSector != invalidPage &&
		page >= fs.gcSector && page < fs.gcSector+fs.pagesPerSector
}

// reserveGCSector picks a fully-free erase sector as the new GC
// reservation, scanning forward from the allocation cursor so the
// reservation itself rotates across the part.
func (fs *Filesystem) reserveGCSector() error {
	sectorCount := fs.pageCount / fs.pagesPerSector
	start := (fs.sectorFirst(fs.lastWritten)/fs.pagesPerSector + 1) % sectorCount

	for i := uint32(0); i < sectorCount; i++ {
		sector := ((start + i) % sectorCount) * fs.pagesPerSector
		if sector == fs.gcSector {
			continue
		}
		if fs.sectorFreeCount(sector) == fs.pagesPerSector {
			fs.gcSector = sector
			fs.gcCursor = sector
			fs.gcUses = 0
			logger.Debug("GC sector reserved", logger.KeySector, sector)
			return nil
		}
	}
	return ErrOutOfStorage
}

// findGCPage hands out the next sequential free page of the
// reservation, bypassing the wear-leveling search entirely.
func (fs *Filesystem) findGCPage() (uint32, error) {
	if fs.gcSector == invalidPage {
		return 0, fmt.Errorf("%w: no GC reservation", ErrInternal)
	}
	for fs.gcCursor < fs.gcSector+fs.pagesPerSector {
		p := fs.gcCursor
		fs.gcCursor++
		if fs.classes[p].free() {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: GC reservation exhausted mid-capture", ErrInternal)
}

// ensureGCCapacity makes room for a scratch file of n pages, erasing
// the spent reservation or moving it once its use budget is consumed.
func (fs *Filesystem) ensureGCCapacity(n uint32) error {
	if fs.gcSector == invalidPage {
		if err := fs.reserveGCSector(); err != nil {
			return err
		}
	}

	if fs.gcUses >= fs.opts.GCSectorMaxUses {
		// Rotate the reservation to spread scratch wear. The spent
		// sector holds only dead scratch pages and returns to the
		// general pool at its next collection.
		old := fs.gcSector
		fs.gcSector = invalidPage
		if err := fs.reserveGCSector(); err != nil {
			fs.gcSector = old // keep the old one rather than none
			fs.gcUses = 0
			logger.Warn("no free sector to rotate GC reservation into")
		}
	}

	remaining := uint32(0)
	for p := fs.gcCursor; p < fs.gcSector+fs.pagesPerSector; p++ {
		if fs.classes[p].free() {
			remaining++
		}
	}
	if remaining >= n {
		return nil
	}

	// Reclaim the reservation in place: everything in it is a dead
	// scratch remnant.
	for p := fs.gcSector; p < fs.gcSector+fs.pagesPerSector; p++ {
		if fs.classes[p].live() {
			return fmt.Errorf("%w: live page %d inside GC reservation", ErrInternal, p)
		}
	}
	if err := fs.eraseSector(fs.gcSector); err != nil {
		return err
	}
	fs.gcCursor = fs.gcSector
	return nil
}

// collectSector reclaims one erase sector. A sector with no live pages
// is erased outright; otherwise the live pages round-trip through the
// scratch record as described in the file comment.
func (fs *Filesystem) collectSector(sector uint32) error {
	start := time.Now()
	mask := fs.sectorLiveMask(sector)

	if mask == 0 {
		if err := fs.eraseSector(sector); err != nil {
			return err
		}
		fs.metricGC(time.Since(start), 0)
		return nil
	}

	liveCount := 0
	for i := uint32(0); i < fs.pagesPerSector; i++ {
		if mask&(1<<i) != 0 {
			liveCount++
		}
	}
	logger.Debug("collecting sector",
		logger.KeySector, sector, "live_pages", liveCount)

	// Capture: read the whole sector and build the scratch record.
	pages := make([][]byte, fs.pagesPerSector)
	for i := uint32(0); i < fs.pagesPerSector; i++ {
		buf := make([]byte, PageSize)
		if err := fs.ftl.Read(buf, pageAddr(sector+i)); err != nil {
			return err
		}
		pages[i] = buf
		fs.yield()
	}
	record := buildScratchRecord(sector, mask, pages)

	if err := fs.ensureGCCapacity(pagesForFile(uint32(len(record)), len(gcScratchName))); err != nil {
		return err
	}

	slot, err := fs.acquireSlot(gcScratchName, true)
	if err != nil {
		return err
	}
	d := &fs.descs[slot]
	if err := fs.createFileDesc(slot, gcScratchName, gcFileType, uint32(len(record)), false, true); err != nil {
		fs.releaseSlot(slot)
		return err
	}

	if _, err := fs.writeDesc(d, record); err != nil {
		fs.releaseSlot(slot)
		return err
	}
	// Commit: the validity flag is the last byte written during capture.
	fs.seekDesc(d, scratchOffValid)
	if _, err := fs.writeDesc(d, []byte{0x00}); err != nil {
		fs.releaseSlot(slot)
		return err
	}

	scratchStart := d.startPage

	// Erase the original sector and replay the live pages back.
	if err := fs.replayScratch(sector, mask, record); err != nil {
		fs.releaseSlot(slot)
		return err
	}

	// The scratch record is consumed; remove it.
	if err := fs.removeChain(scratchStart); err != nil {
		fs.releaseSlot(slot)
		return err
	}
	fs.releaseSlot(slot)

	fs.gcUses++
	fs.metricGC(time.Since(start), liveCount)
	fs.metricFreePages()
	return nil
}

// buildScratchRecord serializes a capture of the given sector. The
// validity flag starts blank (0xFF); it is committed separately.
func buildScratchRecord(sector, mask uint32, pages [][]byte) []byte {
	record := make([]byte, scratchHeaderSize, scratchHeaderSize+len(pages)*PageSize)
	binary.LittleEndian.PutUint32(record[scratchOffSector:], sector)
	binary.LittleEndian.PutUint32(record[scratchOffMask:], mask)
	binary.LittleEndian.PutUint16(record[scratchOffCount:], uint16(len(pages)))
	record[scratchOffValid] = 0xFF

	for _, page := range pages {
		record = append(record, page[:pageHeaderSize]...)
	}
	for i, page := range pages {
		if mask&(1<<uint32(i)) != 0 {
			record = append(record, page[pageHeaderSize:]...)
		}
	}
	return record
}

// parseScratchRecord splits a scratch record back into its parts.
func parseScratchRecord(record []byte, pagesPerSector uint32) (sector, mask uint32, valid bool, headers, bodies [][]byte, err error) {
	need := scratchHeaderSize + int(pagesPerSector)*pageHeaderSize
	if len(record) < need {
		return 0, 0, false, nil, nil, fmt.Errorf("%w: scratch record truncated", ErrHeaderCorrupt)
	}
	sector = binary.LittleEndian.Uint32(record[scratchOffSector:])
	mask = binary.LittleEndian.Uint32(record[scratchOffMask:])
	count := binary.LittleEndian.Uint16(record[scratchOffCount:])
	valid = record[scratchOffValid] == 0x00
	if uint32(count) != pagesPerSector {
		return 0, 0, false, nil, nil, fmt.Errorf("%w: scratch entry count %d", ErrHeaderCorrupt, count)
	}

	headers = make([][]byte, pagesPerSector)
	off := scratchHeaderSize
	for i := uint32(0); i < pagesPerSector; i++ {
		headers[i] = record[off : off+pageHeaderSize]
		off += pageHeaderSize
	}

	bodies = make([][]byte, pagesPerSector)
	const bodySize = PageSize - pageHeaderSize
	for i := uint32(0); i < pagesPerSector; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		if len(record) < off+bodySize {
			return 0, 0, false, nil, nil, fmt.Errorf("%w: scratch bodies truncated", ErrHeaderCorrupt)
		}
		bodies[i] = record[off : off+bodySize]
		off += bodySize
	}
	return sector, mask, valid, headers, bodies, nil
}

// replayScratch erases the collected sector and writes its live pages
// back from the scratch record. It is idempotent: recovery may re-drive
// it from the start after a crash at any point.
func (fs *Filesystem) replayScratch(sector, mask uint32, record []byte) error {
	_, _, _, headers, bodies, err := parseScratchRecord(record, fs.pagesPerSector)
	if err != nil {
		return err
	}

	if err := fs.ftl.Erase(pageAddr(sector), uint64(fs.pagesPerSector)*PageSize); err != nil {
		return err
	}
	fs.metricErase()

	for i := uint32(0); i < fs.pagesPerSector; i++ {
		page := sector + i
		stored, _ := decodePageHeader(headers[i])
		newCount := bumpEraseCount(stored.eraseCount)

		if mask&(1<<i) == 0 {
			if err := fs.writeEraseHeader(page, newCount); err != nil {
				return err
			}
			continue
		}

		// Rebuild the header with the bumped erase counter; flags,
		// marker and the next link are copied from the capture.
		var buf [pageHeaderSize]byte
		for j := range buf {
			buf[j] = 0xFF
		}
		buf[offVersion] = stored.version
		buf[offMarker] = stored.marker
		buf[offFlags] = stored.rawFlags
		binary.LittleEndian.PutUint16(buf[offEraseCount:], newCount)
		copy(buf[offNextPage:offNextCRC+1], headers[i][offNextPage:offNextCRC+1])
		binary.LittleEndian.PutUint32(buf[offHeaderCRC:], headerCRC(stored.version, stored.rawFlags, newCount))

		if err := fs.ftl.Write(buf[:], pageAddr(page)); err != nil {
			return err
		}
		if err := fs.ftl.Write(bodies[i], pageAddr(page)+pageHeaderSize); err != nil {
			return err
		}

		_, class := decodePageHeader(buf[:])
		fs.classes[page] = class
		fs.yield()
	}
	return nil
}

// recoverGC runs at mount, before any other operation. A valid scratch
// record means power was lost after capture committed: the erase and
// replay are re-driven. An invalid one means capture never finished and
// the original sector is intact; the scratch is simply discarded.
func (fs *Filesystem) recoverGC() error {
	start, fh, err := fs.findFile(gcScratchName, true)
	if errors.Is(err, ErrDoesNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	record, err := fs.readWholeFile(start, fh)
	if err != nil {
		logger.Warn("unreadable GC scratch record, discarding", logger.KeyError, err)
		return fs.removeChain(start)
	}

	sector, mask, valid, _, _, err := parseScratchRecord(record, fs.pagesPerSector)
	if err != nil {
		logger.Warn("malformed GC scratch record, discarding", logger.KeyError, err)
		return fs.removeChain(start)
	}

	if valid {
		logger.Info("resuming interrupted garbage collection",
			logger.KeySector, sector)
		if err := fs.replayScratch(sector, mask, record); err != nil {
			return err
		}
	} else {
		logger.Info("discarding uncommitted GC scratch record")
	}
	return fs.removeChain(start)
}
