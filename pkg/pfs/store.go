// store.go is the page store: it reads and writes page-sized units of
// the FTL's virtual space and keeps the in-RAM page class cache in sync
// with what is on flash.

package pfs

import (
	"fmt"

	"github.com/marmos91/flintfs/internal/logger"
)

// pageAddr returns the virtual byte offset of a page.
func pageAddr(page uint32) uint64 {
	return uint64(page) * PageSize
}

// sectorFirst returns the first page of the erase sector containing page.
func (fs *Filesystem) sectorFirst(page uint32) uint32 {
	return page - page%fs.pagesPerSector
}

// readHeader reads and classifies the header of a page.
func (fs *Filesystem) readHeader(page uint32) (pageHeader, PageClass, error) {
	var buf [pageHeaderSize]byte
	if err := fs.ftl.Read(buf[:], pageAddr(page)); err != nil {
		return pageHeader{}, ClassCorrupt, err
	}
	h, class := decodePageHeader(buf[:])
	return h, class, nil
}

// readStartPage reads the file header and name of a start page. The
// returned ok is false when the file header fails its checksum; callers
// doing bulk scans skip such records instead of aborting.
func (fs *Filesystem) readStartPage(page uint32, verifyCRC bool) (fileHeader, string, bool, error) {
	var buf [fileHeaderSize + MaxFilenameLen]byte
	if err := fs.ftl.Read(buf[:], pageAddr(page)+pageHeaderSize); err != nil {
		return fileHeader{}, "", false, err
	}

	fh := parseFileHeader(buf[:fileHeaderSize])
	if fh.nameLen == 0 || fh.nameLen > MaxFilenameLen {
		return fh, "", false, nil
	}
	name := string(buf[fileHeaderSize : fileHeaderSize+int(fh.nameLen)])

	if verifyCRC && !verifyFileHeader(buf[:fileHeaderSize], fh, name) {
		return fh, name, false, nil
	}
	return fh, name, true, nil
}

// writeNewPage programs a full header onto a free page and updates the
// class cache. The page must currently be unallocated or carry an erase
// header; in the latter case the erase count is preserved and the erased
// flag bit stays asserted so the programmed bytes match the AND result.
func (fs *Filesystem) writeNewPage(page uint32, class PageClass, marker byte) error {
	assert := flagStart
	if class == ClassContinuation {
		assert = flagCont
	}

	h := pageHeader{
		version:    HeaderVersion,
		marker:     marker,
		rawFlags:   0xFF &^ assert,
		eraseCount: 0xFFFF,
		nextPage:   invalidPage,
	}

	if fs.classes[page] == ClassErased {
		prev, _, err := fs.readHeader(page)
		if err != nil {
			return err
		}
		h.rawFlags &^= flagErased
		h.eraseCount = prev.eraseCount
	}

	buf := encodePageHeader(h)
	if err := fs.ftl.Write(buf[:], pageAddr(page)); err != nil {
		return err
	}
	fs.classes[page] = class
	fs.metricAllocation()
	return nil
}

// setNextLink programs the next-page link of an already written header.
func (fs *Filesystem) setNextLink(page, next uint32) error {
	buf := encodeNextLink(next)
	return fs.ftl.Write(buf[:], pageAddr(page)+offNextPage)
}

// retireMarker retires a previously current last-written marker.
func (fs *Filesystem) retireMarker(page uint32) error {
	return fs.ftl.Write([]byte{markerRetired}, pageAddr(page)+offMarker)
}

// markDeleted clears the deleted flag bit of a page and updates the
// class cache. All other flag bits are left untouched by the AND write.
func (fs *Filesystem) markDeleted(page uint32) error {
	if err := fs.ftl.Write([]byte{0xFF &^ flagDeleted}, pageAddr(page)+offFlags); err != nil {
		return err
	}
	fs.classes[page] = ClassDeleted
	return nil
}

// file state field selector for setFileState.
type fileState uint8

const (
	fileStateTmp fileState = iota
	fileStateCreate
	fileStateDelete
)

// setFileState drives one of the start page's three state fields to done.
func (fs *Filesystem) setFileState(startPage uint32, which fileState) error {
	var fieldOff uint64
	switch which {
	case fileStateTmp:
		fieldOff = offTmpState
	case fileStateCreate:
		fieldOff = offCreateState
	case fileStateDelete:
		fieldOff = offDeleteState
	default:
		return fmt.Errorf("%w: unknown file state %d", ErrInternal, which)
	}
	return fs.ftl.Write([]byte{0x00, 0x00}, pageAddr(startPage)+pageHeaderSize+fieldOff)
}

// writeEraseHeader programs an erase header onto a just-erased page and
// updates the class cache.
func (fs *Filesystem) writeEraseHeader(page uint32, eraseCount uint16) error {
	buf := encodeEraseHeader(eraseCount)
	if err := fs.ftl.Write(buf[:], pageAddr(page)); err != nil {
		return err
	}
	fs.classes[page] = ClassErased
	return nil
}

// bumpEraseCount returns the erase counter to store after one more
// erase of a page whose previous counter was prev. A blank counter
// (never written) counts from zero.
func bumpEraseCount(prev uint16) uint16 {
	if prev == 0xFFFF {
		return 1
	}
	if prev == 0xFFFE {
		// Saturate just below the blank value so the counter can never
		// read as "unknown" again.
		return 0xFFFE
	}
	return prev + 1
}

// eraseSector erases one erase sector, preserving erase counters by
// rewriting erase headers, and updates the class cache.
func (fs *Filesystem) eraseSector(sectorPage uint32) error {
	counts := make([]uint16, fs.pagesPerSector)
	for i := uint32(0); i < fs.pagesPerSector; i++ {
		h, _, err := fs.readHeader(sectorPage + i)
		if err != nil {
			return err
		}
		counts[i] = bumpEraseCount(h.eraseCount)
	}

	if err := fs.ftl.Erase(pageAddr(sectorPage), uint64(fs.pagesPerSector)*PageSize); err != nil {
		return err
	}
	fs.metricErase()

	for i := uint32(0); i < fs.pagesPerSector; i++ {
		if err := fs.writeEraseHeader(sectorPage+i, counts[i]); err != nil {
			return err
		}
	}

	logger.Debug("sector erased", logger.KeySector, sectorPage)
	return nil
}

// yield invokes the embedder's long-operation progress hook, if any.
// Multi-second erase and GC loops call it so the embedding system can
// feed watchdogs or yield the CPU.
func (fs *Filesystem) yield() {
	if fs.opts.Progress != nil {
		fs.opts.Progress()
	}
}
