// Package pfs implements a page-based filesystem on raw NOR flash.
//
// Files are flat, named and fixed-size at creation. Each file owns a
// singly linked chain of 512-byte pages: the start page carries the file
// header, state machine fields and name; continuation pages carry only
// payload. Allocation is wear-leveled, reclamation works a whole erase
// sector at a time through a crash-safe garbage collector, and every
// multi-page mutation is bracketed by on-flash state fields so that an
// interrupted operation is either rolled forward or unlinked by the
// mount-time recovery scan.
//
// All public operations on a Filesystem are serialized by one internal
// lock; internal helpers assume the lock is held and never re-acquire
// it. Watch callbacks run after the lock is released, so they may call
// back into the filesystem.
package pfs

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/flintfs/internal/logger"
	"github.com/marmos91/flintfs/pkg/flash"
	"github.com/marmos91/flintfs/pkg/ftl"
)

// Default tuning values.
const (
	// DefaultPrewarmBudget bounds how long a file creation may spend
	// garbage collecting to build up free pages before it starts
	// committing pages.
	DefaultPrewarmBudget = 500 * time.Millisecond

	// DefaultGCSectorMaxUses is how many collections the reserved GC
	// sector serves before the reservation moves, spreading scratch
	// wear across the part.
	DefaultGCSectorMaxUses = 64
)

// Options tunes a Filesystem. The zero value selects defaults.
type Options struct {
	// PrewarmBudget is the elapsed-time budget for free-space
	// pre-warming during file creation. Zero selects
	// DefaultPrewarmBudget.
	PrewarmBudget time.Duration

	// GCSectorMaxUses bounds uses of one GC reservation. Zero selects
	// DefaultGCSectorMaxUses.
	GCSectorMaxUses int

	// Progress, when set, is invoked periodically inside long erase and
	// garbage-collection loops, with the filesystem lock held. The
	// embedding system uses it to feed watchdogs or yield the CPU.
	Progress func()

	// Metrics receives storage events. Nil disables collection with no
	// overhead.
	Metrics Metrics
}

// Filesystem is a mounted page filesystem. Create one with Mount.
type Filesystem struct {
	// lock-free after Mount
	ftl            *ftl.FTL
	pageCount      uint32
	pagesPerSector uint32
	opts           Options

	mu sync.Mutex

	// classes caches the decoded class of every page so allocation and
	// GC scans do not re-read headers. Entries change only under mu.
	classes []PageClass

	// lastWritten is the page carrying the last-written marker.
	lastWritten uint32

	// Reserved GC sector state.
	gcSector uint32 // first page of the reservation; invalidPage if none
	gcCursor uint32 // next scratch page to hand out
	gcUses   int

	descs    [descriptorSlots]descriptor
	closeSeq uint64

	watches     []watchEntry
	nextWatchID WatchID
}

// Mount assembles the virtual space from the configured regions, replays
// any interrupted garbage collection, locates the last-written marker
// and runs the crash-recovery cleanup scan. No operation is accepted
// before all of that has completed.
//
// Regions that already contain a recognizable filesystem are preserved
// (so data survives firmware upgrades that add storage); the remaining
// configured regions are erased and appended.
func Mount(dev flash.Device, regions []ftl.Region, opts Options) (*Filesystem, error) {
	if opts.PrewarmBudget == 0 {
		opts.PrewarmBudget = DefaultPrewarmBudget
	}
	if opts.GCSectorMaxUses == 0 {
		opts.GCSectorMaxUses = DefaultGCSectorMaxUses
	}

	geo := dev.Geometry()
	if geo.SubsectorSize%PageSize != 0 {
		return nil, fmt.Errorf("%w: subsector size %d not a multiple of page size", ErrInvalidArgument, geo.SubsectorSize)
	}

	f := ftl.New(dev)
	for _, r := range regions {
		recognized, err := probeRegion(dev, r)
		if err != nil {
			return nil, err
		}
		if err := f.AddRegion(r.Start, r.End, !recognized); err != nil {
			return nil, err
		}
	}

	fs := &Filesystem{
		ftl:            f,
		pageCount:      uint32(f.Size() / PageSize),
		pagesPerSector: uint32(geo.SubsectorSize / PageSize),
		opts:           opts,
		gcSector:       invalidPage,
	}
	if fs.pageCount < 2*fs.pagesPerSector {
		return nil, fmt.Errorf("%w: %d pages is too small for a filesystem", ErrInvalidArgument, fs.pageCount)
	}
	fs.classes = make([]PageClass, fs.pageCount)
	for i := range fs.descs {
		fs.descs[i].curPage = invalidPage
	}

	if err := fs.buildClassCache(); err != nil {
		return nil, err
	}
	if err := fs.recoverGC(); err != nil {
		return nil, err
	}
	fs.updateLastWrittenPage()
	if err := fs.bootCleanup(); err != nil {
		return nil, err
	}
	if err := fs.reserveGCSector(); err != nil {
		logger.Warn("no free sector for GC reservation", logger.KeyError, err)
	}
	fs.metricFreePages()

	logger.Info("filesystem mounted",
		"pages", fs.pageCount,
		logger.KeyFreePages, fs.freePageCount(),
		"last_written", fs.lastWritten)
	return fs, nil
}

// probeRegion reports whether a configured region already carries a
// recognizable filesystem. Blank flash counts as recognizable (it needs
// no erase); only garbage or a foreign format triggers migration.
func probeRegion(dev flash.Device, r ftl.Region) (bool, error) {
	var buf [pageHeaderSize]byte
	if err := dev.ReadAt(buf[:], r.Start); err != nil {
		return false, fmt.Errorf("probe region [%#x, %#x): %w", r.Start, r.End, err)
	}
	_, class := decodePageHeader(buf[:])
	switch class {
	case ClassCorrupt, ClassBadVersion:
		return false, nil
	default:
		return true, nil
	}
}

// buildClassCache scans every page header into the in-RAM class cache.
func (fs *Filesystem) buildClassCache() error {
	for p := uint32(0); p < fs.pageCount; p++ {
		_, class, err := fs.readHeader(p)
		if err != nil {
			return err
		}
		fs.classes[p] = class
	}
	return nil
}

// updateLastWrittenPage locates the single page carrying the
// last-written marker. If no page carries it (right after a format, or
// when power was lost between retiring the old marker and committing
// the new one) the final page is used, which restarts the allocation
// cursor at the beginning of the part.
func (fs *Filesystem) updateLastWrittenPage() {
	fs.lastWritten = fs.pageCount - 1
	for p := uint32(0); p < fs.pageCount; p++ {
		if !fs.classes[p].live() && fs.classes[p] != ClassDeleted {
			continue
		}
		h, _, err := fs.readHeader(p)
		if err != nil {
			continue
		}
		if h.marker == markerCurrent {
			fs.lastWritten = p
			return
		}
	}
}

// bootCleanup drives every interrupted file state machine to a safe
// state: deletions that were started are finished, and files whose
// creation or tmp-supersede never completed are unlinked. Corrupt
// records are skipped (and logged), never fatal.
func (fs *Filesystem) bootCleanup() error {
	for p := uint32(0); p < fs.pageCount; p++ {
		switch fs.classes[p] {
		case ClassDeleted:
			h, _, err := fs.readHeader(p)
			if err != nil {
				return err
			}
			if !flagAsserted(h.rawFlags, flagStart) {
				continue
			}
			fh, _, _, err := fs.readStartPage(p, false)
			if err != nil {
				return err
			}
			if fh.deleteState != stateDone {
				logger.Info("resuming interrupted delete", logger.KeyPage, p)
				if err := fs.removeChain(p); err != nil {
					logger.Warn("delete resume failed", logger.KeyPage, p, logger.KeyError, err)
				}
			}

		case ClassStart:
			fh, name, ok, err := fs.readStartPage(p, true)
			if err != nil {
				return err
			}
			if !ok {
				if fh.nameLen == 0xFF {
					// Power was lost between the page header and the
					// file header: the page holds nothing recoverable.
					logger.Info("unlinking blank start page", logger.KeyPage, p)
					if err := fs.removeChain(p); err != nil {
						logger.Warn("cleanup unlink failed", logger.KeyPage, p, logger.KeyError, err)
					}
				} else {
					logger.Warn("skipping corrupt file header", logger.KeyPage, p)
				}
				continue
			}
			if fh.createState != stateDone || fh.tmpState != stateDone {
				logger.Info("unlinking incomplete file",
					logger.KeyFile, name, logger.KeyPage, p)
				if err := fs.removeChain(p); err != nil {
					logger.Warn("cleanup unlink failed", logger.KeyPage, p, logger.KeyError, err)
				}
			}
		}
	}
	return nil
}

// findFile locates a finalized file by exact name. Corrupt or
// incomplete records are skipped. Returns ErrDoesNotExist if no match.
func (fs *Filesystem) findFile(name string, verifyCRC bool) (uint32, fileHeader, error) {
	for p := uint32(0); p < fs.pageCount; p++ {
		if fs.classes[p] != ClassStart {
			continue
		}
		fh, candidate, ok, err := fs.readStartPage(p, verifyCRC)
		if err != nil {
			return 0, fileHeader{}, err
		}
		if !ok && verifyCRC {
			continue
		}
		if candidate != name {
			continue
		}
		if fh.createState != stateDone || fh.tmpState != stateDone {
			continue
		}
		return p, fh, nil
	}
	return 0, fileHeader{}, ErrDoesNotExist
}

// freePageCount counts allocatable pages outside the GC reservation.
func (fs *Filesystem) freePageCount() uint32 {
	var n uint32
	for p := uint32(0); p < fs.pageCount; p++ {
		if fs.inGCSector(p) {
			continue
		}
		if fs.classes[p].free() {
			n++
		}
	}
	return n
}

// GetAvailableSpace returns a conservative count of payload bytes that
// can still be written. It strictly decreases as files are created.
func (fs *Filesystem) GetAvailableSpace() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return uint64(fs.freePageCount()) * contPayload
}

// Stats summarizes filesystem health for diagnostics and metrics.
type Stats struct {
	TotalPages   uint32
	FreePages    uint32
	LivePages    uint32
	DeletedPages uint32

	// Erase counters across pages that have recorded one.
	EraseMin uint16
	EraseMax uint16
	EraseAvg float64
}

// Stats scans the class cache and erase counters.
func (fs *Filesystem) Stats() (Stats, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s := Stats{TotalPages: fs.pageCount, EraseMin: 0xFFFF}
	var sum, counted uint64

	for p := uint32(0); p < fs.pageCount; p++ {
		switch {
		case fs.classes[p].free():
			s.FreePages++
		case fs.classes[p].live():
			s.LivePages++
		case fs.classes[p] == ClassDeleted:
			s.DeletedPages++
		}

		h, _, err := fs.readHeader(p)
		if err != nil {
			return Stats{}, err
		}
		if h.eraseCount != 0xFFFF {
			if h.eraseCount < s.EraseMin {
				s.EraseMin = h.eraseCount
			}
			if h.eraseCount > s.EraseMax {
				s.EraseMax = h.eraseCount
			}
			sum += uint64(h.eraseCount)
			counted++
		}
	}
	if counted == 0 {
		s.EraseMin = 0
	} else {
		s.EraseAvg = float64(sum) / float64(counted)
	}
	return s, nil
}

// FileInfo describes one file for directory listings.
type FileInfo struct {
	Name      string
	Size      uint32
	Type      FileType
	StartPage uint32
}

// ListFiles returns every finalized file matching the filter (nil
// matches all). Corrupt records are logged and skipped so one bad
// header cannot hide the rest of the directory.
func (fs *Filesystem) ListFiles(filter func(FileInfo) bool) ([]FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []FileInfo
	for p := uint32(0); p < fs.pageCount; p++ {
		if fs.classes[p] != ClassStart {
			continue
		}
		fh, name, ok, err := fs.readStartPage(p, true)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Warn("skipping corrupt directory entry", logger.KeyPage, p)
			continue
		}
		if fh.createState != stateDone || fh.tmpState != stateDone {
			continue
		}
		if fh.fileType == gcFileType {
			// A GC scratch only survives until recovery; never a
			// directory entry.
			continue
		}
		info := FileInfo{Name: name, Size: fh.size, Type: FileType(fh.fileType), StartPage: p}
		if filter == nil || filter(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

// FileCRC computes the CRC-32 of a file's payload, for integrity checks
// from the debug console.
func (fs *Filesystem) FileCRC(name string) (uint32, error) {
	f, err := fs.Open(name, OpenRead, 0, 0)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var crc uint32
	buf := make([]byte, 4*PageSize)
	var data []byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	crc = crc32ieee(data)
	return crc, nil
}

// Format erases the whole virtual space and resets all in-RAM state.
// With writeEraseHeaders set, every page additionally gets an erase
// header recording one erase cycle, so the allocator can skip blank
// checks on first use. Open descriptors are invalidated.
func (fs *Filesystem) Format(writeEraseHeaders bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for sector := uint32(0); sector < fs.pageCount; sector += fs.pagesPerSector {
		counts := make([]uint16, fs.pagesPerSector)
		for i := uint32(0); i < fs.pagesPerSector; i++ {
			h, _, err := fs.readHeader(sector + i)
			if err != nil {
				return err
			}
			counts[i] = bumpEraseCount(h.eraseCount)
		}
		if err := fs.ftl.Erase(pageAddr(sector), uint64(fs.pagesPerSector)*PageSize); err != nil {
			return err
		}
		fs.metricErase()

		for i := uint32(0); i < fs.pagesPerSector; i++ {
			if writeEraseHeaders {
				if err := fs.writeEraseHeader(sector+i, counts[i]); err != nil {
					return err
				}
			} else {
				fs.classes[sector+i] = ClassUnallocated
			}
		}
		fs.yield()
	}

	for i := range fs.descs {
		fs.descs[i] = descriptor{curPage: invalidPage}
	}
	fs.lastWritten = fs.pageCount - 1
	fs.gcSector = invalidPage
	fs.gcUses = 0

	if err := fs.reserveGCSector(); err != nil {
		return err
	}
	fs.metricFreePages()

	logger.Info("filesystem formatted", "pages", fs.pageCount, "erase_headers", writeEraseHeaders)
	return nil
}
