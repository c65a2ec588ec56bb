package pfs

import "time"

// Metrics receives filesystem activity counters. Implementations must
// be safe for concurrent use; all methods are called with the
// filesystem lock held and must not call back into the filesystem.
//
// A nil Metrics in Options disables instrumentation entirely.
type Metrics interface {
	// RecordAllocation counts one page allocation.
	RecordAllocation()

	// RecordErase counts one erase-sector erase.
	RecordErase()

	// RecordGC records one completed sector collection and the number
	// of live pages that were copied through the scratch record.
	RecordGC(d time.Duration, pagesCopied int)

	// RecordOutOfStorage counts an allocation that failed because no
	// page could be found or reclaimed.
	RecordOutOfStorage()

	// SetFreePages publishes the current number of free pages.
	SetFreePages(n int)
}

func (fs *Filesystem) metricAllocation() {
	if fs.opts.Metrics != nil {
		fs.opts.Metrics.RecordAllocation()
	}
}

func (fs *Filesystem) metricErase() {
	if fs.opts.Metrics != nil {
		fs.opts.Metrics.RecordErase()
	}
}

func (fs *Filesystem) metricGC(d time.Duration, pagesCopied int) {
	if fs.opts.Metrics != nil {
		fs.opts.Metrics.RecordGC(d, pagesCopied)
	}
}

func (fs *Filesystem) metricOutOfStorage() {
	if fs.opts.Metrics != nil {
		fs.opts.Metrics.RecordOutOfStorage()
	}
}

func (fs *Filesystem) metricFreePages() {
	if fs.opts.Metrics != nil {
		fs.opts.Metrics.SetFreePages(int(fs.freePageCount()))
	}
}
