// file.go is the file layer: open/create/remove, the File handle, and
// the chain walks backing sequential and random access.
//
// Files are fixed-size at creation. An overwrite open builds a second,
// temporary chain under the same name; the close that finalizes it first
// unlinks the superseded chain and then stamps the tmp state done, so a
// crash leaves either the old file or the new one discoverable, never
// both.

package pfs

import (
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/flintfs/internal/logger"
)

// FileType is an application-chosen tag stored in the file header.
// 0xFF is reserved (it reads as blank flash).
type FileType uint8

// OpenFlags select the access mode and per-handle behaviors.
type OpenFlags uint8

const (
	// OpenRead allows Read on the handle.
	OpenRead OpenFlags = 1 << 0

	// OpenWrite allows Write. Opening a missing file with OpenWrite
	// creates it at the declared size.
	OpenWrite OpenFlags = 1 << 1

	// OpenOverwrite (requires OpenWrite) creates a temporary file that
	// replaces any existing file of the same name when the handle is
	// closed. Until then readers still see the old contents.
	OpenOverwrite OpenFlags = 1 << 2

	// OpenPageCache maintains a sparse chain index on the descriptor so
	// backward seeks in large files avoid rewalking from the head.
	OpenPageCache OpenFlags = 1 << 3

	// OpenSkipCRC skips file header checksum verification on lookup.
	// Used by diagnostics to salvage data behind a damaged header.
	OpenSkipCRC OpenFlags = 1 << 4
)

// File is an open handle. Handles are not safe for concurrent use with
// themselves; distinct handles may be used from distinct goroutines.
type File struct {
	fs   *Filesystem
	slot int
	open bool
}

// Open opens or creates a file.
//
// The declared size and type matter only when a file is created (a
// write open of a missing name, or any overwrite open); for an existing
// file they are ignored. A second open of a file with an active handle
// fails with ErrBusy.
func (fs *Filesystem) Open(name string, flags OpenFlags, ftype FileType, size uint32) (*File, error) {
	if len(name) == 0 || len(name) > MaxFilenameLen {
		return nil, fmt.Errorf("%w: filename length %d", ErrInvalidArgument, len(name))
	}
	if flags&(OpenRead|OpenWrite) == 0 {
		return nil, fmt.Errorf("%w: neither read nor write requested", ErrInvalidArgument)
	}
	if flags&OpenOverwrite != 0 && flags&OpenWrite == 0 {
		return nil, fmt.Errorf("%w: overwrite requires write access", ErrInvalidArgument)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.descs {
		if fs.descs[i].status == descActive && fs.descs[i].name == name {
			return nil, fmt.Errorf("%w: %s", ErrBusy, name)
		}
	}
	writable := flags&OpenWrite != 0

	if flags&OpenOverwrite != 0 {
		return fs.openCreate(name, flags, ftype, size, true)
	}

	// Descriptor cache first: a reopen of a recently closed file skips
	// the directory scan.
	if slot, ok := fs.lookupIdle(name); ok {
		d := &fs.descs[slot]
		d.status = descActive
		d.writable = writable
		d.flags = flags
		d.offset = 0
		return &File{fs: fs, slot: slot, open: true}, nil
	}

	start, fh, err := fs.findFile(name, flags&OpenSkipCRC == 0)
	switch {
	case err == nil:
		slot, err := fs.acquireSlot(name, false)
		if err != nil {
			return nil, err
		}
		d := &fs.descs[slot]
		d.status = descActive
		d.startPage = start
		d.size = fh.size
		d.ftype = fh.fileType
		d.writable = writable
		d.flags = flags
		d.curPage = start
		d.curIdx = 0
		d.pmap = newPageMap(pagesForFile(fh.size, len(name)))
		d.pmap.record(0, start)
		return &File{fs: fs, slot: slot, open: true}, nil

	case errors.Is(err, ErrDoesNotExist) && writable:
		return fs.openCreate(name, flags, ftype, size, false)

	default:
		return nil, err
	}
}

// openCreate allocates a new chain and its descriptor. Lock held.
func (fs *Filesystem) openCreate(name string, flags OpenFlags, ftype FileType, size uint32, tmp bool) (*File, error) {
	if byte(ftype) == 0xFF {
		return nil, fmt.Errorf("%w: reserved file type 0xFF", ErrInvalidArgument)
	}
	slot, err := fs.acquireSlot(name, false)
	if err != nil {
		return nil, err
	}
	if err := fs.createFileDesc(slot, name, byte(ftype), size, tmp, false); err != nil {
		fs.releaseSlot(slot)
		return nil, err
	}
	fs.descs[slot].flags = flags
	return &File{fs: fs, slot: slot, open: true}, nil
}

// createFileDesc allocates and links a full chain for a new file and
// fills the descriptor slot. With useGC set, pages come sequentially
// from the GC reservation instead of the wear-leveling search and the
// last-written marker is not moved.
//
// Write order is what makes creation crash-safe: each page's header is
// written only after the previous page's link to it, so an interrupted
// chain always terminates at a blank page, and the create state is
// stamped done only once the whole chain exists.
func (fs *Filesystem) createFileDesc(slot int, name string, ftype byte, size uint32, tmp, useGC bool) error {
	d := &fs.descs[slot]
	n := pagesForFile(size, len(name))

	find := fs.findFreePage
	if useGC {
		find = fs.findGCPage
	} else {
		if n > fs.pageCount-fs.pagesPerSector {
			return fmt.Errorf("%w: %d bytes cannot fit", ErrOutOfStorage, size)
		}
		fs.prewarm((size+PageSize)/PageSize, fs.opts.PrewarmBudget)
	}

	var chain []uint32
	fail := func(err error) error {
		for _, p := range chain {
			if mErr := fs.markDeleted(p); mErr != nil {
				logger.Warn("abandoned page not marked", logger.KeyPage, p, logger.KeyError, mErr)
			}
		}
		return err
	}

	first, err := find()
	if err != nil {
		return err
	}
	if err := fs.commitPage(first, ClassStart, !useGC); err != nil {
		return err
	}
	chain = append(chain, first)

	tmpState := stateDone
	if tmp {
		tmpState = statePending
	}
	fh := fileHeader{
		size:        size,
		fileType:    ftype,
		nameLen:     byte(len(name)),
		tmpState:    tmpState,
		createState: statePending,
		deleteState: statePending,
	}
	hdr := encodeFileHeader(fh, name)
	body := make([]byte, 0, fileHeaderSize+len(name))
	body = append(body, hdr[:]...)
	body = append(body, name...)
	if err := fs.ftl.Write(body, pageAddr(first)+pageHeaderSize); err != nil {
		return fail(err)
	}

	prev := first
	for i := uint32(1); i < n; i++ {
		p, err := find()
		if err != nil {
			return fail(err)
		}
		if err := fs.setNextLink(prev, p); err != nil {
			return fail(err)
		}
		if err := fs.commitPage(p, ClassContinuation, !useGC); err != nil {
			return fail(err)
		}
		chain = append(chain, p)
		prev = p
		fs.yield()
	}

	if err := fs.setFileState(first, fileStateCreate); err != nil {
		return fail(err)
	}

	d.status = descActive
	d.name = name
	d.startPage = first
	d.size = size
	d.ftype = ftype
	d.tmp = tmp
	d.writable = true
	d.offset = 0
	d.curPage = first
	d.curIdx = 0
	d.pmap = newPageMap(n)
	d.pmap.record(0, first)

	logger.Debug("file created",
		logger.KeyFile, name, logger.KeyPage, first,
		logger.KeySize, size, "pages", n, "tmp", tmp)
	return nil
}

// filePos maps a byte offset to (chain index, in-page offset, bytes
// remaining in that page). The start page's payload begins after its
// two headers and the name.
func (d *descriptor) filePos(off uint32) (idx, pageOff, span uint32) {
	startCap := startPayload(len(d.name))
	if off < startCap {
		return 0, pageHeaderSize + fileHeaderSize + uint32(len(d.name)) + off, startCap - off
	}
	rest := off - startCap
	return 1 + rest/contPayload, pageHeaderSize + rest%contPayload, contPayload - rest%contPayload
}

// chainNext follows one page link. The link has its own CRC-8, checked
// independently of the header checksum so a damaged header does not
// sever the chain behind it. strict additionally rejects pages whose
// header checksum fails.
func (fs *Filesystem) chainNext(page uint32, strict bool) (uint32, error) {
	h, class, err := fs.readHeader(page)
	if err != nil {
		return 0, err
	}
	if strict && (class == ClassCorrupt || class == ClassBadVersion) {
		return 0, fmt.Errorf("%w: page %d", ErrHeaderCorrupt, page)
	}
	if h.nextPage == invalidPage {
		return invalidPage, nil
	}
	if !h.nextOK || h.nextPage >= fs.pageCount {
		return 0, fmt.Errorf("%w: page %d", ErrLinkCorrupt, page)
	}
	return h.nextPage, nil
}

// resolvePage walks the chain to the physical page at chain index idx,
// starting from the descriptor's cached position (or the page map) when
// that avoids rewalking from the head.
func (fs *Filesystem) resolvePage(d *descriptor, idx uint32) (uint32, error) {
	if d.curPage != invalidPage && d.curIdx == idx {
		return d.curPage, nil
	}

	walkIdx, walkPage := uint32(0), d.startPage
	if d.curPage != invalidPage && d.curIdx <= idx {
		walkIdx, walkPage = d.curIdx, d.curPage
	}
	if d.flags&OpenPageCache != 0 {
		if l, p, ok := d.pmap.lookup(idx); ok && l > walkIdx && l <= idx {
			walkIdx, walkPage = l, p
		}
	}

	strict := d.flags&OpenSkipCRC == 0
	for walkIdx < idx {
		next, err := fs.chainNext(walkPage, strict)
		if err != nil {
			return 0, err
		}
		if next == invalidPage {
			return 0, fmt.Errorf("%w: chain ends at index %d", ErrLinkCorrupt, walkIdx)
		}
		walkIdx++
		walkPage = next
		if d.flags&OpenPageCache != 0 {
			d.pmap.record(walkIdx, walkPage)
		}
	}
	d.curIdx, d.curPage = idx, walkPage
	return walkPage, nil
}

// readDesc and writeDesc implement sequential access at the
// descriptor's offset. Lock held.
func (fs *Filesystem) readDesc(d *descriptor, p []byte) (int, error) {
	if d.offset >= d.size {
		return 0, io.EOF
	}
	total := 0
	for total < len(p) && d.offset < d.size {
		idx, off, span := d.filePos(d.offset)
		phys, err := fs.resolvePage(d, idx)
		if err != nil {
			return total, err
		}
		n := len(p) - total
		if uint32(n) > span {
			n = int(span)
		}
		if rem := d.size - d.offset; uint32(n) > rem {
			n = int(rem)
		}
		if err := fs.ftl.Read(p[total:total+n], pageAddr(phys)+uint64(off)); err != nil {
			return total, err
		}
		total += n
		d.offset += uint32(n)
	}
	return total, nil
}

func (fs *Filesystem) writeDesc(d *descriptor, p []byte) (int, error) {
	if !d.writable {
		return 0, fmt.Errorf("%w: not open for writing", ErrInvalidArgument)
	}
	if uint64(d.offset)+uint64(len(p)) > uint64(d.size) {
		return 0, fmt.Errorf("%w: write past declared size %d", ErrInvalidArgument, d.size)
	}
	total := 0
	for total < len(p) {
		idx, off, span := d.filePos(d.offset)
		phys, err := fs.resolvePage(d, idx)
		if err != nil {
			return total, err
		}
		n := len(p) - total
		if uint32(n) > span {
			n = int(span)
		}
		if err := fs.ftl.Write(p[total:total+n], pageAddr(phys)+uint64(off)); err != nil {
			return total, err
		}
		total += n
		d.offset += uint32(n)
	}
	return total, nil
}

// seekDesc positions the descriptor, clamping to [0, size].
func (fs *Filesystem) seekDesc(d *descriptor, off uint32) {
	if off > d.size {
		off = d.size
	}
	d.offset = off
}

// readWholeFile reads a file's entire payload without a descriptor.
// Used by mount-time GC recovery, before the descriptor table is live.
func (fs *Filesystem) readWholeFile(start uint32, fh fileHeader) ([]byte, error) {
	nameLen := uint32(fh.nameLen)
	data := make([]byte, fh.size)

	page, idx, off := start, uint32(0), uint32(0)
	for off < fh.size {
		capacity, base := uint32(contPayload), uint32(pageHeaderSize)
		if idx == 0 {
			capacity = startPayload(int(nameLen))
			base = pageHeaderSize + fileHeaderSize + nameLen
		}
		n := fh.size - off
		if n > capacity {
			n = capacity
		}
		if err := fs.ftl.Read(data[off:off+n], pageAddr(page)+uint64(base)); err != nil {
			return nil, err
		}
		off += n
		if off >= fh.size {
			break
		}
		next, err := fs.chainNext(page, true)
		if err != nil {
			return nil, err
		}
		if next == invalidPage {
			return nil, fmt.Errorf("%w: chain ends at index %d", ErrLinkCorrupt, idx)
		}
		page, idx = next, idx+1
	}
	return data, nil
}

// removeChain marks every page of a chain deleted, start page first so
// mount-time recovery can resume an interrupted removal, then stamps
// the delete state done. Idempotent.
func (fs *Filesystem) removeChain(start uint32) error {
	h, class, err := fs.readHeader(start)
	if err != nil {
		return err
	}
	if class.free() {
		return nil
	}
	if err := fs.markDeleted(start); err != nil {
		return err
	}

	p := h.nextPage
	for steps := uint32(0); p != invalidPage && steps < fs.pageCount; steps++ {
		if p >= fs.pageCount {
			logger.Warn("chain link out of range", logger.KeyPage, p)
			break
		}
		hp, cp, err := fs.readHeader(p)
		if err != nil {
			return err
		}
		if cp.free() {
			// Creation stopped here before the page was claimed.
			break
		}
		if err := fs.markDeleted(p); err != nil {
			return err
		}
		if hp.nextPage == invalidPage {
			break
		}
		if !hp.nextOK {
			logger.Warn("chain link checksum bad, stopping removal walk", logger.KeyPage, p)
			break
		}
		p = hp.nextPage
	}

	if err := fs.setFileState(start, fileStateDelete); err != nil {
		return err
	}
	fs.metricFreePages()
	return nil
}

// Remove deletes a file by name. Fails with ErrBusy while any handle on
// it is open.
func (fs *Filesystem) Remove(name string) error {
	if len(name) == 0 || len(name) > MaxFilenameLen {
		return fmt.Errorf("%w: filename length %d", ErrInvalidArgument, len(name))
	}

	fs.mu.Lock()
	for i := range fs.descs {
		if fs.descs[i].status == descActive && fs.descs[i].name == name {
			fs.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBusy, name)
		}
	}
	start, _, err := fs.findFile(name, false)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	err = fs.removeChain(start)
	fs.invalidateDescByStart(start)
	var cbs []func(Event)
	if err == nil {
		cbs = fs.watchersFor(name, EventRemoved)
	}
	fs.mu.Unlock()

	for _, cb := range cbs {
		cb(Event{Name: name, Type: EventRemoved})
	}
	return err
}

// Read implements io.Reader over the file payload.
func (f *File) Read(p []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !f.open {
		return 0, ErrClosed
	}
	d := &fs.descs[f.slot]
	if d.flags&OpenRead == 0 {
		return 0, fmt.Errorf("%w: not open for reading", ErrInvalidArgument)
	}
	return fs.readDesc(d, p)
}

// Write implements io.Writer within the declared size. Writes past the
// declared size fail whole with ErrInvalidArgument.
func (f *File) Write(p []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !f.open {
		return 0, ErrClosed
	}
	return fs.writeDesc(&fs.descs[f.slot], p)
}

// Seek implements io.Seeker. The position is clamped to [0, size].
func (f *File) Seek(offset int64, whence int) (int64, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !f.open {
		return 0, ErrClosed
	}
	d := &fs.descs[f.slot]

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(d.offset)
	case io.SeekEnd:
		base = int64(d.size)
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidArgument, whence)
	}
	target := base + offset
	if target < 0 {
		target = 0
	}
	if target > int64(d.size) {
		target = int64(d.size)
	}
	fs.seekDesc(d, uint32(target))
	return int64(d.offset), nil
}

// Size returns the declared payload size.
func (f *File) Size() uint32 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if !f.open {
		return 0
	}
	return f.fs.descs[f.slot].size
}

// Name returns the file name the handle was opened with.
func (f *File) Name() string {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if !f.open {
		return ""
	}
	return f.fs.descs[f.slot].name
}

// Type returns the file's stored type tag.
func (f *File) Type() FileType {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if !f.open {
		return 0
	}
	return FileType(f.fs.descs[f.slot].ftype)
}

// Close releases the handle. Closing a writable overwrite handle
// finalizes the new file: the superseded chain is unlinked first, then
// the temporary state is stamped done. The descriptor stays cached for
// a cheap reopen.
func (f *File) Close() error {
	fs := f.fs
	fs.mu.Lock()
	if !f.open {
		fs.mu.Unlock()
		return ErrClosed
	}
	d := &fs.descs[f.slot]
	name := d.name
	wasWritable := d.writable

	if d.tmp && d.writable {
		if err := fs.finalizeTmp(d); err != nil {
			// The half-finalized chain is unusable; unlink it rather
			// than leave it for the next mount.
			if rmErr := fs.removeChain(d.startPage); rmErr != nil {
				logger.Warn("failed to unlink abandoned overwrite",
					logger.KeyFile, name, logger.KeyError, rmErr)
			}
			fs.releaseSlot(f.slot)
			f.open = false
			fs.mu.Unlock()
			return err
		}
	}

	fs.closeSeq++
	d.closeSeq = fs.closeSeq
	d.status = descIdle
	d.writable = false
	d.offset = 0
	f.open = false

	var cbs []func(Event)
	if wasWritable {
		cbs = fs.watchersFor(name, EventClosed)
	}
	fs.mu.Unlock()

	for _, cb := range cbs {
		cb(Event{Name: name, Type: EventClosed})
	}
	return nil
}

// CloseAndRemove atomically closes the handle and removes the file.
func (f *File) CloseAndRemove() error {
	fs := f.fs
	fs.mu.Lock()
	if !f.open {
		fs.mu.Unlock()
		return ErrClosed
	}
	d := &fs.descs[f.slot]
	name := d.name

	err := fs.removeChain(d.startPage)
	fs.releaseSlot(f.slot)
	f.open = false

	var cbs []func(Event)
	if err == nil {
		cbs = fs.watchersFor(name, EventRemoved)
	}
	fs.mu.Unlock()

	for _, cb := range cbs {
		cb(Event{Name: name, Type: EventRemoved})
	}
	return err
}

// finalizeTmp turns a temporary overwrite chain into the live file.
// Lock held.
func (fs *Filesystem) finalizeTmp(d *descriptor) error {
	old, _, err := fs.findFile(d.name, false)
	switch {
	case err == nil && old != d.startPage:
		if err := fs.removeChain(old); err != nil {
			return err
		}
		fs.invalidateDescByStart(old)
	case err != nil && !errors.Is(err, ErrDoesNotExist):
		return err
	}
	if err := fs.setFileState(d.startPage, fileStateTmp); err != nil {
		return err
	}
	d.tmp = false
	logger.Debug("overwrite finalized", logger.KeyFile, d.name, logger.KeyPage, d.startPage)
	return nil
}
