// page.go is the on-flash codec: page headers, file headers and the
// inverted flag byte. The layout is bit-exact; nothing outside this file
// may interpret raw header bytes.
//
// NOR programming can only clear bits, so every field that changes after
// a header is first written must change by clearing bits only:
//
//   - the last-written marker steps 0xFF -> 0xFE (current) -> 0x00 (retired)
//   - the deleted flag bit is cleared to mark a page dead
//   - the next-page link and its CRC-8 are programmed over blank (0xFF)
//     bytes once the following page of the chain is known
//   - the three file state fields step 0xFFFF (pending) -> 0x0000 (done)
//
// The header checksum is computed with the marker byte and the deleted
// bit normalized, so those in-place transitions never invalidate it.

package pfs

import "encoding/binary"

// Format geometry. PageSize is the unit of allocation, linkage and wear
// tracking; the erase sector groups pagesPerSector consecutive pages.
const (
	// HeaderVersion is the current page format version.
	HeaderVersion = 1

	// PageSize is the fixed page size in bytes.
	PageSize = 512

	pageHeaderSize = 16
	fileHeaderSize = 16

	// MaxFilenameLen bounds file names. The name follows the file header
	// in the start page.
	MaxFilenameLen = 64

	// contPayload is the payload capacity of a continuation page.
	contPayload = PageSize - pageHeaderSize
)

// invalidPage is the blank next-link value: no next page.
const invalidPage = ^uint32(0)

// Last-written marker states. At most one page in the whole filesystem
// carries markerCurrent at any instant.
const (
	markerUnmarked byte = 0xFF
	markerCurrent  byte = 0xFE
	markerRetired  byte = 0x00
)

// Flag bits, stored inverted: a cleared bit asserts the flag, so an
// untouched erased byte (0xFF) decodes as "nothing asserted".
const (
	flagStart   byte = 1 << 0
	flagCont    byte = 1 << 1
	flagDeleted byte = 1 << 2
	flagErased  byte = 1 << 3
)

// File state values. A state field is driven to stateDone only after the
// corresponding multi-page operation fully completed; this is the sole
// crash-recovery signal.
const (
	statePending uint16 = 0xFFFF
	stateDone    uint16 = 0x0000
)

// Page header field offsets.
const (
	offVersion    = 0
	offMarker     = 1
	offFlags      = 2
	offEraseCount = 3
	offNextPage   = 5
	offNextCRC    = 9
	offHeaderCRC  = 10
	// 14..15 reserved
)

// File header field offsets (relative to the file header block, which
// starts at pageHeaderSize in the start page).
const (
	offFileSize    = 0
	offFileType    = 4
	offNameLen     = 5
	offTmpState    = 6
	offCreateState = 8
	offDeleteState = 10
	offFileCRC     = 12
)

// PageClass is the decoded state of a page, computed from the raw flag
// byte at decode time. The inverted-bit representation never escapes
// this file.
type PageClass uint8

const (
	// ClassUnallocated: the whole header is blank flash.
	ClassUnallocated PageClass = iota

	// ClassErased: an erase header is present (flags + erase count only);
	// the page body is blank and the page is free.
	ClassErased

	// ClassStart: first page of a live file.
	ClassStart

	// ClassContinuation: payload page of a live file.
	ClassContinuation

	// ClassDeleted: the page belonged to a removed file and is
	// reclaimable by garbage collection.
	ClassDeleted

	// ClassCorrupt: the header fails its checksum or is structurally
	// impossible. Treated as dead by the garbage collector.
	ClassCorrupt

	// ClassBadVersion: a valid-looking header of a format version this
	// build does not understand.
	ClassBadVersion
)

func (c PageClass) String() string {
	switch c {
	case ClassUnallocated:
		return "unallocated"
	case ClassErased:
		return "erased"
	case ClassStart:
		return "start"
	case ClassContinuation:
		return "continuation"
	case ClassDeleted:
		return "deleted"
	case ClassCorrupt:
		return "corrupt"
	case ClassBadVersion:
		return "bad-version"
	default:
		return "unknown"
	}
}

// free reports whether a page of this class may be handed out by the
// allocator without an erase.
func (c PageClass) free() bool {
	return c == ClassUnallocated || c == ClassErased
}

// live reports whether a page of this class holds current file data.
func (c PageClass) live() bool {
	return c == ClassStart || c == ClassContinuation
}

// flagAsserted reports whether the (inverted) flag bit is asserted.
func flagAsserted(raw, bit byte) bool {
	return raw&bit == 0
}

// pageHeader is the decoded fixed header every page carries.
type pageHeader struct {
	version    byte
	marker     byte
	rawFlags   byte
	eraseCount uint16
	nextPage   uint32 // invalidPage if not linked yet
	nextOK     bool   // next link present and CRC-8 valid
}

// class computes the page class from the raw flag byte of a header that
// already passed validation. Precedence matters: a deleted page keeps
// its start bit asserted, and every allocated page keeps the erased bit
// of the erase header it was written over.
func (h pageHeader) class() PageClass {
	switch {
	case flagAsserted(h.rawFlags, flagDeleted):
		return ClassDeleted
	case flagAsserted(h.rawFlags, flagStart):
		return ClassStart
	case flagAsserted(h.rawFlags, flagCont):
		return ClassContinuation
	case flagAsserted(h.rawFlags, flagErased):
		return ClassErased
	default:
		return ClassCorrupt
	}
}

// headerCRC computes the page header checksum: CRC-32 over the version,
// flags and erase count with the marker byte forced to 0xFF and the
// deleted bit forced to unasserted.
func headerCRC(version, rawFlags byte, eraseCount uint16) uint32 {
	var in [5]byte
	in[0] = version
	in[1] = 0xFF // marker normalized out
	in[2] = rawFlags | flagDeleted
	binary.LittleEndian.PutUint16(in[3:5], eraseCount)
	return crc32ieee(in[:])
}

// encodePageHeader serializes a header for a freshly allocated page.
// The next-page link is left blank; it is programmed later with
// encodeNextLink once the following page of the chain is known.
func encodePageHeader(h pageHeader) [pageHeaderSize]byte {
	var buf [pageHeaderSize]byte
	for i := range buf {
		buf[i] = 0xFF
	}
	buf[offVersion] = h.version
	buf[offMarker] = h.marker
	buf[offFlags] = h.rawFlags
	binary.LittleEndian.PutUint16(buf[offEraseCount:], h.eraseCount)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], headerCRC(h.version, h.rawFlags, h.eraseCount))
	return buf
}

// encodeEraseHeader serializes the minimal header written to a
// known-erased page: only the flags byte and the erase counter are
// programmed, version and checksum stay blank. This lets a later
// allocation program a full header over it without an erase.
func encodeEraseHeader(eraseCount uint16) [pageHeaderSize]byte {
	var buf [pageHeaderSize]byte
	for i := range buf {
		buf[i] = 0xFF
	}
	buf[offFlags] = 0xFF &^ flagErased
	binary.LittleEndian.PutUint16(buf[offEraseCount:], eraseCount)
	return buf
}

// encodeNextLink serializes the next-page link plus its CRC-8 for
// programming at offNextPage of an existing header.
func encodeNextLink(next uint32) [5]byte {
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[:4], next)
	buf[4] = crc8(buf[:4])
	return buf
}

// decodePageHeader parses and classifies a raw page header.
//
// Blank and erase-only headers are recognized by their blank checksum
// field; everything else must carry the current version and a valid
// checksum. The next link is validated independently so a corrupt link
// does not condemn the rest of the header.
func decodePageHeader(buf []byte) (pageHeader, PageClass) {
	h := pageHeader{
		version:    buf[offVersion],
		marker:     buf[offMarker],
		rawFlags:   buf[offFlags],
		eraseCount: binary.LittleEndian.Uint16(buf[offEraseCount:]),
		nextPage:   binary.LittleEndian.Uint32(buf[offNextPage:]),
	}

	storedCRC := binary.LittleEndian.Uint32(buf[offHeaderCRC:])

	if storedCRC == ^uint32(0) && h.version == 0xFF {
		// No full header present: either virgin flash or an erase header.
		if h.rawFlags == 0xFF {
			if h.eraseCount == 0xFFFF && h.nextPage == invalidPage {
				return h, ClassUnallocated
			}
			return h, ClassCorrupt
		}
		if h.rawFlags == 0xFF&^flagErased {
			return h, ClassErased
		}
		return h, ClassCorrupt
	}

	if h.version != HeaderVersion {
		return h, ClassBadVersion
	}
	if storedCRC != headerCRC(h.version, h.rawFlags, h.eraseCount) {
		return h, ClassCorrupt
	}

	if h.nextPage != invalidPage {
		h.nextOK = buf[offNextCRC] == crc8(buf[offNextPage:offNextPage+4])
	}

	return h, h.class()
}

// fileHeader is the second header carried only by start pages.
type fileHeader struct {
	size        uint32 // declared payload size in bytes
	fileType    byte
	nameLen     byte
	tmpState    uint16
	createState uint16
	deleteState uint16
}

// fileCRC computes the file header checksum over the immutable fields
// and the name; the three state fields change after creation and are
// excluded.
func fileCRC(size uint32, fileType, nameLen byte, name string) uint32 {
	in := make([]byte, 6, 6+len(name))
	binary.LittleEndian.PutUint32(in[0:4], size)
	in[4] = fileType
	in[5] = nameLen
	in = append(in, name...)
	return crc32ieee(in)
}

// encodeFileHeader serializes a file header for a new file. All three
// state fields start pending; the caller drives them to done as the
// corresponding operations complete.
func encodeFileHeader(h fileHeader, name string) [fileHeaderSize]byte {
	var buf [fileHeaderSize]byte
	for i := range buf {
		buf[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(buf[offFileSize:], h.size)
	buf[offFileType] = h.fileType
	buf[offNameLen] = h.nameLen
	binary.LittleEndian.PutUint16(buf[offTmpState:], h.tmpState)
	binary.LittleEndian.PutUint16(buf[offCreateState:], h.createState)
	binary.LittleEndian.PutUint16(buf[offDeleteState:], h.deleteState)
	binary.LittleEndian.PutUint32(buf[offFileCRC:], fileCRC(h.size, h.fileType, h.nameLen, name))
	return buf
}

// parseFileHeader deserializes the fixed file header fields. The
// checksum is verified separately with verifyFileHeader once the name
// bytes have been read.
func parseFileHeader(buf []byte) fileHeader {
	return fileHeader{
		size:        binary.LittleEndian.Uint32(buf[offFileSize:]),
		fileType:    buf[offFileType],
		nameLen:     buf[offNameLen],
		tmpState:    binary.LittleEndian.Uint16(buf[offTmpState:]),
		createState: binary.LittleEndian.Uint16(buf[offCreateState:]),
		deleteState: binary.LittleEndian.Uint16(buf[offDeleteState:]),
	}
}

// verifyFileHeader checks the file checksum against the stored value.
func verifyFileHeader(buf []byte, h fileHeader, name string) bool {
	stored := binary.LittleEndian.Uint32(buf[offFileCRC:])
	return stored == fileCRC(h.size, h.fileType, h.nameLen, name)
}

// startPayload returns the payload capacity of a start page for a file
// with the given name length.
func startPayload(nameLen int) uint32 {
	return PageSize - pageHeaderSize - fileHeaderSize - uint32(nameLen)
}

// pagesForFile returns the number of pages a file of the declared size
// occupies on flash.
func pagesForFile(size uint32, nameLen int) uint32 {
	start := startPayload(nameLen)
	if size <= start {
		return 1
	}
	rest := size - start
	return 1 + (rest+contPayload-1)/contPayload
}
