package pfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blankPageHeader() []byte {
	buf := make([]byte, pageHeaderSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}

func TestDecodePageHeader_Blank(t *testing.T) {
	_, class := decodePageHeader(blankPageHeader())
	assert.Equal(t, ClassUnallocated, class)
}

func TestDecodePageHeader_EraseHeader(t *testing.T) {
	buf := encodeEraseHeader(7)
	h, class := decodePageHeader(buf[:])
	assert.Equal(t, ClassErased, class)
	assert.Equal(t, uint16(7), h.eraseCount)
	assert.True(t, class.free())
}

func TestEncodeDecodePageHeader(t *testing.T) {
	tests := []struct {
		name  string
		flags byte
		class PageClass
	}{
		{"start", 0xFF &^ flagStart, ClassStart},
		{"continuation", 0xFF &^ flagCont, ClassContinuation},
		{"deleted start", 0xFF &^ (flagStart | flagDeleted), ClassDeleted},
		{"deleted continuation", 0xFF &^ (flagCont | flagDeleted), ClassDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := encodePageHeader(pageHeader{
				version:    HeaderVersion,
				marker:     markerUnmarked,
				rawFlags:   tt.flags,
				eraseCount: 3,
				nextPage:   invalidPage,
			})
			h, class := decodePageHeader(buf[:])
			assert.Equal(t, tt.class, class)
			assert.Equal(t, uint16(3), h.eraseCount)
		})
	}
}

// The marker byte and the deleted flag bit change in place after the
// header checksum is written; both are normalized out of it.
func TestHeaderCRC_SurvivesInPlaceTransitions(t *testing.T) {
	buf := encodePageHeader(pageHeader{
		version:    HeaderVersion,
		marker:     markerCurrent,
		rawFlags:   0xFF &^ flagStart,
		eraseCount: 1,
		nextPage:   invalidPage,
	})

	t.Run("retire marker", func(t *testing.T) {
		b := buf
		b[offMarker] &= markerRetired
		_, class := decodePageHeader(b[:])
		assert.Equal(t, ClassStart, class)
	})

	t.Run("mark deleted", func(t *testing.T) {
		b := buf
		b[offFlags] &= 0xFF &^ flagDeleted
		_, class := decodePageHeader(b[:])
		assert.Equal(t, ClassDeleted, class)
	})
}

func TestDecodePageHeader_Damage(t *testing.T) {
	t.Run("flipped flag bit", func(t *testing.T) {
		buf := encodePageHeader(pageHeader{
			version: HeaderVersion, marker: markerUnmarked,
			rawFlags: 0xFF &^ flagStart, eraseCount: 1, nextPage: invalidPage,
		})
		buf[offFlags] &^= flagCont
		_, class := decodePageHeader(buf[:])
		assert.Equal(t, ClassCorrupt, class)
	})

	t.Run("future version", func(t *testing.T) {
		buf := encodePageHeader(pageHeader{
			version: HeaderVersion + 1, marker: markerUnmarked,
			rawFlags: 0xFF &^ flagStart, eraseCount: 1, nextPage: invalidPage,
		})
		_, class := decodePageHeader(buf[:])
		assert.Equal(t, ClassBadVersion, class)
	})

	t.Run("garbage", func(t *testing.T) {
		buf := blankPageHeader()
		buf[offEraseCount] = 0x12 // bits cleared with no erase flag
		_, class := decodePageHeader(buf)
		assert.Equal(t, ClassCorrupt, class)
	})
}

func TestNextLinkCRC(t *testing.T) {
	buf := encodePageHeader(pageHeader{
		version: HeaderVersion, marker: markerUnmarked,
		rawFlags: 0xFF &^ flagStart, eraseCount: 1, nextPage: invalidPage,
	})
	link := encodeNextLink(42)
	copy(buf[offNextPage:], link[:])

	h, class := decodePageHeader(buf[:])
	require.Equal(t, ClassStart, class)
	assert.Equal(t, uint32(42), h.nextPage)
	assert.True(t, h.nextOK)

	// A damaged link leaves the header itself valid.
	buf[offNextPage] &^= 0x02
	h, class = decodePageHeader(buf[:])
	assert.Equal(t, ClassStart, class)
	assert.False(t, h.nextOK)
}

func TestFileHeaderCodec(t *testing.T) {
	fh := fileHeader{
		size: 1000, fileType: 3, nameLen: 5,
		tmpState: stateDone, createState: statePending, deleteState: statePending,
	}
	buf := encodeFileHeader(fh, "hello")

	got := parseFileHeader(buf[:])
	assert.Equal(t, fh, got)
	assert.True(t, verifyFileHeader(buf[:], got, "hello"))
	assert.False(t, verifyFileHeader(buf[:], got, "jello"))

	// Driving a state field to done must not disturb the checksum.
	binary.LittleEndian.PutUint16(buf[offCreateState:], stateDone)
	got = parseFileHeader(buf[:])
	assert.Equal(t, stateDone, got.createState)
	assert.True(t, verifyFileHeader(buf[:], got, "hello"))
}

func TestPagesForFile(t *testing.T) {
	start := startPayload(3)

	tests := []struct {
		size uint32
		want uint32
	}{
		{0, 1},
		{1, 1},
		{start, 1},
		{start + 1, 2},
		{start + contPayload, 2},
		{start + contPayload + 1, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pagesForFile(tt.size, 3), "size %d", tt.size)
	}
}
