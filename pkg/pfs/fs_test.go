package pfs

import (
	"bytes"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flintfs/internal/logger"
	"github.com/marmos91/flintfs/pkg/flash"
	"github.com/marmos91/flintfs/pkg/ftl"
)

const testSubsector = 4096

func testDevice(t *testing.T, subsectors uint64) *flash.MemDevice {
	t.Helper()
	return flash.NewMemDevice(flash.Geometry{
		Size:          subsectors * testSubsector,
		SectorSize:    65536,
		SubsectorSize: testSubsector,
	})
}

func mountAll(t *testing.T, dev *flash.MemDevice) *Filesystem {
	t.Helper()
	fs, err := Mount(dev, []ftl.Region{{Start: 0, End: dev.Geometry().Size}}, Options{})
	require.NoError(t, err)
	return fs
}

func writeFile(t *testing.T, fs *Filesystem, name string, ftype FileType, data []byte) {
	t.Helper()
	f, err := fs.Open(name, OpenWrite, ftype, uint32(len(data)))
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func readFile(t *testing.T, fs *Filesystem, name string) []byte {
	t.Helper()
	f, err := fs.Open(name, OpenRead, 0, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func TestMountBlank(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	stats, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(48), stats.TotalPages)
	assert.Equal(t, uint32(48), stats.FreePages)
	assert.Zero(t, stats.LivePages)

	// One erase sector is reserved for GC and never sold as capacity.
	assert.Equal(t, uint64(40*contPayload), fs.GetAvailableSpace())
}

func TestMountTooSmall(t *testing.T) {
	dev := testDevice(t, 1)
	_, err := Mount(dev, []ftl.Region{{Start: 0, End: testSubsector}}, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFileRoundTrip(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	payload := bytes.Repeat([]byte{0xAA}, 100)
	writeFile(t, fs, "log", 1, payload)

	assert.Equal(t, payload, readFile(t, fs, "log"))

	// Survives an unmount/remount cycle.
	fs2 := mountAll(t, dev)
	assert.Equal(t, payload, readFile(t, fs2, "log"))

	infos, err := fs2.ListFiles(nil)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "log", infos[0].Name)
	assert.Equal(t, uint32(100), infos[0].Size)
	assert.Equal(t, FileType(1), infos[0].Type)
}

func TestMultiPageFile(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	writeFile(t, fs, "blob", 2, payload)
	assert.Equal(t, payload, readFile(t, fs, "blob"))

	f, err := fs.Open("blob", OpenRead|OpenPageCache, 0, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	// Random access across page boundaries.
	pos, err := f.Seek(1500, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), pos)
	buf := make([]byte, 100)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	assert.Equal(t, payload[1500:1600], buf)

	pos, err = f.Seek(-300, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), pos)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	assert.Equal(t, payload[1700:1800], buf)
}

func TestOpenValidation(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	tests := []struct {
		name     string
		filename string
		flags    OpenFlags
		ftype    FileType
	}{
		{"empty name", "", OpenRead, 0},
		{"name too long", string(make([]byte, MaxFilenameLen+1)), OpenRead, 0},
		{"no access", "x", OpenPageCache, 0},
		{"overwrite without write", "x", OpenRead | OpenOverwrite, 0},
		{"reserved type", "x", OpenWrite | OpenOverwrite, 0xFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.Open(tt.filename, tt.flags, tt.ftype, 16)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	t.Run("missing read-only", func(t *testing.T) {
		_, err := fs.Open("nope", OpenRead, 0, 0)
		assert.ErrorIs(t, err, ErrDoesNotExist)
	})
}

func TestBusy(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "a", 1, []byte("hi"))

	f, err := fs.Open("a", OpenRead, 0, 0)
	require.NoError(t, err)

	_, err = fs.Open("a", OpenRead, 0, 0)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, fs.Remove("a"), ErrBusy)

	require.NoError(t, f.Close())
	_, err = fs.Open("a", OpenRead, 0, 0)
	assert.NoError(t, err)
}

func TestRemove(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "a", 1, []byte("data"))

	require.NoError(t, fs.Remove("a"))
	_, err := fs.Open("a", OpenRead, 0, 0)
	assert.ErrorIs(t, err, ErrDoesNotExist)
	assert.ErrorIs(t, fs.Remove("a"), ErrDoesNotExist)

	// Still gone after remount.
	fs2 := mountAll(t, dev)
	_, err = fs2.Open("a", OpenRead, 0, 0)
	assert.ErrorIs(t, err, ErrDoesNotExist)
}

func TestRemoveMultiPageLogsNoCorruption(t *testing.T) {
	var logBuf bytes.Buffer
	logger.InitWithWriter(&logBuf, "WARN", "text")
	defer logger.InitWithWriter(&logBuf, "INFO", "text")

	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "big", 1, make([]byte, 2000))

	// The final page of a healthy chain has a blank next link; removal
	// must treat that as the end of the chain, not as damage.
	require.NoError(t, fs.Remove("big"))
	assert.NotContains(t, logBuf.String(), "chain link checksum bad")

	stats, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stats.DeletedPages, "every page of the chain is reclaimed")
}

func TestCloseAndRemove(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "a", 1, []byte("data"))

	f, err := fs.Open("a", OpenRead, 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.CloseAndRemove())

	_, err = fs.Open("a", OpenRead, 0, 0)
	assert.ErrorIs(t, err, ErrDoesNotExist)
	assert.ErrorIs(t, f.Close(), ErrClosed)
}

func TestOverwrite(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "cfg", 1, []byte("old-contents"))

	f, err := fs.Open("cfg", OpenWrite|OpenOverwrite, 1, 3)
	require.NoError(t, err)
	_, err = f.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, []byte("new"), readFile(t, fs, "cfg"))

	infos, err := fs.ListFiles(nil)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

// An overwrite that never commits must leave the old file intact across
// a power cycle.
func TestOverwriteAbandonedByPowerLoss(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "cfg", 1, []byte("old-contents"))

	f, err := fs.Open("cfg", OpenWrite|OpenOverwrite, 1, 3)
	require.NoError(t, err)
	_, err = f.Write([]byte("new"))
	require.NoError(t, err)
	// No close: power is lost here.

	fs2 := mountAll(t, dev)
	assert.Equal(t, []byte("old-contents"), readFile(t, fs2, "cfg"))
	infos, err := fs2.ListFiles(nil)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestWritePastDeclaredSize(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	f, err := fs.Open("fixed", OpenWrite, 1, 4)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	_, err = f.Write([]byte("12345"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	n, err := f.Write([]byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSeekClamps(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "a", 1, []byte("0123456789"))

	f, err := fs.Open("a", OpenRead, 0, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	pos, err := f.Seek(-5, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	pos, err = f.Seek(100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileCRC(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	payload := bytes.Repeat([]byte{0x5C}, 700)
	writeFile(t, fs, "a", 1, payload)

	crc, err := fs.FileCRC("a")
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE(payload), crc)

	_, err = fs.FileCRC("missing")
	assert.ErrorIs(t, err, ErrDoesNotExist)
}

func TestListFilesFilter(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "a", 1, []byte("x"))
	writeFile(t, fs, "b", 2, []byte("y"))
	writeFile(t, fs, "c", 2, []byte("z"))

	infos, err := fs.ListFiles(func(fi FileInfo) bool { return fi.Type == 2 })
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, fi := range infos {
		assert.Equal(t, FileType(2), fi.Type)
	}
}

func TestAvailableSpaceDecreases(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	before := fs.GetAvailableSpace()
	writeFile(t, fs, "a", 1, make([]byte, 1000))
	after := fs.GetAvailableSpace()
	assert.Less(t, after, before)
}

func TestFormat(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)
	writeFile(t, fs, "a", 1, []byte("data"))

	require.NoError(t, fs.Format(true))

	infos, err := fs.ListFiles(nil)
	require.NoError(t, err)
	assert.Empty(t, infos)

	stats, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.TotalPages, stats.FreePages)
	// Erase headers carry the cycle counter forward.
	assert.GreaterOrEqual(t, stats.EraseMin, uint16(1))

	// The filesystem is immediately usable again.
	writeFile(t, fs, "b", 1, []byte("fresh"))
	assert.Equal(t, []byte("fresh"), readFile(t, fs, "b"))
}

func TestMountMultipleRegions(t *testing.T) {
	dev := testDevice(t, 6)
	regions := []ftl.Region{
		{Start: 0, End: 2 * testSubsector},
		{Start: 3 * testSubsector, End: 6 * testSubsector},
	}
	fs, err := Mount(dev, regions, Options{})
	require.NoError(t, err)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	writeFile(t, fs, "span", 1, payload)

	fs2, err := Mount(dev, regions, Options{})
	require.NoError(t, err)
	assert.Equal(t, payload, readFile(t, fs2, "span"))
}

func TestDescriptorExhaustion(t *testing.T) {
	dev := testDevice(t, 8)
	fs := mountAll(t, dev)

	names := []string{"f0", "f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8", "f9", "f10"}
	for _, name := range names {
		writeFile(t, fs, name, 1, []byte("x"))
	}

	var open []*File
	defer func() {
		for _, f := range open {
			_ = f.Close()
		}
	}()
	for i, name := range names {
		f, err := fs.Open(name, OpenRead, 0, 0)
		if i < descriptorSlots-gcReservedSlots {
			require.NoError(t, err, name)
			open = append(open, f)
			continue
		}
		// Every ordinary slot is pinned by an open handle.
		assert.ErrorIs(t, err, ErrOutOfResources)
	}
}

func TestWatch(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	var events []Event
	id, err := fs.Watch("w", EventClosed|EventRemoved, func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	writeFile(t, fs, "w", 1, []byte("x"))
	writeFile(t, fs, "other", 1, []byte("y"))
	require.NoError(t, fs.Remove("w"))

	require.Len(t, events, 2)
	assert.Equal(t, Event{Name: "w", Type: EventClosed}, events[0])
	assert.Equal(t, Event{Name: "w", Type: EventRemoved}, events[1])

	// A read-only close does not fire.
	writeFile(t, fs, "w", 1, []byte("x"))
	events = nil
	f, err := fs.Open("w", OpenRead, 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Empty(t, events)

	fs.Unwatch(id)
	require.NoError(t, fs.Remove("w"))
	assert.Empty(t, events)
}

// Watch callbacks run outside the lock, so they may call back into the
// filesystem.
func TestWatchReentrancy(t *testing.T) {
	dev := testDevice(t, 6)
	fs := mountAll(t, dev)

	var got []byte
	_, err := fs.Watch("in", EventClosed, func(ev Event) {
		got = readFile(t, fs, ev.Name)
	})
	require.NoError(t, err)

	writeFile(t, fs, "in", 1, []byte("ping"))
	assert.Equal(t, []byte("ping"), got)
}
