package flash

import (
	"errors"
	"testing"
)

var testGeo = Geometry{
	Size:          256 * 1024,
	SectorSize:    64 * 1024,
	SubsectorSize: 4 * 1024,
}

func TestMemDevice_BlankReadsErased(t *testing.T) {
	d := NewMemDevice(testGeo)

	buf := make([]byte, 16)
	if err := d.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xFF", i, b)
		}
	}
}

func TestMemDevice_ProgramIsAND(t *testing.T) {
	d := NewMemDevice(testGeo)

	// First program clears some bits.
	if err := d.Program([]byte{0xF0}, 10); err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	// Second program cannot set bits back; result is the AND.
	if err := d.Program([]byte{0x0F}, 10); err != nil {
		t.Fatalf("Program failed: %v", err)
	}

	buf := make([]byte, 1)
	_ = d.ReadAt(buf, 10)
	if buf[0] != 0x00 {
		t.Errorf("got %#x, want 0x00 (0xF0 & 0x0F)", buf[0])
	}
}

func TestMemDevice_EraseRestoresOnes(t *testing.T) {
	d := NewMemDevice(testGeo)

	_ = d.Program([]byte{0x00, 0x00}, 100)
	if err := d.Erase(0, testGeo.SubsectorSize); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	buf := make([]byte, 2)
	_ = d.ReadAt(buf, 100)
	if buf[0] != 0xFF || buf[1] != 0xFF {
		t.Errorf("erase did not restore 0xFF: %#x %#x", buf[0], buf[1])
	}
	if got := d.EraseCount(100); got != 1 {
		t.Errorf("erase count = %d, want 1", got)
	}
}

func TestMemDevice_Bounds(t *testing.T) {
	d := NewMemDevice(testGeo)

	if err := d.ReadAt(make([]byte, 1), testGeo.Size); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end: got %v, want ErrOutOfRange", err)
	}
	if err := d.Program(make([]byte, 2), testGeo.Size-1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("program past end: got %v, want ErrOutOfRange", err)
	}
	if err := d.Erase(1, testGeo.SubsectorSize); !errors.Is(err, ErrUnaligned) {
		t.Errorf("unaligned erase: got %v, want ErrUnaligned", err)
	}
	if err := d.Erase(0, 100); !errors.Is(err, ErrUnaligned) {
		t.Errorf("short erase: got %v, want ErrUnaligned", err)
	}
}

func TestMemDevice_ProgramHookAborts(t *testing.T) {
	d := NewMemDevice(testGeo)

	boom := errors.New("power loss")
	d.SetProgramHook(func(addr uint64, p []byte) error { return boom })

	if err := d.Program([]byte{0x00}, 0); !errors.Is(err, boom) {
		t.Fatalf("got %v, want hook error", err)
	}

	// Nothing may have been applied.
	buf := make([]byte, 1)
	_ = d.ReadAt(buf, 0)
	if buf[0] != 0xFF {
		t.Errorf("aborted program modified flash: %#x", buf[0])
	}
}

func TestMemDevice_SnapshotRestore(t *testing.T) {
	d := NewMemDevice(testGeo)

	_ = d.Program([]byte{0xAB}, 0)
	snap := d.Snapshot()

	_ = d.Program([]byte{0x00}, 0)
	d.Restore(snap)

	buf := make([]byte, 1)
	_ = d.ReadAt(buf, 0)
	if buf[0] != 0xAB {
		t.Errorf("restore mismatch: %#x", buf[0])
	}
}

func TestFileDevice_RoundTrip(t *testing.T) {
	path := t.TempDir() + "/flash.img"

	d, err := OpenFileDevice(path, testGeo)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}

	if err := d.Program([]byte{0xAA, 0xBB}, 4096); err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen and verify persistence.
	d2, err := OpenFileDevice(path, testGeo)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = d2.Close() }()

	buf := make([]byte, 2)
	if err := d2.ReadAt(buf, 4096); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if buf[0] != 0xAA || buf[1] != 0xBB {
		t.Errorf("persisted data mismatch: %#x %#x", buf[0], buf[1])
	}

	// Untouched area still reads erased.
	_ = d2.ReadAt(buf, 0)
	if buf[0] != 0xFF {
		t.Errorf("fresh image not blank: %#x", buf[0])
	}
}

func TestFileDevice_GeometryMismatch(t *testing.T) {
	path := t.TempDir() + "/flash.img"

	d, err := OpenFileDevice(path, testGeo)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}
	_ = d.Close()

	other := testGeo
	other.Size = testGeo.Size * 2
	if _, err := OpenFileDevice(path, other); err == nil {
		t.Error("expected geometry mismatch error")
	}
}
