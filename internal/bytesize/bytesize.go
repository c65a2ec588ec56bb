package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize represents a size or flash address in bytes that can be
// unmarshaled from human-readable strings like "4Ki", "64Ki", "8Mi",
// plain numbers, or hex literals like "0x220000" (the usual way flash
// region bounds are written in board definitions).
//
// Supported formats:
//   - Plain numbers: 512, 4096
//   - Hex literals: 0x1000, 0x3E0000
//   - Binary units (×1024): Ki/KiB, Mi/MiB, Gi/GiB
//   - Bytes: B
type ByteSize uint64

// Common byte size constants.
const (
	B   ByteSize = 1
	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
)

// byteSizePattern matches a number followed by an optional unit suffix.
var byteSizePattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*([a-z]*)\s*$`)

// unitMultipliers maps unit suffixes to their byte multipliers.
var unitMultipliers = map[string]ByteSize{
	"":    B,
	"b":   B,
	"ki":  KiB,
	"kib": KiB,
	"mi":  MiB,
	"mib": MiB,
	"gi":  GiB,
	"gib": GiB,
}

// Parse parses a human-readable byte size string into a ByteSize value.
func Parse(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	// Hex literals are common for flash addresses.
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		num, err := strconv.ParseUint(trimmed[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hex byte size: %q", s)
		}
		return ByteSize(num), nil
	}

	matches := byteSizePattern.FindStringSubmatch(trimmed)
	if matches == nil {
		return 0, fmt.Errorf("invalid byte size format: %q", s)
	}

	num, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte size: %q", matches[1])
	}

	multiplier, ok := unitMultipliers[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", matches[2])
	}

	return ByteSize(num) * multiplier, nil
}

// UnmarshalText implements encoding.TextUnmarshaler for ByteSize.
// This allows ByteSize to be used directly in structs with mapstructure.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// String returns a human-readable representation of the byte size.
// Exact binary multiples render with their unit; everything else renders
// as a plain byte count, since flash geometry is never fractional.
func (b ByteSize) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGiB", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMiB", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKiB", b/KiB)
	default:
		return fmt.Sprintf("%dB", uint64(b))
	}
}

// Uint64 returns the ByteSize as a uint64.
func (b ByteSize) Uint64() uint64 {
	return uint64(b)
}

// IsMultipleOf reports whether the size is an exact multiple of unit.
// Used to validate that region bounds are erase-sector aligned.
func (b ByteSize) IsMultipleOf(unit ByteSize) bool {
	return unit != 0 && b%unit == 0
}
