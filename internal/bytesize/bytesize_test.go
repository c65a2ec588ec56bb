package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected ByteSize
	}{
		{"512", 512},
		{"4096", 4096},
		{"4Ki", 4 * KiB},
		{"4KiB", 4 * KiB},
		{"64ki", 64 * KiB},
		{"8Mi", 8 * MiB},
		{"1Gi", GiB},
		{"0x1000", 4096},
		{"0x220000", 0x220000},
		{"0X3E0000", 0x3E0000},
		{" 16Ki ", 16 * KiB},
		{"0", 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "  ", "abc", "4Kx", "-1", "0xZZ", "1.5Ki"} {
		input := input
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "4KiB", (4 * KiB).String())
	assert.Equal(t, "8MiB", (8 * MiB).String())
	assert.Equal(t, "1GiB", GiB.String())
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "4097B", ByteSize(4097).String())
}

func TestUnmarshalText(t *testing.T) {
	t.Parallel()

	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("64Ki")))
	assert.Equal(t, 64*KiB, b)

	assert.Error(t, b.UnmarshalText([]byte("nope")))
}

func TestIsMultipleOf(t *testing.T) {
	t.Parallel()

	assert.True(t, (64 * KiB).IsMultipleOf(4*KiB))
	assert.False(t, ByteSize(4097).IsMultipleOf(4*KiB))
	assert.False(t, (4 * KiB).IsMultipleOf(0))
}
