package pfs

import "hash/crc32"

// crc8 guards the next-page link independently of the header checksum,
// so a corrupt link is detectable separately from header corruption.
// Polynomial 0x07 (CRC-8/ATM), init 0x00.

var crc8Table [256]byte

func init() {
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
		crc8Table[i] = crc
	}
}

// crc8 computes the CRC-8 of p.
func crc8(p []byte) byte {
	var crc byte
	for _, b := range p {
		crc = crc8Table[crc^b]
	}
	return crc
}

// crc32ieee is the header and file checksum. The standard IEEE table is
// what the rest of the firmware's tooling computes, so images stay
// verifiable with stock tools.
func crc32ieee(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}
