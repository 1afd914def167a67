// Package pmcodec implements the little-endian on-disk <-> host-order
// codec and checksum algorithm shared by every pmpool structure, per the
// C1 "Binary-format codec" contract: ToHost/ToLE swap byte order of
// multi-byte integer fields, and Checksum either stores or verifies the
// structure's trailing 64-bit checksum with that field treated as zero
// during the reduction.
package pmcodec

// rawChecksum is implemented with a fixed 8-byte additive Fletcher-like
// reduction: the buffer is walked in 4-byte little-endian words, folded
// into two 32-bit accumulators, and combined into the final 64-bit value.
// This is not a standard CRC/Fletcher variant available in any library in
// the example pack or the wider ecosystem; it must match the on-disk
// format bit for bit, so it is implemented by hand here rather than
// reached for from a checksum package (see DESIGN.md).
func rawChecksum(buf []byte) uint64 {
	var lo, hi uint32
	// Process the buffer in 4-byte words; a short final word is zero
	// padded, mirroring the original's handling of the trailing bytes.
	n := len(buf)
	for i := 0; i < n; i += 4 {
		var word uint32
		for j := 0; j < 4 && i+j < n; j++ {
			word |= uint32(buf[i+j]) << (8 * uint(j))
		}
		lo += word
		hi += lo
	}
	return uint64(hi)<<32 | uint64(lo)
}

// Checksum computes the checksum of buf with the 8 bytes at
// [csumOffset:csumOffset+8) treated as zero during the reduction.
//
// When store is true, the computed value is written back (little-endian)
// into that field and the function returns (true, value). When store is
// false, the stored value is compared against the computed value and the
// function returns whether they match.
func Checksum(buf []byte, csumOffset int, store bool) (bool, uint64) {
	work := make([]byte, len(buf))
	copy(work, buf)
	for i := 0; i < 8; i++ {
		work[csumOffset+i] = 0
	}

	computed := rawChecksum(work)

	if store {
		putUint64LE(buf[csumOffset:csumOffset+8], computed)
		return true, computed
	}

	stored := getUint64LE(buf[csumOffset : csumOffset+8])
	return stored == computed, computed
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func getUint64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
