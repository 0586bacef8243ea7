package protocol

import "hash/crc32"

const crcAlignment = 4

// CRC returns the CRC-32 of data zero-padded to a 4 byte boundary, continuing
// from seed. The hub verifies uploads with this checksum.
func CRC(data []byte, seed uint32) uint32 {
	if rem := len(data) % crcAlignment; rem != 0 {
		padded := make([]byte, len(data)+crcAlignment-rem)
		copy(padded, data)
		data = padded
	}
	return crc32.Update(seed, crc32.IEEETable, data)
}
