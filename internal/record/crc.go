package record

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32 (Castagnoli) checksum of a payload.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ValidateChecksum returns true if checksum matches the payload.
func ValidateChecksum(data []byte, checksum uint32) bool {
	return Checksum(data) == checksum
}
