package wire

// CRC16 implements the CRC-16/ARC form specified for beacon packets:
// polynomial 0xA001 (reflected form of 0x8005), seed 0 (spec §2, §6).
// CRC-16/MODBUS uses the same table with seed 0xFFFF (see CRC16Seed). No
// package in the retrieval pack ships this exact table (kcp-go's FEC layer
// uses CRC32C, and the standard library only has hash/crc32 and
// hash/crc64) so this is hand-rolled, table-driven the way the standard
// library's own crc32 package is.
var crc16Table [256]uint16

func init() {
	const poly = 0xA001
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 computes the checksum over b, starting from seed 0.
func CRC16(b []byte) int16 {
	return CRC16Seed(b, 0)
}

// CRC16Seed computes the checksum over b starting from the given seed,
// allowing incremental computation across several fields (spec §4.4 builds
// the beacon's CRC over several discontiguous struct fields).
func CRC16Seed(b []byte, seed uint16) int16 {
	crc := seed
	for _, c := range b {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(c))&0xff]
	}
	return int16(crc)
}
