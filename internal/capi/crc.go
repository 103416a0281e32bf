package capi

// CRC16 as used by the device: reflected polynomial 0xA001, zero initial
// value. ASCII replies append it as four uppercase hex digits before the CR;
// binary frames carry it as little-endian 16-bit header and data checksums.

var crcTable [256]uint16

func init() {
	for i := range crcTable {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes the device checksum over data.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return crc
}
