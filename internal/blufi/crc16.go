package blufi

// CRC16 is the big-endian CRC16 variant the ESP32 ROM ships (polynomial
// 0x1021, input and output bit-inverted). BLUFI firmware checksums frames
// with crc16_be(0, buf, len); this matches it bit-for-bit.
func CRC16(crc uint16, data []byte) uint16 {
	crc = ^crc
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}
