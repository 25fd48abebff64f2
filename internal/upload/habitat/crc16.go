package habitat

// crc16 is CRC-16/CCITT-FALSE (polynomial 0x1021, initial value 0xFFFF), the
// checksum UKHAS sentences carry after the '*'.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc16Table[byte(crc>>8)^b] ^ (crc << 8)
	}
	return crc
}

var crc16Table = func() [256]uint16 {
	var table [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if (crc & 0x8000) != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()
