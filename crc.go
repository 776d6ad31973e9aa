package main

const Crc16Ccitt = 0x1021

var crcTable16 = crcBuildTable16(Crc16Ccitt)

// crc16 is CRC-16/CCITT with a zero initial value, as Rockchip's tools use it.
func crc16(buf []byte) uint16 {
	var accum uint16 = 0
	for _, b := range buf {
		accum = (accum << 8) ^ crcTable16[(accum>>8)^uint16(b)]
	}

	return accum
}

func crcBuildTable16(aPoly uint16) []uint16 {
	var i uint16
	var j uint16
	var data uint16
	var accum uint16
	crcTable := make([]uint16, 256)

	for i = 0; i < 256; i++ {
		data = i << 8
		accum = 0
		for j = 0; j < 8; j++ {
			if ((data ^ accum) & 0x8000) != 0 {
				accum = (accum << 1) ^ aPoly
			} else {
				accum <<= 1
			}

			data <<= 1
		}
		crcTable[i] = accum
	}
	return crcTable
}
