package main

const rc4BlockSize = 512

var rc4Key = []byte{124, 78, 3, 4, 85, 5, 9, 7, 45, 44, 123, 56, 23, 13, 23, 17}

// rc4 scrambles buf in place with Rockchip's fixed key. Applying it twice
// restores the input.
func rc4(buf []byte) {
	var s [256]byte
	var k [256]byte

	var j byte = 0

	for i := 0; i < 256; i++ {
		s[i] = byte(i)
		k[i] = rc4Key[i%len(rc4Key)]
	}

	for i := 0; i < 256; i++ {
		j = j + s[i] + k[i]
		s[i], s[j] = s[j], s[i]
	}

	var x byte = 0
	j = 0
	for n := range buf {
		x++
		j += s[x]
		s[x], s[j] = s[j], s[x]
		buf[n] ^= s[s[x]+s[j]]
	}
}

// rc4Blocks scrambles buf in independent 512 byte blocks; a short tail
// block is scrambled as it is.
func rc4Blocks(buf []byte) {
	for off := 0; off < len(buf); off += rc4BlockSize {
		end := off + rc4BlockSize
		if end > len(buf) {
			end = len(buf)
		}
		rc4(buf[off:end])
	}
}
