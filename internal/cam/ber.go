package cam

// EncodeLength appends the BER length field for n to buf. Lengths below 0x80
// take one byte, larger ones the three byte form 0x82 hi lo.
func EncodeLength(buf []byte, n int) []byte {
	if n < 0x80 {
		return append(buf, byte(n))
	}
	return append(buf, 0x82, byte(n>>8), byte(n))
}

// DecodeLength reads a BER length field, returning the value and the number of
// bytes the field occupies. ok is false for truncated or unsupported fields.
func DecodeLength(data []byte) (length int, size int, ok bool) {
	if len(data) < 1 {
		return 0, 0, false
	}

	first := data[0]
	if first < 0x80 {
		return int(first), 1, true
	}

	switch first {
	case 0x81:
		if len(data) < 2 {
			return 0, 0, false
		}
		return int(data[1]), 2, true
	case 0x82:
		if len(data) < 3 {
			return 0, 0, false
		}
		return int(data[1])<<8 | int(data[2]), 3, true
	}

	return 0, 0, false
}
