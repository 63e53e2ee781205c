package can

// CAN-FD frames may only carry certain payload sizes above 8 bytes. These
// helpers map between raw byte counts, the discrete frame sizes and the DLC
// codes that encode them on the wire.

var fdSizes = []int{8, 12, 16, 20, 24, 32, 48, 64}

// NearestFrameSize returns the smallest valid CAN-FD frame size that fits
// a payload of n bytes. Sizes of 8 or less are valid as-is.
func NearestFrameSize(n int) int {
	if n <= 8 {
		return n
	}
	for _, s := range fdSizes {
		if n <= s {
			return s
		}
	}
	return MaxFDDataLen
}

// ValidFrameSize reports whether n bytes may be carried without padding.
func ValidFrameSize(n int) bool {
	if n >= 0 && n <= 8 {
		return true
	}
	for _, s := range fdSizes {
		if n == s {
			return true
		}
	}
	return false
}

// LenToDLC converts a payload length to its DLC code.
func LenToDLC(n int) byte {
	if n <= 8 {
		return byte(n)
	}
	switch {
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}

// DLCToLen converts a DLC code to the payload length it declares.
func DLCToLen(dlc byte) int {
	if dlc <= 8 {
		return int(dlc)
	}
	switch dlc {
	case 9:
		return 12
	case 10:
		return 16
	case 11:
		return 20
	case 12:
		return 24
	case 13:
		return 32
	case 14:
		return 48
	default:
		return 64
	}
}

// Pad extends data to target length with the given fill byte. The input slice
// is not modified when growth is needed.
func Pad(data []byte, target int, fill byte) []byte {
	if len(data) >= target {
		return data
	}
	out := make([]byte, target)
	copy(out, data)
	for i := len(data); i < target; i++ {
		out[i] = fill
	}
	return out
}
