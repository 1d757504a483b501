package state

// PCBit is path control bit n, counted from the most significant end.
func PCBit(n int) uint8 {
	return 0x80 >> n
}

// PCSMask is the set of path control bits usable with a given Path Control Size.
func PCSMask(pcs uint8) uint8 {
	return uint8(uint16(0xFF00) >> (pcs + 1))
}

// PCPreference maps a path control field onto its preference subfield (1 best, 4 worst).
func PCPreference(pc uint8) uint16 {
	switch {
	case pc >= 0x40:
		return 1
	case pc >= 0x10:
		return 2
	case pc >= 0x04:
		return 3
	}
	return 4
}
