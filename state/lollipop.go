package state

// RFC 6550 7.2 lollipop counters. Values 128..255 form the linear "stick"
// a counter starts on after reboot, 0..127 the circular part it settles into.

type SeqOrder int

const (
	SeqEqual SeqOrder = iota
	SeqLess
	SeqGreater
	SeqUnordered
)

const (
	SeqWindow         = 16
	SeqInit     uint8 = 256 - SeqWindow
	seqCircular       = 128
)

func (o SeqOrder) String() string {
	switch o {
	case SeqEqual:
		return "equal"
	case SeqLess:
		return "less"
	case SeqGreater:
		return "greater"
	}
	return "unordered"
}

// SeqInc advances a lollipop counter. 127 wraps back to 0 and 255 falls onto the circle.
func SeqInc(s uint8) uint8 {
	if s == seqCircular-1 {
		return 0
	}
	return s + 1
}

// SeqCompare orders a relative to b.
func SeqCompare(a, b uint8) SeqOrder {
	if a == b {
		return SeqEqual
	}
	aLinear, bLinear := a >= seqCircular, b >= seqCircular
	switch {
	case aLinear && !bLinear:
		if 256+int(b)-int(a) <= SeqWindow {
			return SeqLess
		}
		return SeqGreater
	case !aLinear && bLinear:
		if 256+int(a)-int(b) <= SeqWindow {
			return SeqGreater
		}
		return SeqLess
	case !aLinear && !bLinear:
		d := int(a-b) & (seqCircular - 1)
		if d <= SeqWindow {
			return SeqGreater
		}
		if seqCircular-d <= SeqWindow {
			return SeqLess
		}
		return SeqUnordered
	}
	if a > b {
		if int(a)-int(b) <= SeqWindow {
			return SeqGreater
		}
	} else if int(b)-int(a) <= SeqWindow {
		return SeqLess
	}
	return SeqUnordered
}

func SeqGe(a, b uint8) bool {
	o := SeqCompare(a, b)
	return o == SeqEqual || o == SeqGreater
}

func SeqGt(a, b uint8) bool {
	return SeqCompare(a, b) == SeqGreater
}
