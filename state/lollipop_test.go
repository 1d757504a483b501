package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqInc(t *testing.T) {
	assert.Equal(t, uint8(241), SeqInc(SeqInit))
	assert.Equal(t, uint8(0), SeqInc(255))
	assert.Equal(t, uint8(0), SeqInc(127))
	assert.Equal(t, uint8(5), SeqInc(4))
}

func TestSeqCompareExamples(t *testing.T) {
	tests := []struct {
		a, b uint8
		want SeqOrder
	}{
		{240, 240, SeqEqual},
		{241, 240, SeqGreater},
		{240, 241, SeqLess},
		// close to the end of the stick the circular value is newer
		{250, 5, SeqLess},
		{5, 250, SeqGreater},
		{240, 5, SeqGreater},
		// far from the end of the stick, the linear value wins
		{200, 5, SeqGreater},
		{5, 200, SeqLess},
		{0, 127, SeqGreater},
		{127, 0, SeqLess},
		{10, 60, SeqUnordered},
		{130, 250, SeqUnordered},
		{250, 255, SeqLess},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SeqCompare(tc.a, tc.b), "compare(%d, %d)", tc.a, tc.b)
	}
}

func TestSeqCompareAntisymmetric(t *testing.T) {
	for a := 0; a < 256; a++ {
		for b := 0; b < 256; b++ {
			ab := SeqCompare(uint8(a), uint8(b))
			ba := SeqCompare(uint8(b), uint8(a))
			switch ab {
			case SeqEqual:
				if a != b || ba != SeqEqual {
					t.Fatalf("compare(%d, %d) = equal, reverse %s", a, b, ba)
				}
			case SeqGreater:
				if ba != SeqLess {
					t.Fatalf("compare(%d, %d) = greater, reverse %s", a, b, ba)
				}
			case SeqLess:
				if ba != SeqGreater {
					t.Fatalf("compare(%d, %d) = less, reverse %s", a, b, ba)
				}
			case SeqUnordered:
				if ba != SeqUnordered {
					t.Fatalf("compare(%d, %d) = unordered, reverse %s", a, b, ba)
				}
			}
		}
	}
}

func TestSeqIncIsGreater(t *testing.T) {
	for a := 0; a < 256; a++ {
		next := SeqInc(uint8(a))
		assert.Equal(t, SeqGreater, SeqCompare(next, uint8(a)), "inc(%d) = %d", a, next)
	}
}
