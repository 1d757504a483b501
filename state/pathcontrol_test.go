package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPCSMask(t *testing.T) {
	assert.Equal(t, uint8(0x80), PCSMask(0))
	assert.Equal(t, uint8(0xC0), PCSMask(1))
	assert.Equal(t, uint8(0xF0), PCSMask(3))
	assert.Equal(t, uint8(0xFF), PCSMask(7))
	for pcs := uint8(0); pcs < 8; pcs++ {
		var bits uint8
		for n := 0; n <= int(pcs); n++ {
			bits |= PCBit(n)
		}
		assert.Equal(t, bits, PCSMask(pcs), "pcs %d", pcs)
	}
}

func TestPCPreference(t *testing.T) {
	assert.Equal(t, uint16(1), PCPreference(0xC0))
	assert.Equal(t, uint16(1), PCPreference(0x40))
	assert.Equal(t, uint16(2), PCPreference(0x30))
	assert.Equal(t, uint16(3), PCPreference(0x0C))
	assert.Equal(t, uint16(4), PCPreference(0x03))
	assert.Equal(t, uint16(4), PCPreference(0))
}
