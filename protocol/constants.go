package protocol

// This file makes references to RFC 6550:
// https://datatracker.ietf.org/doc/html/rfc6550

import "net/netip"

// ICMPv6TypeRPL is the ICMPv6 type carrying every RPL control message.
const ICMPv6TypeRPL = 155

// RPL control message codes (RFC 6550 6.)
const (
	CodeDIS    uint8 = 0x00
	CodeDIO    uint8 = 0x01
	CodeDAO    uint8 = 0x02
	CodeDAOAck uint8 = 0x03
)

// RPL control message option types (RFC 6550 6.7.)
const (
	OptPad1                uint8 = 0x00
	OptPadN                uint8 = 0x01
	OptDagMetric           uint8 = 0x02
	OptRouteInfo           uint8 = 0x03
	OptDodagConfig         uint8 = 0x04
	OptTarget              uint8 = 0x05
	OptTransit             uint8 = 0x06
	OptSolicitedInfo       uint8 = 0x07
	OptPrefixInfo          uint8 = 0x08
	OptTargetDescriptor    uint8 = 0x09
	dodagConfigLength            = 14
	solicitedInfoLength          = 19
	prefixInfoLength             = 30
	targetDescriptorLength       = 4
	transitShortLength           = 4
	transitLongLength            = 20
)

//	0                   1                   2
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// | RPLInstanceID |Version Number |             Rank              |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |G|0| MOP | Prf |     DTSN      |     Flags     |   Reserved    |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	dioBaseLength = 24

	GroundedFlag uint8 = 0x80
	MopMask      uint8 = 0x38
	MopShift           = 3
	PrfMask      uint8 = 0x07
)

// Mode of Operation values (RFC 6550 6.3.1.)
const (
	MopNoDownward        uint8 = 0
	MopNonStoring        uint8 = 1
	MopStoring           uint8 = 2
	MopStoringMulticast  uint8 = 3
	mopReservedThreshold uint8 = 4
)

// DAO / DAO-ACK flags
const (
	DaoFlagK       uint8 = 0x80
	DaoFlagD       uint8 = 0x40
	DaoAckFlagD    uint8 = 0x80
	TransitFlagE   uint8 = 0x80
	DisBaseLength        = 2
	ConfigFlagAuth uint8 = 0x08
	ConfigPcsMask  uint8 = 0x07

	SolicitedFlagV uint8 = 0x80
	SolicitedFlagI uint8 = 0x40
	SolicitedFlagD uint8 = 0x20

	PrefixFlagL uint8 = 0x80
	PrefixFlagA uint8 = 0x40
	PrefixFlagR uint8 = 0x20

	routePrfMask  uint8 = 0x18
	routePrfShift       = 3
)

// DAO-ACK status values. Values below 128 are accepted, 128 and above reject.
const (
	DaoAckStatusAccepted     uint8 = 0
	DaoAckStatusRejectThresh uint8 = 128
	DaoAckStatusUnableToAdd  uint8 = 129
	DaoAckStatusNoSpace      uint8 = 130
)

var (
	// AllRplNodes is the link-local scope all-RPL-nodes multicast group.
	AllRplNodes = netip.MustParseAddr("ff02::1a")
)

// MakeGMopPrf packs the Grounded flag, MOP and DODAG preference into one byte.
func MakeGMopPrf(grounded bool, mop, prf uint8) uint8 {
	v := (mop << MopShift) & MopMask
	v |= prf & PrfMask
	if grounded {
		v |= GroundedFlag
	}
	return v
}

// MopOf extracts the mode of operation from a G/MOP/Prf byte.
func MopOf(gMopPrf uint8) uint8 {
	return (gMopPrf & MopMask) >> MopShift
}

// PrfOf extracts the DODAG preference from a G/MOP/Prf byte.
func PrfOf(gMopPrf uint8) uint8 {
	return gMopPrf & PrfMask
}

// GroundedOf reports the Grounded flag of a G/MOP/Prf byte.
func GroundedOf(gMopPrf uint8) bool {
	return gMopPrf&GroundedFlag != 0
}

// MopStoringMode reports whether a mode of operation keeps per-destination routes at intermediate nodes.
func MopStoringMode(mop uint8) bool {
	return mop == MopStoring || mop == MopStoringMulticast
}

// MopReserved reports whether a mode of operation is not defined by RFC 6550.
func MopReserved(mop uint8) bool {
	return mop >= mopReservedThreshold
}
