package state

import (
	"time"

	"github.com/encodeous/rpl/protocol"
)

const (
	InfiniteRank = uint16(0xFFFF)
	// PathLifetimeInfinite in a Transit option means the path never expires.
	PathLifetimeInfinite = uint8(0xFF)
	// LifetimeInfinite marks a target lifetime (in seconds) that never counts down.
	LifetimeInfinite = ^uint32(0)
	MaxCost          = uint16(0xFFFF)
	// LocalInstanceFlag marks an RPLInstanceID scoped to its DODAGID.
	LocalInstanceFlag = uint8(0x80)
	// DefaultEtx is a perfect link in the 1/128 units used by MRHOF.
	DefaultEtx = uint16(128)
)

var (
	FastTick = time.Millisecond * 100
	SlowTick = time.Second

	// FastTicksPerSecond converts second based policy values to fast ticks.
	FastTicksPerSecond = uint32(time.Second / FastTick)
	MaxTrickleInterval = uint32(1 << 30)

	// DaoOptionBudget bounds the Target/Transit bytes of a single DAO, keeping the
	// packet under the IPv6 minimum MTU with room for headers.
	DaoOptionBudget = 768
	// DaoAttemptCap bounds the exponent of the DAO-ACK wait backoff.
	DaoAttemptCap = uint8(16)
	// SourceRouteErrorPenalty is added to a transit each time a source routed packet bounces on it.
	SourceRouteErrorPenalty = uint16(4)

	PoisonCount           = uint8(2)
	DisDedupTTL           = time.Second * 10
	AddrRegistrationRetry = uint32(3) // seconds
	AddrResponseWait      = uint16(5) // seconds
	LocalRepairDisCount   = uint8(3)

	DefaultDodagConf = protocol.DodagConf{
		PathControlSize:      0,
		DIOIntervalDoublings: 20,
		DIOIntervalMin:       3,
		DIORedundancy:        10,
		MaxRankIncrease:      7 * 256,
		MinHopRankIncrease:   256,
		ObjectiveCodePoint:   OCPZero,
		DefaultLifetime:      120,
		LifetimeUnit:         60,
	}
)

// Objective code points (RFC 6552, RFC 6719).
const (
	OCPZero  = uint16(0)
	OCPMrhof = uint16(1)
)
