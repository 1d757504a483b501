package state

import (
	"math/rand/v2"
	"net/netip"
)

// Policy holds the tunable knobs of the RPL engine. The zero value of every
// field selects the default documented on it.
type Policy struct {
	DaoRetryCount       uint8   `yaml:"dao_retry_count,omitempty"`      // retries before dropping the primary parent, 0 = never drop
	DaoInitialAckWait   uint16  `yaml:"dao_initial_ack_wait,omitempty"` // fast ticks, default 20
	DaoDelay            uint16  `yaml:"dao_delay,omitempty"`            // fast ticks, default 10
	NoDaoAck            bool    `yaml:"no_dao_ack,omitempty"`           // do not request DAO-ACKs
	RefreshMinPercent   uint8   `yaml:"refresh_min_percent,omitempty"`  // default 50
	RefreshMaxPercent   uint8   `yaml:"refresh_max_percent,omitempty"`  // default 75
	MaxParents          uint8   `yaml:"max_parents,omitempty"`          // default 3
	PermissivePrefixes  bool    `yaml:"permissive_prefixes,omitempty"`  // accept PIO/RIO from any parent of the current version
	DisInterval         uint16  `yaml:"dis_interval,omitempty"`         // seconds between DIS while detached, default 10
	NeighbourLifetime   uint32  `yaml:"neighbour_lifetime,omitempty"`   // seconds a candidate survives without DIOs, default 1800
	AddressRegistration bool    `yaml:"address_registration,omitempty"` // gate DAOs on address registration with the parent
	OF0Step             uint8   `yaml:"of0_step,omitempty"`             // default 3
	AllowedMops         []uint8 `yaml:"allowed_mops,omitempty"`         // empty allows every defined mode

	// JoinFilter vetoes joining an (instance, DODAG) pair. nil accepts everything.
	JoinFilter func(instanceID uint8, dodagID netip.Addr) bool `yaml:"-"`
}

func (p *Policy) daoInitialAckWait() uint32 {
	if p.DaoInitialAckWait == 0 {
		return 20
	}
	return uint32(p.DaoInitialAckWait)
}

// DaoAckWait is the randomized wait for a DAO-ACK on the given attempt, in fast ticks.
func (p *Policy) DaoAckWait(attempt uint8, rng *rand.Rand) uint32 {
	wait := p.daoInitialAckWait() << min(attempt, DaoAttemptCap)
	spread := wait / 8
	if spread == 0 {
		return wait
	}
	return wait - spread + rng.Uint32N(2*spread+1)
}

func (p *Policy) DaoDelayTicks() uint32 {
	if p.DaoDelay == 0 {
		return 10
	}
	return uint32(p.DaoDelay)
}

func (p *Policy) RequestDaoAck() bool {
	return !p.NoDaoAck
}

// RefreshTime is when an acknowledged path of lifetime seconds gets refreshed,
// a random point between RefreshMinPercent and RefreshMaxPercent of it.
func (p *Policy) RefreshTime(lifetime uint32, rng *rand.Rand) uint32 {
	lo, hi := uint64(p.RefreshMinPercent), uint64(p.RefreshMaxPercent)
	if lo == 0 {
		lo = 50
	}
	if hi == 0 {
		hi = 75
	}
	hi = max(hi, lo)
	pct := lo + rng.Uint64N(hi-lo+1)
	return max(uint32(uint64(lifetime)*pct/100), 1)
}

func (p *Policy) MaxParentCount() int {
	if p.MaxParents == 0 {
		return 3
	}
	return int(p.MaxParents)
}

func (p *Policy) DisIntervalSeconds() uint32 {
	if p.DisInterval == 0 {
		return 10
	}
	return uint32(p.DisInterval)
}

func (p *Policy) NeighbourLifetimeSeconds() uint32 {
	if p.NeighbourLifetime == 0 {
		return 1800
	}
	return p.NeighbourLifetime
}

func (p *Policy) OF0StepOfRank() uint16 {
	if p.OF0Step == 0 {
		return 3
	}
	return uint16(min(p.OF0Step, 9))
}

// MopAllowed reports whether a DODAG advertising mop may be joined.
func (p *Policy) MopAllowed(mop uint8) bool {
	if len(p.AllowedMops) == 0 {
		return true
	}
	for _, m := range p.AllowedMops {
		if m == mop {
			return true
		}
	}
	return false
}

func (p *Policy) JoinAllowed(instanceID uint8, dodagID netip.Addr) bool {
	return p.JoinFilter == nil || p.JoinFilter(instanceID, dodagID)
}

// EtxCost converts a link ETX (1/128 units) into extra root graph cost for a
// target attached directly to the root. A perfect link costs nothing.
func EtxCost(etx uint16) uint16 {
	if etx <= DefaultEtx {
		return 0
	}
	return (etx - DefaultEtx + DefaultEtx - 1) / DefaultEtx
}
