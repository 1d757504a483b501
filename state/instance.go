package state

import (
	"log/slog"
	"net/netip"
	"slices"
	"unsafe"

	"github.com/encodeous/rpl/protocol"
	"github.com/gaissmai/bart"
)

// Instance is one RPLInstanceID within a Domain.
type Instance struct {
	ID         uint8
	Domain     *Domain
	Dodags     []*Dodag
	Current    *DodagVersion
	Candidates []*Neighbour // best first; parents precede plain candidates
	Targets    []*DaoTarget
	Rank       uint16
	Dtsn       uint8

	DaoState        DaoState
	DaoSequence     uint8
	DaoAttempt      uint8
	DaoTimer        uint32 // fast ticks until the current DaoState expires
	DaoAckRequested bool
	DaoDone         bool

	// PoisonRemaining counts the INFINITE_RANK DIOs still to send before detaching.
	PoisonRemaining uint8
	Detached        bool
	DisTimer        uint32 // seconds
	DisSent         uint8
	// LostPathControl accumulates path control bits of parents that disappeared
	// since the last parent change was processed.
	LostPathControl uint8

	RootTopoValid  bool
	RootPathsValid bool
	RootOrder      []*DaoTarget
	// RootTable resolves addresses to root targets by longest prefix match, rebuilt with RootOrder.
	RootTable bart.Table[*DaoTarget]

	Log *slog.Logger
	mem Block
}

func (inst *Instance) registry() *Registry {
	return inst.Domain.Registry
}

func (inst *Instance) IsLocal() bool {
	return inst.ID&LocalInstanceFlag != 0
}

func (inst *Instance) Dodag(id netip.Addr) *Dodag {
	for _, d := range inst.Dodags {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (inst *Instance) CurrentDodag() *Dodag {
	if inst.Current == nil {
		return nil
	}
	return inst.Current.Dodag
}

func (inst *Instance) IsRoot() bool {
	d := inst.CurrentDodag()
	return d != nil && d.Root
}

func (inst *Instance) IsLeaf() bool {
	d := inst.CurrentDodag()
	return inst.Domain.ForceLeaf || (d != nil && d.Leaf)
}

// Mop is the mode of operation of the current DODAG.
func (inst *Instance) Mop() uint8 {
	d := inst.CurrentDodag()
	if d == nil {
		return protocol.MopNoDownward
	}
	return d.Mop()
}

func (inst *Instance) StoringMode() bool {
	return protocol.MopStoringMode(inst.Mop())
}

// PathControlMask is the set of path control bits the current configuration allows.
func (inst *Instance) PathControlMask() uint8 {
	d := inst.CurrentDodag()
	if d == nil {
		return PCSMask(0)
	}
	return PCSMask(d.Config.PathControlSize)
}

// State derives the control layer state of the instance.
func (inst *Instance) State() InstanceState {
	switch {
	case inst.IsRoot():
		return StateActive
	case inst.Current != nil && inst.Current.Dodag.HaveConfig:
		if inst.PreferredParent() != nil && inst.Mop() != protocol.MopNoDownward {
			return StateActive
		}
		return StateJoined
	case len(inst.Dodags) > 0:
		return StateCandidate
	}
	return StateNoDodag
}

func (inst *Instance) SetDaoState(next DaoState) {
	if !inst.DaoState.CanTransition(next) {
		inst.Log.Warn("unexpected dao state transition", "from", inst.DaoState, "to", next)
	}
	inst.DaoState = next
}

// Parents returns the selected parents, best first.
func (inst *Instance) Parents() []*Neighbour {
	out := make([]*Neighbour, 0, len(inst.Candidates))
	for _, n := range inst.Candidates {
		if n.IsParent() {
			out = append(out, n)
		}
	}
	return out
}

func (inst *Instance) PreferredParent() *Neighbour {
	for _, n := range inst.Candidates {
		if n.State == NeighbourPreferred {
			return n
		}
	}
	return nil
}

func (inst *Instance) Neighbour(ifID int, ll netip.Addr) *Neighbour {
	for _, n := range inst.Candidates {
		if n.IfID == ifID && n.LLAddr == ll {
			return n
		}
	}
	return nil
}

func (inst *Instance) CreateDodag(id netip.Addr) (*Dodag, error) {
	mem, err := inst.registry().alloc(unsafe.Sizeof(Dodag{}))
	if err != nil {
		return nil, err
	}
	d := &Dodag{ID: id, Instance: inst, Config: DefaultDodagConf, mem: mem}
	inst.Dodags = append(inst.Dodags, d)
	return d, nil
}

// RemoveDodag releases a DODAG with its versions and every neighbour heard in them.
func (inst *Instance) RemoveDodag(d *Dodag) {
	for len(d.Versions) > 0 {
		inst.RemoveVersion(d.Versions[0])
	}
	inst.Dodags = slices.DeleteFunc(inst.Dodags, func(x *Dodag) bool { return x == d })
	inst.registry().Memory.Free(d.mem)
	d.mem = Block{}
}

// RemoveVersion releases a DODAG version and its neighbours.
func (inst *Instance) RemoveVersion(v *DodagVersion) {
	for _, n := range slices.Clone(inst.Candidates) {
		if n.Version == v {
			inst.RemoveNeighbour(n)
		}
	}
	if inst.Current == v {
		inst.Current = nil
	}
	d := v.Dodag
	d.Versions = slices.DeleteFunc(d.Versions, func(x *DodagVersion) bool { return x == v })
	inst.registry().Memory.Free(v.mem)
	v.mem = Block{}
}

func (inst *Instance) AddNeighbour(v *DodagVersion, ifID int, ll netip.Addr) (*Neighbour, error) {
	mem, err := inst.registry().alloc(unsafe.Sizeof(Neighbour{}))
	if err != nil {
		return nil, err
	}
	n := &Neighbour{LLAddr: ll, IfID: ifID, Version: v, Rank: InfiniteRank, mem: mem}
	inst.Candidates = append(inst.Candidates, n)
	return n, nil
}

// RemoveNeighbour unlinks a candidate. Path control bits it owned are recorded
// in LostPathControl so the next parent change sees them as removed.
func (inst *Instance) RemoveNeighbour(n *Neighbour) {
	idx := slices.Index(inst.Candidates, n)
	if idx < 0 {
		return
	}
	inst.LostPathControl |= n.DaoPathControl
	inst.Candidates = slices.Delete(inst.Candidates, idx, idx+1)
	inst.registry().Memory.Free(n.mem)
	inst.registry().Memory.Free(n.optMem)
	n.mem = Block{}
	n.optMem = Block{}
}

// SetNeighbourOptions replaces the prefixes and routes a neighbour advertises.
// The lists are charged to the memory budget; when it is exhausted the
// previous lists are kept.
func (inst *Instance) SetNeighbourOptions(n *Neighbour, prefixes []protocol.PrefixInfo, routes []protocol.RouteInfo) error {
	mem := &inst.registry().Memory
	size := len(prefixes)*int(unsafe.Sizeof(PrefixEntry{})) + len(routes)*int(unsafe.Sizeof(RouteEntry{}))
	if size == 0 {
		mem.Free(n.optMem)
		n.optMem = Block{}
	} else {
		b, ok := mem.Realloc(n.optMem, size)
		if !ok {
			return ErrNoMemory
		}
		n.optMem = b
	}
	n.Prefixes = n.Prefixes[:0]
	for _, p := range prefixes {
		n.Prefixes = append(n.Prefixes, PrefixEntry{PrefixInfo: p})
	}
	n.Routes = n.Routes[:0]
	for _, ri := range routes {
		n.Routes = append(n.Routes, RouteEntry(ri))
	}
	return nil
}

func (inst *Instance) Target(prefix netip.Prefix) *DaoTarget {
	for _, t := range inst.Targets {
		if t.Prefix == prefix {
			return t
		}
	}
	return nil
}

// CreateTarget adds a target whose info matches the instance role.
func (inst *Instance) CreateTarget(prefix netip.Prefix, root bool) (*DaoTarget, error) {
	mem, err := inst.registry().alloc(unsafe.Sizeof(DaoTarget{}))
	if err != nil {
		return nil, err
	}
	t := &DaoTarget{
		Prefix:       prefix.Masked(),
		Instance:     inst,
		PathSequence: SeqInit,
		Root:         root,
		Lifetime:     LifetimeInfinite,
		mem:          mem,
	}
	if root {
		t.Info = &RootTarget{Cost: MaxCost}
	} else {
		t.Info = &NonRootTarget{}
	}
	inst.Targets = append(inst.Targets, t)
	if root {
		inst.InvalidateRootGraph()
	}
	return t, nil
}

func (inst *Instance) RemoveTarget(t *DaoTarget) {
	idx := slices.Index(inst.Targets, t)
	if idx < 0 {
		return
	}
	if rt, ok := t.Info.(*RootTarget); ok {
		for _, tr := range rt.Transits {
			inst.registry().Memory.Free(tr.mem)
		}
		rt.Transits = nil
		inst.InvalidateRootGraph()
	}
	inst.Targets = slices.Delete(inst.Targets, idx, idx+1)
	inst.registry().Memory.Free(t.mem)
	t.mem = Block{}
}

func (inst *Instance) InvalidateRootGraph() {
	inst.RootTopoValid = false
	inst.RootPathsValid = false
}

// Release frees everything the instance owns. The instance itself stays linked.
func (inst *Instance) Release() {
	for len(inst.Targets) > 0 {
		inst.RemoveTarget(inst.Targets[0])
	}
	for len(inst.Dodags) > 0 {
		inst.RemoveDodag(inst.Dodags[0])
	}
	inst.Current = nil
	inst.RootOrder = nil
	inst.RootTable = bart.Table[*DaoTarget]{}
	inst.DaoState = DaoIdle
	inst.DaoTimer = 0
}

// Dodag is a DODAG within an instance, identified by its DODAGID.
type Dodag struct {
	ID         netip.Addr
	Instance   *Instance
	GMopPrf    uint8
	Root       bool
	Leaf       bool
	Running    bool
	HaveConfig bool
	Config     protocol.DodagConf
	Versions   []*DodagVersion
	Prefixes   []PrefixEntry
	Routes     []RouteEntry
	Trickle    Trickle

	mem Block
}

func (d *Dodag) Mop() uint8 {
	return protocol.MopOf(d.GMopPrf)
}

func (d *Dodag) Grounded() bool {
	return protocol.GroundedOf(d.GMopPrf)
}

func (d *Dodag) Preference() uint8 {
	return protocol.PrfOf(d.GMopPrf)
}

func (d *Dodag) TrickleParams() TrickleParams {
	return TrickleParamsFor(d.Config.DIOIntervalMin, d.Config.DIOIntervalDoublings, d.Config.DIORedundancy)
}

// LifetimeSeconds converts a path lifetime in lifetime units to seconds.
func (d *Dodag) LifetimeSeconds(units uint8) uint32 {
	if units == PathLifetimeInfinite {
		return LifetimeInfinite
	}
	return uint32(units) * uint32(d.Config.LifetimeUnit)
}

func (d *Dodag) Version(num uint8) *DodagVersion {
	for _, v := range d.Versions {
		if v.Number == num {
			return v
		}
	}
	return nil
}

// Latest is the newest known version by lollipop order.
func (d *Dodag) Latest() *DodagVersion {
	var best *DodagVersion
	for _, v := range d.Versions {
		if best == nil || SeqGt(v.Number, best.Number) {
			best = v
		}
	}
	return best
}

func (d *Dodag) CreateVersion(num uint8) (*DodagVersion, error) {
	mem, err := d.Instance.registry().alloc(unsafe.Sizeof(DodagVersion{}))
	if err != nil {
		return nil, err
	}
	v := &DodagVersion{Dodag: d, Number: num, LowestAdvertisedRank: InfiniteRank, mem: mem}
	d.Versions = append(d.Versions, v)
	return v, nil
}

func (d *Dodag) PrefixInfos() []protocol.PrefixInfo {
	out := make([]protocol.PrefixInfo, 0, len(d.Prefixes))
	for _, p := range d.Prefixes {
		out = append(out, p.PrefixInfo)
	}
	return out
}

func (d *Dodag) RouteInfos() []protocol.RouteInfo {
	out := make([]protocol.RouteInfo, 0, len(d.Routes))
	for _, r := range d.Routes {
		out = append(out, protocol.RouteInfo(r))
	}
	return out
}

type PrefixEntry struct {
	protocol.PrefixInfo
}

type RouteEntry protocol.RouteInfo

// DodagVersion is one version of a DODAG. A node belongs to exactly one version per instance.
type DodagVersion struct {
	Dodag                *Dodag
	Number               uint8
	LowestAdvertisedRank uint16

	mem Block
}

// Neighbour is a candidate parent heard through DIOs.
type Neighbour struct {
	LLAddr     netip.Addr
	IfID       int
	Version    *DodagVersion
	Rank       uint16
	DodagPref  uint8
	GMopPrf    uint8
	DTSN       uint8
	GlobalAddr netip.Addr
	State      NeighbourState
	// Pref is the preference class used for path control, 0 is best.
	Pref              uint8
	PathRank          uint16
	DaoPathControl    uint8
	OldDaoPathControl uint8
	Confirmed         bool
	Lifetime          uint32 // seconds
	Prefixes          []PrefixEntry
	Routes            []RouteEntry

	mem    Block
	optMem Block
}

func (n *Neighbour) IsParent() bool {
	return n.State != NeighbourCandidate
}
