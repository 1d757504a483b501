package core

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
)

// CreateDomain attaches a set of interfaces to a new RPL domain.
func CreateDomain(rs *state.Registry, name string, interfaces ...int) (*state.Domain, error) {
	if err := state.NameValidator(name); err != nil {
		return nil, fmt.Errorf("%w: %w", state.ErrInvalid, err)
	}
	dom, err := rs.CreateDomain(name, interfaces...)
	if err != nil {
		return nil, fmt.Errorf("failed to create domain %s: %w", name, err)
	}
	dom.Log.Info("domain created", "interfaces", interfaces)
	return dom, nil
}

// DeleteDomain tears down every instance of the domain, removing their routes
// and cancelling their timers, then the domain itself.
func DeleteDomain(rs *state.Registry, r Rpl, dom *state.Domain) {
	for len(dom.Instances) > 0 {
		deleteInstance(r, dom.Instances[0])
	}
	rs.RemoveDomain(dom)
	dom.Log.Info("domain deleted")
}

func deleteInstance(r Rpl, inst *state.Instance) {
	owner := ownerOf(inst)
	for _, t := range inst.Targets {
		switch {
		case t.Root:
			r.RemoveRoute(t.Prefix, state.RouteSourceRoot, owner)
		case !t.Own:
			r.RemoveRoute(t.Prefix, state.RouteSourceDao, owner)
		}
	}
	r.RemoveRoute(defaultRoute, state.RouteSourceDio, owner)
	for _, d := range inst.Dodags {
		for _, re := range d.Routes {
			r.RemoveRoute(re.Prefix, state.RouteSourceDio, owner)
		}
	}
	inst.Release()
	inst.Domain.RemoveInstance(inst)
	inst.Log.Debug("instance deleted")
}

// CreateRootDodag makes this node the root of a new DODAG. The version number
// and DTSN continue from the persisted counters when a store is configured.
// The DODAG stays silent until StartDodag.
func CreateRootDodag(rs *state.Registry, dom *state.Domain, instanceID uint8, dodagID netip.Addr, gMopPrf uint8, conf protocol.DodagConf) (*state.Dodag, error) {
	if !isGlobal(dodagID) {
		return nil, fmt.Errorf("%w: dodag id %s is not a global address", state.ErrInvalid, dodagID)
	}
	if err := state.DodagConfValidator(&conf); err != nil {
		return nil, fmt.Errorf("%w: %w", state.ErrInvalid, err)
	}
	if protocol.MopReserved(protocol.MopOf(gMopPrf)) {
		return nil, fmt.Errorf("%w: reserved mode of operation %d", state.ErrInvalid, protocol.MopOf(gMopPrf))
	}
	if dom.Instance(instanceID, dodagID) != nil {
		return nil, fmt.Errorf("instance %d: %w", instanceID, state.ErrExists)
	}

	version, dtsn := state.SeqInit, state.SeqInit
	if rs.Store != nil {
		v, t, ok, err := rs.Store.LoadRoot(instanceID, dodagID)
		if err != nil {
			dom.Log.Warn("failed to load root counters", "instance", instanceID, "dodag", dodagID, "error", err)
		} else if ok {
			// peers may still remember the old version, resume past it
			version, dtsn = state.SeqInc(v), state.SeqInc(t)
		}
	}

	inst, err := dom.CreateInstance(instanceID)
	if err != nil {
		return nil, err
	}
	d, err := inst.CreateDodag(dodagID)
	if err != nil {
		dom.RemoveInstance(inst)
		return nil, err
	}
	v, err := d.CreateVersion(version)
	if err != nil {
		inst.Release()
		dom.RemoveInstance(inst)
		return nil, err
	}
	d.Root = true
	d.HaveConfig = true
	d.Config = conf
	d.GMopPrf = gMopPrf
	inst.Current = v
	inst.Dtsn = dtsn
	inst.Rank = conf.MinHopRankIncrease
	v.LowestAdvertisedRank = inst.Rank
	saveRoot(rs, inst)
	inst.Log.Info("root dodag created", "dodag", dodagID, "version", version, "mop", d.Mop())
	return d, nil
}

func saveRoot(rs *state.Registry, inst *state.Instance) {
	if rs.Store == nil || inst.Current == nil {
		return
	}
	d := inst.Current.Dodag
	if err := rs.Store.SaveRoot(inst.ID, d.ID, inst.Current.Number, inst.Dtsn); err != nil {
		inst.Log.Warn("failed to persist root counters", "dodag", d.ID, "error", err)
	}
}

func rootDodag(dom *state.Domain, instanceID uint8, dodagID netip.Addr) (*state.Instance, *state.Dodag, error) {
	inst := dom.Instance(instanceID, dodagID)
	if inst == nil {
		return nil, nil, state.ErrNotFound
	}
	d := inst.Dodag(dodagID)
	if d == nil {
		return nil, nil, state.ErrNotFound
	}
	if !d.Root {
		return nil, nil, state.ErrNotRoot
	}
	return inst, d, nil
}

// DeleteRootDodag removes a root DODAG and its instance. It reports
// ErrLegacyRemoveStatus even when the removal succeeded, callers depend on it.
func DeleteRootDodag(rs *state.Registry, r Rpl, dom *state.Domain, instanceID uint8, dodagID netip.Addr) error {
	inst, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	if len(inst.Dodags) > 1 {
		inst.RemoveDodag(d)
	} else {
		deleteInstance(r, inst)
	}
	rs.Log.Info("root dodag removed, reporting legacy failure status", "instance", instanceID, "dodag", dodagID)
	return state.ErrLegacyRemoveStatus
}

func SetMemoryLimits(rs *state.Registry, soft, hard int) error {
	if err := state.MemoryValidator(state.MemoryCfg{Soft: soft, Hard: hard}); err != nil {
		return fmt.Errorf("%w: %w", state.ErrInvalid, err)
	}
	rs.Memory.SetLimits(soft, hard)
	return nil
}

// StartDodag begins advertising a root DODAG.
func StartDodag(rs *state.Registry, dom *state.Domain, instanceID uint8, dodagID netip.Addr) error {
	inst, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	d.Running = true
	inst.PoisonRemaining = 0
	d.Trickle.Start(d.TrickleParams(), rs.Rand)
	inst.Log.Info("dodag started", "dodag", d.ID)
	return nil
}

func StopDodag(dom *state.Domain, instanceID uint8, dodagID netip.Addr) error {
	inst, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	d.Running = false
	d.Trickle.Stop()
	inst.Log.Info("dodag stopped", "dodag", d.ID)
	return nil
}

// PoisonDodag advertises an infinite rank a few times, then stops the DODAG.
func PoisonDodag(dom *state.Domain, instanceID uint8, dodagID netip.Addr) error {
	inst, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	if !d.Running {
		return fmt.Errorf("dodag %s is not running: %w", dodagID, state.ErrInvalid)
	}
	inst.PoisonRemaining = state.PoisonCount
	inst.Log.Info("poisoning dodag", "dodag", d.ID)
	return nil
}

// UpdatePrefix adds or replaces an advertised prefix. A zero valid lifetime removes it.
func UpdatePrefix(rs *state.Registry, dom *state.Domain, instanceID uint8, dodagID netip.Addr, pi protocol.PrefixInfo) error {
	_, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(d.Prefixes, func(p state.PrefixEntry) bool { return p.Prefix == pi.Prefix })
	switch {
	case pi.ValidLifetime == 0 && idx >= 0:
		d.Prefixes = slices.Delete(d.Prefixes, idx, idx+1)
	case pi.ValidLifetime == 0:
		return state.ErrNotFound
	case idx >= 0:
		d.Prefixes[idx] = state.PrefixEntry{PrefixInfo: pi}
	default:
		d.Prefixes = append(d.Prefixes, state.PrefixEntry{PrefixInfo: pi})
	}
	d.Trickle.Reset(d.TrickleParams(), rs.Rand)
	return nil
}

// UpdateRoute adds or replaces an advertised route. A zero lifetime removes it.
func UpdateRoute(rs *state.Registry, dom *state.Domain, instanceID uint8, dodagID netip.Addr, ri protocol.RouteInfo) error {
	_, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	ri.Prefix = ri.Prefix.Masked()
	idx := slices.IndexFunc(d.Routes, func(e state.RouteEntry) bool { return e.Prefix == ri.Prefix })
	switch {
	case ri.Lifetime == 0 && idx >= 0:
		d.Routes = slices.Delete(d.Routes, idx, idx+1)
	case ri.Lifetime == 0:
		return state.ErrNotFound
	case idx >= 0:
		d.Routes[idx] = state.RouteEntry(ri)
	default:
		d.Routes = append(d.Routes, state.RouteEntry(ri))
	}
	d.Trickle.Reset(d.TrickleParams(), rs.Rand)
	return nil
}

// IncrementDtsn asks every node below the root to send fresh DAOs.
func IncrementDtsn(rs *state.Registry, dom *state.Domain, instanceID uint8, dodagID netip.Addr) error {
	inst, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	inst.Dtsn = state.SeqInc(inst.Dtsn)
	saveRoot(rs, inst)
	d.Trickle.Reset(d.TrickleParams(), rs.Rand)
	inst.Log.Info("dtsn incremented", "dodag", d.ID, "dtsn", inst.Dtsn)
	return nil
}

// IncrementVersion starts a global repair by moving the root to a new DODAG version.
func IncrementVersion(rs *state.Registry, dom *state.Domain, instanceID uint8, dodagID netip.Addr) error {
	inst, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	old := inst.Current
	v, err := d.CreateVersion(state.SeqInc(old.Number))
	if err != nil {
		return err
	}
	v.LowestAdvertisedRank = inst.Rank
	inst.Current = v
	inst.RemoveVersion(old)
	saveRoot(rs, inst)
	d.Trickle.Reset(d.TrickleParams(), rs.Rand)
	inst.Log.Info("dodag version incremented", "dodag", d.ID, "version", v.Number)
	return nil
}

func SetPreference(rs *state.Registry, dom *state.Domain, instanceID uint8, dodagID netip.Addr, prf uint8) error {
	if prf > protocol.PrfMask {
		return fmt.Errorf("%w: preference %d", state.ErrInvalid, prf)
	}
	_, d, err := rootDodag(dom, instanceID, dodagID)
	if err != nil {
		return err
	}
	d.GMopPrf = d.GMopPrf&^protocol.PrfMask | prf
	d.Trickle.Reset(d.TrickleParams(), rs.Rand)
	return nil
}

type ParentInfo struct {
	LLAddr     netip.Addr
	GlobalAddr netip.Addr
	Rank       uint16
}

// DodagInfo is a flat summary of the DODAG an instance currently belongs to.
type DodagInfo struct {
	Domain             string
	InstanceID         uint8
	DodagID            netip.Addr
	GMopPrf            uint8
	Root               bool
	Leaf               bool
	Version            uint8
	Dtsn               uint8
	Rank               uint16
	MinHopRankIncrease uint16
	State              state.InstanceState
	Primary            *ParentInfo
	Secondary          *ParentInfo
}

func dodagInfo(inst *state.Instance) DodagInfo {
	info := DodagInfo{
		Domain:     inst.Domain.Name,
		InstanceID: inst.ID,
		Rank:       inst.Rank,
		Dtsn:       inst.Dtsn,
		Leaf:       inst.IsLeaf(),
		State:      inst.State(),
	}
	if v := inst.Current; v != nil {
		info.DodagID = v.Dodag.ID
		info.GMopPrf = v.Dodag.GMopPrf
		info.Root = v.Dodag.Root
		info.Version = v.Number
		info.MinHopRankIncrease = v.Dodag.Config.MinHopRankIncrease
	}
	parents := inst.Parents()
	if len(parents) > 0 {
		info.Primary = &ParentInfo{LLAddr: parents[0].LLAddr, GlobalAddr: parents[0].GlobalAddr, Rank: parents[0].Rank}
	}
	if len(parents) > 1 {
		info.Secondary = &ParentInfo{LLAddr: parents[1].LLAddr, GlobalAddr: parents[1].GlobalAddr, Rank: parents[1].Rank}
	}
	return info
}

// Instances summarises every instance of the registry in creation order.
func Instances(rs *state.Registry) []DodagInfo {
	out := make([]DodagInfo, 0)
	for _, inst := range rs.Instances() {
		out = append(out, dodagInfo(inst))
	}
	return out
}

func ReadDodagInfo(dom *state.Domain, instanceID uint8) (DodagInfo, error) {
	inst := dom.Instance(instanceID, netip.Addr{})
	if inst == nil {
		return DodagInfo{}, state.ErrNotFound
	}
	return dodagInfo(inst), nil
}

// AddressChanged keeps the domain's address list current and publishes global
// addresses as own targets on every instance the node is not root of.
func AddressChanged(rs *state.Registry, ifID int, addr netip.Addr, added bool) {
	dom := rs.DomainForInterface(ifID)
	if dom == nil || !isGlobal(addr) {
		return
	}
	ia := state.InterfaceAddr{IfID: ifID, Addr: addr}
	if added {
		if slices.Contains(dom.Addresses, ia) {
			return
		}
		dom.Addresses = append(dom.Addresses, ia)
	} else {
		dom.Addresses = slices.DeleteFunc(dom.Addresses, func(x state.InterfaceAddr) bool { return x == ia })
	}
	prefix := AddrToPrefix(addr)
	for _, inst := range dom.Instances {
		if inst.IsRoot() {
			inst.InvalidateRootGraph()
			continue
		}
		var err error
		if added {
			err = PublishTarget(rs, inst, prefix)
		} else {
			err = UnpublishTarget(rs, inst, prefix)
		}
		if err != nil {
			inst.Log.Debug("address not published", "addr", addr, "added", added, "error", err)
		}
	}
}

// publishAddresses advertises the addresses the domain already has on a newly
// joined instance.
func publishAddresses(rs *state.Registry, inst *state.Instance) {
	for _, ia := range inst.Domain.Addresses {
		if err := PublishTarget(rs, inst, AddrToPrefix(ia.Addr)); err != nil {
			inst.Log.Debug("address not published", "addr", ia.Addr, "error", err)
		}
	}
}

// AddressConfirmed reports the outcome of a registration started through Rpl.RegisterAddress.
func AddressConfirmed(rs *state.Registry, ifID int, parent, addr netip.Addr, ok bool) {
	dom := rs.DomainForInterface(ifID)
	if dom == nil {
		return
	}
	prefix := AddrToPrefix(addr)
	for _, inst := range dom.Instances {
		t := inst.Target(prefix)
		if t == nil || !t.Own {
			continue
		}
		nr := t.NonRoot()
		if nr == nil || nr.Confirm != state.ConfirmProbing {
			continue
		}
		nr.ResponseWaitTime = 0
		if ok {
			nr.Confirm = state.Confirmed
			inst.Log.Debug("address registered", "addr", addr, "parent", parent)
		} else {
			nr.Confirm = state.ConfirmIdle
		}
		scheduleDao(rs, inst)
	}
}

// PublishTarget advertises prefix as reachable through this node.
func PublishTarget(rs *state.Registry, inst *state.Instance, prefix netip.Prefix) error {
	if inst.IsRoot() {
		return state.ErrInvalid
	}
	prefix = prefix.Masked()
	t := inst.Target(prefix)
	if t != nil {
		if !t.Own {
			return state.ErrExists
		}
		if t.Published {
			return nil
		}
		t.Published = true
		t.NonRoot().NoPath = false
		refreshTarget(t)
		inst.DaoDone = false
		scheduleDao(rs, inst)
		return nil
	}
	t, err := inst.CreateTarget(prefix, false)
	if err != nil {
		return err
	}
	t.Own = true
	t.Published = true
	if rs.Store != nil {
		seq, ok, err := rs.Store.LoadTargetSequence(inst.ID, prefix)
		if err != nil {
			inst.Log.Warn("failed to load path sequence", "target", prefix, "error", err)
		} else if ok {
			t.PathSequence = seq
		}
	}
	refreshTarget(t)
	inst.DaoDone = false
	scheduleDao(rs, inst)
	inst.Log.Debug("target published", "target", prefix)
	return nil
}

// SetTargetDescriptor attaches an RPL Target Descriptor to an own target.
func SetTargetDescriptor(rs *state.Registry, inst *state.Instance, prefix netip.Prefix, descriptor uint32) error {
	t := inst.Target(prefix.Masked())
	if t == nil || !t.Own {
		return state.ErrNotFound
	}
	t.Descriptor = descriptor
	t.HasDescriptor = true
	if t.Published {
		refreshTarget(t)
		scheduleDao(rs, inst)
	}
	return nil
}

// UnpublishTarget withdraws an own target with a No-Path. A target that was
// never advertised is removed at once.
func UnpublishTarget(rs *state.Registry, inst *state.Instance, prefix netip.Prefix) error {
	t := inst.Target(prefix.Masked())
	if t == nil || !t.Own {
		return state.ErrNotFound
	}
	nr := t.NonRoot()
	if nr.PcAssigned|nr.PcAssigning == 0 || len(inst.Parents()) == 0 {
		inst.RemoveTarget(t)
		return nil
	}
	t.Published = false
	nr.NoPath = true
	nr.RefreshTimer = 0
	refreshTarget(t)
	scheduleDao(rs, inst)
	inst.Log.Debug("target withdrawn", "target", t.Prefix)
	return nil
}
