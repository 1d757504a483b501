package core

// This file makes references to RFC 6550:
// https://datatracker.ietf.org/doc/html/rfc6550

import (
	"cmp"
	"net/netip"
	"slices"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
)

var defaultRoute = netip.MustParsePrefix("::/0")

// pathRank is the rank we would advertise with n as preferred parent, or
// InfiniteRank when n cannot be used.
func pathRank(rs *state.Registry, r Rpl, n *state.Neighbour) uint16 {
	v := n.Version
	d := v.Dodag
	if n.Rank == state.InfiniteRank || !d.HaveConfig || d.Root || d.Latest() != v {
		return state.InfiniteRank
	}
	of := objectiveFor(d.Config.ObjectiveCodePoint)
	if of == nil {
		return state.InfiniteRank
	}
	rank := saturatingAdd(n.Rank, of.RankIncrease(d, r.LinkEtx(n.IfID, n.LLAddr), &rs.Policy))
	// 8.2.2.4: a node must not advertise more than L + DAGMaxRankIncrease within a version
	if v.LowestAdvertisedRank != state.InfiniteRank && d.Config.MaxRankIncrease != 0 &&
		uint32(rank) > uint32(v.LowestAdvertisedRank)+uint32(d.Config.MaxRankIncrease) {
		return state.InfiniteRank
	}
	return rank
}

// versionBetter orders two DODAG versions we could join, given the rank each would give us.
func versionBetter(a *state.DodagVersion, ra uint16, b *state.DodagVersion, rb uint16) bool {
	if a.Dodag == b.Dodag {
		return state.SeqGt(a.Number, b.Number)
	}
	da, db := a.Dodag, b.Dodag
	if da.Grounded() != db.Grounded() {
		return da.Grounded()
	}
	if da.Preference() != db.Preference() {
		return da.Preference() > db.Preference()
	}
	return ra < rb
}

// selectParents recomputes the DODAG version, the parent set and our rank for
// an instance, then propagates parent changes to the DAO machinery.
func selectParents(rs *state.Registry, r Rpl, inst *state.Instance) {
	if inst.IsRoot() {
		return
	}
	best := make(map[*state.DodagVersion]uint16)
	for _, n := range inst.Candidates {
		n.PathRank = pathRank(rs, r, n)
		if n.PathRank == state.InfiniteRank {
			continue
		}
		if cur, ok := best[n.Version]; !ok || n.PathRank < cur {
			best[n.Version] = n.PathRank
		}
	}

	var chosen *state.DodagVersion
	chosenRank := state.InfiniteRank
	if rank, ok := best[inst.Current]; ok {
		chosen, chosenRank = inst.Current, rank
	}
	for _, n := range inst.Candidates {
		rank, ok := best[n.Version]
		if !ok || n.Version == chosen {
			continue
		}
		if chosen == nil || versionBetter(n.Version, rank, chosen, chosenRank) {
			chosen, chosenRank = n.Version, rank
		}
	}

	if chosen == nil {
		for _, n := range inst.Candidates {
			n.State = state.NeighbourCandidate
			n.Pref = 0
		}
		if inst.Current != nil && inst.PoisonRemaining == 0 {
			startLocalRepair(r, inst)
		}
		updateDaoParents(rs, r, inst)
		return
	}
	if chosen != inst.Current {
		adoptVersion(rs, r, inst, chosen)
	}
	if inst.PoisonRemaining > 0 {
		inst.Log.Info("parent reappeared, cancelling local repair")
		inst.PoisonRemaining = 0
	}

	d := chosen.Dodag
	cands := make([]*state.Neighbour, 0, len(inst.Candidates))
	for _, n := range inst.Candidates {
		if n.Version == chosen && n.PathRank != state.InfiniteRank {
			cands = append(cands, n)
		}
	}
	slices.SortStableFunc(cands, func(a, b *state.Neighbour) int {
		return cmp.Compare(a.PathRank, b.PathRank)
	})

	prevPreferred := inst.PreferredParent()
	preferred := cands[0]
	rank := preferred.PathRank

	parents := make([]*state.Neighbour, 0, rs.Policy.MaxParentCount())
	for _, n := range cands {
		if len(parents) >= rs.Policy.MaxParentCount() {
			break
		}
		if dagRank(n.Rank, d) >= dagRank(rank, d) {
			continue
		}
		parents = append(parents, n)
	}

	for _, n := range inst.Candidates {
		n.State = state.NeighbourCandidate
		n.Pref = 0
	}
	var pref uint8
	for i, n := range parents {
		if i > 0 && n.PathRank > parents[i-1].PathRank && pref < 3 {
			pref++
		}
		n.Pref = pref
		n.State = state.NeighbourParent
	}
	preferred.State = state.NeighbourPreferred

	ordered := slices.Clone(parents)
	for _, n := range inst.Candidates {
		if !n.IsParent() {
			ordered = append(ordered, n)
		}
	}
	inst.Candidates = ordered

	if inst.Rank != rank {
		inst.Log.Debug("rank changed", "from", inst.Rank, "to", rank)
	}
	inst.Rank = rank
	chosen.LowestAdvertisedRank = min(chosen.LowestAdvertisedRank, rank)

	if preferred != prevPreferred {
		preferredParentChanged(rs, r, inst, preferred)
	}
	updateDaoParents(rs, r, inst)
}

// adoptVersion moves the instance to another DODAG version.
func adoptVersion(rs *state.Registry, r Rpl, inst *state.Instance, v *state.DodagVersion) {
	old := inst.Current
	d := v.Dodag
	inst.Current = v
	inst.Detached = false
	inst.DisSent = 0
	if old != nil && old.Dodag == d {
		inst.Log.Info("global repair, new dodag version", "dodag", d.ID, "from", old.Number, "to", v.Number)
		r.Log(VersionChanged, "new dodag version", "instance", inst.ID, "dodag", d.ID, "version", v.Number)
		for _, ov := range slices.Clone(d.Versions) {
			if ov != v && !state.SeqGt(ov.Number, v.Number) {
				inst.RemoveVersion(ov)
			}
		}
	} else {
		if old != nil {
			old.Dodag.Trickle.Stop()
		}
		inst.Log.Info("joined dodag", "dodag", d.ID, "version", v.Number, "mop", d.Mop())
		r.Log(DodagJoined, "joined dodag", "instance", inst.ID, "dodag", d.ID, "version", v.Number)
	}
	d.Trickle.Reset(d.TrickleParams(), rs.Rand)
	// paths advertised in another version do not count
	for _, t := range inst.Targets {
		if t.Published {
			refreshTarget(t)
		}
	}
	inst.DaoDone = false
}

func preferredParentChanged(rs *state.Registry, r Rpl, inst *state.Instance, p *state.Neighbour) {
	d := p.Version.Dodag
	inst.Log.Info("preferred parent changed", "parent", p.LLAddr, "if", p.IfID, "rank", inst.Rank)
	r.Log(ParentChanged, "preferred parent changed", "instance", inst.ID, "parent", p.LLAddr, "rank", inst.Rank)
	if d.Grounded() {
		r.InstallRoute(state.Route{
			Prefix:  defaultRoute,
			NextHop: p.LLAddr,
			IfID:    p.IfID,
			Source:  state.RouteSourceDio,
			Owner:   ownerOf(inst),
			Metric:  inst.Rank,
		})
	} else {
		r.RemoveRoute(defaultRoute, state.RouteSourceDio, ownerOf(inst))
	}
	// addresses have to be registered with the new parent
	for _, t := range inst.Targets {
		if nr := t.NonRoot(); nr != nil && t.Own {
			nr.Confirm = state.ConfirmIdle
		}
	}
	applyParentInfo(r, inst, p)
	d.Trickle.Reset(d.TrickleParams(), rs.Rand)
}

// applyParentInfo adopts the prefixes and routes a parent advertises.
func applyParentInfo(r Rpl, inst *state.Instance, p *state.Neighbour) {
	d := p.Version.Dodag
	d.Prefixes = slices.Clone(p.Prefixes)
	d.Routes = slices.Clone(p.Routes)
	if cb := inst.Domain.Callbacks.Prefix; cb != nil {
		for _, pe := range d.Prefixes {
			cb(pe, p.LLAddr)
		}
	}
	for _, re := range d.Routes {
		if re.Lifetime == 0 {
			r.RemoveRoute(re.Prefix, state.RouteSourceDio, ownerOf(inst))
			continue
		}
		route := state.Route{
			Prefix:  re.Prefix,
			NextHop: p.LLAddr,
			IfID:    p.IfID,
			Source:  state.RouteSourceDio,
			Owner:   ownerOf(inst),
			Metric:  uint16(re.Preference),
		}
		if re.Lifetime != state.LifetimeInfinite {
			route.Lifetime = secondsToDuration(re.Lifetime)
		}
		r.InstallRoute(route)
	}
}

// startLocalRepair begins poisoning after the last parent disappeared.
func startLocalRepair(r Rpl, inst *state.Instance) {
	d := inst.CurrentDodag()
	inst.PoisonRemaining = state.PoisonCount
	inst.Rank = state.InfiniteRank
	r.RemoveRoute(defaultRoute, state.RouteSourceDio, ownerOf(inst))
	inst.Log.Info("lost every parent, starting local repair", "dodag", d.ID)
	r.Log(LocalRepair, "starting local repair", "instance", inst.ID, "dodag", d.ID)
	inst.Domain.Fire(state.EventLocalRepairStart)
}

// detach finishes local repair: the version is forgotten and DIS solicitation starts.
func detach(rs *state.Registry, r Rpl, inst *state.Instance) {
	v := inst.Current
	inst.PoisonRemaining = 0
	inst.Detached = true
	inst.DisTimer = 0
	inst.DisSent = 0
	if v != nil {
		v.Dodag.Trickle.Stop()
		inst.RemoveVersion(v)
	}
	inst.Rank = state.InfiniteRank
	inst.Log.Info("detached from dodag")
	r.Log(Detached, "detached", "instance", inst.ID)
	inst.Domain.Fire(state.EventPoisonFinished)
	updateDaoParents(rs, r, inst)
}

// neighbourGone removes a neighbour and reselects parents.
func neighbourGone(rs *state.Registry, r Rpl, inst *state.Instance, n *state.Neighbour) {
	inst.RemoveNeighbour(n)
	selectParents(rs, r, inst)
}

// dioFor builds the DIO this node advertises for its current version.
func dioFor(inst *state.Instance) *protocol.DIO {
	v := inst.Current
	d := v.Dodag
	rank := inst.Rank
	switch {
	case inst.PoisonRemaining > 0 || inst.IsLeaf():
		rank = state.InfiniteRank
	case d.Root:
		rank = d.Config.MinHopRankIncrease
	}
	conf := d.Config
	dio := &protocol.DIO{
		InstanceID: inst.ID,
		Version:    v.Number,
		Rank:       rank,
		GMopPrf:    d.GMopPrf,
		DTSN:       inst.Dtsn,
		DodagID:    d.ID,
		Config:     &conf,
		Prefixes:   d.PrefixInfos(),
		Routes:     d.RouteInfos(),
	}
	if !d.Root {
		advertiseRouterAddress(inst.Domain, dio.Prefixes)
	}
	return dio
}

// advertiseRouterAddress replaces the address carried by R flagged prefixes
// with one of ours from the same prefix. Without one the R flag is cleared.
func advertiseRouterAddress(dom *state.Domain, prefixes []protocol.PrefixInfo) {
	for i := range prefixes {
		p := &prefixes[i]
		if p.Flags&protocol.PrefixFlagR == 0 {
			continue
		}
		p.Flags &^= protocol.PrefixFlagR
		for _, ia := range dom.Addresses {
			if p.Prefix.Masked().Contains(ia.Addr) {
				p.Prefix = netip.PrefixFrom(ia.Addr, p.Prefix.Bits())
				p.Flags |= protocol.PrefixFlagR
				break
			}
		}
	}
}

// dioTick drives the trickle timer and poisoning of one instance.
func dioTick(rs *state.Registry, r Rpl, inst *state.Instance, ticks uint32) {
	if inst.Current == nil {
		return
	}
	d := inst.Current.Dodag
	if inst.PoisonRemaining > 0 {
		multicast(rs, r, inst.Domain, dioFor(inst))
		r.Log(DioSent, "poison", "instance", inst.ID, "dodag", d.ID)
		inst.PoisonRemaining--
		if inst.PoisonRemaining > 0 {
			return
		}
		if d.Root {
			d.Running = false
			d.Trickle.Stop()
			inst.Log.Info("root dodag poisoned", "dodag", d.ID)
			inst.Domain.Fire(state.EventPoisonFinished)
			return
		}
		detach(rs, r, inst)
		return
	}
	if !d.HaveConfig || (d.Root && !d.Running) {
		return
	}
	if !d.Trickle.Running {
		d.Trickle.Start(d.TrickleParams(), rs.Rand)
	}
	if !d.Trickle.Tick(d.TrickleParams(), ticks, rs.Rand) {
		return
	}
	// leaves stay silent, and a joined node needs a parent to advertise a rank
	if inst.IsLeaf() || (!d.Root && inst.PreferredParent() == nil) {
		return
	}
	multicast(rs, r, inst.Domain, dioFor(inst))
	r.Log(DioSent, "trickle", "instance", inst.ID, "dodag", d.ID, "rank", inst.Rank)
}

// disTick solicits DIOs while an instance is detached.
func disTick(rs *state.Registry, r Rpl, inst *state.Instance, secs uint32) {
	if !inst.Detached || inst.Current != nil {
		return
	}
	if inst.DisTimer > secs {
		inst.DisTimer -= secs
		return
	}
	inst.DisTimer = rs.Policy.DisIntervalSeconds()
	dis := &protocol.DIS{Solicited: &protocol.SolicitedInfo{Flags: protocol.SolicitedFlagI, InstanceID: inst.ID}}
	multicast(rs, r, inst.Domain, dis)
	r.Log(DisSent, "solicit", "instance", inst.ID)
	if inst.DisSent < 0xFF {
		inst.DisSent++
	}
	if inst.DisSent == state.LocalRepairDisCount {
		inst.Domain.Fire(state.EventLocalRepairNoMoreDis)
	}
}

// neighbourTick ages candidates that stopped sending DIOs.
func neighbourTick(rs *state.Registry, r Rpl, inst *state.Instance, secs uint32) {
	expired := make([]*state.Neighbour, 0)
	for _, n := range inst.Candidates {
		if n.Lifetime > secs {
			n.Lifetime -= secs
			continue
		}
		expired = append(expired, n)
	}
	if len(expired) == 0 {
		return
	}
	for _, n := range expired {
		inst.Log.Debug("neighbour expired", "neighbour", n.LLAddr, "if", n.IfID)
		inst.RemoveNeighbour(n)
	}
	selectParents(rs, r, inst)
}
