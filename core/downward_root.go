package core

import (
	"errors"
	"net/netip"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
	"github.com/gaissmai/bart"
)

var ErrUnreachable = errors.New("rpl: destination unreachable")

// rootHandleDAO merges a non-storing DAO into the root graph database and
// returns the DAO-ACK status.
func rootHandleDAO(r Rpl, inst *state.Instance, src netip.Addr, dao *protocol.DAO) uint8 {
	d := inst.CurrentDodag()
	status := protocol.DaoAckStatusAccepted
	for _, g := range dao.Groups {
		for _, opt := range g.Targets {
			for _, tr := range g.Transits {
				if s := rootDaoTarget(r, inst, d, src, opt, tr); s > status {
					status = s
				}
			}
		}
	}
	return status
}

func rootDaoTarget(r Rpl, inst *state.Instance, d *state.Dodag, src netip.Addr, opt protocol.Target, tr protocol.Transit) uint8 {
	prefix := opt.Prefix.Masked()
	parent := tr.Parent
	if !parent.IsValid() {
		parent = src
	}
	t := inst.Target(prefix)
	if t != nil && !t.Root {
		return protocol.DaoAckStatusAccepted
	}

	if tr.PathLifetime == 0 {
		if t == nil {
			return protocol.DaoAckStatusAccepted
		}
		if rt := t.RootInfo().Transit(parent); rt != nil {
			t.RemoveRootTransit(rt)
		}
		r.Log(NoPathReceived, "no-path", "instance", inst.ID, "target", prefix, "transit", parent)
		if len(t.RootInfo().Transits) == 0 {
			r.RemoveRoute(prefix, state.RouteSourceRoot, ownerOf(inst))
			inst.RemoveTarget(t)
		}
		return protocol.DaoAckStatusAccepted
	}

	if t != nil && !state.SeqGe(tr.PathSequence, t.PathSequence) && tr.PathSequence < 128 && !tr.External {
		r.Log(StaleMessage, "stale path sequence", "instance", inst.ID, "target", prefix, "seq", tr.PathSequence, "have", t.PathSequence)
		return protocol.DaoAckStatusAccepted
	}
	created := false
	if t == nil {
		var err error
		t, err = inst.CreateTarget(prefix, true)
		if err != nil {
			r.Log(AllocationFailed, "cannot store target", "instance", inst.ID, "target", prefix, "error", err)
			return protocol.DaoAckStatusNoSpace
		}
		created = true
	} else if t.PathSequence != tr.PathSequence {
		// a new path sequence replaces every transit learned under the old one
		t.ClearRootTransits()
	}
	t.PathSequence = tr.PathSequence
	t.External = tr.External
	t.Descriptor = opt.Descriptor
	t.HasDescriptor = opt.HasDescriptor
	t.Published = true
	t.Lifetime = d.LifetimeSeconds(tr.PathLifetime)

	rt := t.RootInfo()
	if existing := rt.Transit(parent); existing != nil {
		if existing.PathControl != tr.PathControl {
			existing.PathControl = tr.PathControl
			inst.InvalidateRootGraph()
		}
		return protocol.DaoAckStatusAccepted
	}
	if _, err := t.AddRootTransit(parent, tr.PathControl); err != nil {
		r.Log(AllocationFailed, "cannot store transit", "instance", inst.ID, "target", prefix, "transit", parent, "error", err)
		if len(rt.Transits) == 0 {
			inst.RemoveTarget(t)
		}
		return protocol.DaoAckStatusUnableToAdd
	}
	if created {
		r.Log(TargetLearned, "target learned", "instance", inst.ID, "target", prefix, "transit", parent, "seq", tr.PathSequence)
	}
	return protocol.DaoAckStatusAccepted
}

func rootTargets(inst *state.Instance) []*state.DaoTarget {
	out := make([]*state.DaoTarget, 0, len(inst.Targets))
	for _, t := range inst.Targets {
		if t.Root {
			out = append(out, t)
		}
	}
	return out
}

// rootComputeTopology links every transit to the target it names and sorts
// the resulting graph from the root outwards, cutting edges to break loops.
func rootComputeTopology(rs *state.Registry, r Rpl, inst *state.Instance) {
	if inst.RootTopoValid {
		return
	}
	d := inst.CurrentDodag()
	targets := rootTargets(inst)
	inst.RootTable = bart.Table[*state.DaoTarget]{}
	for _, t := range targets {
		inst.RootTable.Insert(t.Prefix, t)
		rt := t.RootInfo()
		rt.Children = rt.Children[:0]
		rt.SetIncoming(0)
		rt.SetSorted(false)
	}

	// link phase
	for _, t := range targets {
		rt := t.RootInfo()
		for _, tr := range rt.Transits {
			tr.Cut = false
			tr.Parent = nil
			tr.ToRoot = false
			if (d != nil && tr.Transit == d.ID) || inst.Domain.OwnsAddress(tr.Transit) {
				tr.ToRoot = true
				continue
			}
			p, ok := inst.RootTable.Lookup(tr.Transit)
			if !ok {
				continue
			}
			tr.Parent = p
			prt := p.RootInfo()
			prt.Children = append(prt.Children, tr)
			rt.SetIncoming(rt.Incoming() + 1)
		}
	}

	order := make([]*state.DaoTarget, 0, len(targets))
	queue := make([]*state.DaoTarget, 0, len(targets))
	for _, t := range targets {
		if t.RootInfo().Incoming() == 0 {
			queue = append(queue, t)
		}
	}
	for {
		for len(queue) > 0 {
			t := queue[0]
			queue = queue[1:]
			rt := t.RootInfo()
			rt.SetSorted(true)
			order = append(order, t)
			for _, child := range rt.Children {
				if child.Cut {
					continue
				}
				crt := child.Target.RootInfo()
				crt.SetIncoming(crt.Incoming() - 1)
				if crt.Incoming() == 0 {
					queue = append(queue, child.Target)
				}
			}
		}
		if len(order) == len(targets) {
			break
		}
		freed, cut := breakLoop(rs, r, inst, targets)
		if !cut {
			break
		}
		if freed != nil {
			queue = append(queue, freed)
		}
	}
	inst.RootOrder = order
	inst.RootTopoValid = true
	inst.RootPathsValid = false
}

// connectedElsewhere reports whether t keeps a way towards the root besides its remaining loop edges.
func connectedElsewhere(t *state.DaoTarget) bool {
	for _, tr := range t.RootInfo().Transits {
		if tr.ToRoot || (tr.Parent != nil && !tr.Cut && tr.Parent.RootInfo().Sorted()) {
			return true
		}
	}
	return false
}

// breakLoop cuts one edge between unsorted targets. Edges into targets that
// are reachable some other way go first, then the least preferred edge. It
// returns the target whose last in-edge was cut, if any.
func breakLoop(rs *state.Registry, r Rpl, inst *state.Instance, targets []*state.DaoTarget) (*state.DaoTarget, bool) {
	var victim *state.DaoRootTransit
	victimConnected := false
	var victimCost uint16
	for _, t := range targets {
		rt := t.RootInfo()
		if rt.Sorted() {
			continue
		}
		connected := connectedElsewhere(t)
		for _, tr := range rt.Transits {
			if tr.Cut || tr.Parent == nil || tr.Parent.RootInfo().Sorted() {
				continue
			}
			cost := saturatingAdd(state.PCPreference(tr.PathControl), tr.Penalty)
			better := victim == nil ||
				(connected && !victimConnected) ||
				(connected == victimConnected && cost > victimCost)
			if better {
				victim, victimConnected, victimCost = tr, connected, cost
			}
		}
	}
	if victim == nil {
		return nil, false
	}
	victim.Cut = true
	rs.Stats.CycleBreaks.Add(1)
	inst.Log.Warn("loop in downward routes, cutting transit", "target", victim.Target.Prefix, "transit", victim.Transit)
	r.Log(CycleBroken, "cut transit", "instance", inst.ID, "target", victim.Target.Prefix, "transit", victim.Transit)
	rt := victim.Target.RootInfo()
	rt.SetIncoming(rt.Incoming() - 1)
	if rt.Incoming() == 0 {
		return victim.Target, true
	}
	return nil, true
}

func rootInterface(inst *state.Instance) int {
	dom := inst.Domain
	if dom.NonStoringDownstreamInterface >= 0 {
		return dom.NonStoringDownstreamInterface
	}
	if len(dom.Interfaces) > 0 {
		return dom.Interfaces[0]
	}
	return -1
}

// rootComputePaths propagates costs from the root along the sorted graph and
// updates the routing table with the cheapest first hop of every target.
func rootComputePaths(rs *state.Registry, r Rpl, inst *state.Instance) {
	rootComputeTopology(rs, r, inst)
	if inst.RootPathsValid {
		return
	}
	ifID := rootInterface(inst)
	for _, t := range inst.RootOrder {
		rt := t.RootInfo()
		rt.Cost = state.MaxCost
		rt.Best = nil
		rt.Connected = false
	}
	for _, t := range inst.RootOrder {
		rt := t.RootInfo()
		for _, tr := range rt.Transits {
			tr.Cost = state.MaxCost
			if tr.Cut {
				continue
			}
			var from uint16
			switch {
			case tr.ToRoot:
				from = state.EtxCost(r.LinkEtx(ifID, t.Prefix.Addr()))
			case tr.Parent != nil && tr.Parent.RootInfo().Connected:
				from = tr.Parent.RootInfo().Cost
			default:
				continue
			}
			tr.Cost = saturatingAdd(saturatingAdd(from, state.PCPreference(tr.PathControl)), tr.Penalty)
			if rt.Best == nil || tr.Cost < rt.Cost {
				rt.Cost = tr.Cost
				rt.Best = tr
			}
		}
		rt.Connected = rt.Best != nil
	}

	connected := 0
	for _, t := range inst.RootOrder {
		rt := t.RootInfo()
		if !rt.Connected {
			r.RemoveRoute(t.Prefix, state.RouteSourceRoot, ownerOf(inst))
			continue
		}
		connected++
		route := state.Route{
			Prefix:  t.Prefix,
			NextHop: firstHop(t),
			IfID:    ifID,
			Source:  state.RouteSourceRoot,
			Owner:   ownerOf(inst),
			Metric:  rt.Cost,
		}
		if t.Lifetime != state.LifetimeInfinite {
			route.Lifetime = secondsToDuration(t.Lifetime)
		}
		r.InstallRoute(route)
	}
	inst.RootPathsValid = true
	r.Log(RootGraphComputed, "root graph", "instance", inst.ID, "targets", len(inst.RootOrder), "connected", connected)
}

// hops walks the best transits from t up to the root and returns the path in
// root to t order, ending with dst.
func hops(t *state.DaoTarget, dst netip.Addr, limit int) []netip.Addr {
	path := []netip.Addr{dst}
	cur := t
	for range limit {
		tr := cur.RootInfo().Best
		if tr == nil || tr.ToRoot || tr.Parent == nil {
			break
		}
		path = append(path, tr.Transit)
		cur = tr.Parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func firstHop(t *state.DaoTarget) netip.Addr {
	return hops(t, t.Prefix.Addr(), len(t.Instance.Targets))[0]
}

// SourceRoute returns the hops from the root to dst, first hop first and dst last.
func SourceRoute(rs *state.Registry, r Rpl, inst *state.Instance, dst netip.Addr) ([]netip.Addr, error) {
	if !inst.IsRoot() || inst.StoringMode() {
		return nil, state.ErrNotRoot
	}
	rootComputePaths(rs, r, inst)
	t, ok := inst.RootTable.Lookup(dst)
	if !ok || !t.RootInfo().Connected {
		return nil, ErrUnreachable
	}
	return hops(t, dst, len(inst.RootOrder)), nil
}

// SourceRouteError penalises the transit a source routed packet towards dst
// bounced on, so that persistently failing links lose preference.
func SourceRouteError(rs *state.Registry, r Rpl, inst *state.Instance, dst, transit netip.Addr) error {
	if !inst.IsRoot() {
		return state.ErrNotRoot
	}
	rootComputeTopology(rs, r, inst)
	t, ok := inst.RootTable.Lookup(dst)
	if !ok {
		return state.ErrNotFound
	}
	tr := t.RootInfo().Transit(transit)
	if tr == nil {
		return state.ErrNotFound
	}
	tr.Penalty = saturatingAdd(tr.Penalty, state.SourceRouteErrorPenalty)
	// loop breaking picks its victim by cost too
	inst.InvalidateRootGraph()
	inst.Log.Debug("source route error", "target", t.Prefix, "transit", transit, "penalty", tr.Penalty)
	return nil
}
