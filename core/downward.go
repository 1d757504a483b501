package core

// This file makes references to RFC 6550:
// https://datatracker.ietf.org/doc/html/rfc6550

import (
	"net/netip"
	"slices"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
)

// convertPreferencesToPathControl distributes the path control bits of the
// current configuration over the parents, best first. A parent followed by a
// strictly worse one also takes the next bit when that keeps the following
// parent on an even boundary (RFC 6550 9.9, Figure 27), and the last parent
// absorbs whatever is left.
func convertPreferencesToPathControl(inst *state.Instance) {
	var pcs uint8
	if d := inst.CurrentDodag(); d != nil {
		pcs = d.Config.PathControlSize
	}
	for _, n := range inst.Candidates {
		n.OldDaoPathControl = n.DaoPathControl
		n.DaoPathControl = 0
	}
	parents := inst.Parents()
	var last *state.Neighbour
	bit := 0
	for i, n := range parents {
		if bit > int(pcs) {
			break
		}
		n.DaoPathControl = state.PCBit(bit)
		bit++
		last = n
		var next *state.Neighbour
		if i+1 < len(parents) {
			next = parents[i+1]
		}
		if bit <= int(pcs) && bit&1 == 1 && (next == nil || next.Pref > n.Pref) {
			n.DaoPathControl |= state.PCBit(bit)
			bit++
		}
	}
	if last != nil && bit <= int(pcs) {
		last.DaoPathControl |= state.PCSMask(pcs) &^ state.PCSMask(uint8(bit-1))
	}
}

// processDaoParentChanges compares the path control bits before and after a
// parent change and decides how much has to be advertised again.
func processDaoParentChanges(rs *state.Registry, inst *state.Instance) {
	removed := inst.LostPathControl
	inst.LostPathControl = 0
	var added uint8
	for _, n := range inst.Candidates {
		removed |= n.OldDaoPathControl &^ n.DaoPathControl
		added |= n.DaoPathControl &^ n.OldDaoPathControl
		n.OldDaoPathControl = n.DaoPathControl
	}
	if removed == 0 && added == 0 {
		return
	}
	if removed != 0 {
		// a bit moving away may be a lost parent, every own path has to reconverge
		for _, t := range inst.Targets {
			nr := t.NonRoot()
			if nr == nil || !t.Published {
				continue
			}
			if t.Own {
				refreshTarget(t)
				continue
			}
			nr.PcAssigned &^= removed | added
			nr.PcAssigning &^= removed | added
		}
	} else {
		for _, t := range inst.Targets {
			if nr := t.NonRoot(); nr != nil {
				nr.PcAssigned &^= added
			}
		}
	}
	inst.Log.Debug("dao parents changed", "removed", removed, "added", added)
	inst.DaoDone = false
	scheduleDao(rs, inst)
	inst.Domain.Fire(state.EventDaoParentSwitch)
}

func updateDaoParents(rs *state.Registry, r Rpl, inst *state.Instance) {
	convertPreferencesToPathControl(inst)
	processDaoParentChanges(rs, inst)
}

// refreshTarget forgets every advertisement of a target. Own targets get a new path sequence.
func refreshTarget(t *state.DaoTarget) {
	nr := t.NonRoot()
	if nr == nil {
		return
	}
	nr.PcAssigned = 0
	nr.PcAssigning = 0
	nr.RefreshTimer = 0
	if t.Own {
		nr.NeedSeqInc = true
	}
}

// scheduleDao arranges for a DAO to be sent after the policy delay.
func scheduleDao(rs *state.Registry, inst *state.Instance) {
	if inst.IsRoot() {
		return
	}
	delay := rs.Policy.DaoDelayTicks()
	switch inst.DaoState {
	case state.DaoIdle:
		inst.SetDaoState(state.DaoDelayed)
		inst.DaoTimer = delay
	case state.DaoDelayed:
		inst.DaoTimer = min(inst.DaoTimer, delay)
	}
	// in transit or backing off, the pending bits are picked up when the ack or backoff completes
}

func pendingBits(t *state.DaoTarget) uint8 {
	nr := t.NonRoot()
	if nr == nil || (!t.Published && !nr.NoPath) {
		return 0
	}
	return t.PathControl &^ (nr.PcAssigned | nr.PcAssigning)
}

func hasPendingBits(inst *state.Instance) bool {
	for _, t := range inst.Targets {
		if pendingBits(t) != 0 {
			return true
		}
	}
	return false
}

// transitMeta is what targets must agree on to share one Transit option.
type transitMeta struct {
	external bool
	own      bool
	seq      uint8
	lifetime uint8
}

func daoMeta(d *state.Dodag, t *state.DaoTarget) transitMeta {
	nr := t.NonRoot()
	m := transitMeta{external: t.External, own: t.Own, seq: t.PathSequence}
	if nr.NeedSeqInc {
		m.seq = state.SeqInc(m.seq)
	}
	switch {
	case nr.NoPath:
		m.lifetime = 0
	case t.Own:
		m.lifetime = d.Config.DefaultLifetime
	case t.Lifetime == state.LifetimeInfinite:
		m.lifetime = state.PathLifetimeInfinite
	default:
		unit := max(uint32(d.Config.LifetimeUnit), 1)
		m.lifetime = uint8(min((t.Lifetime+unit-1)/unit, uint32(state.PathLifetimeInfinite-1)))
	}
	return m
}

func targetOption(t *state.DaoTarget) protocol.Target {
	return protocol.Target{Prefix: t.Prefix, Descriptor: t.Descriptor, HasDescriptor: t.HasDescriptor}
}

// commitTarget applies the sequence increment of a target that made it into a DAO.
func commitTarget(rs *state.Registry, inst *state.Instance, t *state.DaoTarget, bits uint8) {
	nr := t.NonRoot()
	if nr.NeedSeqInc {
		t.PathSequence = state.SeqInc(t.PathSequence)
		nr.NeedSeqInc = false
		if rs.Store != nil && t.Own {
			if err := rs.Store.SaveTargetSequence(inst.ID, t.Prefix, t.PathSequence); err != nil {
				inst.Log.Warn("failed to persist path sequence", "target", t.Prefix, "error", err)
			}
		}
	}
	nr.PcAssigning |= bits
	nr.PcToRetry &^= bits
}

// storingGroups builds the content of a storing mode DAO. The whole message
// goes to one parent and every target shares one Transit option.
func storingGroups(rs *state.Registry, inst *state.Instance, parents []*state.Neighbour) ([]protocol.TargetGroup, *state.Neighbour) {
	d := inst.CurrentDodag()
	var via *state.Neighbour
	var meta transitMeta
	var bits uint8
	group := protocol.TargetGroup{}
	size := 0
	transitLen := (&protocol.Transit{}).EncodedLen()
	for _, t := range inst.Targets {
		rem := pendingBits(t)
		if rem == 0 {
			continue
		}
		var tb uint8
		if via == nil {
			for _, p := range parents {
				if p.DaoPathControl&rem != 0 {
					via = p
					break
				}
			}
			if via == nil {
				continue
			}
			tb = via.DaoPathControl & rem
			meta = daoMeta(d, t)
		} else {
			tb = via.DaoPathControl & rem
			if tb == 0 || daoMeta(d, t) != meta {
				continue
			}
		}
		opt := targetOption(t)
		if len(group.Targets) > 0 && size+opt.EncodedLen()+transitLen > state.DaoOptionBudget {
			break
		}
		commitTarget(rs, inst, t, tb)
		group.Targets = append(group.Targets, opt)
		size += opt.EncodedLen()
		bits |= tb
	}
	if via == nil || len(group.Targets) == 0 {
		return nil, nil
	}
	group.Transits = []protocol.Transit{{
		External:     meta.external,
		PathControl:  bits,
		PathSequence: meta.seq,
		PathLifetime: meta.lifetime,
	}}
	return []protocol.TargetGroup{group}, via
}

// nonStoringGroups builds the content of a non-storing mode DAO. Each target
// gets a Transit per parent naming the parent's global address; targets whose
// transits are identical share one group.
func nonStoringGroups(rs *state.Registry, inst *state.Instance, parents []*state.Neighbour) []protocol.TargetGroup {
	d := inst.CurrentDodag()
	groups := make([]protocol.TargetGroup, 0)
	size := 0
	for _, t := range inst.Targets {
		rem := pendingBits(t)
		if rem == 0 {
			continue
		}
		nr := t.NonRoot()
		meta := daoMeta(d, t)
		transits := make([]protocol.Transit, 0, len(parents))
		var bits uint8
		for _, p := range parents {
			pb := p.DaoPathControl & rem
			if pb == 0 {
				continue
			}
			if !p.GlobalAddr.IsValid() {
				// the root could not resolve this parent anyway
				nr.PcAssigned |= pb
				continue
			}
			transits = append(transits, protocol.Transit{
				External:     meta.external,
				PathControl:  pb,
				PathSequence: meta.seq,
				PathLifetime: meta.lifetime,
				Parent:       p.GlobalAddr,
			})
			bits |= pb
		}
		if bits == 0 {
			continue
		}
		opt := targetOption(t)
		cost := opt.EncodedLen()
		idx := slices.IndexFunc(groups, func(g protocol.TargetGroup) bool { return slices.Equal(g.Transits, transits) })
		if idx == -1 {
			for i := range transits {
				cost += transits[i].EncodedLen()
			}
		}
		if len(groups) > 0 && size+cost > state.DaoOptionBudget {
			break
		}
		commitTarget(rs, inst, t, bits)
		if idx == -1 {
			groups = append(groups, protocol.TargetGroup{Targets: []protocol.Target{opt}, Transits: transits})
		} else {
			groups[idx].Targets = append(groups[idx].Targets, opt)
		}
		size += cost
	}
	return groups
}

// daoSend runs one send cycle: it picks what still needs advertising, sends a
// single DAO and waits for its acknowledgement.
func daoSend(rs *state.Registry, r Rpl, inst *state.Instance) {
	d := inst.CurrentDodag()
	if d == nil || d.Root || inst.Mop() == protocol.MopNoDownward || inst.PoisonRemaining > 0 {
		daoIdle(inst)
		return
	}
	parents := inst.Parents()
	if len(parents) == 0 {
		daoIdle(inst)
		return
	}
	if rs.Policy.AddressRegistration && !addressesRegistered(r, inst) {
		inst.SetDaoState(state.DaoDelayed)
		inst.DaoTimer = state.AddrRegistrationRetry * state.FastTicksPerSecond
		return
	}

	var live uint8
	for _, p := range parents {
		live |= p.DaoPathControl
	}
	mask := inst.PathControlMask()
	for _, t := range inst.Targets {
		nr := t.NonRoot()
		if nr == nil {
			continue
		}
		nr.PcAssigning = 0
		t.PathControl = mask
		// bits no parent owns cannot be sent, they must not hold up completion
		nr.PcAssigned |= mask &^ live
	}

	var groups []protocol.TargetGroup
	var via *state.Neighbour
	if inst.StoringMode() {
		groups, via = storingGroups(rs, inst, parents)
	} else {
		groups = nonStoringGroups(rs, inst, parents)
		via = parents[0]
	}
	if len(groups) == 0 {
		daoCompleted(rs, r, inst)
		return
	}

	inst.DaoSequence = state.SeqInc(inst.DaoSequence)
	ack := rs.Policy.RequestDaoAck()
	dao := &protocol.DAO{
		InstanceID: inst.ID,
		Ack:        ack,
		Sequence:   inst.DaoSequence,
		Groups:     groups,
	}
	if inst.IsLocal() {
		dao.DodagID = d.ID
	}
	dst := via.LLAddr
	if !inst.StoringMode() {
		dst = d.ID
	}
	send(rs, r, via.IfID, dst, dao)
	r.Log(DaoSent, "dao", "instance", inst.ID, "seq", dao.Sequence, "dst", dst, "groups", len(groups))
	inst.DaoAckRequested = ack
	inst.SetDaoState(state.DaoInTransit)
	inst.DaoTimer = rs.Policy.DaoAckWait(inst.DaoAttempt, rs.Rand)
}

func daoIdle(inst *state.Instance) {
	if inst.DaoState != state.DaoIdle {
		inst.SetDaoState(state.DaoIdle)
	}
	inst.DaoTimer = 0
	for _, t := range inst.Targets {
		if nr := t.NonRoot(); nr != nil {
			nr.PcAssigning = 0
		}
	}
}

// daoCompleted is reached when every desired bit of every target is acknowledged.
func daoCompleted(rs *state.Registry, r Rpl, inst *state.Instance) {
	daoIdle(inst)
	inst.DaoAttempt = 0
	d := inst.CurrentDodag()
	if d == nil {
		return
	}
	life := d.LifetimeSeconds(d.Config.DefaultLifetime)
	for _, t := range inst.Targets {
		nr := t.NonRoot()
		if nr == nil || !t.Own || !t.Published || nr.RefreshTimer != 0 || life == state.LifetimeInfinite {
			continue
		}
		nr.RefreshTimer = rs.Policy.RefreshTime(life, rs.Rand)
	}
	if !inst.DaoDone {
		inst.DaoDone = true
		inst.Log.Debug("downward routes established")
		r.Log(DaoComplete, "dao complete", "instance", inst.ID)
		inst.Domain.Fire(state.EventDaoDone)
	}
}

// daoAckReceived applies the result of the in-flight DAO. A timeout is a
// failure unless no acknowledgement was requested.
func daoAckReceived(rs *state.Registry, r Rpl, inst *state.Instance, status uint8) {
	ok := status < protocol.DaoAckStatusRejectThresh
	for _, t := range inst.Targets {
		nr := t.NonRoot()
		if nr == nil || nr.PcAssigning == 0 {
			continue
		}
		if ok {
			nr.PcAssigned |= nr.PcAssigning
			nr.PcToRetry &^= nr.PcAssigning
		} else {
			nr.PcToRetry |= nr.PcAssigning
		}
		nr.PcAssigning = 0
	}
	if !ok {
		daoFailed(rs, r, inst)
		return
	}
	inst.DaoAttempt = 0
	for _, t := range slices.Clone(inst.Targets) {
		nr := t.NonRoot()
		if nr != nil && nr.NoPath && t.PathControl&^nr.PcAssigned == 0 {
			inst.Log.Debug("withdrawn target acknowledged", "target", t.Prefix)
			inst.RemoveTarget(t)
		}
	}
	if hasPendingBits(inst) {
		daoSend(rs, r, inst)
		return
	}
	daoCompleted(rs, r, inst)
}

func daoFailed(rs *state.Registry, r Rpl, inst *state.Instance) {
	if inst.DaoAttempt < 0xFF {
		inst.DaoAttempt++
	}
	inst.SetDaoState(state.DaoBackoff)
	inst.DaoTimer = rs.Policy.DaoDelayTicks()
	limit := rs.Policy.DaoRetryCount
	if limit == 0 || inst.DaoAttempt < limit {
		return
	}
	inst.DaoAttempt = 0
	p := inst.PreferredParent()
	if p == nil {
		return
	}
	rs.Stats.ParentDrops.Add(1)
	inst.Log.Warn("parent does not acknowledge DAOs, dropping it", "parent", p.LLAddr, "retries", limit)
	r.Log(ParentDropped, "dao retries exhausted", "instance", inst.ID, "parent", p.LLAddr)
	neighbourGone(rs, r, inst, p)
}

// daoTick drives the DAO delay, acknowledgement wait and backoff timers.
func daoTick(rs *state.Registry, r Rpl, inst *state.Instance, ticks uint32) {
	switch inst.DaoState {
	case state.DaoDelayed, state.DaoBackoff:
		if inst.DaoTimer > ticks {
			inst.DaoTimer -= ticks
			return
		}
		inst.DaoTimer = 0
		daoSend(rs, r, inst)
	case state.DaoInTransit:
		if inst.DaoTimer > ticks {
			inst.DaoTimer -= ticks
			return
		}
		inst.DaoTimer = 0
		if !inst.DaoAckRequested {
			daoAckReceived(rs, r, inst, protocol.DaoAckStatusAccepted)
			return
		}
		rs.Stats.DaoAckTimeouts.Add(1)
		r.Log(DaoAckTimeout, "no dao-ack", "instance", inst.ID, "seq", inst.DaoSequence, "attempt", inst.DaoAttempt)
		daoAckReceived(rs, r, inst, protocol.DaoAckStatusRejectThresh)
	}
}

// addressesRegistered reports whether every own target is registered with the
// preferred parent. Otherwise it starts registering the next one, one at a time.
func addressesRegistered(r Rpl, inst *state.Instance) bool {
	p := inst.PreferredParent()
	if p == nil {
		return true
	}
	var next *state.DaoTarget
	for _, t := range inst.Targets {
		nr := t.NonRoot()
		if nr == nil || !t.Own || !t.Published {
			continue
		}
		switch nr.Confirm {
		case state.ConfirmProbing:
			return false
		case state.ConfirmIdle:
			if next == nil {
				next = t
			}
		}
	}
	if next == nil {
		return true
	}
	nr := next.NonRoot()
	nr.Confirm = state.ConfirmProbing
	nr.ResponseWaitTime = state.AddrResponseWait
	inst.Log.Debug("registering address with parent", "addr", next.Prefix.Addr(), "parent", p.LLAddr)
	r.RegisterAddress(p.IfID, p.LLAddr, next.Prefix.Addr())
	return false
}

// targetTick ages learned targets and drives refresh and registration timers.
func targetTick(rs *state.Registry, r Rpl, inst *state.Instance, secs uint32) {
	for _, t := range slices.Clone(inst.Targets) {
		if !t.Own && t.Lifetime != state.LifetimeInfinite {
			if t.Lifetime > secs {
				t.Lifetime -= secs
			} else {
				expireTarget(r, inst, t)
				continue
			}
		}
		nr := t.NonRoot()
		if nr == nil {
			continue
		}
		if nr.RefreshTimer > 0 {
			if nr.RefreshTimer > secs {
				nr.RefreshTimer -= secs
			} else {
				inst.Log.Debug("refreshing target", "target", t.Prefix)
				refreshTarget(t)
				scheduleDao(rs, inst)
			}
		}
		if nr.Confirm == state.ConfirmProbing {
			if uint32(nr.ResponseWaitTime) > secs {
				nr.ResponseWaitTime -= uint16(secs)
			} else {
				nr.ResponseWaitTime = 0
				nr.Confirm = state.ConfirmIdle
			}
		}
	}
}

func expireTarget(r Rpl, inst *state.Instance, t *state.DaoTarget) {
	source := state.RouteSourceDao
	if t.Root {
		source = state.RouteSourceRoot
	}
	r.RemoveRoute(t.Prefix, source, ownerOf(inst))
	r.Log(TargetExpired, "target expired", "instance", inst.ID, "target", t.Prefix)
	inst.RemoveTarget(t)
}

// storingHandleDAO records the targets a child advertises and schedules them
// to be forwarded towards the root. It returns the DAO-ACK status.
func storingHandleDAO(rs *state.Registry, r Rpl, inst *state.Instance, ifID int, src netip.Addr, dao *protocol.DAO) uint8 {
	d := inst.CurrentDodag()
	status := protocol.DaoAckStatusAccepted
	forward := false
	for _, g := range dao.Groups {
		if len(g.Transits) == 0 {
			continue
		}
		// storing mode DAOs carry a single transit per group
		tr := g.Transits[0]
		for _, opt := range g.Targets {
			t := inst.Target(opt.Prefix.Masked())
			if t != nil && (t.Own || t.NonRoot() == nil) {
				continue
			}
			if tr.PathLifetime == 0 {
				if t == nil || t.NonRoot().LearnedFrom != src || t.NonRoot().NoPath {
					continue
				}
				r.RemoveRoute(t.Prefix, state.RouteSourceDao, ownerOf(inst))
				r.Log(NoPathReceived, "no-path", "instance", inst.ID, "target", t.Prefix, "from", src)
				if len(inst.Parents()) == 0 || !t.Published {
					inst.RemoveTarget(t)
					continue
				}
				t.NonRoot().NoPath = true
				t.Published = false
				refreshTarget(t)
				forward = true
				continue
			}
			if t != nil && !state.SeqGe(tr.PathSequence, t.PathSequence) {
				r.Log(StaleMessage, "stale path sequence", "instance", inst.ID, "target", t.Prefix, "seq", tr.PathSequence, "have", t.PathSequence)
				continue
			}
			changed := t == nil
			if t == nil {
				var err error
				t, err = inst.CreateTarget(opt.Prefix, false)
				if err != nil {
					r.Log(AllocationFailed, "cannot store target", "instance", inst.ID, "target", opt.Prefix, "error", err)
					status = protocol.DaoAckStatusNoSpace
					continue
				}
			}
			nr := t.NonRoot()
			changed = changed || t.PathSequence != tr.PathSequence || nr.LearnedFrom != src || nr.NoPath || t.External != tr.External
			t.PathSequence = tr.PathSequence
			t.External = tr.External
			t.Descriptor = opt.Descriptor
			t.HasDescriptor = opt.HasDescriptor
			t.Published = true
			t.Lifetime = d.LifetimeSeconds(tr.PathLifetime)
			nr.NoPath = false
			nr.LearnedFrom = src
			nr.LearnedIf = ifID
			route := state.Route{
				Prefix:  t.Prefix,
				NextHop: src,
				IfID:    ifID,
				Source:  state.RouteSourceDao,
				Owner:   ownerOf(inst),
			}
			if t.Lifetime != state.LifetimeInfinite {
				route.Lifetime = secondsToDuration(t.Lifetime)
			}
			r.InstallRoute(route)
			if changed {
				r.Log(TargetLearned, "target learned", "instance", inst.ID, "target", t.Prefix, "from", src, "seq", t.PathSequence)
				refreshTarget(t)
				forward = true
			}
		}
	}
	if forward {
		inst.DaoDone = false
		scheduleDao(rs, inst)
	}
	return status
}
