package core

// This file makes references to RFC 6550:
// https://datatracker.ietf.org/doc/html/rfc6550

import (
	"net/netip"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
	"github.com/jellydator/ttlcache/v3"
)

// HandleRaw decodes an ICMPv6 RPL packet received on ifID and handles it.
// Malformed packets are counted and dropped without a response.
func HandleRaw(rs *state.Registry, r Rpl, ifID int, src, dst netip.Addr, pkt []byte) {
	msg, err := protocol.Unframe(pkt)
	if err != nil {
		rs.Stats.Malformed.Add(1)
		rs.Log.Debug("dropping malformed rpl message", "src", src, "if", ifID, "error", err)
		r.Log(MalformedMessage, "dropped", "src", src, "if", ifID, "error", err)
		return
	}
	HandlePacket(rs, r, ifID, src, dst, msg)
}

// HandlePacket handles a decoded control message.
func HandlePacket(rs *state.Registry, r Rpl, ifID int, src, dst netip.Addr, msg protocol.Message) {
	dom := rs.DomainForInterface(ifID)
	if dom == nil {
		return
	}
	rs.Stats.CountRx(msg.Code())
	switch m := msg.(type) {
	case *protocol.DIS:
		handleDIS(rs, r, dom, ifID, src, dst, m)
	case *protocol.DIO:
		handleDIO(rs, r, dom, ifID, src, m)
	case *protocol.DAO:
		handleDAO(rs, r, dom, ifID, src, m)
	case *protocol.DAOAck:
		handleDAOAck(rs, r, dom, m)
	}
}

func handleDIS(rs *state.Registry, r Rpl, dom *state.Domain, ifID int, src, dst netip.Addr, dis *protocol.DIS) {
	for _, inst := range dom.Instances {
		d := inst.CurrentDodag()
		if d == nil || !d.HaveConfig || inst.IsLeaf() || inst.PoisonRemaining > 0 {
			continue
		}
		if d.Root && !d.Running {
			continue
		}
		if !d.Root && inst.PreferredParent() == nil {
			continue
		}
		if dis.Solicited != nil && !dis.Solicited.Matches(inst.ID, d.ID, inst.Current.Number) {
			continue
		}
		if dst.IsMulticast() {
			d.Trickle.Reset(d.TrickleParams(), rs.Rand)
			continue
		}
		send(rs, r, ifID, src, dioFor(inst))
		r.Log(DioSent, "unicast", "instance", inst.ID, "dst", src)
	}
}

func policyReject(rs *state.Registry, r Rpl, inst *state.Instance, ifID int, src netip.Addr, reason string, dio *protocol.DIO) {
	rs.Stats.PolicyRejected.Add(1)
	r.Log(PolicyRejected, reason, "instance", dio.InstanceID, "dodag", dio.DodagID, "src", src)
	if inst == nil {
		return
	}
	if n := inst.Neighbour(ifID, src); n != nil && n.Version.Dodag.ID == dio.DodagID {
		neighbourGone(rs, r, inst, n)
	}
}

func handleDIO(rs *state.Registry, r Rpl, dom *state.Domain, ifID int, src netip.Addr, dio *protocol.DIO) {
	inst := dom.Instance(dio.InstanceID, dio.DodagID)
	if dio.Rank == state.InfiniteRank {
		if inst == nil {
			return
		}
		if n := inst.Neighbour(ifID, src); n != nil && n.Version.Dodag.ID == dio.DodagID {
			inst.Log.Debug("neighbour poisoned its route", "neighbour", n.LLAddr)
			neighbourGone(rs, r, inst, n)
		}
		return
	}
	if inst != nil {
		if d := inst.Dodag(dio.DodagID); d != nil && d.Root {
			return
		}
	}
	if dom.OwnsAddress(dio.DodagID) {
		return
	}
	switch mop := dio.Mop(); {
	case protocol.MopReserved(mop) || !rs.Policy.MopAllowed(mop):
		policyReject(rs, r, inst, ifID, src, "mode of operation", dio)
		return
	case !rs.Policy.JoinAllowed(dio.InstanceID, dio.DodagID):
		policyReject(rs, r, inst, ifID, src, "dodag not allowed", dio)
		return
	case dio.Config != nil && objectiveFor(dio.Config.ObjectiveCodePoint) == nil:
		policyReject(rs, r, inst, ifID, src, "unknown objective function", dio)
		return
	}

	created := false
	if inst == nil {
		var err error
		inst, err = dom.CreateInstance(dio.InstanceID)
		if err != nil {
			r.Log(AllocationFailed, "cannot create instance", "instance", dio.InstanceID, "error", err)
			return
		}
		created = true
	}
	d := inst.Dodag(dio.DodagID)
	if d == nil {
		var err error
		d, err = inst.CreateDodag(dio.DodagID)
		if err != nil {
			r.Log(AllocationFailed, "cannot create dodag", "instance", inst.ID, "dodag", dio.DodagID, "error", err)
			if created {
				dom.RemoveInstance(inst)
			}
			return
		}
	}
	if created {
		publishAddresses(rs, inst)
	}
	d.GMopPrf = dio.GMopPrf
	if dio.Config != nil && (!d.HaveConfig || *dio.Config != d.Config) {
		d.Config = *dio.Config
		d.HaveConfig = true
	}
	if !d.HaveConfig {
		requestConfig(rs, r, inst, d, ifID, src)
		return
	}

	v := d.Version(dio.Version)
	if v == nil {
		if latest := d.Latest(); latest != nil && !state.SeqGt(dio.Version, latest.Number) {
			r.Log(StaleMessage, "old dodag version", "instance", inst.ID, "dodag", d.ID, "version", dio.Version)
			return
		}
		var err error
		v, err = d.CreateVersion(dio.Version)
		if err != nil {
			r.Log(AllocationFailed, "cannot create version", "instance", inst.ID, "dodag", d.ID, "error", err)
			return
		}
	}

	n := inst.Neighbour(ifID, src)
	fresh := n == nil
	if fresh {
		if cb := dom.Callbacks.NewParent; cb != nil && !cb(src, ifID, inst.ID, d.ID) {
			return
		}
		var err error
		n, err = inst.AddNeighbour(v, ifID, src)
		if err != nil {
			r.Log(AllocationFailed, "cannot add neighbour", "instance", inst.ID, "neighbour", src, "error", err)
			return
		}
	}
	unchanged := !fresh && n.Version == v && n.Rank == dio.Rank && n.DTSN == dio.DTSN
	oldDtsn := n.DTSN
	oldGlobal := n.GlobalAddr
	n.Version = v
	n.Rank = dio.Rank
	n.GMopPrf = dio.GMopPrf
	n.DodagPref = protocol.PrfOf(dio.GMopPrf)
	n.DTSN = dio.DTSN
	n.Lifetime = rs.Policy.NeighbourLifetimeSeconds()
	for _, p := range dio.Prefixes {
		if addr, ok := p.RouterAddress(); ok && isGlobal(addr) {
			n.GlobalAddr = addr
		}
	}
	if err := inst.SetNeighbourOptions(n, dio.Prefixes, dio.Routes); err != nil {
		r.Log(AllocationFailed, "cannot store neighbour options", "instance", inst.ID, "neighbour", src, "error", err)
	}

	prevPreferred := inst.PreferredParent()
	selectParents(rs, r, inst)

	if !fresh && n.IsParent() && state.SeqGt(dio.DTSN, oldDtsn) {
		dtsnIncreased(rs, inst)
	}
	if !fresh && n.IsParent() && !inst.StoringMode() && n.GlobalAddr != oldGlobal {
		// our non-storing DAOs name the parent by this address
		readvertiseOwnTargets(rs, inst)
	}

	switch {
	case n.State == state.NeighbourPreferred && n == prevPreferred:
		applyParentInfo(r, inst, n)
	case n.State != state.NeighbourPreferred && rs.Policy.PermissivePrefixes && n.Version == inst.Current:
		if cb := dom.Callbacks.Prefix; cb != nil {
			for _, pe := range n.Prefixes {
				cb(pe, n.LLAddr)
			}
		}
	}

	if unchanged && inst.Current == v && dio.Rank < inst.Rank {
		d.Trickle.Consistent()
	}
}

// dtsnIncreased reacts to a parent asking for fresh DAOs.
func dtsnIncreased(rs *state.Registry, inst *state.Instance) {
	storing := inst.StoringMode()
	for _, t := range inst.Targets {
		if !t.Published || t.Root {
			continue
		}
		// in storing mode the routes we forward for children are lost too
		if t.Own || storing {
			refreshTarget(t)
		}
	}
	inst.Dtsn = state.SeqInc(inst.Dtsn)
	inst.Log.Debug("parent incremented dtsn", "dtsn", inst.Dtsn)
	inst.DaoDone = false
	scheduleDao(rs, inst)
}

func readvertiseOwnTargets(rs *state.Registry, inst *state.Instance) {
	for _, t := range inst.Targets {
		if t.Own && t.Published {
			refreshTarget(t)
		}
	}
	inst.DaoDone = false
	scheduleDao(rs, inst)
}

// requestConfig asks a neighbour for the DODAG configuration we are missing.
func requestConfig(rs *state.Registry, r Rpl, inst *state.Instance, d *state.Dodag, ifID int, src netip.Addr) {
	key := state.DisKey{IfID: ifID, Neighbour: src, InstanceID: inst.ID, DodagID: d.ID}
	if rs.DisDedup.Has(key) {
		return
	}
	rs.DisDedup.Set(key, struct{}{}, ttlcache.DefaultTTL)
	dis := &protocol.DIS{Solicited: &protocol.SolicitedInfo{
		Flags:      protocol.SolicitedFlagI | protocol.SolicitedFlagD,
		InstanceID: inst.ID,
		DodagID:    d.ID,
	}}
	send(rs, r, ifID, src, dis)
	r.Log(ConfigRequested, "dio without configuration", "instance", inst.ID, "dodag", d.ID, "src", src)
}

func handleDAO(rs *state.Registry, r Rpl, dom *state.Domain, ifID int, src netip.Addr, dao *protocol.DAO) {
	inst := dom.Instance(dao.InstanceID, dao.DodagID)
	if inst == nil || inst.IsLeaf() {
		return
	}
	d := inst.CurrentDodag()
	if d == nil || (inst.IsLocal() && dao.DodagID != d.ID) {
		return
	}
	var status uint8
	switch {
	case inst.Mop() == protocol.MopNoDownward:
		return
	case inst.StoringMode():
		status = storingHandleDAO(rs, r, inst, ifID, src, dao)
	case d.Root:
		status = rootHandleDAO(r, inst, src, dao)
	default:
		// non-storing DAOs are routed to the root, intermediate routers do not look at them
		return
	}
	if !dao.Ack && status == protocol.DaoAckStatusAccepted {
		return
	}
	ack := &protocol.DAOAck{InstanceID: inst.ID, Sequence: dao.Sequence, Status: status}
	if inst.IsLocal() {
		ack.DodagID = d.ID
	}
	send(rs, r, ifID, src, ack)
	r.Log(DaoAckSent, "dao-ack", "instance", inst.ID, "seq", dao.Sequence, "status", status, "dst", src)
}

func handleDAOAck(rs *state.Registry, r Rpl, dom *state.Domain, ack *protocol.DAOAck) {
	inst := dom.Instance(ack.InstanceID, ack.DodagID)
	if inst == nil {
		return
	}
	if inst.DaoState != state.DaoInTransit || ack.Sequence != inst.DaoSequence {
		r.Log(StaleMessage, "unexpected dao-ack", "instance", inst.ID, "seq", ack.Sequence, "want", inst.DaoSequence)
		return
	}
	if !ack.Accepted() {
		rs.Stats.DaoNacks.Add(1)
		r.Log(DaoRejected, "dao rejected", "instance", inst.ID, "seq", ack.Sequence, "status", ack.Status)
	}
	daoAckReceived(rs, r, inst, ack.Status)
}
