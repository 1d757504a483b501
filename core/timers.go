package core

import (
	"slices"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
)

// FastTick advances trickle, poisoning and DAO timers by ticks fast ticks.
// Instances are serviced in creation order.
func FastTick(rs *state.Registry, r Rpl, ticks uint32) {
	for _, inst := range rs.Instances() {
		dioTick(rs, r, inst, ticks)
		daoTick(rs, r, inst, ticks)
		if inst.IsRoot() && !inst.StoringMode() && inst.Mop() != protocol.MopNoDownward && !inst.RootPathsValid {
			rootComputePaths(rs, r, inst)
		}
	}
}

// SlowTick advances the second based timers by secs seconds and purges when
// memory use is above the soft limit.
func SlowTick(rs *state.Registry, r Rpl, secs uint32) {
	for _, inst := range rs.Instances() {
		neighbourTick(rs, r, inst, secs)
		disTick(rs, r, inst, secs)
		targetTick(rs, r, inst, secs)
	}
	rs.DisDedup.DeleteExpired()
	if rs.Memory.OverSoft() {
		purge(rs)
	}
}

// purge releases one evictable item per instance, starting with a different
// domain on every pass.
func purge(rs *state.Registry) {
	first := rs.NextPurgeDomain()
	if first == nil {
		return
	}
	start := slices.Index(rs.Domains, first)
	doms := append(slices.Clone(rs.Domains[start:]), rs.Domains[:start]...)
	for _, dom := range doms {
		for _, inst := range slices.Clone(dom.Instances) {
			if purgeOne(inst) {
				rs.Stats.Purged.Add(1)
			}
		}
	}
}

// purgeOne evicts, in order of preference, a DODAG we are not part of, an old
// version of the current DODAG, or the worst candidate that is not a parent.
func purgeOne(inst *state.Instance) bool {
	for _, d := range inst.Dodags {
		if d.Root || d == inst.CurrentDodag() {
			continue
		}
		inst.Log.Debug("purging dodag", "dodag", d.ID)
		inst.RemoveDodag(d)
		if len(inst.Dodags) == 0 && len(inst.Targets) == 0 {
			inst.Domain.RemoveInstance(inst)
		}
		return true
	}
	if d := inst.CurrentDodag(); d != nil {
		for _, v := range d.Versions {
			if v != inst.Current {
				inst.Log.Debug("purging dodag version", "dodag", d.ID, "version", v.Number)
				inst.RemoveVersion(v)
				return true
			}
		}
	}
	for i := len(inst.Candidates) - 1; i >= 0; i-- {
		n := inst.Candidates[i]
		if n.IsParent() {
			continue
		}
		inst.Log.Debug("purging candidate", "neighbour", n.LLAddr)
		inst.RemoveNeighbour(n)
		return true
	}
	return false
}
