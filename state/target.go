package state

import (
	"net/netip"
	"slices"
	"unsafe"
)

// DaoTarget is a downward reachable prefix. Info holds either *NonRootTarget or
// *RootTarget, matching the Root flag.
type DaoTarget struct {
	Prefix        netip.Prefix
	Instance      *Instance
	PathSequence  uint8
	PathControl   uint8
	Descriptor    uint32
	HasDescriptor bool
	Root          bool
	Published     bool
	Own           bool
	External      bool
	// Lifetime is the remaining lifetime in seconds, LifetimeInfinite never expires.
	Lifetime uint32
	Info     TargetInfo

	mem Block
}

type TargetInfo interface {
	targetInfo()
}

// NonRootTarget tracks how far a target has been advertised to the parents.
type NonRootTarget struct {
	PcAssigned   uint8
	PcAssigning  uint8
	PcToRetry    uint8
	PathLifetime uint8 // lifetime units, 0 advertises a No-Path
	RefreshTimer uint32
	NeedSeqInc   bool
	// NoPath is set on a target that is being withdrawn and is deleted once acknowledged.
	NoPath           bool
	Confirm          ConfirmState
	ResponseWaitTime uint16
	// LearnedFrom is the child a storing router learned the target from.
	LearnedFrom netip.Addr
	LearnedIf   int
}

func (*NonRootTarget) targetInfo() {}

// RootTarget is a node of the non-storing root graph.
type RootTarget struct {
	Transits  []*DaoRootTransit
	Cost      uint16
	Connected bool
	// Children are the transits of other targets that resolved to this target.
	Children []*DaoRootTransit
	// Best is the transit the cheapest path from the root arrives through.
	Best *DaoRootTransit

	// penalties of transits dropped by a path sequence change, restored when re-added
	penalties map[netip.Addr]uint16

	incoming int
	sorted   bool
}

func (*RootTarget) targetInfo() {}

// DaoRootTransit is an edge "Target is reachable via Transit". It is owned by Target.
type DaoRootTransit struct {
	Transit     netip.Addr
	Target      *DaoTarget
	PathControl uint8
	Cost        uint16
	// Penalty accumulates source route errors reported on this transit.
	Penalty uint16
	// Parent is the target Transit resolved to during linking, nil for the root or when unresolved.
	Parent *DaoTarget
	ToRoot bool
	Cut    bool

	mem Block
}

// Incoming exposes the in-edge counter used by the topological sort.
func (rt *RootTarget) Incoming() int {
	return rt.incoming
}

func (rt *RootTarget) SetIncoming(n int) {
	rt.incoming = n
}

func (rt *RootTarget) Sorted() bool {
	return rt.sorted
}

func (rt *RootTarget) SetSorted(v bool) {
	rt.sorted = v
}

func (rt *RootTarget) Transit(addr netip.Addr) *DaoRootTransit {
	for _, tr := range rt.Transits {
		if tr.Transit == addr {
			return tr
		}
	}
	return nil
}

func (t *DaoTarget) NonRoot() *NonRootTarget {
	nr, _ := t.Info.(*NonRootTarget)
	return nr
}

func (t *DaoTarget) RootInfo() *RootTarget {
	rt, _ := t.Info.(*RootTarget)
	return rt
}

// AddRootTransit records a new transit on a root target.
func (t *DaoTarget) AddRootTransit(addr netip.Addr, pathControl uint8) (*DaoRootTransit, error) {
	rt := t.RootInfo()
	if rt == nil {
		return nil, ErrInvalid
	}
	mem, err := t.Instance.registry().alloc(unsafe.Sizeof(DaoRootTransit{}))
	if err != nil {
		return nil, err
	}
	tr := &DaoRootTransit{Transit: addr, Target: t, PathControl: pathControl, Cost: MaxCost, mem: mem}
	if p, ok := rt.penalties[addr]; ok {
		tr.Penalty = p
		delete(rt.penalties, addr)
	}
	rt.Transits = append(rt.Transits, tr)
	t.Instance.InvalidateRootGraph()
	return tr, nil
}

func (t *DaoTarget) RemoveRootTransit(tr *DaoRootTransit) {
	rt := t.RootInfo()
	if rt == nil {
		return
	}
	idx := slices.Index(rt.Transits, tr)
	if idx < 0 {
		return
	}
	rt.Transits = slices.Delete(rt.Transits, idx, idx+1)
	t.Instance.registry().Memory.Free(tr.mem)
	tr.mem = Block{}
	t.Instance.InvalidateRootGraph()
}

// ClearRootTransits drops every transit of a root target. Source route
// penalties are remembered and carried over to a transit re-added with the
// same address.
func (t *DaoTarget) ClearRootTransits() {
	rt := t.RootInfo()
	if rt == nil {
		return
	}
	for len(rt.Transits) > 0 {
		tr := rt.Transits[0]
		if tr.Penalty != 0 {
			if rt.penalties == nil {
				rt.penalties = make(map[netip.Addr]uint16)
			}
			rt.penalties[tr.Transit] = tr.Penalty
		}
		t.RemoveRootTransit(tr)
	}
}
