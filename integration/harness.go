package integration

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/rpl/core"
	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
)

const (
	simIf       = 1
	simInstance = 1
	maxHops     = 16
)

var errNoRoute = errors.New("no route")

// VirtualLink joins two nodes on the simulated interface.
type VirtualLink struct {
	A, B       *VirtualNode
	PacketLoss float64
	down       atomic.Bool
}

func (v *VirtualLink) WithPacketLoss(loss float64) *VirtualLink {
	v.PacketLoss = loss
	return v
}

// Cut stops the link from carrying packets until Restore.
func (v *VirtualLink) Cut() {
	v.down.Store(true)
}

func (v *VirtualLink) Restore() {
	v.down.Store(false)
}

// carries reports whether a single packet crosses the link.
func (v *VirtualLink) carries() bool {
	if v.down.Load() {
		return false
	}
	return v.PacketLoss == 0 || rand.Float64() >= v.PacketLoss
}

// VirtualNode is one RPL engine whose transport is the in-memory network.
type VirtualNode struct {
	Name   string
	LL     netip.Addr
	Global netip.Addr
	Root   bool
	Engine *core.Engine
	h      *VirtualHarness
	done   chan error
}

// VirtualHarness runs several engines connected by virtual links. Every node
// has one interface, packets to link-local and multicast destinations reach
// the direct neighbours, global destinations are forwarded hop by hop with
// the routing tables the engines maintain.
type VirtualHarness struct {
	Mop    uint8
	Conf   protocol.DodagConf
	Policy state.Policy
	Log    *slog.Logger
	Nodes  []*VirtualNode
	Links  []*VirtualLink
	inbox  sync.WaitGroup
	// Delivered counts the packets handed to an engine.
	Delivered atomic.Uint64
}

// NewHarness returns a harness with fast trickle timers and short neighbour
// lifetimes, so topology changes settle within seconds.
func NewHarness(mop uint8) *VirtualHarness {
	conf := state.DefaultDodagConf
	conf.DIOIntervalDoublings = 3
	conf.DIORedundancy = 0
	conf.DefaultLifetime = 30
	return &VirtualHarness{
		Mop:  mop,
		Conf: conf,
		Policy: state.Policy{
			DaoDelay:          2,
			DaoInitialAckWait: 5,
			NeighbourLifetime: 2,
			DisInterval:       1,
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (v *VirtualHarness) NewNode(name string, root bool) *VirtualNode {
	i := byte(len(v.Nodes) + 1)
	n := &VirtualNode{
		Name:   name,
		LL:     netip.AddrFrom16([16]byte{0: 0xfe, 1: 0x80, 15: i}),
		Global: netip.AddrFrom16([16]byte{0: 0x20, 1: 0x01, 2: 0x0d, 3: 0xb8, 15: i}),
		Root:   root,
		h:      v,
		done:   make(chan error, 1),
	}
	v.Nodes = append(v.Nodes, n)
	return n
}

func (v *VirtualHarness) AddLink(a, b *VirtualNode) *VirtualLink {
	link := &VirtualLink{A: a, B: b}
	v.Links = append(v.Links, link)
	return link
}

func (v *VirtualHarness) config(n *VirtualNode) state.Config {
	dom := state.DomainCfg{Name: "sim", Interfaces: []string{"sim0"}}
	if n.Root {
		conf := v.Conf
		dom.Roots = []state.RootCfg{{
			InstanceID: simInstance,
			DodagID:    n.Global,
			Mop:        v.Mop,
			Grounded:   true,
			Config:     &conf,
			Prefixes: []state.PrefixCfg{{
				Prefix:        netip.PrefixFrom(n.Global, 64),
				OnLink:        true,
				Autonomous:    true,
				RouterAddress: true,
				ValidLifetime: 3600,
			}},
		}}
	}
	return state.Config{Policy: v.Policy, Domains: []state.DomainCfg{dom}}
}

// Start builds and runs every engine, then assigns the global address of
// every node that is not a root.
func (v *VirtualHarness) Start() error {
	resolve := func(string) (int, error) { return simIf, nil }
	for _, n := range v.Nodes {
		e, err := core.NewEngine(v.config(n), core.Options{
			Transport: n,
			Resolve:   resolve,
			Logger:    v.Log.With("node", n.Name),
		})
		if err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
		n.Engine = e
	}
	for _, n := range v.Nodes {
		go func() {
			n.done <- n.Engine.MainLoop()
		}()
	}
	for _, n := range v.Nodes {
		if n.Root {
			continue
		}
		n.Engine.Dispatch(func(s *state.State) error {
			core.AddressChanged(s.Registry, simIf, n.Global, true)
			return nil
		})
	}
	return nil
}

// Stop shuts every engine down and waits for the packets still in flight.
func (v *VirtualHarness) Stop() {
	for _, n := range v.Nodes {
		if n.Engine != nil {
			n.Engine.Cancel(errors.New("stopping harness"))
		}
	}
	for _, n := range v.Nodes {
		if n.Engine != nil {
			<-n.done
		}
	}
	v.inbox.Wait()
}

func (v *VirtualHarness) Node(name string) *VirtualNode {
	idx := slices.IndexFunc(v.Nodes, func(n *VirtualNode) bool { return n.Name == name })
	if idx == -1 {
		return nil
	}
	return v.Nodes[idx]
}

// neighbours returns the nodes a packet sent by n reaches right now.
func (v *VirtualHarness) neighbours(n *VirtualNode) []*VirtualNode {
	out := make([]*VirtualNode, 0)
	for _, l := range v.Links {
		var peer *VirtualNode
		switch n {
		case l.A:
			peer = l.B
		case l.B:
			peer = l.A
		default:
			continue
		}
		if l.carries() {
			out = append(out, peer)
		}
	}
	return out
}

func (v *VirtualHarness) deliver(to *VirtualNode, src, dst netip.Addr, pkt []byte) {
	pkt = slices.Clone(pkt)
	v.inbox.Add(1)
	// the sender is on its own main goroutine, the receiver may be busy sending to us
	go func() {
		defer v.inbox.Done()
		to.Engine.Dispatch(func(s *state.State) error {
			v.Delivered.Add(1)
			core.HandleRaw(s.Registry, to.Engine.Node, simIf, src, dst, pkt)
			return nil
		})
	}()
}

// forward carries a packet to a global destination. Neighbours resolve each
// other's global addresses, everything else follows the routing tables.
func (v *VirtualHarness) forward(from *VirtualNode, dst netip.Addr, pkt []byte) error {
	cur := from
	for range maxHops {
		peers := v.neighbours(cur)
		if idx := slices.IndexFunc(peers, func(p *VirtualNode) bool { return p.Global == dst }); idx != -1 {
			v.deliver(peers[idx], from.Global, dst, pkt)
			return nil
		}
		route, ok := cur.Engine.Routes.Lookup(dst)
		if !ok {
			return fmt.Errorf("%s: %w to %s", cur.Name, errNoRoute, dst)
		}
		idx := slices.IndexFunc(peers, func(p *VirtualNode) bool {
			return p.LL == route.NextHop || p.Global == route.NextHop
		})
		if idx == -1 {
			return fmt.Errorf("%s: next hop %s towards %s is not reachable", cur.Name, route.NextHop, dst)
		}
		cur = peers[idx]
	}
	return fmt.Errorf("%s: hop limit exceeded towards %s", from.Name, dst)
}

// Send implements core.Transport.
func (n *VirtualNode) Send(ifID int, dst netip.Addr, pkt []byte) error {
	if ifID != simIf {
		return fmt.Errorf("unknown interface %d", ifID)
	}
	v := n.h
	if dst.IsMulticast() {
		for _, p := range v.neighbours(n) {
			v.deliver(p, n.LL, dst, pkt)
		}
		return nil
	}
	if dst.IsLinkLocalUnicast() {
		for _, p := range v.neighbours(n) {
			if p.LL == dst {
				v.deliver(p, n.LL, dst, pkt)
				return nil
			}
		}
		return fmt.Errorf("%s: %w to %s", n.Name, errNoRoute, dst)
	}
	return v.forward(n, dst, pkt)
}

func (n *VirtualNode) domain(s *state.State) (*state.Domain, error) {
	if len(s.Registry.Domains) == 0 {
		return nil, state.ErrNotFound
	}
	return s.Registry.Domains[0], nil
}

// Info reads the DODAG summary of the simulated instance.
func (n *VirtualNode) Info() (core.DodagInfo, error) {
	return state.DispatchWait(n.Engine.Env, func(s *state.State) (core.DodagInfo, error) {
		dom, err := n.domain(s)
		if err != nil {
			return core.DodagInfo{}, err
		}
		return core.ReadDodagInfo(dom, simInstance)
	})
}

// SourceRoute asks a non-storing root for its path to dst.
func (n *VirtualNode) SourceRoute(dst netip.Addr) ([]netip.Addr, error) {
	return state.DispatchWait(n.Engine.Env, func(s *state.State) ([]netip.Addr, error) {
		dom, err := n.domain(s)
		if err != nil {
			return nil, err
		}
		inst := dom.Instance(simInstance, n.Global)
		if inst == nil {
			return nil, state.ErrNotFound
		}
		return core.SourceRoute(s.Registry, n.Engine.Node, inst, dst)
	})
}

// DaoDone reports whether every target of the node has been acknowledged.
func (n *VirtualNode) DaoDone() bool {
	done, err := state.DispatchWait(n.Engine.Env, func(s *state.State) (bool, error) {
		dom, err := n.domain(s)
		if err != nil {
			return false, err
		}
		inst := dom.Instance(simInstance, netip.Addr{})
		return inst != nil && inst.DaoDone, nil
	})
	return err == nil && done
}

// NextHop returns the next hop the node's routing table picks for dst.
func (n *VirtualNode) NextHop(dst netip.Addr) (netip.Addr, bool) {
	route, ok := n.Engine.Routes.Lookup(dst)
	if !ok {
		return netip.Addr{}, false
	}
	return route.NextHop, true
}

// Reaches walks the routing tables from n to dst without sending anything.
func (v *VirtualHarness) Reaches(n *VirtualNode, dst netip.Addr) bool {
	cur := n
	for range maxHops {
		if cur.Global == dst {
			return true
		}
		hop, ok := cur.NextHop(dst)
		if !ok {
			return false
		}
		idx := slices.IndexFunc(v.Nodes, func(p *VirtualNode) bool { return p.LL == hop || p.Global == hop })
		if idx == -1 {
			return false
		}
		cur = v.Nodes[idx]
	}
	return false
}

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}
