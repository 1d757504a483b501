package core

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

type HarnessEvent struct {
	Message string
	Args    []any
}

func MakeEvent(msg string, args ...any) HarnessEvent {
	return HarnessEvent{
		Message: msg,
		Args:    args,
	}
}

type sentMessage struct {
	IfID int
	Dst  netip.Addr
	Msg  protocol.Message
}

type routeKey struct {
	Prefix netip.Prefix
	Source state.RouteSource
}

// RplHarness records every side effect the engine asks for.
type RplHarness struct {
	actions    []HarnessEvent
	sent       []sentMessage
	events     []RplEvent
	Routes     map[routeKey]state.Route
	Etx        map[netip.Addr]uint16
	Registered []netip.Addr
}

func NewRplHarness() *RplHarness {
	return &RplHarness{
		Routes: make(map[routeKey]state.Route),
		Etx:    make(map[netip.Addr]uint16),
	}
}

func (h *RplHarness) SendMessage(ifID int, dst netip.Addr, msg protocol.Message) {
	h.sent = append(h.sent, sentMessage{IfID: ifID, Dst: dst, Msg: msg})
	h.actions = append(h.actions, MakeEvent("SEND_"+messageName(msg), ifID, dst))
}

func (h *RplHarness) InstallRoute(route state.Route) {
	h.Routes[routeKey{route.Prefix, route.Source}] = route
	h.actions = append(h.actions, MakeEvent("INSTALL_ROUTE", route.Prefix, route.Source, route.NextHop))
}

func (h *RplHarness) RemoveRoute(prefix netip.Prefix, source state.RouteSource, owner state.RouteOwner) {
	delete(h.Routes, routeKey{prefix, source})
	h.actions = append(h.actions, MakeEvent("REMOVE_ROUTE", prefix, source))
}

func (h *RplHarness) RegisterAddress(ifID int, parent, addr netip.Addr) {
	h.Registered = append(h.Registered, addr)
	h.actions = append(h.actions, MakeEvent("REGISTER_ADDRESS", ifID, parent, addr))
}

func (h *RplHarness) LinkEtx(ifID int, ll netip.Addr) uint16 {
	if etx, ok := h.Etx[ll]; ok {
		return etx
	}
	return state.DefaultEtx
}

func (h *RplHarness) Log(event RplEvent, desc string, args ...any) {
	x := make([]any, 0)
	x = append(x, event)
	x = append(x, desc)
	x = append(x, args...)
	h.events = append(h.events, event)
	h.actions = append(h.actions, MakeEvent("LOG", x...))
}

func messageName(msg protocol.Message) string {
	switch msg.(type) {
	case *protocol.DIS:
		return "DIS"
	case *protocol.DIO:
		return "DIO"
	case *protocol.DAO:
		return "DAO"
	case *protocol.DAOAck:
		return "DAO_ACK"
	}
	return fmt.Sprintf("%T", msg)
}

type HarnessEvents []HarnessEvent

func (h HarnessEvents) String() string {
	out := make([]string, 0)
	for _, action := range h {
		cur := action.Message
		for _, arg := range action.Args {
			cur += " " + fmt.Sprint(arg)
		}
		out = append(out, cur)
	}
	slices.Sort(out)
	return strings.Join(out, "\n")
}

// GetActions returns and clears the recorded actions, without log events.
func (h *RplHarness) GetActions() HarnessEvents {
	x := make([]HarnessEvent, 0)
	for _, action := range h.actions {
		if action.Message != "LOG" {
			x = append(x, action)
		}
	}

	h.actions = make([]HarnessEvent, 0)
	return x
}

// HasEvent reports whether event was logged since the last Reset.
func (h *RplHarness) HasEvent(event RplEvent) bool {
	return slices.Contains(h.events, event)
}

func (h *RplHarness) Reset() {
	h.actions = nil
	h.sent = nil
	h.events = nil
}

// Sent returns and clears the messages sent so far.
func (h *RplHarness) Sent() []sentMessage {
	out := h.sent
	h.sent = nil
	return out
}

func sentOf[T protocol.Message](msgs []sentMessage) []T {
	out := make([]T, 0)
	for _, m := range msgs {
		if v, ok := m.Msg.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (e HarnessEvents) contains(msg string, args ...any) bool {
	for _, event := range e {
		if event.Message == msg {
			if len(event.Args) >= len(args) {
				match := true
				for i, arg := range args {
					if !cmp.Equal(event.Args[i], arg, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})) {
						match = false
						break
					}
				}
				if match {
					return true
				}
			}
		}
	}
	return false

}

func (e HarnessEvents) AssertContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		return
	}
	t.Fatal("Expected event not found: ", msg, " with args: ", args, " in ", e)
}

func (e HarnessEvents) AssertNotContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		t.Fatal("Unexpected event found: ", msg, " with args: ", args, " in ", e)
	}
}

var (
	dodagID   = netip.MustParseAddr("2001:db8::1")
	parentA   = netip.MustParseAddr("fe80::a")
	parentB   = netip.MustParseAddr("fe80::b")
	childC    = netip.MustParseAddr("fe80::c")
	globalA   = netip.MustParseAddr("2001:db8::a")
	globalB   = netip.MustParseAddr("2001:db8::b")
	ownAddr   = netip.MustParseAddr("2001:db8::100")
	ownPrefix = netip.MustParsePrefix("2001:db8::100/128")
)

const testIf = 1

func newTestRegistry() *state.Registry {
	return state.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), rand.New(rand.NewPCG(1, 2)))
}

func testConf(pcs uint8) protocol.DodagConf {
	c := state.DefaultDodagConf
	c.PathControlSize = pcs
	return c
}

// testDIO is a grounded DIO of dodagID advertised by a router at rank.
func testDIO(mop uint8, rank uint16, conf protocol.DodagConf) *protocol.DIO {
	return &protocol.DIO{
		InstanceID: 1,
		Version:    state.SeqInit,
		Rank:       rank,
		GMopPrf:    protocol.MakeGMopPrf(true, mop, 0),
		DTSN:       state.SeqInit,
		DodagID:    dodagID,
		Config:     &conf,
	}
}

// newRouter creates a registry with one domain on testIf.
func newRouter(t *testing.T) (*state.Registry, *state.Domain, *RplHarness) {
	t.Helper()
	rs := newTestRegistry()
	dom, err := CreateDomain(rs, "mesh", testIf)
	require.NoError(t, err)
	return rs, dom, NewRplHarness()
}

// joined creates a router that joined dodagID through parentA in the given mode.
func joined(t *testing.T, mop uint8, pcs uint8) (*state.Registry, *state.Instance, *RplHarness) {
	t.Helper()
	rs, dom, h := newRouter(t)
	HandlePacket(rs, h, testIf, parentA, protocol.AllRplNodes, testDIO(mop, 256, testConf(pcs)))
	inst := dom.Instance(1, dodagID)
	require.NotNil(t, inst)
	require.NotNil(t, inst.PreferredParent())
	return rs, inst, h
}

// newRoot creates a registry that is the root of dodagID.
func newRoot(t *testing.T, mop uint8) (*state.Registry, *state.Instance, *RplHarness) {
	t.Helper()
	rs, dom, h := newRouter(t)
	_, err := CreateRootDodag(rs, dom, 1, dodagID, protocol.MakeGMopPrf(true, mop, 0), testConf(0))
	require.NoError(t, err)
	require.NoError(t, StartDodag(rs, dom, 1, dodagID))
	return rs, dom.Instance(1, dodagID), h
}

func nonStoringDAO(seq uint8, prefix netip.Prefix, transit netip.Addr, pathSeq, lifetime uint8) *protocol.DAO {
	return &protocol.DAO{
		InstanceID: 1,
		Ack:        true,
		Sequence:   seq,
		Groups: []protocol.TargetGroup{{
			Targets: []protocol.Target{{Prefix: prefix}},
			Transits: []protocol.Transit{{
				PathControl:  0x80,
				PathSequence: pathSeq,
				PathLifetime: lifetime,
				Parent:       transit,
			}},
		}},
	}
}

func storingDAO(seq uint8, prefix netip.Prefix, pathSeq, lifetime uint8) *protocol.DAO {
	dao := nonStoringDAO(seq, prefix, netip.Addr{}, pathSeq, lifetime)
	return dao
}
