package core

import (
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	prefixA = netip.PrefixFrom(globalA, 128)
	prefixB = netip.PrefixFrom(globalB, 128)
	globalT = netip.MustParseAddr("2001:db8::77")
	prefixT = netip.PrefixFrom(globalT, 128)
)

// rootDAO feeds a non-storing DAO for prefix with one transit per parent.
func rootDAO(rs *state.Registry, h *RplHarness, src netip.Addr, prefix netip.Prefix, pathSeq, lifetime uint8, parents ...netip.Addr) {
	group := protocol.TargetGroup{Targets: []protocol.Target{{Prefix: prefix}}}
	for _, p := range parents {
		group.Transits = append(group.Transits, protocol.Transit{
			PathControl:  0x80,
			PathSequence: pathSeq,
			PathLifetime: lifetime,
			Parent:       p,
		})
	}
	dao := &protocol.DAO{InstanceID: 1, Ack: true, Sequence: pathSeq, Groups: []protocol.TargetGroup{group}}
	HandlePacket(rs, h, testIf, src, dodagID, dao)
}

func assertSorted(t *testing.T, inst *state.Instance) {
	t.Helper()
	targets := rootTargets(inst)
	assert.Len(t, inst.RootOrder, len(targets))
	for _, target := range targets {
		rt := target.RootInfo()
		assert.Zero(t, rt.Incoming(), "target %s", target.Prefix)
		assert.True(t, rt.Sorted(), "target %s", target.Prefix)
	}
}

func TestRootSourceRoute(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)

	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalB, prefixB, 241, 120, dodagID)
	acks := sentOf[*protocol.DAOAck](h.Sent())
	require.Len(t, acks, 2)
	assert.Equal(t, protocol.DaoAckStatusAccepted, acks[0].Status)

	rootDAO(rs, h, globalT, prefixT, 241, 120, globalA)
	// a newer path sequence replaces every transit learned with the old one
	rootDAO(rs, h, globalT, prefixT, 242, 120, globalB)
	target := inst.Target(prefixT)
	require.NotNil(t, target)
	require.Len(t, target.RootInfo().Transits, 1)
	assert.Equal(t, globalB, target.RootInfo().Transits[0].Transit)

	path, err := SourceRoute(rs, h, inst, globalT)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{globalB, globalT}, path)

	assert.Equal(t, uint16(1), inst.Target(prefixA).RootInfo().Cost)
	assert.Equal(t, uint16(1), inst.Target(prefixB).RootInfo().Cost)
	assert.Equal(t, uint16(2), target.RootInfo().Cost)

	route, ok := h.Routes[routeKey{prefixT, state.RouteSourceRoot}]
	require.True(t, ok)
	assert.Equal(t, globalB, route.NextHop)
	route, ok = h.Routes[routeKey{prefixA, state.RouteSourceRoot}]
	require.True(t, ok)
	assert.Equal(t, globalA, route.NextHop)

	path, err = SourceRoute(rs, h, inst, globalA)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{globalA}, path)
	assertSorted(t, inst)
}

func TestRootPathSequenceReset(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalB, prefixB, 241, 120, dodagID)
	rootDAO(rs, h, globalT, prefixT, 10, 120, globalA)
	rootDAO(rs, h, globalT, prefixT, 5, 120, globalB)
	transits := inst.Target(prefixT).RootInfo().Transits
	require.Len(t, transits, 1)

	// sequences in the lollipop's straight part are taken as a reboot
	rootDAO(rs, h, globalT, prefixT, 241, 120, globalB)
	assert.Equal(t, uint8(241), inst.Target(prefixT).PathSequence)
	transits = inst.Target(prefixT).RootInfo().Transits
	require.Len(t, transits, 1)
	assert.Equal(t, globalB, transits[0].Transit)
}

func TestRootStalePathSequenceKeepsTransit(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalB, prefixB, 241, 120, dodagID)
	rootDAO(rs, h, globalT, prefixT, 10, 120, globalA)
	rootDAO(rs, h, globalT, prefixT, 5, 120, globalB)
	assert.True(t, h.HasEvent(StaleMessage))
	transits := inst.Target(prefixT).RootInfo().Transits
	require.Len(t, transits, 1)
	assert.Equal(t, globalA, transits[0].Transit)
}

func TestRootSourceRouteErrors(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	_, err := SourceRoute(rs, h, inst, globalT)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, SourceRouteError(rs, h, inst, globalT, globalA), state.ErrNotFound)

	srs, sinst, sh := newRoot(t, protocol.MopStoring)
	_, err = SourceRoute(srs, sh, sinst, globalT)
	assert.ErrorIs(t, err, state.ErrNotRoot)
}

func TestRootSourceRouteErrorPenalty(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalB, prefixB, 241, 120, dodagID)
	rootDAO(rs, h, globalT, prefixT, 241, 120, globalA, globalB)

	path, err := SourceRoute(rs, h, inst, globalT)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{globalA, globalT}, path)

	require.NoError(t, SourceRouteError(rs, h, inst, globalT, globalA))
	path, err = SourceRoute(rs, h, inst, globalT)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{globalB, globalT}, path)
	assert.Equal(t, globalB, h.Routes[routeKey{prefixT, state.RouteSourceRoot}].NextHop)
}

func TestRootPenaltySurvivesNewPathSequence(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalB, prefixB, 241, 120, dodagID)
	rootDAO(rs, h, globalT, prefixT, 241, 120, globalA, globalB)
	_, err := SourceRoute(rs, h, inst, globalT)
	require.NoError(t, err)
	require.True(t, inst.RootTopoValid)

	require.NoError(t, SourceRouteError(rs, h, inst, globalT, globalA))
	assert.False(t, inst.RootTopoValid)
	assert.False(t, inst.RootPathsValid)

	// the target refreshes its path, the bounced transit keeps its penalty
	rootDAO(rs, h, globalT, prefixT, 242, 120, globalA, globalB)
	rt := inst.Target(prefixT).RootInfo()
	require.Len(t, rt.Transits, 2)
	require.NotNil(t, rt.Transit(globalA))
	assert.Equal(t, state.SourceRouteErrorPenalty, rt.Transit(globalA).Penalty)
	assert.Zero(t, rt.Transit(globalB).Penalty)

	path, err := SourceRoute(rs, h, inst, globalT)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{globalB, globalT}, path)

	require.NoError(t, SourceRouteError(rs, h, inst, globalT, globalA))
	assert.Equal(t, 2*state.SourceRouteErrorPenalty, rt.Transit(globalA).Penalty)
}

func TestRootComputeIsIdempotent(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalT, prefixT, 241, 120, globalA)
	h.GetActions()

	rootComputePaths(rs, h, inst)
	order := append([]*state.DaoTarget(nil), inst.RootOrder...)
	first := h.GetActions()
	first.AssertContains(t, "INSTALL_ROUTE", prefixT, state.RouteSourceRoot, globalA)

	rootComputePaths(rs, h, inst)
	assert.Empty(t, h.GetActions())
	assert.Equal(t, order, inst.RootOrder)

	// recomputing from scratch gives the same result
	inst.InvalidateRootGraph()
	rootComputePaths(rs, h, inst)
	assert.Equal(t, order, inst.RootOrder)
	assert.Equal(t, first.String(), h.GetActions().String())
	assertSorted(t, inst)
}

func TestRootNoPathIsIdempotent(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalT, prefixT, 241, 120, globalA)
	rootComputePaths(rs, h, inst)
	h.GetActions()

	rootDAO(rs, h, globalT, prefixT, 242, 0, globalA)
	assert.Nil(t, inst.Target(prefixT))
	actions := h.GetActions()
	actions.AssertContains(t, "REMOVE_ROUTE", prefixT, state.RouteSourceRoot)
	assert.True(t, h.HasEvent(NoPathReceived))

	rootDAO(rs, h, globalT, prefixT, 242, 0, globalA)
	actions = h.GetActions()
	actions.AssertNotContains(t, "REMOVE_ROUTE")
	actions.AssertContains(t, "SEND_DAO_ACK", testIf, globalT)
	assert.Len(t, rootTargets(inst), 1)
}

func TestRootPartialNoPath(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)
	rootDAO(rs, h, globalB, prefixB, 241, 120, dodagID)
	rootDAO(rs, h, globalT, prefixT, 241, 120, globalA, globalB)

	rootDAO(rs, h, globalT, prefixT, 241, 0, globalA)
	target := inst.Target(prefixT)
	require.NotNil(t, target)
	require.Len(t, target.RootInfo().Transits, 1)
	path, err := SourceRoute(rs, h, inst, globalT)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{globalB, globalT}, path)
}

func TestRootSelfLoop(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	rootDAO(rs, h, globalA, prefixA, 241, 120, globalA)

	rootComputePaths(rs, h, inst)
	assert.Equal(t, uint64(1), rs.Stats.CycleBreaks.Load())
	assert.True(t, h.HasEvent(CycleBroken))
	assertSorted(t, inst)
	assert.False(t, inst.Target(prefixA).RootInfo().Connected)
	_, err := SourceRoute(rs, h, inst, globalA)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestRootTwoCycle(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	// A hangs off the root and B, B only hangs off A
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID, globalB)
	rootDAO(rs, h, globalB, prefixB, 241, 120, globalA)

	rootComputePaths(rs, h, inst)
	assert.Equal(t, uint64(1), rs.Stats.CycleBreaks.Load())
	assertSorted(t, inst)
	require.Len(t, inst.RootOrder, 2)
	assert.Equal(t, prefixA, inst.RootOrder[0].Prefix)
	assert.Equal(t, prefixB, inst.RootOrder[1].Prefix)
	assert.Equal(t, uint16(1), inst.Target(prefixA).RootInfo().Cost)
	assert.Equal(t, uint16(2), inst.Target(prefixB).RootInfo().Cost)

	path, err := SourceRoute(rs, h, inst, globalB)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{globalA, globalB}, path)
}

func TestRootDisconnectedIsland(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopNonStoring)
	globalP := netip.MustParseAddr("2001:db8::50")
	globalQ := netip.MustParseAddr("2001:db8::51")
	rootDAO(rs, h, globalP, netip.PrefixFrom(globalP, 128), 241, 120, globalQ)
	rootDAO(rs, h, globalQ, netip.PrefixFrom(globalQ, 128), 241, 120, globalP)
	rootDAO(rs, h, globalA, prefixA, 241, 120, dodagID)

	rootComputePaths(rs, h, inst)
	assertSorted(t, inst)
	require.Len(t, inst.RootOrder, 3)
	assert.Equal(t, prefixA, inst.RootOrder[0].Prefix)
	assert.Equal(t, globalP, inst.RootOrder[1].Prefix.Addr())
	assert.Equal(t, globalQ, inst.RootOrder[2].Prefix.Addr())

	_, err := SourceRoute(rs, h, inst, globalP)
	assert.ErrorIs(t, err, ErrUnreachable)
	_, err = SourceRoute(rs, h, inst, globalQ)
	assert.ErrorIs(t, err, ErrUnreachable)
	_, err = SourceRoute(rs, h, inst, globalA)
	assert.NoError(t, err)
}

func TestRootRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := range 50 {
		rs, inst, h := newRoot(t, protocol.MopNonStoring)
		n := 2 + rng.IntN(14)
		addrs := make([]netip.Addr, n)
		for i := range addrs {
			addrs[i] = netip.AddrFrom16([16]byte{0: 0x20, 1: 0x01, 2: 0x0d, 3: 0xb8, 13: 0x01, 15: byte(i)})
		}
		for _, a := range addrs {
			parents := make([]netip.Addr, 0)
			for range 1 + rng.IntN(3) {
				if rng.IntN(4) == 0 {
					parents = append(parents, dodagID)
				} else {
					parents = append(parents, addrs[rng.IntN(n)])
				}
			}
			seen := make(map[netip.Addr]bool)
			uniq := parents[:0]
			for _, p := range parents {
				if !seen[p] {
					seen[p] = true
					uniq = append(uniq, p)
				}
			}
			rootDAO(rs, h, a, netip.PrefixFrom(a, 128), 241, 120, uniq...)
		}

		rootComputePaths(rs, h, inst)
		require.Len(t, inst.RootOrder, n, "round %d", round)
		assertSorted(t, inst)
		for _, target := range inst.RootOrder {
			rt := target.RootInfo()
			if !rt.Connected {
				continue
			}
			path, err := SourceRoute(rs, h, inst, target.Prefix.Addr())
			require.NoError(t, err, "round %d", round)
			require.LessOrEqual(t, len(path), n)
			assert.Equal(t, target.Prefix.Addr(), path[len(path)-1])
			for _, hop := range path {
				ht, ok := inst.RootTable.Lookup(hop)
				require.True(t, ok)
				assert.True(t, ht.RootInfo().Connected)
			}
		}
	}
}

func TestStoringRootKeepsLearnedRoutes(t *testing.T) {
	rs, inst, h := newRoot(t, protocol.MopStoring)
	HandlePacket(rs, h, testIf, childC, dodagID, storingDAO(5, childPrefix, 241, 120))
	route, ok := h.Routes[routeKey{childPrefix, state.RouteSourceDao}]
	require.True(t, ok)
	assert.Equal(t, childC, route.NextHop)
	// the root does not forward
	FastTick(rs, h, 100)
	assert.Empty(t, sentOf[*protocol.DAO](h.Sent()))
	assert.Equal(t, state.DaoIdle, inst.DaoState)
}
