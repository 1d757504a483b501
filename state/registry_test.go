package state

import (
	"math/rand/v2"
	"net/netip"
	"slices"
	"testing"

	"github.com/encodeous/rpl/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, rand.New(rand.NewPCG(1, 1)))
}

func TestCreateDomain(t *testing.T) {
	rs := newTestRegistry()
	d, err := rs.CreateDomain("mesh", 1, 2)
	require.NoError(t, err)
	assert.Same(t, d, rs.Domain("mesh"))
	assert.Same(t, d, rs.DomainForInterface(2))
	assert.Nil(t, rs.DomainForInterface(3))
	assert.Equal(t, -1, d.NonStoringDownstreamInterface)

	_, err = rs.CreateDomain("mesh", 3)
	assert.ErrorIs(t, err, ErrExists)
	_, err = rs.CreateDomain("other", 1)
	assert.ErrorIs(t, err, ErrExists)

	rs.RemoveDomain(d)
	assert.Empty(t, rs.Domains)
	assert.Equal(t, 0, rs.Memory.Total())
}

func TestInstanceLifecycleAccounting(t *testing.T) {
	rs := newTestRegistry()
	d, err := rs.CreateDomain("mesh", 1)
	require.NoError(t, err)
	base := rs.Memory.Total()

	inst, err := d.CreateInstance(1)
	require.NoError(t, err)
	dodag, err := inst.CreateDodag(netip.MustParseAddr("2001:db8::1"))
	require.NoError(t, err)
	v, err := dodag.CreateVersion(SeqInit)
	require.NoError(t, err)
	n, err := inst.AddNeighbour(v, 1, netip.MustParseAddr("fe80::2"))
	require.NoError(t, err)
	n.DaoPathControl = 0x80
	tgt, err := inst.CreateTarget(netip.MustParsePrefix("2001:db8::10/128"), true)
	require.NoError(t, err)
	_, err = tgt.AddRootTransit(netip.MustParseAddr("2001:db8::2"), 0x80)
	require.NoError(t, err)
	inst.Current = v
	assert.Greater(t, rs.Memory.Total(), base)
	assert.Equal(t, StateCandidate, inst.State())

	inst.RemoveNeighbour(n)
	assert.Equal(t, uint8(0x80), inst.LostPathControl)

	inst.Release()
	d.RemoveInstance(inst)
	assert.Equal(t, base, rs.Memory.Total())
	assert.Empty(t, d.Instances)
}

func TestAllocationFailureLeavesNoState(t *testing.T) {
	rs := newTestRegistry()
	d, err := rs.CreateDomain("mesh", 1)
	require.NoError(t, err)
	inst, err := d.CreateInstance(1)
	require.NoError(t, err)
	rs.Memory.SetLimits(0, rs.Memory.Total())

	_, err = inst.CreateDodag(netip.MustParseAddr("2001:db8::1"))
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Empty(t, inst.Dodags)
	_, err = inst.CreateTarget(netip.MustParsePrefix("2001:db8::10/128"), false)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Empty(t, inst.Targets)
	assert.Equal(t, uint64(2), rs.Memory.Overflows())
}

func TestLocalInstanceLookup(t *testing.T) {
	rs := newTestRegistry()
	d, err := rs.CreateDomain("mesh", 1)
	require.NoError(t, err)
	a, err := d.CreateInstance(0x81)
	require.NoError(t, err)
	_, err = a.CreateDodag(netip.MustParseAddr("2001:db8::1"))
	require.NoError(t, err)

	assert.Same(t, a, d.Instance(0x81, netip.MustParseAddr("2001:db8::1")))
	assert.Nil(t, d.Instance(0x81, netip.MustParseAddr("2001:db8::2")))
	assert.Nil(t, d.Instance(1, netip.Addr{}))
}

func TestDodagVersions(t *testing.T) {
	rs := newTestRegistry()
	d, _ := rs.CreateDomain("mesh", 1)
	inst, _ := d.CreateInstance(1)
	dodag, _ := inst.CreateDodag(netip.MustParseAddr("2001:db8::1"))
	dodag.GMopPrf = protocol.MakeGMopPrf(true, protocol.MopStoring, 4)
	_, _ = dodag.CreateVersion(250)
	newest, _ := dodag.CreateVersion(2)
	_, _ = dodag.CreateVersion(251)
	assert.Same(t, newest, dodag.Latest())
	assert.True(t, dodag.Grounded())
	assert.Equal(t, protocol.MopStoring, dodag.Mop())
	assert.Equal(t, uint8(4), dodag.Preference())
	assert.Equal(t, uint32(60*30), dodag.LifetimeSeconds(30))
	assert.Equal(t, LifetimeInfinite, dodag.LifetimeSeconds(PathLifetimeInfinite))
}

func TestDaoStateTransitions(t *testing.T) {
	allowed := map[[2]DaoState]bool{
		{DaoIdle, DaoIdle}:           true,
		{DaoIdle, DaoDelayed}:        true,
		{DaoIdle, DaoInTransit}:      true,
		{DaoDelayed, DaoDelayed}:     true,
		{DaoDelayed, DaoInTransit}:   true,
		{DaoDelayed, DaoIdle}:        true,
		{DaoInTransit, DaoIdle}:      true,
		{DaoInTransit, DaoBackoff}:   true,
		{DaoInTransit, DaoInTransit}: true,
		{DaoInTransit, DaoDelayed}:   true,
		{DaoBackoff, DaoInTransit}:   true,
		{DaoBackoff, DaoIdle}:        true,
		{DaoBackoff, DaoDelayed}:     true,
	}
	states := []DaoState{DaoIdle, DaoDelayed, DaoInTransit, DaoBackoff}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]DaoState{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestPolicyDefaults(t *testing.T) {
	var p Policy
	rng := rand.New(rand.NewPCG(9, 9))
	for attempt := uint8(0); attempt < 20; attempt++ {
		base := uint32(20) << min(attempt, DaoAttemptCap)
		w := p.DaoAckWait(attempt, rng)
		assert.GreaterOrEqual(t, w, base-base/8)
		assert.LessOrEqual(t, w, base+base/8)
	}
	for i := 0; i < 100; i++ {
		r := p.RefreshTime(1000, rng)
		assert.GreaterOrEqual(t, r, uint32(500))
		assert.LessOrEqual(t, r, uint32(750))
	}
	assert.True(t, p.MopAllowed(protocol.MopStoring))
	p.AllowedMops = []uint8{protocol.MopNonStoring}
	assert.False(t, p.MopAllowed(protocol.MopStoring))
	assert.Equal(t, uint16(0), EtxCost(DefaultEtx))
	assert.Equal(t, uint16(1), EtxCost(200))
	assert.Equal(t, uint16(2), EtxCost(300))
}

func TestNeighbourOptionsCharged(t *testing.T) {
	rs := newTestRegistry()
	d, err := rs.CreateDomain("mesh", 1)
	require.NoError(t, err)
	inst, err := d.CreateInstance(1)
	require.NoError(t, err)
	dodag, err := inst.CreateDodag(netip.MustParseAddr("2001:db8::1"))
	require.NoError(t, err)
	v, err := dodag.CreateVersion(SeqInit)
	require.NoError(t, err)
	empty := rs.Memory.Total()
	n, err := inst.AddNeighbour(v, 1, netip.MustParseAddr("fe80::2"))
	require.NoError(t, err)
	base := rs.Memory.Total()

	one := []protocol.PrefixInfo{{Prefix: netip.MustParsePrefix("2001:db8::/64"), ValidLifetime: 60}}
	two := append(slices.Clone(one), protocol.PrefixInfo{Prefix: netip.MustParsePrefix("2001:db8:1::/64")})
	require.NoError(t, inst.SetNeighbourOptions(n, one, nil))
	small := rs.Memory.Total()
	assert.Greater(t, small, base)
	require.Len(t, n.Prefixes, 1)

	// growing past the hard limit keeps what the neighbour had
	rs.Memory.SetLimits(0, small)
	assert.ErrorIs(t, inst.SetNeighbourOptions(n, two, nil), ErrNoMemory)
	assert.Equal(t, small, rs.Memory.Total())
	require.Len(t, n.Prefixes, 1)
	assert.Equal(t, uint64(1), rs.Memory.Overflows())

	rs.Memory.SetLimits(0, 0)
	require.NoError(t, inst.SetNeighbourOptions(n, two, nil))
	assert.Greater(t, rs.Memory.Total(), small)
	require.Len(t, n.Prefixes, 2)

	require.NoError(t, inst.SetNeighbourOptions(n, nil, nil))
	assert.Equal(t, base, rs.Memory.Total())
	assert.Empty(t, n.Prefixes)

	require.NoError(t, inst.SetNeighbourOptions(n, two, nil))
	inst.RemoveNeighbour(n)
	assert.Equal(t, empty, rs.Memory.Total())
}
