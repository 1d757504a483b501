package protocol

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cmpAddrs = cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{})

func TestDIOBaseObjectLayout(t *testing.T) {
	dio := &DIO{
		InstanceID: 1,
		Version:    240,
		Rank:       0x0100,
		GMopPrf:    MakeGMopPrf(true, MopNonStoring, 3),
		DTSN:       7,
		DodagID:    netip.MustParseAddr("2001:db8::1"),
	}
	b, err := Encode(dio)
	require.NoError(t, err)
	require.Len(t, b, 24)
	assert.Equal(t, []byte{1, 240, 0x01, 0x00, 0x8b, 7, 0, 0}, b[:8])
	assert.Equal(t, netip.MustParseAddr("2001:db8::1").AsSlice(), b[8:24])
}

func TestDodagConfigLayout(t *testing.T) {
	conf := &DodagConf{
		Authentication:       true,
		PathControlSize:      5,
		DIOIntervalDoublings: 8,
		DIOIntervalMin:       12,
		DIORedundancy:        10,
		MaxRankIncrease:      0x0700,
		MinHopRankIncrease:   0x0100,
		ObjectiveCodePoint:   1,
		DefaultLifetime:      0x1e,
		LifetimeUnit:         0x003c,
	}
	w := NewWriter()
	conf.write(w)
	b, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		4, 14,
		0x0d, 8, 12, 10,
		0x07, 0x00, 0x01, 0x00,
		0x00, 0x01, 0x00, 0x1e,
		0x00, 0x3c,
	}, b)
}

func TestDIORoundTrip(t *testing.T) {
	dio := &DIO{
		InstanceID: 1,
		Version:    241,
		Rank:       256,
		GMopPrf:    MakeGMopPrf(true, MopStoring, 0),
		DTSN:       240,
		DodagID:    netip.MustParseAddr("2001:db8::1"),
		Config: &DodagConf{
			DIOIntervalDoublings: 20,
			DIOIntervalMin:       3,
			DIORedundancy:        10,
			MaxRankIncrease:      1792,
			MinHopRankIncrease:   256,
			DefaultLifetime:      0xff,
			LifetimeUnit:         0xffff,
		},
		Prefixes: []PrefixInfo{{
			Prefix:            netip.PrefixFrom(netip.MustParseAddr("2001:db8::1"), 64),
			Flags:             PrefixFlagA | PrefixFlagR,
			ValidLifetime:     3600,
			PreferredLifetime: 1800,
		}},
		Routes: []RouteInfo{
			{Prefix: netip.MustParsePrefix("2001:db8:1::/48"), Preference: 1, Lifetime: 600},
			{Prefix: netip.MustParsePrefix("::/0"), Preference: 3, Lifetime: 0xffffffff},
		},
	}
	b, err := Encode(dio)
	require.NoError(t, err)
	m, err := Decode(CodeDIO, b)
	require.NoError(t, err)
	got, ok := m.(*DIO)
	require.True(t, ok)
	if diff := cmp.Diff(dio, got, cmpAddrs); diff != "" {
		t.Fatalf("DIO mismatch (-want +got):\n%s", diff)
	}
	router, ok := got.Prefixes[0].RouterAddress()
	assert.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), router)
}

func TestDIOTruncated(t *testing.T) {
	dio := &DIO{InstanceID: 1, DodagID: netip.MustParseAddr("2001:db8::1"), Config: &DodagConf{MinHopRankIncrease: 256}}
	b, err := Encode(dio)
	require.NoError(t, err)

	for _, n := range []int{0, 10, 23, len(b) - 1} {
		_, err := Decode(CodeDIO, b[:n])
		assert.ErrorIs(t, err, ErrTruncated, "length %d", n)
	}
}

func TestDIOOptionLengthOverrun(t *testing.T) {
	dio := &DIO{InstanceID: 1, DodagID: netip.MustParseAddr("2001:db8::1")}
	b, err := Encode(dio)
	require.NoError(t, err)
	b = append(b, OptRouteInfo, 40, 0, 0)
	_, err = Decode(CodeDIO, b)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDIOZeroMinHopRankIncrease(t *testing.T) {
	dio := &DIO{InstanceID: 1, DodagID: netip.MustParseAddr("2001:db8::1"), Config: &DodagConf{}}
	b, err := Encode(dio)
	require.NoError(t, err)
	_, err = Decode(CodeDIO, b)
	assert.ErrorIs(t, err, ErrBadOption)
}

func TestPaddingSkipped(t *testing.T) {
	dis := []byte{0, 0, OptPad1, OptPadN, 2, 0, 0}
	si := &SolicitedInfo{Flags: SolicitedFlagI, InstanceID: 5}
	w := NewWriter()
	si.write(w)
	tail, err := w.Finish()
	require.NoError(t, err)
	m, err := Decode(CodeDIS, append(dis, tail...))
	require.NoError(t, err)
	got := m.(*DIS)
	require.NotNil(t, got.Solicited)
	assert.Equal(t, uint8(5), got.Solicited.InstanceID)
}

func TestSolicitedInfoMatches(t *testing.T) {
	id := netip.MustParseAddr("2001:db8::1")
	si := SolicitedInfo{}
	assert.True(t, si.Matches(1, id, 3))

	si = SolicitedInfo{Flags: SolicitedFlagI | SolicitedFlagV, InstanceID: 1, Version: 4}
	assert.False(t, si.Matches(1, id, 3))
	assert.True(t, si.Matches(1, id, 4))
	assert.False(t, si.Matches(2, id, 4))

	si = SolicitedInfo{Flags: SolicitedFlagD, DodagID: id}
	assert.True(t, si.Matches(9, id, 0))
	assert.False(t, si.Matches(9, netip.MustParseAddr("2001:db8::2"), 0))
}

func TestDAOGroups(t *testing.T) {
	dao := &DAO{
		InstanceID: 1,
		Ack:        true,
		Sequence:   241,
		DodagID:    netip.MustParseAddr("2001:db8::1"),
		Groups: []TargetGroup{
			{
				Targets: []Target{
					{Prefix: netip.MustParsePrefix("2001:db8::10/128")},
					{Prefix: netip.MustParsePrefix("2001:db8:10::/60"), Descriptor: 0xdeadbeef, HasDescriptor: true},
				},
				Transits: []Transit{
					{PathControl: 0xC0, PathSequence: 242, PathLifetime: 30, Parent: netip.MustParseAddr("2001:db8::2")},
					{PathControl: 0x30, PathSequence: 242, PathLifetime: 30, Parent: netip.MustParseAddr("2001:db8::3")},
				},
			},
			{
				Targets:  []Target{{Prefix: netip.MustParsePrefix("2001:db8::11/128")}},
				Transits: []Transit{{External: true, PathControl: 0x80, PathSequence: 5}},
			},
		},
	}
	b, err := Encode(dao)
	require.NoError(t, err)
	assert.Equal(t, 20+dao.OptionsLen(), len(b))

	m, err := Decode(CodeDAO, b)
	require.NoError(t, err)
	if diff := cmp.Diff(dao, m, cmpAddrs); diff != "" {
		t.Fatalf("DAO mismatch (-want +got):\n%s", diff)
	}
}

func TestDAOWithoutDodagID(t *testing.T) {
	dao := &DAO{InstanceID: 3, Sequence: 9}
	b, err := Encode(dao)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0, 0, 9}, b)
}

func TestDAOTransitWithoutTargetIgnored(t *testing.T) {
	w := NewWriter()
	w.Bytes([]byte{1, 0, 0, 1})
	(&Transit{PathControl: 0x80, PathLifetime: 1}).write(w)
	b, err := w.Finish()
	require.NoError(t, err)
	m, err := Decode(CodeDAO, b)
	require.NoError(t, err)
	assert.Empty(t, m.(*DAO).Groups)
}

func TestDAOAck(t *testing.T) {
	ack := &DAOAck{InstanceID: 0x81, Sequence: 12, Status: DaoAckStatusUnableToAdd, DodagID: netip.MustParseAddr("fd00::1")}
	b, err := Encode(ack)
	require.NoError(t, err)
	assert.Len(t, b, 20)
	m, err := Decode(CodeDAOAck, b)
	require.NoError(t, err)
	got := m.(*DAOAck)
	assert.Equal(t, ack, got)
	assert.False(t, got.Accepted())
}

func TestTargetPrefixTooShort(t *testing.T) {
	// prefix length 64 but only 4 octets of prefix
	_, err := parseTarget([]byte{0, 64, 0x20, 0x01, 0x0d, 0xb8})
	assert.ErrorIs(t, err, ErrBadOption)
}

func TestUnknownCode(t *testing.T) {
	_, err := Decode(0x8a, []byte{0, 0})
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestFrameRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("fe80::1")
	dst := AllRplNodes
	pkt, err := Frame(&DIS{}, src, dst)
	require.NoError(t, err)
	assert.Equal(t, uint8(ICMPv6TypeRPL), pkt[0])
	assert.Equal(t, CodeDIS, pkt[1])
	assert.NotEqual(t, []byte{0, 0}, pkt[2:4], "checksum should be filled")

	m, err := Unframe(pkt)
	require.NoError(t, err)
	assert.IsType(t, &DIS{}, m)

	pkt[0] = 128
	_, err = Unframe(pkt)
	assert.ErrorIs(t, err, ErrUnknownCode)
}
