package protocol

import (
	"fmt"
	"net/netip"
)

// DodagConf is the body of the DODAG Configuration option (RFC 6550 6.7.6).
//
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Type = 0x04 |Opt Length = 14| Flags |A| PCS | DIOIntDoubl.  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  DIOIntMin.   |   DIORedun.   |        MaxRankIncrease        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|      MinHopRankIncrease       |              OCP              |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Reserved    | Def. Lifetime |      Lifetime Unit            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DodagConf struct {
	Authentication       bool   `yaml:"authentication,omitempty"`
	PathControlSize      uint8  `yaml:"path_control_size"`
	DIOIntervalDoublings uint8  `yaml:"dio_interval_doublings"`
	DIOIntervalMin       uint8  `yaml:"dio_interval_min"`
	DIORedundancy        uint8  `yaml:"dio_redundancy"`
	MaxRankIncrease      uint16 `yaml:"max_rank_increase"`
	MinHopRankIncrease   uint16 `yaml:"min_hop_rank_increase"`
	ObjectiveCodePoint   uint16 `yaml:"objective_code_point"`
	DefaultLifetime      uint8  `yaml:"default_lifetime"`
	LifetimeUnit         uint16 `yaml:"lifetime_unit"`
}

func (c *DodagConf) write(w *Writer) {
	m := w.BeginOption(OptDodagConfig)
	flags := c.PathControlSize & ConfigPcsMask
	if c.Authentication {
		flags |= ConfigFlagAuth
	}
	w.U8(flags)
	w.U8(c.DIOIntervalDoublings)
	w.U8(c.DIOIntervalMin)
	w.U8(c.DIORedundancy)
	w.U16(c.MaxRankIncrease)
	w.U16(c.MinHopRankIncrease)
	w.U16(c.ObjectiveCodePoint)
	w.U8(0)
	w.U8(c.DefaultLifetime)
	w.U16(c.LifetimeUnit)
	w.EndOption(m)
}

func parseDodagConf(body []byte) (*DodagConf, error) {
	if len(body) < dodagConfigLength {
		return nil, fmt.Errorf("%w: dodag config length %d", ErrBadOption, len(body))
	}
	r := NewReader(body)
	flags := r.U8()
	c := &DodagConf{
		Authentication:  flags&ConfigFlagAuth != 0,
		PathControlSize: flags & ConfigPcsMask,
	}
	c.DIOIntervalDoublings = r.U8()
	c.DIOIntervalMin = r.U8()
	c.DIORedundancy = r.U8()
	c.MaxRankIncrease = r.U16()
	c.MinHopRankIncrease = r.U16()
	c.ObjectiveCodePoint = r.U16()
	r.Skip(1)
	c.DefaultLifetime = r.U8()
	c.LifetimeUnit = r.U16()
	if c.MinHopRankIncrease == 0 {
		return nil, fmt.Errorf("%w: zero MinHopRankIncrease", ErrBadOption)
	}
	return c, r.Err()
}

// PrefixInfo is the Prefix Information option (RFC 6550 6.7.10).
// With the R flag set, Prefix.Addr() is the sender's full global address.
type PrefixInfo struct {
	Prefix            netip.Prefix
	Flags             uint8
	ValidLifetime     uint32
	PreferredLifetime uint32
}

func (p *PrefixInfo) RouterAddress() (netip.Addr, bool) {
	if p.Flags&PrefixFlagR == 0 {
		return netip.Addr{}, false
	}
	return p.Prefix.Addr(), true
}

func (p *PrefixInfo) write(w *Writer) {
	m := w.BeginOption(OptPrefixInfo)
	w.U8(uint8(p.Prefix.Bits()))
	w.U8(p.Flags)
	w.U32(p.ValidLifetime)
	w.U32(p.PreferredLifetime)
	w.U32(0)
	w.Addr(p.Prefix.Addr())
	w.EndOption(m)
}

func parsePrefixInfo(body []byte) (*PrefixInfo, error) {
	if len(body) < prefixInfoLength {
		return nil, fmt.Errorf("%w: prefix info length %d", ErrBadOption, len(body))
	}
	r := NewReader(body)
	bits := r.U8()
	p := &PrefixInfo{Flags: r.U8()}
	p.ValidLifetime = r.U32()
	p.PreferredLifetime = r.U32()
	r.Skip(4)
	pfx, err := r.Prefix(bits, 16)
	if err != nil {
		return nil, err
	}
	p.Prefix = pfx
	return p, r.Err()
}

// RouteInfo is the Route Information option (RFC 6550 6.7.5, RFC 4191 2.3).
type RouteInfo struct {
	Prefix     netip.Prefix
	Preference uint8 // two-bit RFC 4191 preference
	Lifetime   uint32
}

func (ri *RouteInfo) write(w *Writer) {
	m := w.BeginOption(OptRouteInfo)
	w.U8(uint8(ri.Prefix.Bits()))
	w.U8((ri.Preference << routePrfShift) & routePrfMask)
	w.U32(ri.Lifetime)
	w.PrefixBytes(ri.Prefix)
	w.EndOption(m)
}

func parseRouteInfo(body []byte) (*RouteInfo, error) {
	if len(body) < 6 {
		return nil, fmt.Errorf("%w: route info length %d", ErrBadOption, len(body))
	}
	r := NewReader(body)
	bits := r.U8()
	ri := &RouteInfo{Preference: (r.U8() & routePrfMask) >> routePrfShift}
	ri.Lifetime = r.U32()
	pfx, err := r.Prefix(bits, r.Remaining())
	if err != nil {
		return nil, err
	}
	ri.Prefix = pfx.Masked()
	return ri, r.Err()
}

// SolicitedInfo is the Solicited Information option of a DIS (RFC 6550 6.7.9).
// A predicate is only applied when its flag is set.
type SolicitedInfo struct {
	Flags      uint8
	InstanceID uint8
	DodagID    netip.Addr
	Version    uint8
}

func (s *SolicitedInfo) write(w *Writer) {
	m := w.BeginOption(OptSolicitedInfo)
	w.U8(s.InstanceID)
	w.U8(s.Flags)
	if s.DodagID.IsValid() {
		w.Addr(s.DodagID)
	} else {
		w.Zero(16)
	}
	w.U8(s.Version)
	w.EndOption(m)
}

func parseSolicitedInfo(body []byte) (*SolicitedInfo, error) {
	if len(body) < solicitedInfoLength {
		return nil, fmt.Errorf("%w: solicited info length %d", ErrBadOption, len(body))
	}
	r := NewReader(body)
	s := &SolicitedInfo{InstanceID: r.U8(), Flags: r.U8()}
	s.DodagID = r.Addr()
	s.Version = r.U8()
	return s, r.Err()
}

// Matches evaluates the solicitation predicate against one DODAG version.
func (s *SolicitedInfo) Matches(instanceID uint8, dodagID netip.Addr, version uint8) bool {
	if s.Flags&SolicitedFlagI != 0 && s.InstanceID != instanceID {
		return false
	}
	if s.Flags&SolicitedFlagD != 0 && s.DodagID != dodagID {
		return false
	}
	if s.Flags&SolicitedFlagV != 0 && s.Version != version {
		return false
	}
	return true
}

// Target is an RPL Target option (RFC 6550 6.7.7) with its optional Target Descriptor (6.7.12).
type Target struct {
	Prefix        netip.Prefix
	Flags         uint8
	Descriptor    uint32
	HasDescriptor bool
}

func (t *Target) EncodedLen() int {
	n := 2 + 2 + prefixOctets(t.Prefix.Bits())
	if t.HasDescriptor {
		n += 2 + targetDescriptorLength
	}
	return n
}

func (t *Target) write(w *Writer) {
	m := w.BeginOption(OptTarget)
	w.U8(t.Flags)
	w.U8(uint8(t.Prefix.Bits()))
	w.PrefixBytes(t.Prefix)
	w.EndOption(m)
	if t.HasDescriptor {
		m = w.BeginOption(OptTargetDescriptor)
		w.U32(t.Descriptor)
		w.EndOption(m)
	}
}

func parseTarget(body []byte) (*Target, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: target length %d", ErrBadOption, len(body))
	}
	r := NewReader(body)
	t := &Target{Flags: r.U8()}
	bits := r.U8()
	pfx, err := r.Prefix(bits, r.Remaining())
	if err != nil {
		return nil, err
	}
	t.Prefix = pfx.Masked()
	return t, r.Err()
}

// Transit is the Transit Information option (RFC 6550 6.7.8). Parent is only
// carried in non-storing mode.
type Transit struct {
	External     bool
	PathControl  uint8
	PathSequence uint8
	PathLifetime uint8
	Parent       netip.Addr
}

func (t *Transit) EncodedLen() int {
	if t.Parent.IsValid() {
		return 2 + transitLongLength
	}
	return 2 + transitShortLength
}

func (t *Transit) write(w *Writer) {
	m := w.BeginOption(OptTransit)
	var flags uint8
	if t.External {
		flags |= TransitFlagE
	}
	w.U8(flags)
	w.U8(t.PathControl)
	w.U8(t.PathSequence)
	w.U8(t.PathLifetime)
	if t.Parent.IsValid() {
		w.Addr(t.Parent)
	}
	w.EndOption(m)
}

func parseTransit(body []byte) (*Transit, error) {
	if len(body) < transitShortLength {
		return nil, fmt.Errorf("%w: transit length %d", ErrBadOption, len(body))
	}
	r := NewReader(body)
	t := &Transit{External: r.U8()&TransitFlagE != 0}
	t.PathControl = r.U8()
	t.PathSequence = r.U8()
	t.PathLifetime = r.U8()
	if len(body) >= transitLongLength {
		t.Parent = r.Addr()
	}
	return t, r.Err()
}
