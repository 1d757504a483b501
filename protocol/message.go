package protocol

import (
	"fmt"
	"net/netip"
)

// Message is one decoded RPL control message body.
type Message interface {
	Code() uint8
	encode(w *Writer)
}

// DIS is the DODAG Information Solicitation (RFC 6550 6.2).
type DIS struct {
	Solicited *SolicitedInfo
}

func (*DIS) Code() uint8 { return CodeDIS }

func (d *DIS) encode(w *Writer) {
	w.U8(0) // flags
	w.U8(0)
	if d.Solicited != nil {
		d.Solicited.write(w)
	}
}

func decodeDIS(data []byte) (*DIS, error) {
	r := NewReader(data)
	r.Skip(DisBaseLength)
	if r.Err() != nil {
		return nil, r.Err()
	}
	d := &DIS{}
	for opt, ok := r.NextOption(); ok; opt, ok = r.NextOption() {
		if opt.Type != OptSolicitedInfo {
			continue
		}
		si, err := parseSolicitedInfo(opt.Body)
		if err != nil {
			return nil, err
		}
		d.Solicited = si
	}
	return d, r.Err()
}

// DIO is the DODAG Information Object (RFC 6550 6.3).
type DIO struct {
	InstanceID uint8
	Version    uint8
	Rank       uint16
	GMopPrf    uint8
	DTSN       uint8
	DodagID    netip.Addr
	Config     *DodagConf
	Prefixes   []PrefixInfo
	Routes     []RouteInfo
	Metrics    [][]byte // DAG Metric Containers are carried opaquely
}

func (*DIO) Code() uint8 { return CodeDIO }

func (d *DIO) Mop() uint8 { return MopOf(d.GMopPrf) }

func (d *DIO) encode(w *Writer) {
	w.U8(d.InstanceID)
	w.U8(d.Version)
	w.U16(d.Rank)
	w.U8(d.GMopPrf)
	w.U8(d.DTSN)
	w.U8(0) // flags
	w.U8(0) // reserved
	w.Addr(d.DodagID)
	for _, m := range d.Metrics {
		mark := w.BeginOption(OptDagMetric)
		w.Bytes(m)
		w.EndOption(mark)
	}
	if d.Config != nil {
		d.Config.write(w)
	}
	for i := range d.Routes {
		d.Routes[i].write(w)
	}
	for i := range d.Prefixes {
		d.Prefixes[i].write(w)
	}
}

func decodeDIO(data []byte) (*DIO, error) {
	r := NewReader(data)
	d := &DIO{InstanceID: r.U8(), Version: r.U8(), Rank: r.U16(), GMopPrf: r.U8(), DTSN: r.U8()}
	r.Skip(2)
	d.DodagID = r.Addr()
	if r.Err() != nil {
		return nil, r.Err()
	}
	for opt, ok := r.NextOption(); ok; opt, ok = r.NextOption() {
		switch opt.Type {
		case OptDagMetric:
			d.Metrics = append(d.Metrics, opt.Body)
		case OptDodagConfig:
			c, err := parseDodagConf(opt.Body)
			if err != nil {
				return nil, err
			}
			d.Config = c
		case OptRouteInfo:
			ri, err := parseRouteInfo(opt.Body)
			if err != nil {
				return nil, err
			}
			d.Routes = append(d.Routes, *ri)
		case OptPrefixInfo:
			p, err := parsePrefixInfo(opt.Body)
			if err != nil {
				return nil, err
			}
			d.Prefixes = append(d.Prefixes, *p)
		}
	}
	return d, r.Err()
}

// TargetGroup is a run of Target options followed by the Transit options that apply to all of them.
type TargetGroup struct {
	Targets  []Target
	Transits []Transit
}

func (g *TargetGroup) EncodedLen() int {
	n := 0
	for i := range g.Targets {
		n += g.Targets[i].EncodedLen()
	}
	for i := range g.Transits {
		n += g.Transits[i].EncodedLen()
	}
	return n
}

// DAO is the Destination Advertisement Object (RFC 6550 6.4).
// DodagID is present on the wire only when it is valid (the D flag).
type DAO struct {
	InstanceID uint8
	Ack        bool
	Sequence   uint8
	DodagID    netip.Addr
	Groups     []TargetGroup
}

func (*DAO) Code() uint8 { return CodeDAO }

// OptionsLen is the encoded size of every Target/Transit option in the DAO.
func (d *DAO) OptionsLen() int {
	n := 0
	for i := range d.Groups {
		n += d.Groups[i].EncodedLen()
	}
	return n
}

func (d *DAO) encode(w *Writer) {
	w.U8(d.InstanceID)
	var flags uint8
	if d.Ack {
		flags |= DaoFlagK
	}
	if d.DodagID.IsValid() {
		flags |= DaoFlagD
	}
	w.U8(flags)
	w.U8(0)
	w.U8(d.Sequence)
	if d.DodagID.IsValid() {
		w.Addr(d.DodagID)
	}
	for _, g := range d.Groups {
		for i := range g.Targets {
			g.Targets[i].write(w)
		}
		for i := range g.Transits {
			g.Transits[i].write(w)
		}
	}
}

func decodeDAO(data []byte) (*DAO, error) {
	r := NewReader(data)
	d := &DAO{InstanceID: r.U8()}
	flags := r.U8()
	r.Skip(1)
	d.Sequence = r.U8()
	d.Ack = flags&DaoFlagK != 0
	if flags&DaoFlagD != 0 {
		d.DodagID = r.Addr()
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	var cur *TargetGroup
	for opt, ok := r.NextOption(); ok; opt, ok = r.NextOption() {
		switch opt.Type {
		case OptTarget:
			t, err := parseTarget(opt.Body)
			if err != nil {
				return nil, err
			}
			if cur == nil || len(cur.Transits) > 0 {
				d.Groups = append(d.Groups, TargetGroup{})
				cur = &d.Groups[len(d.Groups)-1]
			}
			cur.Targets = append(cur.Targets, *t)
		case OptTargetDescriptor:
			if len(opt.Body) < targetDescriptorLength {
				return nil, fmt.Errorf("%w: target descriptor length %d", ErrBadOption, len(opt.Body))
			}
			if cur == nil || len(cur.Targets) == 0 || len(cur.Transits) > 0 {
				continue
			}
			last := &cur.Targets[len(cur.Targets)-1]
			last.Descriptor = NewReader(opt.Body).U32()
			last.HasDescriptor = true
		case OptTransit:
			t, err := parseTransit(opt.Body)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				// a transit with no target describes nothing
				continue
			}
			cur.Transits = append(cur.Transits, *t)
		}
	}
	return d, r.Err()
}

// DAOAck is the DAO Acknowledgement (RFC 6550 6.5).
type DAOAck struct {
	InstanceID uint8
	Sequence   uint8
	Status     uint8
	DodagID    netip.Addr
}

func (*DAOAck) Code() uint8 { return CodeDAOAck }

func (a *DAOAck) Accepted() bool {
	return a.Status < DaoAckStatusRejectThresh
}

func (a *DAOAck) encode(w *Writer) {
	w.U8(a.InstanceID)
	var flags uint8
	if a.DodagID.IsValid() {
		flags |= DaoAckFlagD
	}
	w.U8(flags)
	w.U8(a.Sequence)
	w.U8(a.Status)
	if a.DodagID.IsValid() {
		w.Addr(a.DodagID)
	}
}

func decodeDAOAck(data []byte) (*DAOAck, error) {
	r := NewReader(data)
	a := &DAOAck{InstanceID: r.U8()}
	flags := r.U8()
	a.Sequence = r.U8()
	a.Status = r.U8()
	if flags&DaoAckFlagD != 0 {
		a.DodagID = r.Addr()
	}
	return a, r.Err()
}

// Encode serializes a control message body (everything after the ICMPv6 header).
func Encode(m Message) ([]byte, error) {
	w := NewWriter()
	m.encode(w)
	return w.Finish()
}

// Decode parses a control message body for the given ICMPv6 code.
func Decode(code uint8, body []byte) (Message, error) {
	switch code {
	case CodeDIS:
		d, err := decodeDIS(body)
		if err != nil {
			return nil, err
		}
		return d, nil
	case CodeDIO:
		d, err := decodeDIO(body)
		if err != nil {
			return nil, err
		}
		return d, nil
	case CodeDAO:
		d, err := decodeDAO(body)
		if err != nil {
			return nil, err
		}
		return d, nil
	case CodeDAOAck:
		a, err := decodeDAOAck(body)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCode, code)
}
