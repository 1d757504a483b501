package protocol

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Frame prepends the ICMPv6 header to an encoded control message. When both
// addresses are valid the checksum is computed over the IPv6 pseudo-header,
// otherwise it is left for the kernel (raw ICMPv6 sockets fill it in).
func Frame(m Message, src, dst netip.Addr) ([]byte, error) {
	body, err := Encode(m)
	if err != nil {
		return nil, err
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(ICMPv6TypeRPL, m.Code()),
	}
	opts := gopacket.SerializeOptions{}
	if src.IsValid() && dst.IsValid() {
		ip6 := &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolICMPv6,
			HopLimit:   255,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, err
		}
		opts.ComputeChecksums = true
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, icmp, gopacket.Payload(body)); err != nil {
		return nil, fmt.Errorf("frame %T: %w", m, err)
	}
	return buf.Bytes(), nil
}

// Unframe strips the ICMPv6 header and decodes the RPL control message it carries.
func Unframe(pkt []byte) (Message, error) {
	var icmp layers.ICMPv6
	if err := icmp.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if icmp.TypeCode.Type() != ICMPv6TypeRPL {
		return nil, fmt.Errorf("%w: icmpv6 type %d", ErrUnknownCode, icmp.TypeCode.Type())
	}
	return Decode(icmp.TypeCode.Code(), icmp.Payload)
}
