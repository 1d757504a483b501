package sys

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/encodeous/rpl/protocol"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// ICMPSocket is a raw ICMPv6 socket that only receives RPL control messages.
type ICMPSocket struct {
	conn *icmp.PacketConn
	pc   *ipv6.PacketConn
	log  *slog.Logger
}

// ListenICMP opens the socket and joins the all-RPL-nodes group on every interface.
func ListenICMP(interfaces []int, log *slog.Logger) (*ICMPSocket, error) {
	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("failed to open icmpv6 socket: %w", err)
	}
	s := &ICMPSocket{conn: conn, pc: conn.IPv6PacketConn(), log: log.With("component", "icmp")}
	if err := s.setup(interfaces); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ICMPSocket) setup(interfaces []int) error {
	var f ipv6.ICMPFilter
	f.SetAll(true)
	f.Accept(ipv6.ICMPType(protocol.ICMPv6TypeRPL))
	if err := s.pc.SetICMPFilter(&f); err != nil {
		return fmt.Errorf("failed to set icmpv6 filter: %w", err)
	}
	if err := s.pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst|ipv6.FlagHopLimit, true); err != nil {
		return fmt.Errorf("failed to enable control messages: %w", err)
	}
	if err := s.pc.SetHopLimit(255); err != nil {
		return err
	}
	if err := s.pc.SetMulticastHopLimit(255); err != nil {
		return err
	}
	if err := s.pc.SetMulticastLoopback(false); err != nil {
		return err
	}
	group := &net.IPAddr{IP: protocol.AllRplNodes.AsSlice()}
	for _, ifID := range interfaces {
		ifi, err := net.InterfaceByIndex(ifID)
		if err != nil {
			return fmt.Errorf("interface %d: %w", ifID, err)
		}
		if err := s.pc.JoinGroup(ifi, group); err != nil {
			return fmt.Errorf("failed to join %s on %s: %w", protocol.AllRplNodes, ifi.Name, err)
		}
		s.log.Debug("joined all-rpl-nodes", "if", ifi.Name)
	}
	return nil
}

// Send transmits an ICMPv6 message on ifID. The kernel fills in the checksum.
func (s *ICMPSocket) Send(ifID int, dst netip.Addr, pkt []byte) error {
	to := &net.IPAddr{IP: dst.AsSlice()}
	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
		if ifi, err := net.InterfaceByIndex(ifID); err == nil {
			to.Zone = ifi.Name
		}
	}
	_, err := s.pc.WriteTo(pkt, &ipv6.ControlMessage{IfIndex: ifID, HopLimit: 255}, to)
	return err
}

// Receive blocks until a message arrives and returns the interface and addresses it was received with.
func (s *ICMPSocket) Receive(buf []byte) (n int, ifID int, src, dst netip.Addr, err error) {
	n, cm, from, err := s.pc.ReadFrom(buf)
	if err != nil {
		return 0, 0, netip.Addr{}, netip.Addr{}, err
	}
	if ip, ok := from.(*net.IPAddr); ok {
		src, _ = netip.AddrFromSlice(ip.IP)
	}
	if cm != nil {
		ifID = cm.IfIndex
		dst, _ = netip.AddrFromSlice(cm.Dst)
	}
	return n, ifID, src.Unmap(), dst.Unmap(), nil
}

func (s *ICMPSocket) Close() error {
	return s.conn.Close()
}
