package core

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/encodeous/rpl/perf"
	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
	"github.com/encodeous/rpl/sys"
)

// Transport sends framed ICMPv6 messages. sys.ICMPSocket implements it.
type Transport interface {
	Send(ifID int, dst netip.Addr, pkt []byte) error
}

// AddressRegistrar registers one of our addresses with a parent. The outcome
// must be reported back with AddressConfirmed on the main goroutine.
type AddressRegistrar interface {
	Register(ifID int, parent, addr netip.Addr)
}

// RplNode performs the side effects requested by the protocol engine against
// real collaborators.
type RplNode struct {
	Env       *state.Env
	Transport Transport
	Routes    *sys.RouteTable
	// Registrar is optional, without one every registration succeeds immediately.
	Registrar AddressRegistrar
	// Etx is optional, without it every link has an ETX of 1.
	Etx func(ifID int, ll netip.Addr) uint16
}

var _ Rpl = (*RplNode)(nil)

func (n *RplNode) SendMessage(ifID int, dst netip.Addr, msg protocol.Message) {
	pkt, err := protocol.Frame(msg, netip.Addr{}, dst)
	if err != nil {
		n.Env.Log.Error("failed to frame message", "msg", fmt.Sprintf("%T", msg), "error", err)
		return
	}
	if err := n.Transport.Send(ifID, dst, pkt); err != nil {
		perf.SendErrorsPerSecond.Add(1)
		n.Env.Log.Debug("failed to send message", "if", ifID, "dst", dst, "error", err)
		return
	}
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(pkt)))
	perf.MessageSize.Add(float64(len(pkt)))
}

func (n *RplNode) InstallRoute(route state.Route) {
	n.Routes.Insert(route)
}

func (n *RplNode) RemoveRoute(prefix netip.Prefix, source state.RouteSource, owner state.RouteOwner) {
	n.Routes.Delete(prefix, source, owner)
}

func (n *RplNode) RegisterAddress(ifID int, parent, addr netip.Addr) {
	if n.Registrar != nil {
		n.Registrar.Register(ifID, parent, addr)
		return
	}
	// we are on the main goroutine, the dispatch must not block it
	go n.Env.Dispatch(func(s *state.State) error {
		AddressConfirmed(s.Registry, ifID, parent, addr, true)
		return nil
	})
}

func (n *RplNode) LinkEtx(ifID int, ll netip.Addr) uint16 {
	if n.Etx == nil {
		return state.DefaultEtx
	}
	return n.Etx(ifID, ll)
}

func (n *RplNode) Log(event RplEvent, desc string, args ...any) {
	level := slog.LevelDebug
	if event >= MalformedMessage {
		level = slog.LevelWarn
	}
	n.Env.Log.Log(n.Env.Context, level, fmt.Sprintf("%s %s", event, desc), args...)
}
