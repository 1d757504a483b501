package core

// This file makes references to RFC 6550:
// https://datatracker.ietf.org/doc/html/rfc6550

import (
	"fmt"
	"net/netip"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
)

type RplEvent int

// trace events

const (
	DioSent RplEvent = iota
	DisSent
	DaoSent
	DaoAckSent
	ParentChanged
	DodagJoined
	VersionChanged
	LocalRepair
	Detached
	DaoComplete
	DaoAckTimeout
	DaoRejected
	TargetLearned
	TargetExpired
	NoPathReceived
	RootGraphComputed
	ConfigRequested
)

// warn events

const (
	MalformedMessage RplEvent = iota + 1000
	PolicyRejected
	ParentDropped
	CycleBroken
	AllocationFailed
	StaleMessage
)

func (e RplEvent) String() string {
	switch e {
	case DioSent:
		return "DIO_SENT"
	case DisSent:
		return "DIS_SENT"
	case DaoSent:
		return "DAO_SENT"
	case DaoAckSent:
		return "DAO_ACK_SENT"
	case ParentChanged:
		return "PARENT_CHANGED"
	case DodagJoined:
		return "DODAG_JOINED"
	case VersionChanged:
		return "VERSION_CHANGED"
	case LocalRepair:
		return "LOCAL_REPAIR"
	case Detached:
		return "DETACHED"
	case DaoComplete:
		return "DAO_COMPLETE"
	case DaoAckTimeout:
		return "DAO_ACK_TIMEOUT"
	case DaoRejected:
		return "DAO_REJECTED"
	case TargetLearned:
		return "TARGET_LEARNED"
	case TargetExpired:
		return "TARGET_EXPIRED"
	case NoPathReceived:
		return "NO_PATH_RECEIVED"
	case RootGraphComputed:
		return "ROOT_GRAPH_COMPUTED"
	case ConfigRequested:
		return "CONFIG_REQUESTED"
	case MalformedMessage:
		return "MALFORMED_MESSAGE"
	case PolicyRejected:
		return "POLICY_REJECTED"
	case ParentDropped:
		return "PARENT_DROPPED"
	case CycleBroken:
		return "CYCLE_BROKEN"
	case AllocationFailed:
		return "ALLOCATION_FAILED"
	case StaleMessage:
		return "STALE_MESSAGE"
	}
	return fmt.Sprintf("RplEvent(%d)", int(e))
}

// Rpl is the set of side effects the protocol engine performs on the outside world.
type Rpl interface {
	// SendMessage transmits a control message on an interface. dst may be protocol.AllRplNodes.
	SendMessage(ifID int, dst netip.Addr, msg protocol.Message)
	InstallRoute(route state.Route)
	RemoveRoute(prefix netip.Prefix, source state.RouteSource, owner state.RouteOwner)
	// RegisterAddress asks the parent to register addr, the answer is reported through AddressConfirmed.
	RegisterAddress(ifID int, parent, addr netip.Addr)
	// LinkEtx returns the expected transmission count towards a neighbour in 1/128 units.
	LinkEtx(ifID int, ll netip.Addr) uint16
	Log(event RplEvent, desc string, args ...any)
}

func ownerOf(inst *state.Instance) state.RouteOwner {
	return state.RouteOwner{Domain: inst.Domain.Name, InstanceID: inst.ID}
}

func send(rs *state.Registry, r Rpl, ifID int, dst netip.Addr, msg protocol.Message) {
	rs.Stats.CountTx(msg)
	r.SendMessage(ifID, dst, msg)
}

func multicast(rs *state.Registry, r Rpl, dom *state.Domain, msg protocol.Message) {
	for _, ifID := range dom.Interfaces {
		send(rs, r, ifID, protocol.AllRplNodes, msg)
	}
}
