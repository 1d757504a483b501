package state

import (
	"net/netip"
	"time"
)

// RouteSource tags routing table entries with the part of RPL that installed them.
type RouteSource uint8

const (
	RouteSourceDio RouteSource = iota + 1
	RouteSourceDao
	RouteSourceRoot
)

func (s RouteSource) String() string {
	switch s {
	case RouteSourceDio:
		return "rpl-dio"
	case RouteSourceDao:
		return "rpl-dao"
	case RouteSourceRoot:
		return "rpl-root"
	}
	return "unknown"
}

// RouteOwner identifies the instance that owns a route, so that tearing an
// instance down removes exactly its routes.
type RouteOwner struct {
	Domain     string
	InstanceID uint8
}

type Route struct {
	Prefix   netip.Prefix
	NextHop  netip.Addr
	IfID     int
	Source   RouteSource
	Owner    RouteOwner
	Metric   uint16
	Lifetime time.Duration // 0 never expires
}

// SeqStore persists lollipop counters across restarts.
type SeqStore interface {
	LoadRoot(instanceID uint8, dodagID netip.Addr) (version, dtsn uint8, ok bool, err error)
	SaveRoot(instanceID uint8, dodagID netip.Addr, version, dtsn uint8) error
	LoadTargetSequence(instanceID uint8, prefix netip.Prefix) (seq uint8, ok bool, err error)
	SaveTargetSequence(instanceID uint8, prefix netip.Prefix, seq uint8) error
}
