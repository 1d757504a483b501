package state

import "fmt"

// DaoState is the per-instance DAO transmission state.
type DaoState uint8

const (
	DaoIdle DaoState = iota
	DaoDelayed
	DaoInTransit
	DaoBackoff
)

var daoTransitions = map[DaoState][]DaoState{
	DaoIdle:      {DaoDelayed, DaoInTransit},
	DaoDelayed:   {DaoDelayed, DaoInTransit, DaoIdle},
	DaoInTransit: {DaoIdle, DaoBackoff, DaoInTransit, DaoDelayed},
	DaoBackoff:   {DaoInTransit, DaoIdle, DaoDelayed},
}

// CanTransition reports whether the DAO state machine allows moving from s to next.
func (s DaoState) CanTransition(next DaoState) bool {
	if s == next && s == DaoIdle {
		return true
	}
	for _, n := range daoTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

func (s DaoState) String() string {
	switch s {
	case DaoIdle:
		return "idle"
	case DaoDelayed:
		return "delayed"
	case DaoInTransit:
		return "in-transit"
	case DaoBackoff:
		return "backoff"
	}
	return fmt.Sprintf("DaoState(%d)", uint8(s))
}

type NeighbourState uint8

const (
	NeighbourCandidate NeighbourState = iota
	NeighbourParent
	NeighbourPreferred
)

func (s NeighbourState) String() string {
	switch s {
	case NeighbourCandidate:
		return "candidate"
	case NeighbourParent:
		return "parent"
	case NeighbourPreferred:
		return "preferred"
	}
	return fmt.Sprintf("NeighbourState(%d)", uint8(s))
}

// ConfirmState tracks address registration of an own target with the preferred parent.
type ConfirmState uint8

const (
	ConfirmIdle ConfirmState = iota
	ConfirmProbing
	Confirmed
)

func (s ConfirmState) String() string {
	switch s {
	case ConfirmIdle:
		return "idle"
	case ConfirmProbing:
		return "probing"
	case Confirmed:
		return "confirmed"
	}
	return fmt.Sprintf("ConfirmState(%d)", uint8(s))
}

// InstanceState is derived from the instance data, see Instance.State.
type InstanceState uint8

const (
	StateNoDodag InstanceState = iota
	StateCandidate
	StateJoined
	StateActive
)

func (s InstanceState) String() string {
	switch s {
	case StateNoDodag:
		return "no-dodag"
	case StateCandidate:
		return "candidate"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("InstanceState(%d)", uint8(s))
}

// Event is reported to the owner of a Domain through DomainCallbacks.Event.
type Event uint8

const (
	EventDaoDone Event = iota
	EventDaoParentAdd
	EventDaoParentSwitch
	EventLocalRepairStart
	EventLocalRepairNoMoreDis
	EventPoisonFinished
)

func (e Event) String() string {
	switch e {
	case EventDaoDone:
		return "dao-done"
	case EventDaoParentAdd:
		return "dao-parent-add"
	case EventDaoParentSwitch:
		return "dao-parent-switch"
	case EventLocalRepairStart:
		return "local-repair-start"
	case EventLocalRepairNoMoreDis:
		return "local-repair-no-more-dis"
	case EventPoisonFinished:
		return "poison-finished"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}
