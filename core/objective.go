package core

// This file makes references to RFC 6552 (OF0) and RFC 6719 (MRHOF):
// https://datatracker.ietf.org/doc/html/rfc6552
// https://datatracker.ietf.org/doc/html/rfc6719

import "github.com/encodeous/rpl/state"

// ObjectiveFunction computes the rank a node would advertise through a neighbour.
type ObjectiveFunction interface {
	OCP() uint16
	// RankIncrease is the rank added on top of the neighbour's rank, etx is in 1/128 units.
	RankIncrease(d *state.Dodag, etx uint16, policy *state.Policy) uint16
}

type of0 struct{}

func (of0) OCP() uint16 {
	return state.OCPZero
}

// RankIncrease is (Rf*Sp + Sr) * MinHopRankIncrease with Rf = 1 and Sr = 0.
func (of0) RankIncrease(d *state.Dodag, _ uint16, policy *state.Policy) uint16 {
	return saturatingMul(policy.OF0StepOfRank(), d.Config.MinHopRankIncrease)
}

type mrhof struct{}

func (mrhof) OCP() uint16 {
	return state.OCPMrhof
}

// RankIncrease scales MinHopRankIncrease by the link ETX, never going below it.
func (mrhof) RankIncrease(d *state.Dodag, etx uint16, _ *state.Policy) uint16 {
	mhri := uint32(d.Config.MinHopRankIncrease)
	inc := uint32(max(etx, state.DefaultEtx)) * mhri / uint32(state.DefaultEtx)
	return uint16(min(max(inc, mhri), uint32(state.InfiniteRank)))
}

func objectiveFor(ocp uint16) ObjectiveFunction {
	switch ocp {
	case state.OCPZero:
		return of0{}
	case state.OCPMrhof:
		return mrhof{}
	}
	return nil
}

func saturatingAdd(a, b uint16) uint16 {
	s := uint32(a) + uint32(b)
	if s > uint32(state.InfiniteRank) {
		return state.InfiniteRank
	}
	return uint16(s)
}

func saturatingMul(a, b uint16) uint16 {
	s := uint32(a) * uint32(b)
	if s > uint32(state.InfiniteRank) {
		return state.InfiniteRank
	}
	return uint16(s)
}

// dagRank is the integer part of a rank (RFC 6550 3.5.1).
func dagRank(rank uint16, d *state.Dodag) uint16 {
	if d.Config.MinHopRankIncrease == 0 {
		return rank
	}
	return rank / d.Config.MinHopRankIncrease
}
