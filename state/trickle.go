package state

import "math/rand/v2"

// This file implements the Trickle algorithm of RFC 6206:
// https://datatracker.ietf.org/doc/html/rfc6206
// Time is counted in fast ticks.

type TrickleParams struct {
	Imin uint32
	Imax uint32
	K    uint8
}

// TrickleParamsFor derives tick-based parameters from a DODAG configuration.
// Imin is 2^DIOIntMin milliseconds, Imax is Imin doubled DIOIntDoublings times.
func TrickleParamsFor(intMin, doublings, redundancy uint8) TrickleParams {
	ms := uint64(1) << min(intMin, 40)
	imin := max(ms/uint64(FastTick.Milliseconds()), 1)
	imax := imin << min(doublings, 32)
	return TrickleParams{
		Imin: uint32(min(imin, uint64(MaxTrickleInterval))),
		Imax: uint32(min(imax, uint64(MaxTrickleInterval))),
		K:    redundancy,
	}
}

type Trickle struct {
	I       uint32
	T       uint32
	Now     uint32
	C       uint8
	Running bool
}

func (t *Trickle) begin(rng *rand.Rand) {
	t.Now = 0
	t.C = 0
	half := t.I / 2
	t.T = half
	if t.I > half {
		t.T += rng.Uint32N(t.I - half)
	}
	t.T = max(t.T, 1)
}

// Start begins the first interval at Imin.
func (t *Trickle) Start(p TrickleParams, rng *rand.Rand) {
	t.Running = true
	t.I = max(p.Imin, 1)
	t.begin(rng)
}

func (t *Trickle) Stop() {
	t.Running = false
}

// Reset is called on an inconsistency; nothing happens when I is already Imin.
func (t *Trickle) Reset(p TrickleParams, rng *rand.Rand) {
	if !t.Running {
		t.Start(p, rng)
		return
	}
	if t.I != max(p.Imin, 1) {
		t.I = max(p.Imin, 1)
		t.begin(rng)
	}
}

// Consistent records a consistent transmission heard from a neighbour.
func (t *Trickle) Consistent() {
	if t.C < 0xFF {
		t.C++
	}
}

// Tick advances the timer and reports whether a transmission is due.
func (t *Trickle) Tick(p TrickleParams, ticks uint32, rng *rand.Rand) bool {
	if !t.Running {
		return false
	}
	transmit := false
	for ticks > 0 {
		boundary := t.I
		if t.Now < t.T {
			boundary = t.T
		}
		step := min(ticks, boundary-t.Now)
		t.Now += step
		ticks -= step
		if t.Now == t.T && boundary == t.T && (p.K == 0 || t.C < p.K) {
			transmit = true
		}
		if t.Now >= t.I {
			t.I = min(t.I*2, max(p.Imax, 1))
			t.begin(rng)
		}
	}
	return transmit
}
