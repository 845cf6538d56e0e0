// Package schedule computes the phase of a recording as a pure function of
// elapsed time. The scheduler holds no state between calls; the caller
// supplies the previously observed phase so transitions can be flagged.
package schedule

import (
	"math"
	"time"

	"github.com/s1alknau/nematolapse/types"
)

// PhaseAt returns the phase state at the given elapsed time into a run.
//
// With cycling disabled the whole run is one Continuous phase using the
// session's continuous LED kind; Elapsed/Remaining then report position
// within the whole run rather than within a cycle.
//
// prev is the phase the caller last observed, or "" on the first tick.
// IsTransition is set when the computed phase differs from prev. The first
// tick of a run is not a transition.
func PhaseAt(elapsed time.Duration, session *types.Session, prev types.Phase) types.PhaseState {
	cfg := session.Phases
	if !cfg.Enabled {
		return types.PhaseState{
			Phase:        types.PhaseContinuous,
			LED:          session.ContinuousLED,
			Elapsed:      elapsed,
			Remaining:    maxDuration(0, session.Duration-elapsed),
			Cycle:        1,
			TotalCycles:  1,
			IsTransition: prev != "" && prev != types.PhaseContinuous,
		}
	}

	cycle := cfg.CycleDuration()
	position := elapsed % cycle
	cycleNumber := int(elapsed/cycle) + 1

	first, second := types.PhaseLight, types.PhaseDark
	firstDur := cfg.Light
	if !cfg.StartWithLight {
		first, second = types.PhaseDark, types.PhaseLight
		firstDur = cfg.Dark
	}

	var phase types.Phase
	var inPhase, phaseDur time.Duration
	if position < firstDur {
		phase = first
		inPhase = position
		phaseDur = firstDur
	} else {
		phase = second
		inPhase = position - firstDur
		phaseDur = cycle - firstDur
	}

	return types.PhaseState{
		Phase:        phase,
		LED:          phase.LED(),
		Elapsed:      inPhase,
		Remaining:    phaseDur - inPhase,
		Cycle:        cycleNumber,
		TotalCycles:  totalCycles(session.Duration, cycle),
		IsTransition: prev != "" && prev != phase,
	}
}

// totalCycles counts cycles in the run, including a trailing partial cycle.
func totalCycles(duration, cycle time.Duration) int {
	n := int(math.Ceil(float64(duration) / float64(cycle)))
	if n < 1 {
		n = 1
	}
	return n
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
