package types

import (
	"errors"
	"fmt"
	"time"
)

// Phase names an interval of the recording during which one LED kind is
// active. Continuous is the degenerate phase used when cycling is disabled.
type Phase string

const (
	PhaseLight      Phase = "light"
	PhaseDark       Phase = "dark"
	PhaseContinuous Phase = "continuous"
)

// LED returns the LED kind a phase requires. Dark phases always use IR so
// the specimens are not disturbed; light phases use the white channel.
func (p Phase) LED() LEDKind {
	if p == PhaseLight {
		return LEDWhite
	}
	return LEDInfrared
}

// ErrZeroCycle is returned when a cycling config has no positive cycle
// duration. Rejected at session creation, never handled per tick.
var ErrZeroCycle = errors.New("phase cycle duration must be positive")

// PhaseConfig describes the light/dark cycling of a session.
// When Enabled is false the whole run is a single Continuous phase.
type PhaseConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Light          time.Duration `yaml:"light"`
	Dark           time.Duration `yaml:"dark"`
	StartWithLight bool          `yaml:"start_with_light"`
}

// CycleDuration returns the duration of one Light+Dark pair.
func (c PhaseConfig) CycleDuration() time.Duration {
	return c.Light + c.Dark
}

// Validate rejects configs the scheduler cannot evaluate.
func (c PhaseConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Light < 0 || c.Dark < 0 {
		return fmt.Errorf("phase durations must not be negative (light=%s dark=%s)", c.Light, c.Dark)
	}
	if c.CycleDuration() <= 0 {
		return ErrZeroCycle
	}
	return nil
}

// PhaseState is the scheduler's answer for one instant of a recording.
// It is derived from the session config and elapsed time, never stored.
//
// Invariant for cyclic phases: Elapsed + Remaining == phase duration.
type PhaseState struct {
	Phase        Phase
	LED          LEDKind
	Elapsed      time.Duration
	Remaining    time.Duration
	Cycle        int
	TotalCycles  int
	IsTransition bool
}
