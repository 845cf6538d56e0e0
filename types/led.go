// Package types defines the shared domain types for the capture engine:
// LED kinds, recording phases, session configuration, per-frame records,
// and the calibration profile consumed by the illuminator controller.
package types

import "fmt"

// LEDKind identifies one of the two illuminator channels.
// Wire values match the firmware LED type byte (0 = IR, 1 = White).
type LEDKind uint8

const (
	// LEDInfrared is the IR channel, used for dark phases.
	LEDInfrared LEDKind = 0
	// LEDWhite is the white channel, used for light phases.
	LEDWhite LEDKind = 1
)

// String returns the lowercase name used in logs and stored records.
func (k LEDKind) String() string {
	switch k {
	case LEDInfrared:
		return "ir"
	case LEDWhite:
		return "white"
	default:
		return fmt.Sprintf("led(%d)", uint8(k))
	}
}

// Valid reports whether k is a known LED kind.
func (k LEDKind) Valid() bool {
	return k == LEDInfrared || k == LEDWhite
}

// ParseLEDKind parses the lowercase names accepted in config files.
func ParseLEDKind(s string) (LEDKind, error) {
	switch s {
	case "ir", "infrared":
		return LEDInfrared, nil
	case "white":
		return LEDWhite, nil
	default:
		return 0, fmt.Errorf("unknown LED kind %q (want \"ir\" or \"white\")", s)
	}
}
