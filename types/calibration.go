package types

import "fmt"

// CalibrationProfile holds per-LED power levels produced by the
// calibration routine. Consumed read-only by the illuminator controller;
// when AutoApply is set, selecting an LED kind immediately re-applies its
// calibrated power and verifies the readback.
type CalibrationProfile struct {
	IRPower    int  `yaml:"ir_power"`
	WhitePower int  `yaml:"white_power"`
	AutoApply  bool `yaml:"auto_apply"`
}

// PowerFor returns the calibrated power percent for an LED kind.
func (p CalibrationProfile) PowerFor(kind LEDKind) int {
	if kind == LEDWhite {
		return p.WhitePower
	}
	return p.IRPower
}

// Validate rejects out-of-range power levels.
func (p CalibrationProfile) Validate() error {
	if p.IRPower < 0 || p.IRPower > 100 {
		return fmt.Errorf("ir_power %d out of range 0..100", p.IRPower)
	}
	if p.WhitePower < 0 || p.WhitePower > 100 {
		return fmt.Errorf("white_power %d out of range 0..100", p.WhitePower)
	}
	return nil
}
