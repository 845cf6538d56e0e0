package device

import (
	"encoding/binary"
	"time"

	"github.com/s1alknau/nematolapse/types"
)

// Command bytes understood by the illuminator firmware.
const (
	cmdLEDOff       byte = 0x00
	cmdLEDOn        byte = 0x01
	cmdStatus       byte = 0x02
	cmdSyncCapture  byte = 0x0C
	cmdSelectIR     byte = 0x20
	cmdSelectWhite  byte = 0x21
	cmdGetLEDStatus byte = 0x23
	cmdSetIRPower   byte = 0x24
	cmdSetWhitePow  byte = 0x25
)

// Response headers and acknowledgement bytes.
const (
	respStatusOff    byte = 0x10 // status reply, LED currently off
	respStatusOn     byte = 0x11 // status reply, LED currently on
	respSyncComplete byte = 0x1B // sync capture completion header
	respSelectIR     byte = 0x30 // IR channel selected
	respSelectWhite  byte = 0x31 // white channel selected
	respLEDStatus    byte = 0x32 // LED status reply header
	respAck          byte = 0xAA // generic acknowledgement
	respOffAck       byte = 0x02 // LED off acknowledgement
	respError        byte = 0xFF // firmware-reported error
)

// Fixed response lengths, in bytes.
const (
	statusRespLen    = 5
	ledStatusRespLen = 6
	syncRespLen      = 11
)

// Sensor replacement bounds. Readings outside these ranges are treated
// as sensor faults and replaced with defaults rather than stored.
const (
	minPlausibleTempC = -10.0
	maxPlausibleTempC = 50.0
	defaultTempC      = 22.0
)

// SensorReading is a decoded environmental status reply.
type SensorReading struct {
	// TemperatureC is the chamber temperature in degrees Celsius.
	TemperatureC float64
	// HumidityPct is the relative humidity in percent.
	HumidityPct float64
	// LEDOn reports whether the active LED was lit at read time.
	LEDOn bool
	// Fallback is set when an out-of-range reading was replaced with a
	// default or clamped; such values must not masquerade as real data.
	Fallback bool
}

// LEDStatus is a decoded LED state reply.
type LEDStatus struct {
	// Active is the currently selected LED channel.
	Active types.LEDKind
	// IROn and WhiteOn report per-channel on state.
	IROn, WhiteOn bool
	// IRPower and WhitePower are per-channel power levels, 0-100.
	IRPower, WhitePower int
}

// PowerFor returns the stored power level of the given channel.
func (s LEDStatus) PowerFor(kind types.LEDKind) int {
	if kind == types.LEDInfrared {
		return s.IRPower
	}
	return s.WhitePower
}

// OnFor reports whether the given channel is lit.
func (s LEDStatus) OnFor(kind types.LEDKind) bool {
	if kind == types.LEDInfrared {
		return s.IROn
	}
	return s.WhiteOn
}

// SyncResult is a decoded synchronized-capture completion report. The
// firmware times the illumination window and reports what it measured.
type SyncResult struct {
	// TimingMs is the firmware-measured command-to-completion time.
	TimingMs int
	// TemperatureC and HumidityPct are sampled during the pulse.
	TemperatureC float64
	// HumidityPct is the relative humidity in percent.
	HumidityPct float64
	// SensorFallback is set when the sampled values were replaced.
	SensorFallback bool
	// LED is the channel that was pulsed.
	LED types.LEDKind
	// OnDuration is the firmware-timed illumination window.
	OnDuration time.Duration
	// Power is the power level the pulse ran at, 0-100.
	Power int
}

// selectCommand maps an LED channel to its select command and the
// confirmation byte the firmware answers with.
func selectCommand(kind types.LEDKind) (cmd, confirm byte) {
	if kind == types.LEDInfrared {
		return cmdSelectIR, respSelectIR
	}
	return cmdSelectWhite, respSelectWhite
}

// powerCommand maps an LED channel to its power-set command.
func powerCommand(kind types.LEDKind) byte {
	if kind == types.LEDInfrared {
		return cmdSetIRPower
	}
	return cmdSetWhitePow
}

// decodeSensorPair decodes the shared temperature/humidity wire layout:
// int16 big-endian tenths of a degree followed by uint16 big-endian
// tenths of a percent. Implausible values are replaced and flagged.
func decodeSensorPair(raw []byte) (tempC, humidityPct float64, fallback bool) {
	tempC = float64(int16(binary.BigEndian.Uint16(raw[0:2]))) / 10.0
	humidityPct = float64(binary.BigEndian.Uint16(raw[2:4])) / 10.0

	if tempC < minPlausibleTempC || tempC > maxPlausibleTempC {
		tempC = defaultTempC
		fallback = true
	}
	if humidityPct < 0 {
		humidityPct = 0
		fallback = true
	} else if humidityPct > 100 {
		humidityPct = 100
		fallback = true
	}
	return tempC, humidityPct, fallback
}

// decodeStatus parses a 5-byte environmental status reply.
func decodeStatus(raw []byte) (SensorReading, error) {
	if raw[0] == respError {
		return SensorReading{}, &ProtocolError{Op: "status", Want: respStatusOff, Got: raw[0], Err: ErrDeviceFault}
	}
	if raw[0] != respStatusOff && raw[0] != respStatusOn {
		return SensorReading{}, &ProtocolError{Op: "status", Want: respStatusOff, Got: raw[0], Err: ErrUnexpectedHeader}
	}

	temp, hum, fallback := decodeSensorPair(raw[1:5])
	return SensorReading{
		TemperatureC: temp,
		HumidityPct:  hum,
		LEDOn:        raw[0] == respStatusOn,
		Fallback:     fallback,
	}, nil
}

// decodeLEDStatus parses a 6-byte LED state reply.
func decodeLEDStatus(raw []byte) (LEDStatus, error) {
	if raw[0] == respError {
		return LEDStatus{}, &ProtocolError{Op: "led_status", Want: respLEDStatus, Got: raw[0], Err: ErrDeviceFault}
	}
	if raw[0] != respLEDStatus {
		return LEDStatus{}, &ProtocolError{Op: "led_status", Want: respLEDStatus, Got: raw[0], Err: ErrUnexpectedHeader}
	}

	active := types.LEDKind(raw[1])
	if !active.Valid() {
		return LEDStatus{}, &ProtocolError{Op: "led_status", Want: byte(types.LEDInfrared), Got: raw[1], Err: ErrUnexpectedHeader}
	}

	return LEDStatus{
		Active:     active,
		IROn:       raw[2] != 0,
		WhiteOn:    raw[3] != 0,
		IRPower:    int(raw[4]),
		WhitePower: int(raw[5]),
	}, nil
}

// decodeSyncResult parses an 11-byte synchronized-capture completion.
func decodeSyncResult(raw []byte) (SyncResult, error) {
	if raw[0] == respError {
		return SyncResult{}, &ProtocolError{Op: "sync_capture", Want: respSyncComplete, Got: raw[0], Err: ErrDeviceFault}
	}
	if raw[0] != respSyncComplete {
		return SyncResult{}, &ProtocolError{Op: "sync_capture", Want: respSyncComplete, Got: raw[0], Err: ErrUnexpectedHeader}
	}

	led := types.LEDKind(raw[7])
	if !led.Valid() {
		return SyncResult{}, &ProtocolError{Op: "sync_capture", Want: byte(types.LEDInfrared), Got: raw[7], Err: ErrUnexpectedHeader}
	}

	temp, hum, fallback := decodeSensorPair(raw[3:7])
	return SyncResult{
		TimingMs:       int(binary.BigEndian.Uint16(raw[1:3])),
		TemperatureC:   temp,
		HumidityPct:    hum,
		SensorFallback: fallback,
		LED:            led,
		OnDuration:     time.Duration(binary.BigEndian.Uint16(raw[8:10])) * time.Millisecond,
		Power:          int(raw[10]),
	}, nil
}
