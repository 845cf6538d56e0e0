package types

import "time"

// FrameStats are the pixel statistics computed from one raw frame before
// the buffer is released.
type FrameStats struct {
	Mean float64 `msgpack:"mean"`
	Min  float64 `msgpack:"min"`
	Max  float64 `msgpack:"max"`
	Std  float64 `msgpack:"std"`
}

// FrameRecord is the metadata for one captured frame. The orchestrator
// owns a record only until it is handed to the store; the store then owns
// the persisted copy and the in-memory value is discarded.
type FrameRecord struct {
	// Index is the 0-based capture index. Dense and monotonic: every
	// scheduled tick produces exactly one record, even on failure.
	Index int
	// CapturedAt is the wall-clock time the frame was taken.
	CapturedAt time.Time
	// ExpectedAt is the scheduled time for this frame.
	ExpectedAt time.Time
	// Drift is CapturedAt - ExpectedAt. Diagnostic only; the schedule is
	// never re-based to absorb it.
	Drift time.Duration
	// CumulativeDrift is the running sum of per-frame drift.
	CumulativeDrift time.Duration

	// LED is the kind used for this frame's flash.
	LED LEDKind
	// LEDPower is the power percent the firmware reported applying.
	LEDPower int
	// LEDOnDuration is the firmware-reported illumination time. The
	// firmware times the pulse, so this is authoritative over any
	// host-side measurement.
	LEDOnDuration time.Duration

	// TemperatureC and HumidityPct come from the pre-flash sensor read
	// (or the sync response when the pre-flash read failed).
	TemperatureC float64
	HumidityPct  float64
	// SensorFallback is set when an out-of-range reading was replaced
	// with a safe default.
	SensorFallback bool

	// Phase context at capture time.
	Phase        Phase
	Cycle        int
	IsTransition bool

	// Stats are the frame pixel statistics.
	Stats FrameStats
	// CaptureOK is false when the frame source produced nothing this
	// tick; the record is still persisted to keep the index dense.
	CaptureOK bool
}
