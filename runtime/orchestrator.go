package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/s1alknau/nematolapse/device"
	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/metrics"
	"github.com/s1alknau/nematolapse/schedule"
	"github.com/s1alknau/nematolapse/store"
	"github.com/s1alknau/nematolapse/types"
)

// RunState is the orchestrator lifecycle state.
type RunState int

const (
	// RunIdle means Run has not started.
	RunIdle RunState = iota
	// RunRunning means the capture loop is active.
	RunRunning
	// RunPaused means the loop is holding between ticks.
	RunPaused
	// RunStopped means the run ended early, by request or error.
	RunStopped
	// RunCompleted means every scheduled frame was processed.
	RunCompleted
)

// String returns the lowercase state name.
func (s RunState) String() string {
	switch s {
	case RunRunning:
		return "running"
	case RunPaused:
		return "paused"
	case RunStopped:
		return "stopped"
	case RunCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// Illuminator is the device surface the orchestrator needs. Satisfied
// by *device.Controller.
type Illuminator interface {
	SelectLED(kind types.LEDKind) error
	ReadSensors() (device.SensorReading, error)
	SynchronizeCapture(kind types.LEDKind) (device.SyncResult, error)
	LEDOff() error
	State() device.State
	Reconnect() error
}

// Recorder is the store surface the orchestrator needs. Satisfied by
// *store.Store.
type Recorder interface {
	Append(record types.FrameRecord, image *types.Image) error
	RecordPhaseTransition(t store.PhaseTransition) error
	Finalize(actualRuntime time.Duration) (store.Summary, error)
	FramesSaved() int
	Path() string
}

// Config holds orchestrator tuning. Zero values fall back to defaults.
type Config struct {
	// CaptureRetries is the number of frame source retries per tick
	// after the first attempt. Defaults to 2.
	CaptureRetries int
	// HealthEvery is the frame interval between health checks.
	// Defaults to 100.
	HealthEvery int
	// SleepSlice bounds each sleep so pause and stop requests are
	// honored promptly. Defaults to 100ms.
	SleepSlice time.Duration
	// Health checks host resources. Nil disables disk and memory
	// checks; the device check always runs.
	Health HealthChecker
}

func (c Config) withDefaults() Config {
	if c.CaptureRetries == 0 {
		c.CaptureRetries = 2
	}
	if c.HealthEvery <= 0 {
		c.HealthEvery = 100
	}
	if c.SleepSlice <= 0 {
		c.SleepSlice = 100 * time.Millisecond
	}
	return c
}

// Orchestrator runs one recording session. A single goroutine owns the
// capture loop; Pause, Resume, and Stop may be called from any
// goroutine and take effect within one sleep slice.
type Orchestrator struct {
	session   *types.Session
	dev       Illuminator
	source    FrameSource
	rec       Recorder
	cfg       Config
	logger    *log.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	state    RunState
	pausing  bool
	stopping bool

	prevPhase types.Phase
	cumDrift  time.Duration
}

// New creates an orchestrator for one session. The device must already
// be connected and the store created.
func New(session *types.Session, dev Illuminator, source FrameSource, rec Recorder, cfg Config, logger *log.Logger, collector *metrics.Collector) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Orchestrator{
		session:   session,
		dev:       dev,
		source:    source,
		rec:       rec,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		collector: collector,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Pause holds the loop before the next capture. Already-started ticks
// finish normally.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == RunRunning {
		o.pausing = true
		o.state = RunPaused
	}
}

// Resume releases a paused loop. Ticks whose scheduled time passed
// during the pause run immediately; the schedule itself never shifts,
// so the delay shows up as drift on those frames.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == RunPaused {
		o.pausing = false
		o.state = RunRunning
	}
}

// Stop ends the run gracefully after the current tick. The recording
// is finalized with everything captured so far.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopping = true
}

// Run executes the session to completion, stop, or fatal error. The
// recording is finalized on every exit path; the returned summary is
// valid whenever finalization succeeded.
func (o *Orchestrator) Run(ctx context.Context) (store.Summary, error) {
	o.mu.Lock()
	o.state = RunRunning
	o.mu.Unlock()

	o.logger.Info("run started", map[string]any{
		"total_frames": o.session.TotalFrames,
		"interval":     o.session.Interval.String(),
		"path":         o.rec.Path(),
	})

	var runErr error
	stopped := false

	for i := 0; i < o.session.TotalFrames; i++ {
		if err := o.waitForTick(ctx, i); err != nil {
			if errors.Is(err, ErrStopped) {
				stopped = true
			} else {
				runErr = err
			}
			break
		}

		deviceLost, err := o.captureTick(ctx, i)
		if err != nil {
			runErr = err
			break
		}

		if deviceLost || (i+1)%o.cfg.HealthEvery == 0 {
			if err := o.healthCheck(); err != nil {
				runErr = err
				break
			}
		}
	}

	summary, err := o.finish(runErr, stopped)
	if runErr == nil {
		runErr = err
	}
	return summary, runErr
}

// waitForTick sleeps until frame i is due, in bounded slices so pause
// and stop requests are honored promptly.
func (o *Orchestrator) waitForTick(ctx context.Context, i int) error {
	target := o.session.ExpectedFrameTime(i)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.mu.Lock()
		stopping, pausing := o.stopping, o.pausing
		o.mu.Unlock()
		if stopping {
			return ErrStopped
		}
		if pausing {
			time.Sleep(o.cfg.SleepSlice)
			continue
		}

		remaining := time.Until(target)
		if remaining <= 0 {
			return nil
		}
		if remaining > o.cfg.SleepSlice {
			remaining = o.cfg.SleepSlice
		}
		time.Sleep(remaining)
	}
}

// captureTick runs one frame: phase evaluation, sensor read, the
// synchronized illuminator pulse, frame acquisition, and persistence.
// Only store failures are fatal; a tick that cannot capture still
// appends a failed record so frame indices stay dense. The returned
// flag requests an immediate device health check.
func (o *Orchestrator) captureTick(ctx context.Context, i int) (deviceLost bool, err error) {
	now := time.Now()
	ps := schedule.PhaseAt(now.Sub(o.session.Start), o.session, o.prevPhase)

	if ps.IsTransition {
		o.logger.Info("phase transition", map[string]any{
			"frame": i,
			"from":  string(o.prevPhase),
			"to":    string(ps.Phase),
			"cycle": ps.Cycle,
		})
		// Switch channels first thing on a phase change; a late switch
		// would corrupt the next frame's illumination, not just this
		// one. The pulse re-verifies the channel either way.
		if serr := o.dev.SelectLED(ps.LED); serr != nil {
			o.logger.Warn("led switch on phase change failed", map[string]any{
				"frame": i,
				"led":   ps.LED.String(),
				"error": serr.Error(),
			})
			deviceLost = errors.Is(serr, device.ErrConnectionLost)
		}
		if terr := o.rec.RecordPhaseTransition(store.PhaseTransition{
			FrameIndex: i,
			At:         now,
			Elapsed:    now.Sub(o.session.Start),
			From:       o.prevPhase,
			To:         ps.Phase,
			Cycle:      ps.Cycle,
		}); terr != nil {
			return deviceLost, fmt.Errorf("frame %d: %w", i, terr)
		}
	}
	o.prevPhase = ps.Phase

	reading, sensErr := o.dev.ReadSensors()
	if sensErr != nil {
		o.logger.Warn("pre-flash sensor read failed", map[string]any{
			"frame": i,
			"error": sensErr.Error(),
		})
	}

	pulse, pulseErr := o.dev.SynchronizeCapture(ps.LED)
	if pulseErr != nil {
		o.logger.Warn("synchronized pulse failed", map[string]any{
			"frame": i,
			"error": pulseErr.Error(),
		})
		deviceLost = errors.Is(pulseErr, device.ErrConnectionLost)
	}

	var img *types.Image
	if pulseErr == nil {
		img = o.acquire(ctx, i)
	}

	capturedAt := time.Now()
	expectedAt := o.session.ExpectedFrameTime(i)
	drift := capturedAt.Sub(expectedAt)
	o.cumDrift += drift

	record := types.FrameRecord{
		Index:           i,
		CapturedAt:      capturedAt,
		ExpectedAt:      expectedAt,
		Drift:           drift,
		CumulativeDrift: o.cumDrift,
		LED:             ps.LED,
		Phase:           ps.Phase,
		Cycle:           ps.Cycle,
		IsTransition:    ps.IsTransition,
		Stats:           img.Stats(),
		CaptureOK:       img != nil,
	}

	switch {
	case sensErr == nil:
		record.TemperatureC = reading.TemperatureC
		record.HumidityPct = reading.HumidityPct
		record.SensorFallback = reading.Fallback
	case pulseErr == nil:
		// The pulse report samples the same sensors; use it when the
		// pre-flash read failed.
		record.TemperatureC = pulse.TemperatureC
		record.HumidityPct = pulse.HumidityPct
		record.SensorFallback = pulse.SensorFallback
	default:
		record.SensorFallback = true
	}
	if pulseErr == nil {
		record.LEDPower = pulse.Power
		record.LEDOnDuration = pulse.OnDuration
	}

	if aerr := o.rec.Append(record, img); aerr != nil {
		return deviceLost, fmt.Errorf("frame %d: %w", i, aerr)
	}

	if record.CaptureOK {
		o.collector.IncFramesCaptured()
	} else {
		o.collector.IncFramesFailed()
	}
	if record.SensorFallback {
		o.collector.IncSensorFallback()
	}
	return deviceLost, nil
}

// acquire runs the frame source with bounded retries. Returns nil when
// every attempt failed; the tick is then recorded as a failed capture.
func (o *Orchestrator) acquire(ctx context.Context, i int) *types.Image {
	for attempt := 0; attempt <= o.cfg.CaptureRetries; attempt++ {
		if attempt > 0 {
			o.collector.IncCaptureRetries()
		}
		img, err := o.source.Capture(ctx)
		if err == nil {
			return img
		}
		o.logger.Warn("frame acquisition failed", map[string]any{
			"frame":   i,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return nil
}

// healthCheck verifies the device and host resources. The device gets
// one reconnect attempt; host floors are hard limits.
func (o *Orchestrator) healthCheck() error {
	if o.dev.State() != device.StateConnected {
		o.logger.Warn("device down, attempting reconnect", nil)
		if err := o.dev.Reconnect(); err != nil {
			return &HealthError{Resource: "device", Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
		}
		o.logger.Info("device reconnected", nil)
	}

	if o.cfg.Health != nil {
		if err := o.cfg.Health.CheckDisk(); err != nil {
			return err
		}
		if err := o.cfg.Health.CheckMemory(); err != nil {
			return err
		}
	}
	return nil
}

// finish turns the LED off, finalizes the recording, and settles the
// terminal state.
func (o *Orchestrator) finish(runErr error, stopped bool) (store.Summary, error) {
	if err := o.dev.LEDOff(); err != nil {
		o.logger.Warn("led off on finish failed", map[string]any{"error": err.Error()})
	}

	summary, err := o.rec.Finalize(time.Since(o.session.Start))
	if err != nil {
		o.logger.Error("finalize failed", map[string]any{"error": err.Error()})
	}

	o.mu.Lock()
	if runErr == nil && !stopped {
		o.state = RunCompleted
	} else {
		o.state = RunStopped
	}
	o.mu.Unlock()

	o.logger.Info("run finished", map[string]any{
		"state":        o.State().String(),
		"frames_saved": summary.FramesSaved,
		"stopped":      stopped,
	})
	return summary, err
}
