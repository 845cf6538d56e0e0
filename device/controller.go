package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/metrics"
	"github.com/s1alknau/nematolapse/types"
)

// State is the controller connection state.
type State int

const (
	// StateDisconnected means no usable link is established.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt is in progress.
	StateConnecting
	// StateConnected means the device answered a probe and commands may
	// be issued.
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	// maxCommandAttempts bounds retries within one command.
	maxCommandAttempts = 3
	// maxConsecutiveFailures is the number of whole-command failures in
	// a row before the controller declares the connection lost.
	maxConsecutiveFailures = 3
)

// Config holds controller tuning. Zero values fall back to defaults
// matched to the illuminator firmware.
type Config struct {
	// Port is the serial device path, e.g. /dev/ttyUSB0.
	Port string `yaml:"port"`
	// Baud is the line rate. Defaults to 115200.
	Baud int `yaml:"baud"`
	// BootDelay is how long to wait after opening the port before the
	// first probe, covering the microcontroller reset on DTR toggle.
	BootDelay time.Duration `yaml:"-"`
	// AckTimeout bounds waits for single-byte acknowledgements.
	AckTimeout time.Duration `yaml:"-"`
	// ResponseTimeout bounds waits for fixed-length status replies.
	ResponseTimeout time.Duration `yaml:"-"`
	// SyncTimeout bounds the wait for a capture completion report, which
	// includes the firmware-timed illumination window.
	SyncTimeout time.Duration `yaml:"-"`
	// RetryBackoff is the base delay between command retries. Attempt n
	// waits RetryBackoff << (n-1).
	RetryBackoff time.Duration `yaml:"-"`
	// Calibration, when set with AutoApply, is applied after every LED
	// selection so each channel runs at its calibrated power.
	Calibration *types.CalibrationProfile `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.BootDelay == 0 {
		c.BootDelay = 2 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 2 * time.Second
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = 5 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Controller drives the illuminator over a Link. All public methods are
// synchronous and serialize internally; the wire protocol is strictly
// command/response with no interleaving.
type Controller struct {
	cfg       Config
	logger    *log.Logger
	collector *metrics.Collector

	link     Link
	ownsLink bool

	state    State
	active   types.LEDKind
	ledOn    bool
	failures int

	onLost func()
}

// NewController creates a controller that opens the configured serial
// port on Connect.
func NewController(cfg Config, logger *log.Logger, collector *metrics.Collector) *Controller {
	if logger == nil {
		logger = log.Nop()
	}
	return &Controller{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		collector: collector,
		ownsLink:  true,
	}
}

// NewControllerWithLink creates a controller over an existing link. The
// boot delay is skipped on connect; used by tests and by transports
// opened elsewhere.
func NewControllerWithLink(link Link, cfg Config, logger *log.Logger, collector *metrics.Collector) *Controller {
	c := NewController(cfg, logger, collector)
	c.link = link
	c.ownsLink = false
	return c
}

// SetOnConnectionLost installs a callback invoked when repeated command
// failures drop the controller to Disconnected. Must be set before use.
func (c *Controller) SetOnConnectionLost(fn func()) {
	c.onLost = fn
}

// State returns the current connection state.
func (c *Controller) State() State { return c.state }

// ActiveLED returns the channel the device last confirmed as selected.
func (c *Controller) ActiveLED() types.LEDKind { return c.active }

// ConsecutiveFailures returns the current run of whole-command failures.
func (c *Controller) ConsecutiveFailures() int { return c.failures }

// Connect establishes the link and probes the device. The probe is
// retried with backoff; a device mid-boot commonly drops the first one
// or two probes. On success the controller resyncs its LED state from
// the device rather than assuming power-on defaults.
func (c *Controller) Connect() error {
	c.state = StateConnecting

	if c.link == nil {
		link, err := OpenSerial(c.cfg.Port, c.cfg.Baud)
		if err != nil {
			c.state = StateDisconnected
			return err
		}
		c.link = link
		time.Sleep(c.cfg.BootDelay)
	}

	var lastErr error
	for attempt := 0; attempt < maxCommandAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.RetryBackoff << (attempt - 1))
		}
		if _, lastErr = c.probe(); lastErr == nil {
			break
		}
		c.logger.Warn("connect probe failed", map[string]any{
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		})
	}
	if lastErr != nil {
		c.state = StateDisconnected
		if c.ownsLink {
			_ = c.link.Close()
			c.link = nil
		}
		return fmt.Errorf("connect: %w", lastErr)
	}

	c.state = StateConnected
	c.failures = 0

	// Resync LED selection and power from the device. Not fatal; the
	// first SelectLED establishes known state regardless.
	if status, err := c.queryLEDStatus(); err == nil {
		c.active = status.Active
		c.ledOn = status.OnFor(status.Active)
	} else {
		c.logger.Warn("led state resync failed", map[string]any{"error": err.Error()})
	}

	c.logger.Info("device connected", map[string]any{
		"port":       c.cfg.Port,
		"active_led": c.active.String(),
	})
	return nil
}

// Reconnect tears down the link and connects again. The previously
// selected LED channel is re-selected so a recovered device carries the
// same illumination state as before the loss.
func (c *Controller) Reconnect() error {
	restore := c.active

	if c.ownsLink && c.link != nil {
		_ = c.link.Close()
		c.link = nil
	}
	c.state = StateDisconnected
	c.failures = 0

	if err := c.Connect(); err != nil {
		return err
	}
	c.collector.IncReconnects()

	if c.active != restore {
		if err := c.SelectLED(restore); err != nil {
			return fmt.Errorf("reconnect: restore led %s: %w", restore, err)
		}
	}
	return nil
}

// Close turns the LED off on a best-effort basis and releases the link.
func (c *Controller) Close() error {
	if c.link == nil {
		return nil
	}
	if c.state == StateConnected && c.ledOn {
		if err := c.LEDOff(); err != nil {
			c.logger.Warn("led off on close failed", map[string]any{"error": err.Error()})
		}
	}
	c.state = StateDisconnected
	if c.ownsLink {
		err := c.link.Close()
		c.link = nil
		return err
	}
	return nil
}

// SelectLED switches the active channel and verifies the switch took
// effect by reading the LED state back. Selection that is acknowledged
// but not reflected in the readback is a hard failure; captures must
// never run under the wrong illumination.
func (c *Controller) SelectLED(kind types.LEDKind) error {
	if !kind.Valid() {
		return fmt.Errorf("select led: invalid kind %d", kind)
	}
	if err := c.requireConnected(); err != nil {
		return err
	}

	cmd, confirm := selectCommand(kind)
	err := c.withRetry("select_led", func() error {
		raw, err := c.exchange([]byte{cmd}, 1, c.cfg.AckTimeout)
		if err != nil {
			return err
		}
		if raw[0] != confirm {
			return &ProtocolError{Op: "select_led", Want: confirm, Got: raw[0], Err: ErrUnexpectedHeader}
		}

		status, err := c.queryLEDStatus()
		if err != nil {
			return err
		}
		if status.Active != kind {
			return fmt.Errorf("select_led: %w: requested %s, device reports %s",
				ErrVerifyFailed, kind, status.Active)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.active = kind
	c.logger.Debug("led selected", map[string]any{"led": kind.String()})

	if cal := c.cfg.Calibration; cal != nil && cal.AutoApply {
		if err := c.SetPower(kind, cal.PowerFor(kind)); err != nil {
			return fmt.Errorf("select_led: apply calibrated power: %w", err)
		}
	}
	return nil
}

// SetPower sets the power level of the given channel and verifies the
// stored level by readback. The firmware quantizes its duty cycle, so
// the readback is accepted within one unit of the request.
func (c *Controller) SetPower(kind types.LEDKind, power int) error {
	if power < 0 || power > 100 {
		return fmt.Errorf("set power: level %d out of range 0-100", power)
	}
	if err := c.requireConnected(); err != nil {
		return err
	}

	return c.withRetry("set_power", func() error {
		raw, err := c.exchange([]byte{powerCommand(kind), byte(power)}, 1, c.cfg.AckTimeout)
		if err != nil {
			return err
		}
		if raw[0] != respAck {
			return &ProtocolError{Op: "set_power", Want: respAck, Got: raw[0], Err: ErrUnexpectedHeader}
		}

		status, err := c.queryLEDStatus()
		if err != nil {
			return err
		}
		if got := status.PowerFor(kind); got < power-1 || got > power+1 {
			return fmt.Errorf("set_power: %w: requested %d, device reports %d",
				ErrVerifyFailed, power, got)
		}
		return nil
	})
}

// LEDOn turns the active channel on and confirms via a status probe.
func (c *Controller) LEDOn() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	err := c.withRetry("led_on", func() error {
		raw, err := c.exchange([]byte{cmdLEDOn}, 1, c.cfg.AckTimeout)
		if err != nil {
			return err
		}
		if raw[0] != respAck {
			return &ProtocolError{Op: "led_on", Want: respAck, Got: raw[0], Err: ErrUnexpectedHeader}
		}
		reading, err := c.probe()
		if err != nil {
			return err
		}
		if !reading.LEDOn {
			return fmt.Errorf("led_on: %w: device reports led off", ErrVerifyFailed)
		}
		return nil
	})
	if err == nil {
		c.ledOn = true
	}
	return err
}

// LEDOff turns the active channel off and confirms via a status probe.
func (c *Controller) LEDOff() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	err := c.withRetry("led_off", func() error {
		raw, err := c.exchange([]byte{cmdLEDOff}, 1, c.cfg.AckTimeout)
		if err != nil {
			return err
		}
		if raw[0] != respOffAck {
			return &ProtocolError{Op: "led_off", Want: respOffAck, Got: raw[0], Err: ErrUnexpectedHeader}
		}
		reading, err := c.probe()
		if err != nil {
			return err
		}
		if reading.LEDOn {
			return fmt.Errorf("led_off: %w: device reports led on", ErrVerifyFailed)
		}
		return nil
	})
	if err == nil {
		c.ledOn = false
	}
	return err
}

// ReadSensors queries temperature and humidity. Implausible readings
// are replaced with defaults and flagged in the result.
func (c *Controller) ReadSensors() (SensorReading, error) {
	if err := c.requireConnected(); err != nil {
		return SensorReading{}, err
	}
	var reading SensorReading
	err := c.withRetry("status", func() error {
		var err error
		reading, err = c.probe()
		return err
	})
	return reading, err
}

// QueryLEDStatus reads the device's LED state with full retry handling.
func (c *Controller) QueryLEDStatus() (LEDStatus, error) {
	if err := c.requireConnected(); err != nil {
		return LEDStatus{}, err
	}
	var status LEDStatus
	err := c.withRetry("led_status", func() error {
		var err error
		status, err = c.queryLEDStatus()
		return err
	})
	return status, err
}

// SynchronizeCapture pulses the given channel for a firmware-timed
// window and returns the completion report. The channel is selected
// first if it is not already active. The device acknowledges the
// command immediately and reports completion after the pulse.
func (c *Controller) SynchronizeCapture(kind types.LEDKind) (SyncResult, error) {
	if err := c.requireConnected(); err != nil {
		return SyncResult{}, err
	}
	if c.active != kind {
		if err := c.SelectLED(kind); err != nil {
			return SyncResult{}, fmt.Errorf("sync capture: %w", err)
		}
	}

	var result SyncResult
	err := c.withRetry("sync_capture", func() error {
		ack, err := c.exchange([]byte{cmdSyncCapture}, 1, c.cfg.AckTimeout)
		if err != nil {
			return err
		}
		if ack[0] != respAck {
			return &ProtocolError{Op: "sync_capture", Want: respAck, Got: ack[0], Err: ErrUnexpectedHeader}
		}

		raw, err := c.link.Receive(syncRespLen, c.cfg.SyncTimeout)
		if err != nil {
			return err
		}
		result, err = decodeSyncResult(raw)
		if err != nil {
			return err
		}
		if result.LED != kind {
			return fmt.Errorf("sync_capture: %w: requested %s, pulse ran on %s",
				ErrVerifyFailed, kind, result.LED)
		}
		return nil
	})
	return result, err
}

func (c *Controller) requireConnected() error {
	if c.state != StateConnected || c.link == nil {
		return ErrNotConnected
	}
	return nil
}

// withRetry runs fn up to maxCommandAttempts times with exponential
// backoff. Unexpected headers trigger alignment recovery before the
// next attempt. A command that exhausts its attempts extends the
// consecutive-failure run; reaching the limit drops the connection.
func (c *Controller) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxCommandAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.RetryBackoff << (attempt - 1))
			c.collector.IncDeviceRetries()
		}

		if lastErr = fn(); lastErr == nil {
			c.failures = 0
			return nil
		}

		c.logger.Warn("command failed", map[string]any{
			"op":      op,
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		})
		if errors.Is(lastErr, ErrUnexpectedHeader) {
			c.recoverAlignment()
		}
	}

	c.failures++
	if c.failures >= maxConsecutiveFailures {
		c.state = StateDisconnected
		c.logger.Error("connection lost", map[string]any{
			"op":       op,
			"failures": c.failures,
		})
		if c.onLost != nil {
			c.onLost()
		}
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionLost, lastErr)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

// recoverAlignment restores command/response framing after a stray
// header: flush both buffers, then run one throwaway status exchange so
// the next real command starts on a clean boundary.
func (c *Controller) recoverAlignment() {
	_ = c.link.Clear()
	if _, err := c.probe(); err != nil {
		c.logger.Warn("alignment recovery probe failed", map[string]any{"error": err.Error()})
	}
}

// exchange performs one cleared command/response round trip.
func (c *Controller) exchange(payload []byte, respLen int, timeout time.Duration) ([]byte, error) {
	if err := c.link.Clear(); err != nil {
		return nil, err
	}
	if err := c.link.Send(payload); err != nil {
		return nil, err
	}
	return c.link.Receive(respLen, timeout)
}

// probe runs a single status exchange without retry handling.
func (c *Controller) probe() (SensorReading, error) {
	raw, err := c.exchange([]byte{cmdStatus}, statusRespLen, c.cfg.ResponseTimeout)
	if err != nil {
		return SensorReading{}, err
	}
	return decodeStatus(raw)
}

// queryLEDStatus runs a single LED status exchange without retry handling.
func (c *Controller) queryLEDStatus() (LEDStatus, error) {
	raw, err := c.exchange([]byte{cmdGetLEDStatus}, ledStatusRespLen, c.cfg.ResponseTimeout)
	if err != nil {
		return LEDStatus{}, err
	}
	return decodeLEDStatus(raw)
}
