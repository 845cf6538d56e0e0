package device

import (
	"errors"
	"testing"
	"time"

	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/metrics"
	"github.com/s1alknau/nematolapse/types"
)

// fastConfig keeps retry backoff negligible in tests.
func fastConfig() Config {
	return Config{
		AckTimeout:      10 * time.Millisecond,
		ResponseTimeout: 10 * time.Millisecond,
		SyncTimeout:     10 * time.Millisecond,
		RetryBackoff:    time.Millisecond,
	}
}

func newTestController(link *StubLink, cfg Config) *Controller {
	return NewControllerWithLink(link, cfg, log.Nop(), metrics.NewCollector())
}

// connectedController skips the connect handshake and starts in the
// Connected state with the given active channel.
func connectedController(link *StubLink, cfg Config, active types.LEDKind) *Controller {
	c := newTestController(link, cfg)
	c.state = StateConnected
	c.active = active
	return c
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	link := NewStubLink()
	link.QueueTimeout()
	link.QueueTimeout()
	link.QueueReply(statusFrame(respStatusOff, 221, 480)...)
	link.QueueReply(respLEDStatus, 0x00, 0x00, 0x00, 90, 70)

	c := newTestController(link, fastConfig())
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v, want connected", c.State())
	}
	if got := c.ConsecutiveFailures(); got != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", got)
	}
	if c.ActiveLED() != types.LEDInfrared {
		t.Errorf("activeLED = %v, want ir", c.ActiveLED())
	}
}

func TestConnectFailsAfterExhaustedProbes(t *testing.T) {
	link := NewStubLink()
	c := newTestController(link, fastConfig())

	err := c.Connect()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect err = %v, want ErrTimeout", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	c := newTestController(NewStubLink(), fastConfig())
	if _, err := c.ReadSensors(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadSensors err = %v, want ErrNotConnected", err)
	}
	if err := c.SelectLED(types.LEDWhite); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SelectLED err = %v, want ErrNotConnected", err)
	}
}

func TestSelectLEDAppliesCalibratedPower(t *testing.T) {
	link := NewStubLink()
	link.QueueReply(respSelectWhite)
	link.QueueReply(respLEDStatus, 0x01, 0x00, 0x00, 80, 0)
	link.QueueReply(respAck)
	link.QueueReply(respLEDStatus, 0x01, 0x00, 0x00, 80, 70)

	cfg := fastConfig()
	cfg.Calibration = &types.CalibrationProfile{IRPower: 90, WhitePower: 70, AutoApply: true}
	c := connectedController(link, cfg, types.LEDInfrared)

	if err := c.SelectLED(types.LEDWhite); err != nil {
		t.Fatalf("SelectLED: %v", err)
	}
	if c.ActiveLED() != types.LEDWhite {
		t.Errorf("activeLED = %v, want white", c.ActiveLED())
	}

	var gotPower []byte
	for _, sent := range link.Sent {
		if sent[0] == cmdSetWhitePow {
			gotPower = sent
		}
	}
	if len(gotPower) != 2 || gotPower[1] != 70 {
		t.Errorf("power command = %v, want [0x25 70]", gotPower)
	}
}

func TestSelectLEDVerificationFailure(t *testing.T) {
	link := NewStubLink()
	// The device acknowledges the switch but keeps reporting the IR
	// channel active, on every attempt.
	for i := 0; i < maxCommandAttempts; i++ {
		link.QueueReply(respSelectWhite)
		link.QueueReply(respLEDStatus, 0x00, 0x00, 0x00, 80, 0)
	}

	c := connectedController(link, fastConfig(), types.LEDInfrared)
	err := c.SelectLED(types.LEDWhite)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("err = %v, want ErrVerifyFailed", err)
	}
	if c.ActiveLED() != types.LEDInfrared {
		t.Errorf("activeLED = %v, want ir unchanged", c.ActiveLED())
	}
	if got := c.ConsecutiveFailures(); got != 1 {
		t.Errorf("consecutiveFailures = %d, want 1", got)
	}
}

func TestSetPowerAcceptsQuantizedReadback(t *testing.T) {
	link := NewStubLink()
	link.QueueReply(respAck)
	link.QueueReply(respLEDStatus, 0x00, 0x00, 0x00, 74, 0)

	c := connectedController(link, fastConfig(), types.LEDInfrared)
	if err := c.SetPower(types.LEDInfrared, 75); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
}

func TestSetPowerRejectsOutOfRange(t *testing.T) {
	c := connectedController(NewStubLink(), fastConfig(), types.LEDInfrared)
	if err := c.SetPower(types.LEDInfrared, 101); err == nil {
		t.Error("SetPower(101) = nil, want error")
	}
}

func TestStrayHeaderTriggersAlignmentRecovery(t *testing.T) {
	link := NewStubLink()
	link.QueueReply(statusFrame(0x72, 221, 480)...) // desynchronized reply
	link.QueueReply(statusFrame(respStatusOff, 221, 480)...) // recovery probe
	link.QueueReply(statusFrame(respStatusOff, 223, 481)...) // retried command

	c := connectedController(link, fastConfig(), types.LEDInfrared)
	got, err := c.ReadSensors()
	if err != nil {
		t.Fatalf("ReadSensors: %v", err)
	}
	if got.TemperatureC != 22.3 {
		t.Errorf("temperature = %v, want 22.3", got.TemperatureC)
	}
	if link.Pending() != 0 {
		t.Errorf("pending replies = %d, want 0", link.Pending())
	}
}

func TestConsecutiveFailuresDropConnection(t *testing.T) {
	link := NewStubLink() // empty script, every read times out
	c := connectedController(link, fastConfig(), types.LEDInfrared)

	lost := false
	c.SetOnConnectionLost(func() { lost = true })

	var err error
	for i := 0; i < maxConsecutiveFailures; i++ {
		_, err = c.ReadSensors()
		if err == nil {
			t.Fatalf("ReadSensors %d: want error", i)
		}
	}
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("final err = %v, want ErrConnectionLost", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	if !lost {
		t.Error("connection-lost callback not invoked")
	}
}

func TestSuccessResetsFailureRun(t *testing.T) {
	link := NewStubLink()
	c := connectedController(link, fastConfig(), types.LEDInfrared)

	if _, err := c.ReadSensors(); err == nil {
		t.Fatal("want first command to fail")
	}
	if got := c.ConsecutiveFailures(); got != 1 {
		t.Fatalf("consecutiveFailures = %d, want 1", got)
	}

	link.QueueReply(statusFrame(respStatusOff, 220, 500)...)
	if _, err := c.ReadSensors(); err != nil {
		t.Fatalf("ReadSensors: %v", err)
	}
	if got := c.ConsecutiveFailures(); got != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", got)
	}
}

func TestSynchronizeCapture(t *testing.T) {
	link := NewStubLink()
	link.QueueReply(respAck)
	link.QueueReply(
		respSyncComplete,
		0x00, 0xC8, // 200 ms round trip
		0x00, 0xDD, // 22.1 C
		0x01, 0xE0, // 48.0 %
		0x00,       // IR
		0x00, 0x64, // 100 ms pulse
		90,
	)

	c := connectedController(link, fastConfig(), types.LEDInfrared)
	got, err := c.SynchronizeCapture(types.LEDInfrared)
	if err != nil {
		t.Fatalf("SynchronizeCapture: %v", err)
	}
	if got.OnDuration != 100*time.Millisecond {
		t.Errorf("onDuration = %v, want 100ms", got.OnDuration)
	}
	if got.Power != 90 {
		t.Errorf("power = %d, want 90", got.Power)
	}

	if sent := link.Sent[len(link.Sent)-1]; sent[0] != cmdSyncCapture {
		t.Errorf("last command = 0x%02X, want 0x%02X", sent[0], cmdSyncCapture)
	}
}

func TestSynchronizeCaptureWrongChannelInReport(t *testing.T) {
	link := NewStubLink()
	for i := 0; i < maxCommandAttempts; i++ {
		link.QueueReply(respAck)
		link.QueueReply(respSyncComplete, 0x00, 0xC8, 0x00, 0xDD, 0x01, 0xE0, 0x01, 0x00, 0x64, 90)
	}

	c := connectedController(link, fastConfig(), types.LEDInfrared)
	_, err := c.SynchronizeCapture(types.LEDInfrared)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("err = %v, want ErrVerifyFailed", err)
	}
}

func TestLEDOffConfirmsViaStatus(t *testing.T) {
	link := NewStubLink()
	link.QueueReply(respOffAck)
	link.QueueReply(statusFrame(respStatusOff, 220, 500)...)

	c := connectedController(link, fastConfig(), types.LEDInfrared)
	c.ledOn = true
	if err := c.LEDOff(); err != nil {
		t.Fatalf("LEDOff: %v", err)
	}
	if c.ledOn {
		t.Error("ledOn = true after LEDOff")
	}
}

func TestReconnectRestoresSelectedChannel(t *testing.T) {
	link := NewStubLink()
	// Connect probe, then LED resync reporting the power-on default IR.
	link.QueueReply(statusFrame(respStatusOff, 220, 500)...)
	link.QueueReply(respLEDStatus, 0x00, 0x00, 0x00, 90, 70)
	// Re-selection of the white channel with verification readback.
	link.QueueReply(respSelectWhite)
	link.QueueReply(respLEDStatus, 0x01, 0x00, 0x00, 90, 70)

	c := connectedController(link, fastConfig(), types.LEDWhite)
	c.state = StateDisconnected

	if err := c.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if c.ActiveLED() != types.LEDWhite {
		t.Errorf("activeLED = %v, want white restored", c.ActiveLED())
	}
}
