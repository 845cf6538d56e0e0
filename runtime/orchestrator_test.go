package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/s1alknau/nematolapse/device"
	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/metrics"
	"github.com/s1alknau/nematolapse/store"
	"github.com/s1alknau/nematolapse/types"
)

// stubIlluminator satisfies Illuminator with scripted behavior.
type stubIlluminator struct {
	mu sync.Mutex

	sensErr      error
	selectErr    error
	syncErrs     map[int]error // by sync call index
	syncCalls    int
	reconnects   int
	disconnected bool
	ledOff       bool
	lastLED      types.LEDKind
	selects      []types.LEDKind
	seq          []string // operation order across ticks
}

func (s *stubIlluminator) SelectLED(kind types.LEDKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = append(s.seq, "select")
	if s.selectErr != nil {
		return s.selectErr
	}
	s.selects = append(s.selects, kind)
	s.lastLED = kind
	return nil
}

func (s *stubIlluminator) ReadSensors() (device.SensorReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = append(s.seq, "sensors")
	if s.sensErr != nil {
		return device.SensorReading{}, s.sensErr
	}
	return device.SensorReading{TemperatureC: 21.5, HumidityPct: 55.0}, nil
}

func (s *stubIlluminator) SynchronizeCapture(kind types.LEDKind) (device.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = append(s.seq, "sync")
	call := s.syncCalls
	s.syncCalls++
	if err, ok := s.syncErrs[call]; ok {
		if errors.Is(err, device.ErrConnectionLost) {
			s.disconnected = true
		}
		return device.SyncResult{}, err
	}
	s.lastLED = kind
	return device.SyncResult{
		TimingMs:     200,
		TemperatureC: 22.5,
		HumidityPct:  48.0,
		LED:          kind,
		OnDuration:   100 * time.Millisecond,
		Power:        90,
	}, nil
}

func (s *stubIlluminator) LEDOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledOff = true
	return nil
}

func (s *stubIlluminator) State() device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return device.StateDisconnected
	}
	return device.StateConnected
}

func (s *stubIlluminator) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	s.disconnected = false
	return nil
}

// failingSource always errors.
type failingSource struct{}

func (failingSource) Capture(context.Context) (*types.Image, error) {
	return nil, ErrCaptureFailed
}
func (failingSource) Close() error { return nil }

// faultyRecorder delegates to a real store but fails Append from a
// given frame index on.
type faultyRecorder struct {
	*store.Store
	failFrom int
}

func (f *faultyRecorder) Append(record types.FrameRecord, image *types.Image) error {
	if record.Index >= f.failFrom {
		return &store.StoreError{Kind: store.KindIO, Op: "append", Path: f.Path(), Err: errors.New("disk gone")}
	}
	return f.Store.Append(record, image)
}

func shortSession(t *testing.T, frames int, interval time.Duration) *types.Session {
	t.Helper()
	session, err := types.NewSession("run", time.Duration(frames)*interval, interval,
		types.PhaseConfig{}, types.LEDInfrared, t.TempDir())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session
}

func newTestStore(t *testing.T, session *types.Session, collector *metrics.Collector) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "rec.nlr"), session,
		store.Config{ChunkSize: 10, FlushEvery: 2}, log.Nop(), collector)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func fastRunConfig() Config {
	return Config{SleepSlice: time.Millisecond, HealthEvery: 1000}
}

func TestRunCompletesAllFrames(t *testing.T) {
	const frames = 5
	collector := metrics.NewCollector()
	session := shortSession(t, frames, time.Millisecond)
	st := newTestStore(t, session, collector)
	illum := &stubIlluminator{}
	source := NewSimulatedSource(8, 8, 1)

	o := New(session, illum, source, st, fastRunConfig(), log.Nop(), collector)
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State() != RunCompleted {
		t.Errorf("state = %v, want completed", o.State())
	}
	if summary.FramesSaved != frames {
		t.Errorf("framesSaved = %d, want %d", summary.FramesSaved, frames)
	}
	if summary.FramesFailed != 0 {
		t.Errorf("framesFailed = %d, want 0", summary.FramesFailed)
	}
	if !illum.ledOff {
		t.Error("led not turned off on finish")
	}

	rec, err := store.ReadFile(st.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for i, f := range rec.Frames {
		if f.Index != i {
			t.Fatalf("frame %d has index %d; indices must stay dense", i, f.Index)
		}
		if f.TemperatureC != 21.5 {
			t.Errorf("frame %d temperature = %v, want pre-flash 21.5", i, f.TemperatureC)
		}
		if f.LEDPower != 90 || f.LEDOnDuration != 100*time.Millisecond {
			t.Errorf("frame %d pulse report = %d%% %v, want 90%% 100ms", i, f.LEDPower, f.LEDOnDuration)
		}
	}
}

func TestStoreFailureAbortsRunKeepingSavedFrames(t *testing.T) {
	const failFrom = 3
	collector := metrics.NewCollector()
	session := shortSession(t, 10, time.Millisecond)
	st := newTestStore(t, session, collector)
	rec := &faultyRecorder{Store: st, failFrom: failFrom}

	o := New(session, &stubIlluminator{}, NewSimulatedSource(8, 8, 1), rec, fastRunConfig(), log.Nop(), collector)
	summary, err := o.Run(context.Background())

	var se *store.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Run err = %v, want StoreError", err)
	}
	if o.State() != RunStopped {
		t.Errorf("state = %v, want stopped", o.State())
	}
	if st.FramesSaved() != failFrom {
		t.Errorf("framesSaved = %d, want %d preserved", st.FramesSaved(), failFrom)
	}
	if summary.FramesSaved != failFrom {
		t.Errorf("summary.FramesSaved = %d, want %d", summary.FramesSaved, failFrom)
	}
}

func TestStopFinalizesGracefully(t *testing.T) {
	collector := metrics.NewCollector()
	session := shortSession(t, 200, 20*time.Millisecond)
	st := newTestStore(t, session, collector)

	o := New(session, &stubIlluminator{}, NewSimulatedSource(8, 8, 1), st, fastRunConfig(), log.Nop(), collector)

	type result struct {
		summary store.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := o.Run(context.Background())
		done <- result{s, err}
	}()

	time.Sleep(70 * time.Millisecond)
	o.Stop()

	res := <-done
	if res.err != nil {
		t.Fatalf("Run after Stop: %v", res.err)
	}
	if o.State() != RunStopped {
		t.Errorf("state = %v, want stopped", o.State())
	}
	if res.summary.FramesSaved == 0 || res.summary.FramesSaved >= 200 {
		t.Errorf("framesSaved = %d, want partial run", res.summary.FramesSaved)
	}
}

func TestFailedCaptureRecordsFailedFrames(t *testing.T) {
	const frames = 3
	collector := metrics.NewCollector()
	session := shortSession(t, frames, time.Millisecond)
	st := newTestStore(t, session, collector)

	o := New(session, &stubIlluminator{}, failingSource{}, st, fastRunConfig(), log.Nop(), collector)
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.FramesSaved != frames {
		t.Errorf("framesSaved = %d, want %d; failed ticks still persist", summary.FramesSaved, frames)
	}
	if summary.FramesFailed != frames {
		t.Errorf("framesFailed = %d, want %d", summary.FramesFailed, frames)
	}

	snap := collector.Snapshot()
	if want := int64(frames * 2); snap.CaptureRetries != want {
		t.Errorf("captureRetries = %d, want %d", snap.CaptureRetries, want)
	}

	rec, err := store.ReadFile(st.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for i, f := range rec.Frames {
		if f.CaptureOK {
			t.Errorf("frame %d CaptureOK = true, want false", i)
		}
	}
	if len(rec.Images) != 0 {
		t.Errorf("images = %d, want 0", len(rec.Images))
	}
}

func TestSensorFallbackUsesPulseReport(t *testing.T) {
	collector := metrics.NewCollector()
	session := shortSession(t, 2, time.Millisecond)
	st := newTestStore(t, session, collector)
	illum := &stubIlluminator{sensErr: errors.New("sensor dead")}

	o := New(session, illum, NewSimulatedSource(8, 8, 1), st, fastRunConfig(), log.Nop(), collector)
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, err := store.ReadFile(st.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for i, f := range rec.Frames {
		if f.TemperatureC != 22.5 || f.HumidityPct != 48.0 {
			t.Errorf("frame %d sensors = %v/%v, want pulse report 22.5/48", i, f.TemperatureC, f.HumidityPct)
		}
	}
}

func TestConnectionLossTriggersImmediateReconnect(t *testing.T) {
	const frames = 4
	collector := metrics.NewCollector()
	session := shortSession(t, frames, time.Millisecond)
	st := newTestStore(t, session, collector)
	illum := &stubIlluminator{
		syncErrs: map[int]error{0: device.ErrConnectionLost},
	}

	o := New(session, illum, NewSimulatedSource(8, 8, 1), st, fastRunConfig(), log.Nop(), collector)
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if illum.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", illum.reconnects)
	}
	if summary.FramesSaved != frames {
		t.Errorf("framesSaved = %d, want %d", summary.FramesSaved, frames)
	}
	if summary.FramesFailed != 1 {
		t.Errorf("framesFailed = %d, want 1 for the lost tick", summary.FramesFailed)
	}
}

func TestPauseHoldsTicksAndResumeCatchesUp(t *testing.T) {
	collector := metrics.NewCollector()
	session := shortSession(t, 6, 10*time.Millisecond)
	st := newTestStore(t, session, collector)

	o := New(session, &stubIlluminator{}, NewSimulatedSource(8, 8, 1), st, fastRunConfig(), log.Nop(), collector)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()

	time.Sleep(15 * time.Millisecond)
	o.Pause()
	time.Sleep(30 * time.Millisecond)
	if got := o.State(); got != RunPaused {
		t.Errorf("state during pause = %v, want paused", got)
	}
	saved := st.FramesSaved()
	time.Sleep(30 * time.Millisecond)
	if got := st.FramesSaved(); got != saved {
		t.Errorf("framesSaved advanced during pause: %d -> %d", saved, got)
	}
	o.Resume()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State() != RunCompleted {
		t.Errorf("state = %v, want completed", o.State())
	}
	if got := st.FramesSaved(); got != 6 {
		t.Errorf("framesSaved = %d, want 6 after resume catch-up", got)
	}
}

func TestPhaseChangeSwitchesLEDBeforeSensorRead(t *testing.T) {
	collector := metrics.NewCollector()
	phases := types.PhaseConfig{
		Enabled:        true,
		Light:          2 * time.Millisecond,
		Dark:           2 * time.Millisecond,
		StartWithLight: true,
	}
	session, err := types.NewSession("run", 8*time.Millisecond, time.Millisecond,
		phases, types.LEDInfrared, t.TempDir())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	st := newTestStore(t, session, collector)
	illum := &stubIlluminator{}

	o := New(session, illum, NewSimulatedSource(8, 8, 1), st, fastRunConfig(), log.Nop(), collector)
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(illum.selects) == 0 {
		t.Fatal("no explicit channel switch on phase change")
	}
	// Within a tick the order is switch, sensor read, pulse; a switch
	// landing anywhere later would flash the old channel's settings.
	for i, op := range illum.seq {
		if op != "select" {
			continue
		}
		if i+1 >= len(illum.seq) || illum.seq[i+1] != "sensors" {
			t.Fatalf("seq[%d] = select not followed by sensor read: %v", i, illum.seq)
		}
	}

	rec, err := store.ReadFile(st.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rec.Transitions) != len(illum.selects) {
		t.Errorf("transitions = %d, selects = %d; every transition must switch the channel",
			len(rec.Transitions), len(illum.selects))
	}
	for i, tr := range rec.Transitions {
		if want := tr.To.LED(); illum.selects[i] != want {
			t.Errorf("select %d = %v, want %v for phase %s", i, illum.selects[i], want, tr.To)
		}
	}
}

func TestHostHealthAbortsRun(t *testing.T) {
	collector := metrics.NewCollector()
	session := shortSession(t, 10, time.Millisecond)
	st := newTestStore(t, session, collector)

	cfg := fastRunConfig()
	cfg.HealthEvery = 2
	cfg.Health = &HostHealth{Path: t.TempDir(), MinDiskFree: 1 << 62, MinMemFree: 1}

	o := New(session, &stubIlluminator{}, NewSimulatedSource(8, 8, 1), st, cfg, log.Nop(), collector)
	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrLowDisk) {
		t.Fatalf("Run err = %v, want ErrLowDisk", err)
	}
	if o.State() != RunStopped {
		t.Errorf("state = %v, want stopped", o.State())
	}
	if st.FramesSaved() != 2 {
		t.Errorf("framesSaved = %d, want 2 before the failing check", st.FramesSaved())
	}
}
