package types

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Session identifies one recording run. Created once at start and immutable
// for the run's lifetime; the orchestrator and store both hold references
// to the same value.
type Session struct {
	// ID is a unique identifier for this run.
	ID string
	// Experiment is the operator-chosen experiment name, used in the
	// output filename and the recording summary.
	Experiment string
	// Duration is the total planned recording length.
	Duration time.Duration
	// Interval is the planned spacing between frames.
	Interval time.Duration
	// Start is the wall-clock time the run began.
	Start time.Time
	// TotalFrames is the number of frames the schedule will produce.
	TotalFrames int
	// Phases is the light/dark cycling configuration.
	Phases PhaseConfig
	// ContinuousLED is the LED kind used when cycling is disabled.
	ContinuousLED LEDKind
	// OutputDir is the directory the recording file is created in.
	OutputDir string
}

// NewSession validates the parameters and stamps identity and start time.
func NewSession(experiment string, duration, interval time.Duration, phases PhaseConfig, continuousLED LEDKind, outputDir string) (*Session, error) {
	if experiment == "" {
		return nil, fmt.Errorf("experiment name must not be empty")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", duration)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if interval > duration {
		return nil, fmt.Errorf("interval %s exceeds duration %s", interval, duration)
	}
	if err := phases.Validate(); err != nil {
		return nil, err
	}
	if !continuousLED.Valid() {
		return nil, fmt.Errorf("invalid continuous LED kind %d", continuousLED)
	}

	return &Session{
		ID:            uuid.NewString(),
		Experiment:    experiment,
		Duration:      duration,
		Interval:      interval,
		Start:         time.Now(),
		TotalFrames:   int(duration / interval),
		Phases:        phases,
		ContinuousLED: continuousLED,
		OutputDir:     outputDir,
	}, nil
}

// ExpectedFrameTime returns the scheduled wall-clock time of frame i.
func (s *Session) ExpectedFrameTime(i int) time.Time {
	return s.Start.Add(time.Duration(i) * s.Interval)
}

// FilePath returns the recording file path for this session, timestamped
// so repeated runs of the same experiment never collide.
func (s *Session) FilePath() string {
	name := fmt.Sprintf("%s_%s.nlr", s.Experiment, s.Start.Format("20060102_150405"))
	return filepath.Join(s.OutputDir, name)
}
