package store

import (
	"time"

	"github.com/s1alknau/nematolapse/metrics"
	"github.com/s1alknau/nematolapse/types"
)

// Magic identifies a recording file.
const Magic = "NLAPSE"

// FormatVersion is the recording container revision.
const FormatVersion = 1

// Segment kinds in the on-disk stream.
const (
	segmentFrames   = "frames"
	segmentFinalize = "finalize"
)

// Header opens every recording file. It carries everything a reader
// needs to interpret the stream without the writing process.
type Header struct {
	Magic         string        `msgpack:"magic"`
	FormatVersion int           `msgpack:"format_version"`
	Writer        string        `msgpack:"writer"`
	SessionID     string        `msgpack:"session_id"`
	Experiment    string        `msgpack:"experiment"`
	Start         time.Time     `msgpack:"start"`
	Duration      time.Duration `msgpack:"duration"`
	Interval      time.Duration `msgpack:"interval"`
	TotalFrames   int           `msgpack:"total_frames"`
	ChunkSize     int           `msgpack:"chunk_size"`

	PhasesEnabled  bool          `msgpack:"phases_enabled"`
	LightDuration  time.Duration `msgpack:"light_duration"`
	DarkDuration   time.Duration `msgpack:"dark_duration"`
	StartWithLight bool          `msgpack:"start_with_light"`
	ContinuousLED  string        `msgpack:"continuous_led"`
}

func newHeader(session *types.Session, chunkSize int) Header {
	return Header{
		Magic:          Magic,
		FormatVersion:  FormatVersion,
		Writer:         "nematolapse/" + types.Version,
		SessionID:      session.ID,
		Experiment:     session.Experiment,
		Start:          session.Start,
		Duration:       session.Duration,
		Interval:       session.Interval,
		TotalFrames:    session.TotalFrames,
		ChunkSize:      chunkSize,
		PhasesEnabled:  session.Phases.Enabled,
		LightDuration:  session.Phases.Light,
		DarkDuration:   session.Phases.Dark,
		StartWithLight: session.Phases.StartWithLight,
		ContinuousLED:  session.ContinuousLED.String(),
	}
}

// ImageBlob is one compressed frame image. Pixels are 8-bit grayscale,
// row-major, zstd-compressed.
type ImageBlob struct {
	Index    int    `msgpack:"index"`
	Width    int    `msgpack:"width"`
	Height   int    `msgpack:"height"`
	Encoding string `msgpack:"encoding"`
	Data     []byte `msgpack:"data"`
}

// PhaseTransition marks one phase boundary observed during the run.
type PhaseTransition struct {
	FrameIndex int           `msgpack:"frame_index"`
	At         time.Time     `msgpack:"at"`
	Elapsed    time.Duration `msgpack:"elapsed"`
	From       types.Phase   `msgpack:"from"`
	To         types.Phase   `msgpack:"to"`
	Cycle      int           `msgpack:"cycle"`
}

// segment is one flush unit in the on-disk stream. Frames and images
// cover only what accumulated since the previous flush.
type segment struct {
	Kind        string              `msgpack:"kind"`
	Seq         int                 `msgpack:"seq"`
	Frames      []types.FrameRecord `msgpack:"frames,omitempty"`
	Images      []ImageBlob         `msgpack:"images,omitempty"`
	Transitions []PhaseTransition   `msgpack:"transitions,omitempty"`
	Summary     *Summary            `msgpack:"summary,omitempty"`
}

// DriftStats summarize timing drift over the whole run, in seconds and
// milliseconds for direct use in reports.
type DriftStats struct {
	MeanSec float64 `msgpack:"mean_sec"`
	StdSec  float64 `msgpack:"std_sec"`
	MinSec  float64 `msgpack:"min_sec"`
	MaxSec  float64 `msgpack:"max_sec"`
	MeanMs  float64 `msgpack:"mean_ms"`
	MaxMs   float64 `msgpack:"max_ms"`
}

// Summary is written exactly once, in the finalize segment.
type Summary struct {
	FramesSaved   int              `msgpack:"frames_saved"`
	FramesFailed  int              `msgpack:"frames_failed"`
	Drift         DriftStats       `msgpack:"drift"`
	PhaseFrames   map[string]int   `msgpack:"phase_frames"`
	Transitions   int              `msgpack:"transitions"`
	FinalizedAt   time.Time        `msgpack:"finalized_at"`
	ActualRuntime time.Duration    `msgpack:"actual_runtime"`
	Counters      metrics.Snapshot `msgpack:"counters"`
}
