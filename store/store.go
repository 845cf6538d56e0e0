package store

import (
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/metrics"
	"github.com/s1alknau/nematolapse/types"
)

// Config holds store tuning. Zero values fall back to defaults.
type Config struct {
	// ChunkSize is the record region growth increment. Capacity is
	// always a multiple of it. Defaults to 100.
	ChunkSize int `yaml:"chunk_size"`
	// FlushEvery is the number of appended frames between durability
	// flushes, bounding loss on crash. Defaults to 5.
	FlushEvery int `yaml:"flush_every"`
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 5
	}
	return c
}

// recordingFile is the writable surface of a recording. Satisfied by
// *os.File.
type recordingFile interface {
	io.Writer
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Store writes one recording file. Frame records accumulate in a
// capacity-managed region grown in chunk multiples; images are buffered
// compressed only until the next flush. Appends come from a single
// goroutine but accessors may race with it, so all state is locked.
type Store struct {
	mu sync.Mutex

	path      string
	session   *types.Session
	cfg       Config
	logger    *log.Logger
	collector *metrics.Collector

	file       recordingFile
	enc        *msgpack.Encoder
	compressor *zstd.Encoder

	records          []types.FrameRecord
	pendingFrom      int
	pendingImages    []ImageBlob
	pendingTrans     []PhaseTransition
	sinceFlush       int
	seq              int
	framesFailed     int
	transitionsTotal int
	finalized        bool
}

// New creates the recording file at path and writes the header. An
// existing file at path is never overwritten.
func New(path string, session *types.Session, cfg Config, logger *log.Logger, collector *metrics.Collector) (*Store, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, stateErr("create", path, ErrExists)
		}
		return nil, ioErr("create", path, err)
	}
	return newStore(path, file, session, cfg, logger, collector)
}

func newStore(path string, file recordingFile, session *types.Session, cfg Config, logger *log.Logger, collector *metrics.Collector) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()

	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		_ = file.Close()
		return nil, encodeErr("create", path, err)
	}

	s := &Store{
		path:       path,
		session:    session,
		cfg:        cfg,
		logger:     logger,
		collector:  collector,
		file:       file,
		enc:        msgpack.NewEncoder(file),
		compressor: compressor,
		records:    make([]types.FrameRecord, 0, cfg.ChunkSize),
	}

	if err := s.enc.Encode(newHeader(session, cfg.ChunkSize)); err != nil {
		_ = file.Close()
		return nil, encodeErr("header", path, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, ioErr("header", path, err)
	}

	logger.Info("recording created", map[string]any{
		"path":       path,
		"chunk_size": cfg.ChunkSize,
	})
	return s, nil
}

// Path returns the recording file path.
func (s *Store) Path() string { return s.path }

// FramesSaved returns the number of records appended so far. Capacity
// growth never inflates this count.
func (s *Store) FramesSaved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Capacity returns the current record region capacity, always a
// multiple of the chunk size.
func (s *Store) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cap(s.records)
}

// Append adds one frame record and its image. A failed capture passes a
// nil image; the record is stored regardless so indices stay dense.
// Every FlushEvery appends trigger a durability flush; if that flush
// fails the triggering record is rolled back, so FramesSaved never
// counts a frame the flush could not cover.
func (s *Store) Append(record types.FrameRecord, image *types.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked("append"); err != nil {
		return err
	}

	if len(s.records) == cap(s.records) {
		s.growLocked()
	}
	s.records = append(s.records, record)

	if !record.CaptureOK {
		s.framesFailed++
	}
	addedImage := image != nil && len(image.Pixels) > 0
	if addedImage {
		s.pendingImages = append(s.pendingImages, ImageBlob{
			Index:    record.Index,
			Width:    image.Width,
			Height:   image.Height,
			Encoding: "zstd",
			Data:     s.compressor.EncodeAll(image.Pixels, nil),
		})
	}

	s.sinceFlush++
	if s.sinceFlush >= s.cfg.FlushEvery {
		if err := s.flushLocked(); err != nil {
			// The failed segment was rewound off the file; drop this
			// record too so the saved count only covers frames that can
			// still become durable. Earlier pending frames stay queued
			// for the next flush attempt.
			s.records = s.records[:len(s.records)-1]
			if addedImage {
				s.pendingImages = s.pendingImages[:len(s.pendingImages)-1]
			}
			if !record.CaptureOK {
				s.framesFailed--
			}
			s.sinceFlush--
			return err
		}
	}
	return nil
}

// RecordPhaseTransition notes a phase boundary. Transitions ride along
// with the next frame flush.
func (s *Store) RecordPhaseTransition(t PhaseTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked("transition"); err != nil {
		return err
	}
	s.pendingTrans = append(s.pendingTrans, t)
	s.transitionsTotal++
	return nil
}

// Flush writes everything accumulated since the last flush and syncs.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked("flush"); err != nil {
		return err
	}
	return s.flushLocked()
}

// Finalize flushes pending data, writes the summary segment, and closes
// the file. Exactly-once: a second call fails with ErrFinalized.
func (s *Store) Finalize(actualRuntime time.Duration) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return Summary{}, stateErr("finalize", s.path, ErrFinalized)
	}

	if err := s.flushLocked(); err != nil {
		return Summary{}, err
	}

	summary := s.summarizeLocked(actualRuntime)
	seg := segment{Kind: segmentFinalize, Seq: s.seq + 1, Summary: &summary}
	if err := s.writeSegmentLocked("finalize", seg); err != nil {
		return Summary{}, err
	}
	s.seq++
	if err := s.file.Close(); err != nil {
		return Summary{}, ioErr("finalize", s.path, err)
	}

	s.finalized = true
	s.compressor.Close()
	s.logger.Info("recording finalized", map[string]any{
		"path":         s.path,
		"frames_saved": summary.FramesSaved,
		"drift_max_ms": summary.Drift.MaxMs,
	})
	return summary, nil
}

func (s *Store) writableLocked(op string) error {
	if s.finalized {
		return stateErr(op, s.path, ErrFinalized)
	}
	return nil
}

// growLocked extends the record region by one chunk, copying into a new
// backing array so capacity stays an exact chunk multiple.
func (s *Store) growLocked() {
	grown := make([]types.FrameRecord, len(s.records), cap(s.records)+s.cfg.ChunkSize)
	copy(grown, s.records)
	s.records = grown
	s.logger.Debug("record region grown", map[string]any{
		"capacity": cap(s.records),
	})
}

func (s *Store) flushLocked() error {
	pending := s.records[s.pendingFrom:]
	if len(pending) == 0 && len(s.pendingTrans) == 0 {
		return nil
	}

	seg := segment{
		Kind:        segmentFrames,
		Seq:         s.seq + 1,
		Frames:      pending,
		Images:      s.pendingImages,
		Transitions: s.pendingTrans,
	}
	if err := s.writeSegmentLocked("flush", seg); err != nil {
		return err
	}

	s.seq++
	s.pendingFrom = len(s.records)
	s.pendingImages = nil
	s.pendingTrans = nil
	s.sinceFlush = 0
	s.collector.IncFlushes()
	return nil
}

// writeSegmentLocked encodes one segment and syncs it. On failure the
// file is truncated back to the pre-segment offset, so a partial encode
// never leaves unreadable bytes ahead of segments written later.
func (s *Store) writeSegmentLocked(op string, seg segment) error {
	offset, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return ioErr(op, s.path, err)
	}
	if err := s.enc.Encode(seg); err != nil {
		s.rewindLocked(offset)
		return encodeErr(op, s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		s.rewindLocked(offset)
		return ioErr(op, s.path, err)
	}
	return nil
}

func (s *Store) rewindLocked(offset int64) {
	if err := s.file.Truncate(offset); err != nil {
		s.logger.Error("truncate after failed segment write", map[string]any{
			"path":  s.path,
			"error": err.Error(),
		})
		return
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		s.logger.Error("seek after failed segment write", map[string]any{
			"path":  s.path,
			"error": err.Error(),
		})
	}
}

func (s *Store) summarizeLocked(actualRuntime time.Duration) Summary {
	phaseFrames := make(map[string]int)
	for i := range s.records {
		phaseFrames[string(s.records[i].Phase)]++
	}

	return Summary{
		FramesSaved:   len(s.records),
		FramesFailed:  s.framesFailed,
		Drift:         driftStats(s.records),
		PhaseFrames:   phaseFrames,
		Transitions:   s.transitionsTotal,
		FinalizedAt:   time.Now(),
		ActualRuntime: actualRuntime,
		Counters:      s.collector.Snapshot(),
	}
}

// driftStats computes drift distribution over the run.
func driftStats(records []types.FrameRecord) DriftStats {
	if len(records) == 0 {
		return DriftStats{}
	}

	minD, maxD := records[0].Drift, records[0].Drift
	var sum float64
	for i := range records {
		d := records[i].Drift
		if d < minD {
			minD = d
		}
		if d > maxD {
			maxD = d
		}
		sum += d.Seconds()
	}
	mean := sum / float64(len(records))

	var sqDiff float64
	for i := range records {
		d := records[i].Drift.Seconds() - mean
		sqDiff += d * d
	}
	std := math.Sqrt(sqDiff / float64(len(records)))

	return DriftStats{
		MeanSec: mean,
		StdSec:  std,
		MinSec:  minD.Seconds(),
		MaxSec:  maxD.Seconds(),
		MeanMs:  mean * 1000,
		MaxMs:   maxD.Seconds() * 1000,
	}
}
